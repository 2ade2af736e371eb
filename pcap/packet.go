// Package pcap implements the packet pipeline from spec §4.1: link,
// network, and transport decoding, IPv4 fragment reassembly hookup,
// deduplication, drop-policy enforcement, and per-flow sharding onto
// worker queues.
//
// Grounded in the teacher's pcap package (pcap/net_parse.go,
// pcap/pcap.go): gopacket's layers enums drive the decode switch, the
// reader boundary is a small mockable interface, and per-source
// goroutines feed a bounded channel-like queue. Generalized from the
// teacher's single "parsed traffic" output to the spec's outcome enum
// and W sharded worker queues.
package pcap

import (
	"time"

	"github.com/google/gopacket/layers"

	"github.com/arkime-core/capture/session"
)

// Outcome is the decoder result enum from spec §4.1. Every decoder
// returns one; anything other than DoProcess stops the packet short of
// a worker queue.
type Outcome int

const (
	DoProcess Outcome = iota
	IPDropped
	OverloadDropped
	Corrupt
	Unknown
	IPPortDropped
	DontProcess
	DontProcessOrFree
	DuplicateDropped
)

func (o Outcome) String() string {
	switch o {
	case DoProcess:
		return "do-process"
	case IPDropped:
		return "ip-dropped"
	case OverloadDropped:
		return "overload-dropped"
	case Corrupt:
		return "corrupt"
	case Unknown:
		return "unknown"
	case IPPortDropped:
		return "ipport-dropped"
	case DontProcess:
		return "dont-process"
	case DontProcessOrFree:
		return "dont-process-or-free"
	case DuplicateDropped:
		return "duplicate-dropped"
	default:
		return "invalid"
	}
}

// Tunnel is the bitmask of encapsulations crossed while decoding (spec
// §3's tunnel mask).
type Tunnel uint16

const (
	TunnelGRE Tunnel = 1 << iota
	TunnelPPPoE
	TunnelMPLS
	TunnelPPP
	TunnelGTP
	TunnelVXLAN
	TunnelVXLANGPE
	TunnelGeneve
)

// Packet is the decoded-packet carrier from spec §3. Offsets index into
// Buf; flags and ids are flat fields so the worker path never re-walks
// a layer stack.
type Packet struct {
	Ts  time.Time
	Buf []byte

	// Set by the writer collaborator (spec §6); zero means the writer
	// was overloaded and skipped this packet.
	WriterFileNum uint32
	WriterFilePos uint64

	OuterEtherOff int
	OuterIPOff    int
	EtherOff      int
	IPOff         int
	L4Off         int
	PayloadOff    int
	PayloadLen    int

	V6      bool
	OuterV6 bool
	WasFrag bool
	Copied  bool

	Tunnel    Tunnel
	Direction session.Direction
	VLAN      uint16
	VNI       uint32
	IPProto   uint8

	MProtocol int
	Hash      uint32
	ReaderPos int

	SessionID session.ID

	// Innermost ethertype reached while decoding, for the side-capture
	// bitmaps.
	lastEthertype uint16
}

// Payload returns the L4 payload slice the offsets describe.
func (p *Packet) Payload() []byte {
	if p.PayloadOff < 0 || p.PayloadOff > len(p.Buf) {
		return nil
	}
	end := p.PayloadOff + p.PayloadLen
	if end > len(p.Buf) {
		end = len(p.Buf)
	}
	return p.Buf[p.PayloadOff:end]
}

// Own copies Buf if the packet still borrows the reader's buffer (spec
// §4.1.3 copy policy: "the batch path copies lazily at the last moment
// so pure-drop paths never pay the copy cost").
func (p *Packet) Own() {
	if p.Copied {
		return
	}
	p.Buf = append([]byte(nil), p.Buf...)
	p.Copied = true
}

// Link-layer types from the capture header (classic libpcap DLT
// numbering, the same values gopacket's layers.LinkType wraps).
const (
	LinkNull       = int(layers.LinkTypeNull)
	LinkEthernet   = int(layers.LinkTypeEthernet)
	LinkRaw        = 101
	LinkLinuxSLL   = int(layers.LinkTypeLinuxSLL)
	LinkLinuxSLL2  = 276
	LinkFrameRelay = int(layers.LinkTypeFrameRelay)
	LinkIEEE802    = 6
	LinkRadiotap   = int(layers.LinkTypeIEEE80211Radio)
	LinkNFLog      = 239
)
