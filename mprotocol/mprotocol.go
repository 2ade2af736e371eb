// Package mprotocol implements the built-in transport mini-protocols
// from spec §4.3: TCP, UDP, ICMP, SCTP, ESP, ARP, OSPF, and the
// unknown/corrupt pseudo-transports. Each is a pcap.MiniProtocol; the
// TCP one feeds the per-direction reassembler, the UDP one dispatches
// classifiers and parsers per packet.
//
// Grounded in the teacher's split between transport plumbing
// (pcap/stream.go's tcpStream) and parser dispatch (akinet factories):
// here the transport side is the mini-protocol and the dispatch side is
// package reassembly.
package mprotocol

import (
	"encoding/binary"

	"github.com/arkime-core/capture/pcap"
	"github.com/arkime-core/capture/reassembly"
	"github.com/arkime-core/capture/session"
)

// Setup registers every built-in mini-protocol under its fixed id.
// Call once at startup, after the reassembly registry is populated.
func Setup(disp *reassembly.Dispatcher) {
	pcap.SetMiniProtocol(pcap.MProtoTCP, &tcpProto{disp: disp})
	pcap.SetMiniProtocol(pcap.MProtoUDP, &udpProto{disp: disp})
	pcap.SetMiniProtocol(pcap.MProtoICMP, passive{name: "icmp", typ: session.TypeICMP})
	pcap.SetMiniProtocol(pcap.MProtoSCTP, sctpProto{})
	pcap.SetMiniProtocol(pcap.MProtoESP, passive{name: "esp", typ: session.TypeESP})
	pcap.SetMiniProtocol(pcap.MProtoOtherIP, passive{name: "other-ip", typ: session.TypeOther})
	pcap.SetMiniProtocol(pcap.MProtoARP, labeled{passive{name: "arp", typ: session.TypeOther}})
	pcap.SetMiniProtocol(pcap.MProtoOSPF, labeled{passive{name: "ospf", typ: session.TypeOther}})
	pcap.SetMiniProtocol(pcap.MProtoUnknownEther, passive{name: "unknown-ether", typ: session.TypeOther})
	pcap.SetMiniProtocol(pcap.MProtoCorruptEther, passive{name: "corrupt-ether", typ: session.TypeOther})
	pcap.SetMiniProtocol(pcap.MProtoUnknownIP, passive{name: "unknown-ip", typ: session.TypeOther})
	pcap.SetMiniProtocol(pcap.MProtoCorruptIP, passive{name: "corrupt-ip", typ: session.TypeOther})
}

// passive is the shared shape of the mini-protocols that only aggregate
// counters: no reassembly, no parsers, nothing to free.
type passive struct {
	name string
	typ  session.Type
}

func (m passive) Name() string { return m.name }

func (m passive) CreateSessionID(p *pcap.Packet) session.ID { return p.SessionID }

func (m passive) PreProcess(s *session.Session, p *pcap.Packet, isNew bool) {}

func (m passive) Process(s *session.Session, p *pcap.Packet) bool { return true }

func (m passive) SFree(s *session.Session) {}

func (m passive) SessionType() session.Type { return m.typ }

// labeled additionally attaches the mini-protocol's own name as the
// session's protocol label on the first packet (arp, ospf).
type labeled struct {
	passive
}

func (m labeled) PreProcess(s *session.Session, p *pcap.Packet, isNew bool) {
	if isNew {
		s.AddProtocol(m.name)
	}
}

// TCP flag bits.
const (
	thFIN = 0x01
	thSYN = 0x02
	thRST = 0x04
	thPSH = 0x08
	thACK = 0x10
	thURG = 0x20
)

type tcpProto struct {
	disp *reassembly.Dispatcher
}

func (m *tcpProto) Name() string { return "tcp" }

func (m *tcpProto) CreateSessionID(p *pcap.Packet) session.ID { return p.SessionID }

func (m *tcpProto) SessionType() session.Type { return session.TypeTCP }

// PreProcess counts flags, tracks the handshake for initRTT, and feeds
// the payload into the per-direction reassembler (spec §4.3 "The TCP
// mini-protocol pre_process feeds the packet into a per-direction
// reassembler").
func (m *tcpProto) PreProcess(s *session.Session, p *pcap.Packet, isNew bool) {
	if p.L4Off+20 > len(p.Buf) {
		return
	}
	l4 := p.Buf[p.L4Off:]
	srcPort := binary.BigEndian.Uint16(l4[0:2])
	dstPort := binary.BigEndian.Uint16(l4[2:4])
	seq := binary.BigEndian.Uint32(l4[4:8])
	flags := l4[13]

	switch {
	case flags&thSYN != 0 && flags&thACK != 0:
		s.TCPFlags.SYNACK++
		s.TCPState.InitDirection(p.Direction, seq+1)
	case flags&thSYN != 0:
		s.TCPFlags.SYN++
		s.RecordSYN(p.Ts)
		s.TCPState.InitDirection(p.Direction, seq+1)
	case flags&thACK != 0:
		s.TCPFlags.ACK++
		s.RecordHandshakeACK(p.Ts)
	}
	if flags&thPSH != 0 {
		s.TCPFlags.PSH++
	}
	if flags&thRST != 0 {
		s.TCPFlags.RST++
	}
	if flags&thURG != 0 {
		s.TCPFlags.URG++
	}
	if flags&thFIN != 0 {
		s.TCPFlags.FIN++
		s.TCPState.ObserveFIN(p.Direction)
	}
	if flags&thACK != 0 {
		s.TCPState.ObserveACK(p.Direction)
	}

	if payload := p.Payload(); len(payload) > 0 {
		m.disp.TCP(s, p.Direction, seq, payload, srcPort, dstPort)
	}
}

func (m *tcpProto) Process(s *session.Session, p *pcap.Packet) bool { return true }

func (m *tcpProto) SFree(s *session.Session) {
	s.ClearPending(session.DirAB)
	s.ClearPending(session.DirBA)
}

// MidSave keeps the reassembly edges intact across a mid-save; only the
// counters reset, so the continuing flow keeps delivering in order.
func (m *tcpProto) MidSave(s *session.Session) {}

type udpProto struct {
	disp *reassembly.Dispatcher
}

func (m *udpProto) Name() string { return "udp" }

func (m *udpProto) CreateSessionID(p *pcap.Packet) session.ID { return p.SessionID }

func (m *udpProto) SessionType() session.Type { return session.TypeUDP }

// PreProcess invokes classifiers and parsers once per packet with the
// L4 payload (spec §4.3 UDP pre_process).
func (m *udpProto) PreProcess(s *session.Session, p *pcap.Packet, isNew bool) {
	if p.L4Off+8 > len(p.Buf) {
		return
	}
	l4 := p.Buf[p.L4Off:]
	srcPort := binary.BigEndian.Uint16(l4[0:2])
	dstPort := binary.BigEndian.Uint16(l4[2:4])
	m.disp.UDP(s, p.Direction, p.Payload(), srcPort, dstPort)
}

func (m *udpProto) Process(s *session.Session, p *pcap.Packet) bool { return true }

func (m *udpProto) SFree(s *session.Session) {}

// sctpProto aggregates SCTP associations as sessions without stream
// reassembly; chunk-level parsing is a parser concern.
type sctpProto struct{}

func (m sctpProto) Name() string { return "sctp" }

func (m sctpProto) CreateSessionID(p *pcap.Packet) session.ID { return p.SessionID }

func (m sctpProto) SessionType() session.Type { return session.TypeSCTP }

func (m sctpProto) PreProcess(s *session.Session, p *pcap.Packet, isNew bool) {
	if isNew {
		s.AddProtocol("sctp")
	}
}

func (m sctpProto) Process(s *session.Session, p *pcap.Packet) bool { return true }

func (m sctpProto) SFree(s *session.Session) {}
