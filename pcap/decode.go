package pcap

import (
	"encoding/binary"
	"net"

	"github.com/arkime-core/capture/config"
	"github.com/arkime-core/capture/dedup"
	"github.com/arkime-core/capture/fragment"
	"github.com/arkime-core/capture/session"
	"github.com/arkime-core/capture/telemetry"
)

// DecoderFunc handles one layer's worth of bytes. data starts at the
// layer the function was registered for; the function updates p's
// offsets and may recurse back into the Decoder for nested layers.
type DecoderFunc func(p *Packet, data []byte) Outcome

// SideWriter receives packets the core could not interpret, so they can
// be written to opt-in side PCAPs (spec §4.1, §7). Implemented by
// package writer; nil disables side capture entirely.
type SideWriter interface {
	WriteSide(p *Packet, outcome Outcome)
}

// Decoder is the outer dispatcher from spec §4.1: it branches on the
// capture's link type, walks nested encapsulations, enforces the drop
// policies, and stamps each surviving packet with a sessionId, hash,
// and mini-protocol id. One Decoder is shared by all reader threads;
// its dispatch tables are written at startup and read-only afterward.
type Decoder struct {
	counters *telemetry.Counters
	frags    *fragment.Table
	dedupWin *dedup.Window

	etherTypes map[uint16]DecoderFunc
	ipProtos   map[uint8]DecoderFunc
	udpPorts   map[uint16]DecoderFunc

	// Opt-in bitmaps selecting which unknown/corrupt traffic is copied
	// to side PCAPs (spec §4.1 "controlled by per-ethertype and
	// per-ip-protocol bitmaps").
	sideEther   map[uint16]bool
	sideIPProto map[uint8]bool
	side        SideWriter
}

// NewDecoder returns a Decoder wired to the shared drop counters,
// fragment table, and (optional, may be nil) dedup window.
func NewDecoder(counters *telemetry.Counters, frags *fragment.Table, dedupWin *dedup.Window) *Decoder {
	d := &Decoder{
		counters:    counters,
		frags:       frags,
		dedupWin:    dedupWin,
		etherTypes:  map[uint16]DecoderFunc{},
		ipProtos:    map[uint8]DecoderFunc{},
		udpPorts:    map[uint16]DecoderFunc{},
		sideEther:   map[uint16]bool{},
		sideIPProto: map[uint8]bool{},
	}
	d.installBuiltins()
	return d
}

// Ethertype and protocol numbers the built-in decoders branch on.
const (
	etherIPv4  = 0x0800
	etherARP   = 0x0806
	etherVLAN  = 0x8100
	etherQinQ  = 0x88a8
	etherMPLS  = 0x8847
	etherPPPoE = 0x8864
	etherIPv6  = 0x86dd

	ipProtoICMP     = 1
	ipProtoTCP      = 6
	ipProtoUDP      = 17
	ipProtoIPv4     = 4
	ipProtoIPv6     = 41
	ipProtoGRE      = 47
	ipProtoESP      = 50
	ipProtoICMPv6   = 58
	ipProtoOSPF     = 89
	ipProtoSCTP     = 132
	ipProtoHopOpts  = 0
	ipProtoRouting  = 43
	ipProtoFragment = 44
	ipProtoDstOpts  = 60

	portVXLAN  = 4789
	portGeneve = 6081
	portGTPu   = 2152
)

func (d *Decoder) installBuiltins() {
	d.etherTypes[etherIPv4] = d.decodeIPv4
	d.etherTypes[etherIPv6] = d.decodeIPv6
	d.etherTypes[etherARP] = d.decodeARP
	d.etherTypes[etherMPLS] = d.decodeMPLS
	d.etherTypes[etherPPPoE] = d.decodePPPoE

	d.ipProtos[ipProtoGRE] = d.decodeGRE

	d.udpPorts[portVXLAN] = d.decodeVXLAN
	d.udpPorts[portGeneve] = d.decodeGeneve
	d.udpPorts[portGTPu] = d.decodeGTP
}

// RegisterEthertype installs a decoder for an ethertype, replacing any
// built-in. Startup-time only.
func (d *Decoder) RegisterEthertype(et uint16, fn DecoderFunc) {
	d.etherTypes[et] = fn
}

// RegisterIPProtocol installs a decoder for an IP protocol number.
// Startup-time only.
func (d *Decoder) RegisterIPProtocol(proto uint8, fn DecoderFunc) {
	d.ipProtos[proto] = fn
}

// RegisterUDPDstPort installs a per-destination-port UDP enqueue
// callback (spec §4.1: "DNS, QUIC, VXLAN, Geneve, ..."); returning
// Unknown from the callback falls back to the generic UDP path.
func (d *Decoder) RegisterUDPDstPort(port uint16, fn DecoderFunc) {
	d.udpPorts[port] = fn
}

// EnableSideCapture wires a SideWriter and marks which ethertypes and
// IP protocols should have their unknown/corrupt packets copied out.
func (d *Decoder) EnableSideCapture(w SideWriter, ethers []uint16, ipProtos []uint8) {
	d.side = w
	for _, et := range ethers {
		d.sideEther[et] = true
	}
	for _, pr := range ipProtos {
		d.sideIPProto[pr] = true
	}
}

// DecodeLink is the pipeline entry point: dispatch on the capture
// header's link type (spec §4.1's outer dispatcher). The returned
// outcome decides whether the packet continues to a worker queue;
// Unknown/Corrupt packets may still carry a pseudo-sessionId so the
// traffic aggregates (spec §4.1 "Unknown/corrupt paths synthesize a
// pseudo-sessionId... so such traffic is still aggregated").
func (d *Decoder) DecodeLink(p *Packet, linkType int, data []byte) Outcome {
	var outcome Outcome
	switch linkType {
	case LinkEthernet:
		outcome = d.decodeEthernet(p, data)
	case LinkRaw:
		outcome = d.decodeRawIP(p, data)
	case LinkNull:
		outcome = d.decodeNull(p, data)
	case LinkLinuxSLL:
		outcome = d.decodeSLL(p, data)
	case LinkLinuxSLL2:
		outcome = d.decodeSLL2(p, data)
	case LinkFrameRelay:
		outcome = d.decodeFrameRelay(p, data)
	default:
		// radiotap, IEEE-802, NFLOG: aggregated but not interpreted.
		outcome = d.unknownEther(p, nil, nil)
	}
	d.count(outcome)
	d.maybeSideCapture(p, outcome)
	return outcome
}

func (d *Decoder) count(o Outcome) {
	switch o {
	case IPDropped:
		d.counters.AddIPDropped(1)
	case Corrupt:
		d.counters.AddCorruptDropped(1)
	case Unknown:
		d.counters.AddUnknownDropped(1)
	case IPPortDropped:
		d.counters.AddIPPortDropped(1)
	case DuplicateDropped:
		d.counters.AddDuplicateDropped(1)
	}
}

func (d *Decoder) maybeSideCapture(p *Packet, o Outcome) {
	if d.side == nil || (o != Unknown && o != Corrupt) {
		return
	}
	et := p.lastEthertype
	if d.sideEther[et] || d.sideIPProto[p.IPProto] {
		d.side.WriteSide(p, o)
	}
}

// ShouldEnqueue reports whether a decoded packet continues to a worker:
// DoProcess always, Unknown/Corrupt only when a pseudo-session was
// synthesized for it.
func ShouldEnqueue(o Outcome, p *Packet) bool {
	switch o {
	case DoProcess:
		return true
	case Unknown, Corrupt:
		return p.MProtocol != MProtoNone && len(p.SessionID) > 0
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Link layer

func (d *Decoder) decodeEthernet(p *Packet, data []byte) Outcome {
	if len(data) < 14 {
		return d.corruptEther(p, data)
	}
	p.EtherOff = offsetOf(p.Buf, data)

	etherType := binary.BigEndian.Uint16(data[12:14])
	payload := data[14:]

	// 802.1Q / QinQ: record the outermost VLAN id and keep walking.
	for etherType == etherVLAN || etherType == etherQinQ {
		if len(payload) < 4 {
			return d.corruptEther(p, data)
		}
		if p.VLAN == 0 {
			p.VLAN = binary.BigEndian.Uint16(payload[0:2]) & 0x0fff
		}
		etherType = binary.BigEndian.Uint16(payload[2:4])
		payload = payload[4:]
	}

	return d.dispatchEthertype(p, etherType, payload, data)
}

func (d *Decoder) dispatchEthertype(p *Packet, etherType uint16, payload, frame []byte) Outcome {
	p.lastEthertype = etherType
	if fn, ok := d.etherTypes[etherType]; ok {
		return fn(p, payload)
	}
	return d.unknownEther(p, frame, payload)
}

// unknownEther synthesizes a MAC-pair pseudo-session for traffic with an
// unrecognized ethertype.
func (d *Decoder) unknownEther(p *Packet, frame, _ []byte) Outcome {
	p.MProtocol = MProtoUnknownEther
	p.SessionID = macPairID(session.PseudoUnknownEther, frame)
	p.Hash = p.SessionID.Hash()
	return Unknown
}

func (d *Decoder) corruptEther(p *Packet, frame []byte) Outcome {
	p.MProtocol = MProtoCorruptEther
	p.SessionID = macPairID(session.PseudoCorruptEther, frame)
	p.Hash = p.SessionID.Hash()
	return Corrupt
}

// macPairID keys a pseudo-session on the canonically-ordered MAC pair,
// falling back to a fixed key when the frame is too short to hold one.
func macPairID(miniProto byte, frame []byte) session.ID {
	if len(frame) < 12 {
		return session.NewPseudoID(miniProto, []byte{0})
	}
	dst, src := frame[0:6], frame[6:12]
	key := make([]byte, 12)
	if bytesCompare(src, dst) <= 0 {
		copy(key[0:6], src)
		copy(key[6:12], dst)
	} else {
		copy(key[0:6], dst)
		copy(key[6:12], src)
	}
	return session.NewPseudoID(miniProto, key)
}

func bytesCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return len(a) - len(b)
}

func (d *Decoder) decodeRawIP(p *Packet, data []byte) Outcome {
	if len(data) < 1 {
		return d.corruptEther(p, nil)
	}
	switch data[0] >> 4 {
	case 4:
		return d.decodeIPv4(p, data)
	case 6:
		return d.decodeIPv6(p, data)
	default:
		return d.corruptEther(p, nil)
	}
}

// decodeNull handles the BSD loopback encapsulation: a 4-byte,
// host-endian address family. Both endiannesses are accepted since the
// capture may come from a foreign machine.
func (d *Decoder) decodeNull(p *Packet, data []byte) Outcome {
	if len(data) < 4 {
		return d.corruptEther(p, nil)
	}
	family := binary.LittleEndian.Uint32(data[0:4])
	if family > 0xffff {
		family = binary.BigEndian.Uint32(data[0:4])
	}
	switch family {
	case 2:
		return d.decodeIPv4(p, data[4:])
	case 10, 24, 28, 30:
		return d.decodeIPv6(p, data[4:])
	default:
		return d.unknownEther(p, nil, data[4:])
	}
}

// decodeSLL handles Linux cooked capture v1: 16-byte header with the
// protocol in the last two bytes.
func (d *Decoder) decodeSLL(p *Packet, data []byte) Outcome {
	if len(data) < 16 {
		return d.corruptEther(p, nil)
	}
	etherType := binary.BigEndian.Uint16(data[14:16])
	return d.dispatchEthertype(p, etherType, data[16:], nil)
}

// decodeSLL2 handles Linux cooked capture v2: 20-byte header with the
// protocol first.
func (d *Decoder) decodeSLL2(p *Packet, data []byte) Outcome {
	if len(data) < 20 {
		return d.corruptEther(p, nil)
	}
	etherType := binary.BigEndian.Uint16(data[0:2])
	return d.dispatchEthertype(p, etherType, data[20:], nil)
}

// decodeFrameRelay handles Q.922 frames carrying an NLPID-tagged
// payload.
func (d *Decoder) decodeFrameRelay(p *Packet, data []byte) Outcome {
	if len(data) < 4 {
		return d.corruptEther(p, nil)
	}
	if data[2] != 0x03 {
		return d.unknownEther(p, nil, data)
	}
	switch data[3] {
	case 0xcc:
		return d.decodeIPv4(p, data[4:])
	case 0x8e:
		return d.decodeIPv6(p, data[4:])
	default:
		return d.unknownEther(p, nil, data)
	}
}

// ---------------------------------------------------------------------------
// Tunnels

// nest moves the current ether/IP offsets to the outer slots before a
// tunnel recursion overwrites them (spec §4.1 "Each decoder may recurse
// (tunnels nest), updating the packet's outer/inner offset fields").
func (p *Packet) nest() {
	p.OuterEtherOff = p.EtherOff
	p.OuterIPOff = p.IPOff
	p.OuterV6 = p.V6
}

func (d *Decoder) decodeGRE(p *Packet, data []byte) Outcome {
	if len(data) < 4 {
		return d.corruptIP(p)
	}
	flags := binary.BigEndian.Uint16(data[0:2])
	etherType := binary.BigEndian.Uint16(data[2:4])
	off := 4
	if flags&0x8000 != 0 { // checksum
		off += 4
	}
	if flags&0x2000 != 0 { // key
		off += 4
	}
	if flags&0x1000 != 0 { // sequence
		off += 4
	}
	if len(data) < off {
		return d.corruptIP(p)
	}
	p.Tunnel |= TunnelGRE
	p.nest()
	return d.dispatchEthertype(p, etherType, data[off:], nil)
}

func (d *Decoder) decodeVXLAN(p *Packet, data []byte) Outcome {
	if len(data) < 8 {
		return Unknown
	}
	flags := data[0]
	if flags&0x08 == 0 {
		return Unknown
	}
	vni := binary.BigEndian.Uint32(data[4:8]) >> 8
	p.VNI = vni
	p.nest()
	if flags&0x04 != 0 {
		// VXLAN-GPE carries a next-protocol byte instead of always
		// wrapping Ethernet.
		p.Tunnel |= TunnelVXLANGPE
		switch data[3] {
		case 1:
			return d.decodeIPv4(p, data[8:])
		case 2:
			return d.decodeIPv6(p, data[8:])
		case 3:
			return d.decodeEthernet(p, data[8:])
		default:
			return Unknown
		}
	}
	p.Tunnel |= TunnelVXLAN
	return d.decodeEthernet(p, data[8:])
}

func (d *Decoder) decodeGeneve(p *Packet, data []byte) Outcome {
	if len(data) < 8 {
		return Unknown
	}
	optLen := int(data[0]&0x3f) * 4
	etherType := binary.BigEndian.Uint16(data[2:4])
	p.VNI = binary.BigEndian.Uint32(data[4:8]) >> 8
	if len(data) < 8+optLen {
		return Unknown
	}
	p.Tunnel |= TunnelGeneve
	p.nest()
	return d.dispatchEthertype(p, etherType, data[8+optLen:], nil)
}

// decodeGTP handles GTP-U v1 T-PDU frames only; anything else falls back
// to the generic UDP path.
func (d *Decoder) decodeGTP(p *Packet, data []byte) Outcome {
	if len(data) < 8 || data[0]>>5 != 1 || data[1] != 0xff {
		return Unknown
	}
	off := 8
	if data[0]&0x07 != 0 { // any of E/S/PN present: 4 more bytes
		off += 4
	}
	if len(data) < off+1 {
		return Unknown
	}
	p.Tunnel |= TunnelGTP
	p.nest()
	switch data[off] >> 4 {
	case 4:
		return d.decodeIPv4(p, data[off:])
	case 6:
		return d.decodeIPv6(p, data[off:])
	default:
		return Unknown
	}
}

func (d *Decoder) decodeMPLS(p *Packet, data []byte) Outcome {
	for len(data) >= 4 {
		bottom := data[2]&0x01 != 0
		data = data[4:]
		if !bottom {
			continue
		}
		p.Tunnel |= TunnelMPLS
		if len(data) < 1 {
			return d.corruptEther(p, nil)
		}
		switch data[0] >> 4 {
		case 4:
			return d.decodeIPv4(p, data)
		case 6:
			return d.decodeIPv6(p, data)
		default:
			return d.unknownEther(p, nil, data)
		}
	}
	return d.corruptEther(p, nil)
}

func (d *Decoder) decodePPPoE(p *Packet, data []byte) Outcome {
	if len(data) < 8 || data[0] != 0x11 || data[1] != 0 {
		return d.corruptEther(p, nil)
	}
	plen := int(binary.BigEndian.Uint16(data[4:6]))
	if plen < 2 || len(data) < 6+plen {
		return d.corruptEther(p, nil)
	}
	p.Tunnel |= TunnelPPPoE | TunnelPPP
	switch binary.BigEndian.Uint16(data[6:8]) {
	case 0x0021:
		return d.decodeIPv4(p, data[8:6+plen])
	case 0x0057:
		return d.decodeIPv6(p, data[8:6+plen])
	default:
		return d.unknownEther(p, nil, data)
	}
}

// ---------------------------------------------------------------------------
// ARP

func (d *Decoder) decodeARP(p *Packet, data []byte) Outcome {
	if len(data) < 28 {
		return d.corruptEther(p, nil)
	}
	// Key on the sender/target protocol addresses, canonically ordered,
	// so requests and their replies aggregate into one pseudo-session.
	spa, tpa := data[14:18], data[24:28]
	key := make([]byte, 8)
	if bytesCompare(spa, tpa) <= 0 {
		copy(key[0:4], spa)
		copy(key[4:8], tpa)
	} else {
		copy(key[0:4], tpa)
		copy(key[4:8], spa)
	}
	p.MProtocol = MProtoARP
	p.SessionID = session.NewPseudoID(session.PseudoARP, key)
	p.Hash = p.SessionID.Hash()
	return DoProcess
}

// ---------------------------------------------------------------------------
// IPv4

func (d *Decoder) decodeIPv4(p *Packet, data []byte) Outcome {
	cfg := config.Load()

	// Spec §4.1 rejects: header < 20 bytes, version != 4, total-len >
	// buffer, IHL < 5, IHL > total-len.
	if len(data) < 20 {
		return d.corruptIP(p)
	}
	if data[0]>>4 != 4 {
		return d.corruptIP(p)
	}
	ihl := int(data[0]&0x0f) * 4
	totalLen := int(binary.BigEndian.Uint16(data[2:4]))
	if ihl < 20 || totalLen > len(data) || ihl > totalLen {
		return d.corruptIP(p)
	}
	data = data[:totalLen]

	p.IPOff = offsetOf(p.Buf, data)
	p.V6 = false

	srcIP := net.IP(data[12:16])
	dstIP := net.IP(data[16:20])

	if cfg.DropCIDRs != nil && (cfg.DropCIDRs.Matches(srcIP) || cfg.DropCIDRs.Matches(dstIP)) {
		return IPDropped
	}

	flagsFrag := binary.BigEndian.Uint16(data[6:8])
	mf := flagsFrag&0x2000 != 0
	fragOff := int(flagsFrag&0x1fff) * 8
	if mf || fragOff > 0 {
		return d.handleFragment(p, data, ihl, mf, fragOff)
	}

	proto := data[9]
	p.IPProto = proto
	payload := data[ihl:]

	switch proto {
	case ipProtoTCP:
		return d.decodeTCP(p, cfg, srcIP, dstIP, payload, data[:ihl])
	case ipProtoUDP:
		return d.decodeUDP(p, cfg, srcIP, dstIP, payload, data[:ihl])
	case ipProtoICMP:
		return d.decodePortless(p, MProtoICMP, srcIP, dstIP, proto, payload)
	case ipProtoSCTP:
		return d.decodeSCTP(p, cfg, srcIP, dstIP, payload)
	case ipProtoESP:
		return d.decodePortless(p, MProtoESP, srcIP, dstIP, proto, payload)
	case ipProtoOSPF:
		return d.decodeOSPF(p, srcIP, dstIP, payload)
	case ipProtoIPv6:
		p.nest()
		return d.decodeIPv6(p, payload)
	default:
		if fn, ok := d.ipProtos[proto]; ok {
			return fn(p, payload)
		}
		return d.unknownIP(p, srcIP, dstIP, proto, payload)
	}
}

// offsetOf returns where sub starts inside buf, or 0 when sub is not a
// sub-slice (e.g. a reassembled fragment buffer).
func offsetOf(buf, sub []byte) int {
	if len(sub) == 0 || len(buf) == 0 {
		return 0
	}
	// Compare capacities: a sub-slice of buf has its backing array's tail
	// in common with buf's.
	diff := cap(buf) - cap(sub)
	if diff < 0 || diff > len(buf) {
		return 0
	}
	return diff
}

// handleFragment feeds one IPv4 fragment to the reassembler (spec
// §4.1.1); on completion the reconstructed packet is fed back into the
// IPv4 path with wasfrag set.
func (d *Decoder) handleFragment(p *Packet, data []byte, ihl int, mf bool, fragOff int) Outcome {
	srcIP := net.IP(data[12:16])
	dstIP := net.IP(data[16:20])
	ipID := binary.BigEndian.Uint16(data[4:6])

	var header []byte
	if fragOff == 0 {
		header = data[:ihl]
	}
	d.counters.AddFragmentsQueued(1)
	buf, res := d.frags.Insert(srcIP, dstIP, ipID, fragOff, mf, data[ihl:], header, p.Ts)
	switch res {
	case fragment.Dropped:
		d.counters.AddFragmentDropped(1)
		return DontProcessOrFree
	case fragment.Reassembled:
		d.counters.AddFragmentsFinished(1)
		// Patch the carried-over header: clear MF/offset, fix total
		// length, then run the whole packet back through the IPv4 path.
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
		binary.BigEndian.PutUint16(buf[6:8], 0)
		p.Buf = buf
		p.Copied = true
		p.WasFrag = true
		return d.decodeIPv4(p, buf)
	default:
		return DontProcessOrFree
	}
}

func (d *Decoder) decodeTCP(p *Packet, cfg *config.Config, srcIP, dstIP net.IP, l4 []byte, ipHeader []byte) Outcome {
	if len(l4) < 20 {
		return d.corruptIP(p)
	}
	srcPort := binary.BigEndian.Uint16(l4[0:2])
	dstPort := binary.BigEndian.Uint16(l4[2:4])

	if cfg.DropPorts != nil && cfg.DropPorts.Matches(srcPort, dstPort) {
		return IPPortDropped
	}

	dataOff := int(l4[12]>>4) * 4
	if dataOff < 20 || dataOff > len(l4) {
		return d.corruptIP(p)
	}

	if o := d.checkDedup(p, ipHeader, l4[:dataOff], l4[dataOff:]); o != DoProcess {
		return o
	}

	p.L4Off = offsetOf(p.Buf, l4)
	p.PayloadOff = p.L4Off + dataOff
	p.PayloadLen = len(l4) - dataOff
	return d.finishIP(p, MProtoTCP, ipProtoTCP, srcIP, srcPort, dstIP, dstPort)
}

func (d *Decoder) decodeUDP(p *Packet, cfg *config.Config, srcIP, dstIP net.IP, l4 []byte, ipHeader []byte) Outcome {
	if len(l4) < 8 {
		return d.corruptIP(p)
	}
	srcPort := binary.BigEndian.Uint16(l4[0:2])
	dstPort := binary.BigEndian.Uint16(l4[2:4])

	if cfg.DropPorts != nil && cfg.DropPorts.Matches(srcPort, dstPort) {
		return IPPortDropped
	}

	// Per-dst-port enqueue callback first (spec §4.1: DNS, QUIC, VXLAN,
	// Geneve, ...); Unknown falls through to the generic UDP path.
	if fn, ok := d.udpPorts[dstPort]; ok {
		if o := fn(p, l4[8:]); o != Unknown {
			return o
		}
	}

	if o := d.checkDedup(p, ipHeader, l4[:8], l4[8:]); o != DoProcess {
		return o
	}

	p.L4Off = offsetOf(p.Buf, l4)
	p.PayloadOff = p.L4Off + 8
	p.PayloadLen = len(l4) - 8
	return d.finishIP(p, MProtoUDP, ipProtoUDP, srcIP, srcPort, dstIP, dstPort)
}

func (d *Decoder) decodeSCTP(p *Packet, cfg *config.Config, srcIP, dstIP net.IP, l4 []byte) Outcome {
	if len(l4) < 12 {
		return d.corruptIP(p)
	}
	srcPort := binary.BigEndian.Uint16(l4[0:2])
	dstPort := binary.BigEndian.Uint16(l4[2:4])
	if cfg.DropPorts != nil && cfg.DropPorts.Matches(srcPort, dstPort) {
		return IPPortDropped
	}
	p.L4Off = offsetOf(p.Buf, l4)
	p.PayloadOff = p.L4Off + 12
	p.PayloadLen = len(l4) - 12
	return d.finishIP(p, MProtoSCTP, ipProtoSCTP, srcIP, srcPort, dstIP, dstPort)
}

// decodePortless covers ICMP, ICMPv6, and ESP: a real session keyed on
// the address pair with zero ports.
func (d *Decoder) decodePortless(p *Packet, mproto int, srcIP, dstIP net.IP, proto uint8, l4 []byte) Outcome {
	p.L4Off = offsetOf(p.Buf, l4)
	p.PayloadOff = p.L4Off
	p.PayloadLen = len(l4)
	return d.finishIP(p, mproto, proto, srcIP, 0, dstIP, 0)
}

func (d *Decoder) decodeOSPF(p *Packet, srcIP, dstIP net.IP, l4 []byte) Outcome {
	key := make([]byte, 0, 8)
	a, b := srcIP.To4(), dstIP.To4()
	if a == nil || b == nil {
		a, b = srcIP.To16(), dstIP.To16()
	}
	if bytesCompare(a, b) <= 0 {
		key = append(append(key, a...), b...)
	} else {
		key = append(append(key, b...), a...)
	}
	p.MProtocol = MProtoOSPF
	p.IPProto = ipProtoOSPF
	p.SessionID = session.NewPseudoID(session.PseudoOSPF, key)
	p.Hash = p.SessionID.Hash()
	p.PayloadOff = offsetOf(p.Buf, l4)
	p.PayloadLen = len(l4)
	return DoProcess
}

// finishIP composes the canonical sessionId, derives direction from the
// endpoint ordering, and stamps the worker hash (spec §4.1's final
// step).
func (d *Decoder) finishIP(p *Packet, mproto int, proto uint8, srcIP net.IP, srcPort uint16, dstIP net.IP, dstPort uint16) Outcome {
	p.IPProto = proto
	if p.V6 {
		p.SessionID = session.NewIPv6ID(proto, srcIP, srcPort, dstIP, dstPort)
	} else {
		p.SessionID = session.NewIPv4ID(proto, srcIP, srcPort, dstIP, dstPort)
	}
	if p.SessionID.IsEndpointA(srcIP, srcPort) {
		p.Direction = session.DirAB
	} else {
		p.Direction = session.DirBA
	}
	p.MProtocol = mproto
	p.Hash = p.SessionID.Hash()
	return DoProcess
}

// checkDedup consults the optional deduplicator (spec §4.1.2) with the
// L3+L4 headers plus a payload prefix.
func (d *Decoder) checkDedup(p *Packet, ipHeader, l4Header, payload []byte) Outcome {
	if d.dedupWin == nil {
		return DoProcess
	}
	header := make([]byte, 0, len(ipHeader)+len(l4Header))
	header = append(header, ipHeader...)
	header = append(header, l4Header...)
	fp := dedup.Fingerprint(header, payload, 64)
	if d.dedupWin.Seen(fp, p.Ts) {
		return DuplicateDropped
	}
	return DoProcess
}

func (d *Decoder) unknownIP(p *Packet, srcIP, dstIP net.IP, proto uint8, l4 []byte) Outcome {
	p.IPProto = proto
	p.MProtocol = MProtoUnknownIP
	p.SessionID = ipPairID(session.PseudoUnknownIP, srcIP, dstIP, proto)
	p.Hash = p.SessionID.Hash()
	p.PayloadOff = offsetOf(p.Buf, l4)
	p.PayloadLen = len(l4)
	return Unknown
}

func (d *Decoder) corruptIP(p *Packet) Outcome {
	p.MProtocol = MProtoCorruptIP
	p.SessionID = session.NewPseudoID(session.PseudoCorruptIP, []byte{p.IPProto})
	p.Hash = p.SessionID.Hash()
	return Corrupt
}

func ipPairID(miniProto byte, srcIP, dstIP net.IP, proto uint8) session.ID {
	a, b := srcIP.To4(), dstIP.To4()
	if a == nil || b == nil {
		a, b = srcIP.To16(), dstIP.To16()
	}
	key := make([]byte, 0, 1+len(a)+len(b))
	key = append(key, proto)
	if bytesCompare(a, b) <= 0 {
		key = append(append(key, a...), b...)
	} else {
		key = append(append(key, b...), a...)
	}
	return session.NewPseudoID(miniProto, key)
}

// ---------------------------------------------------------------------------
// IPv6

// decodeIPv6 mirrors the IPv4 path with the extension-header chain
// walked iteratively. Fragment headers are deliberately unhandled and
// return Unknown, carrying forward the original limitation (spec §9
// Open Question; SPEC_FULL.md records the resolution).
func (d *Decoder) decodeIPv6(p *Packet, data []byte) Outcome {
	cfg := config.Load()

	if len(data) < 40 {
		return d.corruptIP(p)
	}
	if data[0]>>4 != 6 {
		return d.corruptIP(p)
	}
	payloadLen := int(binary.BigEndian.Uint16(data[4:6]))
	if 40+payloadLen > len(data) {
		return d.corruptIP(p)
	}
	data = data[:40+payloadLen]

	p.IPOff = offsetOf(p.Buf, data)
	p.V6 = true

	srcIP := net.IP(data[8:24])
	dstIP := net.IP(data[24:40])

	if cfg.DropCIDRs != nil && (cfg.DropCIDRs.Matches(srcIP) || cfg.DropCIDRs.Matches(dstIP)) {
		return IPDropped
	}

	next := data[6]
	rest := data[40:]
	for {
		switch next {
		case ipProtoHopOpts, ipProtoDstOpts, ipProtoRouting:
			if len(rest) < 8 {
				return d.corruptIP(p)
			}
			hdrLen := 8 + int(rest[1])*8
			if len(rest) < hdrLen {
				return d.corruptIP(p)
			}
			next = rest[0]
			rest = rest[hdrLen:]
			continue
		case ipProtoFragment:
			p.IPProto = ipProtoFragment
			return Unknown
		}
		break
	}

	p.IPProto = next
	switch next {
	case ipProtoTCP:
		return d.decodeTCP(p, cfg, srcIP, dstIP, rest, data[:40])
	case ipProtoUDP:
		return d.decodeUDP(p, cfg, srcIP, dstIP, rest, data[:40])
	case ipProtoICMPv6:
		return d.decodePortless(p, MProtoICMP, srcIP, dstIP, next, rest)
	case ipProtoSCTP:
		return d.decodeSCTP(p, cfg, srcIP, dstIP, rest)
	case ipProtoESP:
		return d.decodePortless(p, MProtoESP, srcIP, dstIP, next, rest)
	case ipProtoIPv4:
		p.nest()
		return d.decodeIPv4(p, rest)
	default:
		if fn, ok := d.ipProtos[next]; ok {
			return fn(p, rest)
		}
		return d.unknownIP(p, srcIP, dstIP, next, rest)
	}
}
