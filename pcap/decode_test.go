package pcap

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkime-core/capture/config"
	"github.com/arkime-core/capture/dedup"
	"github.com/arkime-core/capture/fragment"
	"github.com/arkime-core/capture/session"
	"github.com/arkime-core/capture/telemetry"
)

func testDecoder(t *testing.T, dedupWin *dedup.Window) (*Decoder, *telemetry.Counters) {
	t.Helper()
	counters := &telemetry.Counters{}
	frags := fragment.NewTable(fragment.Config{
		Timeout: time.Minute, MaxPacketsPerID: 50, MaxPacketSize: 65535, MaxInFlight: 1000,
	})
	return NewDecoder(counters, frags, dedupWin), counters
}

func storeTestConfig(t *testing.T, mutate func(*config.Config)) {
	t.Helper()
	cfg := config.FromViper()
	if mutate != nil {
		mutate(cfg)
	}
	config.Store(cfg)
	t.Cleanup(func() { config.Store(config.FromViper()) })
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func etherLayer() *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
}

func tcpSyn(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16) []byte {
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.ParseIP(srcIP), DstIP: net.ParseIP(dstIP)}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(srcPort), DstPort: layers.TCPPort(dstPort), SYN: true, Seq: 1000}
	tcp.SetNetworkLayerForChecksum(ip)
	return serialize(t, etherLayer(), ip, tcp)
}

func udpPacket(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, payload []byte) []byte {
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.ParseIP(srcIP), DstIP: net.ParseIP(dstIP)}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	udp.SetNetworkLayerForChecksum(ip)
	return serialize(t, etherLayer(), ip, udp, gopacket.Payload(payload))
}

func decodePacket(d *Decoder, buf []byte) (*Packet, Outcome) {
	p := &Packet{Ts: time.Unix(1700000000, 0), Buf: buf}
	return p, d.DecodeLink(p, LinkEthernet, buf)
}

func TestDecode_TCPComposesCanonicalSessionID(t *testing.T) {
	storeTestConfig(t, nil)
	d, _ := testDecoder(t, nil)

	p, outcome := decodePacket(d, tcpSyn(t, "10.0.0.1", "10.0.0.2", 1000, 80))
	require.Equal(t, DoProcess, outcome)
	assert.Equal(t, MProtoTCP, p.MProtocol)
	assert.EqualValues(t, 6, p.IPProto)
	assert.Equal(t, session.DirAB, p.Direction)
	assert.EqualValues(t, 13, p.SessionID[0])
	assert.NotZero(t, p.Hash)
	assert.Greater(t, p.L4Off, p.IPOff)
}

func TestDecode_SessionIDDirectionIndependent(t *testing.T) {
	// R1: the same 5-tuple yields the same id whichever direction is
	// observed first.
	storeTestConfig(t, nil)
	d, _ := testDecoder(t, nil)

	fwd, o1 := decodePacket(d, tcpSyn(t, "10.0.0.1", "10.0.0.2", 1000, 80))
	rev, o2 := decodePacket(d, tcpSyn(t, "10.0.0.2", "10.0.0.1", 80, 1000))
	require.Equal(t, DoProcess, o1)
	require.Equal(t, DoProcess, o2)

	assert.Equal(t, fwd.SessionID, rev.SessionID)
	assert.Equal(t, fwd.Hash, rev.Hash)
	assert.Equal(t, session.DirAB, fwd.Direction)
	assert.Equal(t, session.DirBA, rev.Direction)
}

func TestDecode_DropCIDRRejectsBeforeSessionWork(t *testing.T) {
	// S6: source in a drop CIDR -> IP_DROPPED, no sessionId composed.
	storeTestConfig(t, func(cfg *config.Config) {
		require.NoError(t, cfg.DropCIDRs.Add("10.66.0.0/16"))
	})
	d, counters := testDecoder(t, nil)

	p, outcome := decodePacket(d, tcpSyn(t, "10.66.1.2", "10.0.0.2", 1000, 80))
	assert.Equal(t, IPDropped, outcome)
	assert.Empty(t, p.SessionID)
	assert.Equal(t, MProtoNone, p.MProtocol)
	assert.False(t, ShouldEnqueue(outcome, p))
	assert.EqualValues(t, 1, counters.Snapshot().IPDropped)
}

func TestDecode_DropPortTables(t *testing.T) {
	storeTestConfig(t, func(cfg *config.Config) {
		cfg.DropPorts.AddDstPort(123)
	})
	d, counters := testDecoder(t, nil)

	_, outcome := decodePacket(d, udpPacket(t, "10.0.0.1", "10.0.0.2", 5555, 123, []byte("x")))
	assert.Equal(t, IPPortDropped, outcome)
	assert.EqualValues(t, 1, counters.Snapshot().IPPortDropped)
}

func TestDecode_DedupDropsSecondIdenticalPacket(t *testing.T) {
	// S3: two identical UDP packets inside the window.
	storeTestConfig(t, nil)
	win := dedup.NewWindow(dedup.Config{Window: 2 * time.Second, PayloadCap: 64})
	d, counters := testDecoder(t, win)

	buf := udpPacket(t, "10.0.0.1", "10.0.0.2", 4000, 5000, []byte("payload"))
	_, o1 := decodePacket(d, buf)
	_, o2 := decodePacket(d, buf)

	assert.Equal(t, DoProcess, o1)
	assert.Equal(t, DuplicateDropped, o2)
	assert.EqualValues(t, 1, counters.Snapshot().DuplicateDropped)
}

func TestDecode_FragmentsReassembleToOnePacket(t *testing.T) {
	// S2 shape: three fragments, MF cleared on the last; exactly one
	// packet continues downstream, wasfrag set, length = payload sum
	// plus one IP header.
	storeTestConfig(t, nil)
	d, counters := testDecoder(t, nil)

	payload := make([]byte, 544) // plus the 8-byte UDP header: 552 = 3 x 184
	for i := range payload {
		payload[i] = byte(i)
	}
	// First fragment carries the UDP header.
	udpHdr := make([]byte, 8)
	udpHdr[0], udpHdr[1] = 0x0f, 0xa0 // src 4000
	udpHdr[2], udpHdr[3] = 0x13, 0x88 // dst 5000
	udpHdr[4], udpHdr[5] = 0x02, 0x28 // len
	full := append(udpHdr, payload...)

	frag := func(off int, mf bool, chunk []byte) []byte {
		ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
			Id: 42, SrcIP: net.ParseIP("10.0.0.1"), DstIP: net.ParseIP("10.0.0.2"),
			FragOffset: uint16(off / 8)}
		if mf {
			ip.Flags = layers.IPv4MoreFragments
		}
		return serialize(t, etherLayer(), ip, gopacket.Payload(chunk))
	}

	outcomes := []Outcome{}
	var last *Packet
	for _, f := range []struct {
		off int
		mf  bool
	}{{0, true}, {184, true}, {368, false}} {
		end := f.off + 184
		if end > len(full) {
			end = len(full)
		}
		p, o := decodePacket(d, frag(f.off, f.mf, full[f.off:end]))
		outcomes = append(outcomes, o)
		last = p
	}

	assert.Equal(t, []Outcome{DontProcessOrFree, DontProcessOrFree, DoProcess}, outcomes)
	require.NotNil(t, last)
	assert.True(t, last.WasFrag)
	assert.Equal(t, MProtoUDP, last.MProtocol)
	assert.Equal(t, 20+len(full), len(last.Buf), "one IP header plus the concatenated payloads")
	assert.EqualValues(t, 1, counters.Snapshot().FragmentsFinished)
}

func TestDecode_UnknownEthertypeAggregatesAsPseudoSession(t *testing.T) {
	storeTestConfig(t, nil)
	d, counters := testDecoder(t, nil)

	eth := etherLayer()
	eth.EthernetType = 0x9999
	buf := serialize(t, eth, gopacket.Payload([]byte{1, 2, 3}))

	p, outcome := decodePacket(d, buf)
	assert.Equal(t, Unknown, outcome)
	assert.Equal(t, MProtoUnknownEther, p.MProtocol)
	assert.NotEmpty(t, p.SessionID)
	assert.True(t, ShouldEnqueue(outcome, p), "unknown traffic still aggregates")
	assert.EqualValues(t, 1, counters.Snapshot().UnknownDropped)
}

func TestDecode_TruncatedIPv4IsCorrupt(t *testing.T) {
	storeTestConfig(t, nil)
	d, counters := testDecoder(t, nil)

	eth := etherLayer()
	buf := serialize(t, eth, gopacket.Payload([]byte{0x45, 0x00}))

	p, outcome := decodePacket(d, buf)
	assert.Equal(t, Corrupt, outcome)
	assert.Equal(t, MProtoCorruptIP, p.MProtocol)
	assert.EqualValues(t, 1, counters.Snapshot().CorruptDropped)
}

func TestDecode_VLANTagWalkedAndRecorded(t *testing.T) {
	storeTestConfig(t, nil)
	d, _ := testDecoder(t, nil)

	eth := etherLayer()
	eth.EthernetType = layers.EthernetTypeDot1Q
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.ParseIP("10.0.0.1"), DstIP: net.ParseIP("10.0.0.2")}
	udp := &layers.UDP{SrcPort: 1111, DstPort: 2222}
	udp.SetNetworkLayerForChecksum(ip)
	dot1q := &layers.Dot1Q{VLANIdentifier: 42, Type: layers.EthernetTypeIPv4}
	buf := serialize(t, eth, dot1q, ip, udp, gopacket.Payload([]byte("x")))

	p, outcome := decodePacket(d, buf)
	require.Equal(t, DoProcess, outcome)
	assert.EqualValues(t, 42, p.VLAN)
	assert.Equal(t, MProtoUDP, p.MProtocol)
}

func TestDecode_ARPBuildsPseudoSession(t *testing.T) {
	storeTestConfig(t, nil)
	d, _ := testDecoder(t, nil)

	eth := etherLayer()
	eth.EthernetType = layers.EthernetTypeARP
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: eth.SrcMAC, SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress: make([]byte, 6), DstProtAddress: []byte{10, 0, 0, 2},
	}
	buf := serialize(t, eth, arp)

	p, outcome := decodePacket(d, buf)
	require.Equal(t, DoProcess, outcome)
	assert.Equal(t, MProtoARP, p.MProtocol)

	// The reply direction keys to the same pseudo-session.
	arp.SourceProtAddress, arp.DstProtAddress = arp.DstProtAddress, arp.SourceProtAddress
	p2, _ := decodePacket(d, serialize(t, eth, arp))
	assert.Equal(t, p.SessionID, p2.SessionID)
}

func TestDecode_ICMPKeysOnAddressPair(t *testing.T) {
	storeTestConfig(t, nil)
	d, _ := testDecoder(t, nil)

	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolICMPv4,
		SrcIP: net.ParseIP("10.0.0.1"), DstIP: net.ParseIP("10.0.0.2")}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(8, 0)}
	buf := serialize(t, etherLayer(), ip, icmp, gopacket.Payload([]byte("ping")))

	p, outcome := decodePacket(d, buf)
	require.Equal(t, DoProcess, outcome)
	assert.Equal(t, MProtoICMP, p.MProtocol)
	assert.EqualValues(t, 13, p.SessionID[0])
}

func TestDecode_VXLANUnwrapsInnerFlow(t *testing.T) {
	storeTestConfig(t, nil)
	d, _ := testDecoder(t, nil)

	inner := tcpSyn(t, "192.168.1.1", "192.168.1.2", 3333, 80)
	vxlan := make([]byte, 8)
	vxlan[0] = 0x08
	vxlan[4], vxlan[5], vxlan[6] = 0x00, 0x00, 0x7b // VNI 123

	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.ParseIP("10.0.0.1"), DstIP: net.ParseIP("10.0.0.2")}
	udp := &layers.UDP{SrcPort: 49152, DstPort: portVXLAN}
	udp.SetNetworkLayerForChecksum(ip)
	buf := serialize(t, etherLayer(), ip, udp, gopacket.Payload(append(vxlan, inner...)))

	p, outcome := decodePacket(d, buf)
	require.Equal(t, DoProcess, outcome)
	assert.Equal(t, MProtoTCP, p.MProtocol, "inner TCP flow owns the session")
	assert.EqualValues(t, 123, p.VNI)
	assert.NotZero(t, p.Tunnel&TunnelVXLAN)
	assert.Greater(t, p.IPOff, p.OuterIPOff, "inner offsets past the outer ones")
}

func TestDecode_IPv6TCP(t *testing.T) {
	storeTestConfig(t, nil)
	d, _ := testDecoder(t, nil)

	eth := etherLayer()
	eth.EthernetType = layers.EthernetTypeIPv6
	ip6 := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolTCP,
		SrcIP: net.ParseIP("2001:db8::1"), DstIP: net.ParseIP("2001:db8::2")}
	tcp := &layers.TCP{SrcPort: 1000, DstPort: 443, SYN: true}
	tcp.SetNetworkLayerForChecksum(ip6)
	buf := serialize(t, eth, ip6, tcp)

	p, outcome := decodePacket(d, buf)
	require.Equal(t, DoProcess, outcome)
	assert.True(t, p.V6)
	assert.EqualValues(t, 37, p.SessionID[0])
	assert.Equal(t, MProtoTCP, p.MProtocol)
}

func TestDecode_IPv6FragmentStaysUnknown(t *testing.T) {
	// Spec §9 Open Question: IPv6 fragments are not reassembled.
	storeTestConfig(t, nil)
	d, _ := testDecoder(t, nil)

	eth := etherLayer()
	eth.EthernetType = layers.EthernetTypeIPv6
	ip6 := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolIPv6Fragment,
		SrcIP: net.ParseIP("2001:db8::1"), DstIP: net.ParseIP("2001:db8::2")}
	fragHdr := make([]byte, 8)
	fragHdr[0] = byte(layers.IPProtocolUDP)
	buf := serialize(t, eth, ip6, gopacket.Payload(fragHdr))

	_, outcome := decodePacket(d, buf)
	assert.Equal(t, Unknown, outcome)
}
