// Package session implements the session table from spec §4.2: the
// sharded, per-worker hash of active flows, their lifecycle, and the
// SessionId construction rules from spec §3.
//
// Grounded in the teacher's tcpStream/tcpFlow shape (pcap/stream.go) for
// the notion of a flow keyed by a canonical, direction-independent
// identity (there: akinet.TCPBidiID via uuid.New; here: the spec's own
// length-prefixed byte-string SessionId, since the spec fixes the wire
// format). github.com/OneOfOne/xxhash provides the sessionId hash used
// for `hash % W` worker sharding (spec §4.1.3, §5 invariant P1), matching
// its use in package dedup.
package session

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/OneOfOne/xxhash"
)

// ID is the opaque SessionId byte string from spec §3: the first byte is
// the length of everything that follows (not counting itself).
type ID []byte

// Mini-protocol id bytes used to prefix pseudo-session keys (spec §3:
// "Non-IP pseudo-sessions... use protocol-specific shorter keys prefixed
// by a mini-protocol id").
const (
	PseudoARP          byte = 1
	PseudoOSPF         byte = 2
	PseudoUnknownEther byte = 3
	PseudoCorruptEther byte = 4
	PseudoUnknownIP    byte = 5
	PseudoCorruptIP    byte = 6
)

// NewIPv4ID builds the canonical 14-byte SessionId for an IPv4 TCP/UDP
// flow: `[13, proto, ipA(4), portA(2), ipB(4), portB(2)]` with (ipA,
// portA) <= (ipB, portB) lexicographically, so the same tuple produces
// the same id regardless of which endpoint's packet arrived first (spec
// R1).
func NewIPv4ID(proto uint8, ip1 net.IP, port1 uint16, ip2 net.IP, port2 uint16) ID {
	a, b := ip1.To4(), ip2.To4()
	pa, pb := port1, port2
	if !orderedBefore(a, pa, b, pb) {
		a, b = b, a
		pa, pb = pb, pa
	}

	buf := make([]byte, 14)
	buf[0] = 13
	buf[1] = proto
	copy(buf[2:6], a)
	binary.BigEndian.PutUint16(buf[6:8], pa)
	copy(buf[8:12], b)
	binary.BigEndian.PutUint16(buf[12:14], pb)
	return ID(buf)
}

// NewIPv6ID builds the analogous 38-byte SessionId for an IPv6 flow:
// `[37, proto, ipA(16), portA(2), ipB(16), portB(2)]`.
func NewIPv6ID(proto uint8, ip1 net.IP, port1 uint16, ip2 net.IP, port2 uint16) ID {
	a, b := ip1.To16(), ip2.To16()
	pa, pb := port1, port2
	if !orderedBefore(a, pa, b, pb) {
		a, b = b, a
		pa, pb = pb, pa
	}

	buf := make([]byte, 38)
	buf[0] = 37
	buf[1] = proto
	copy(buf[2:18], a)
	binary.BigEndian.PutUint16(buf[18:20], pa)
	copy(buf[20:36], b)
	binary.BigEndian.PutUint16(buf[36:38], pb)
	return ID(buf)
}

// NewPseudoID builds a short pseudo-session key for non-IP traffic (spec
// §3): a mini-protocol id byte followed by caller-supplied key bytes
// (e.g. a MAC pair, or a corrupt-packet fingerprint).
func NewPseudoID(miniProto byte, key []byte) ID {
	buf := make([]byte, 2+len(key))
	buf[0] = byte(1 + len(key))
	buf[1] = miniProto
	copy(buf[2:], key)
	return ID(buf)
}

func orderedBefore(ipA net.IP, portA uint16, ipB net.IP, portB uint16) bool {
	if c := compareBytes(ipA, ipB); c != 0 {
		return c < 0
	}
	return portA <= portB
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return len(a) - len(b)
}

// String returns the canonical wire form from spec §6:
// "length-prefix:hex-digits".
func (id ID) String() string {
	if len(id) == 0 {
		return "0:"
	}
	return fmt.Sprintf("%d:%x", id[0], []byte(id[1:]))
}

// Endpoints unpacks a canonical IPv4/IPv6 id back into its two
// (address, port) endpoints, A first. ok is false for pseudo-session
// ids, which carry no endpoint structure.
func (id ID) Endpoints() (ipA net.IP, portA uint16, ipB net.IP, portB uint16, ok bool) {
	switch len(id) {
	case 14:
		ipA = append(net.IP(nil), id[2:6]...)
		portA = binary.BigEndian.Uint16(id[6:8])
		ipB = append(net.IP(nil), id[8:12]...)
		portB = binary.BigEndian.Uint16(id[12:14])
		return ipA, portA, ipB, portB, true
	case 38:
		ipA = append(net.IP(nil), id[2:18]...)
		portA = binary.BigEndian.Uint16(id[18:20])
		ipB = append(net.IP(nil), id[20:36]...)
		portB = binary.BigEndian.Uint16(id[36:38])
		return ipA, portA, ipB, portB, true
	default:
		return nil, 0, nil, 0, false
	}
}

// IsEndpointA reports whether (ip, port) is the id's lexicographically
// lower "A" endpoint, from which packet direction is derived (spec §3
// "direction is derived, not stored").
func (id ID) IsEndpointA(ip net.IP, port uint16) bool {
	switch len(id) {
	case 14:
		v4 := ip.To4()
		if v4 == nil {
			return false
		}
		return compareBytes(id[2:6], v4) == 0 && binary.BigEndian.Uint16(id[6:8]) == port
	case 38:
		v6 := ip.To16()
		if v6 == nil {
			return false
		}
		return compareBytes(id[2:18], v6) == 0 && binary.BigEndian.Uint16(id[18:20]) == port
	default:
		return true
	}
}

// Hash returns the 32-bit hash used to select a worker shard (spec
// §4.1.3 "hash % W"). Direction-independent because the id itself is
// already canonicalized (endpoint pair, not packet order).
func (id ID) Hash() uint32 {
	return xxhash.Checksum32(id)
}

// CommunityID computes the community-id v1 flow string (spec §6) for an
// IPv4/IPv6 TCP/UDP/ICMP 5-tuple. seed is almost always 0. ICMP request/
// reply pairs are normalized to the same id by mapping reply types to
// their request type and zeroing the code, per the community-id v1
// per-ICMP-type handling spec §6 calls out.
func CommunityID(proto uint8, ip1 net.IP, port1 uint16, ip2 net.IP, port2 uint16, seed uint16) string {
	a, b := ip1, ip2
	pa, pb := port1, port2

	if proto == protoICMP || proto == protoICMPv6 {
		// ICMP carries exactly one (type, code) pair per packet, not a
		// port per endpoint, so it can't be swapped along with the
		// address order the way TCP/UDP ports are: callers pack it via
		// ICMPPort(type, code) into port1 and leave port2 zero. Folding
		// a reply's type onto its request's type here -- before any
		// address-order swap -- is what makes a request and its reply
		// hash identically.
		typ, code := byte(port1>>8), byte(port1)
		typ = normalizeICMPType(proto, typ)
		pa, pb = uint16(typ)<<8|uint16(code), 0
		if !orderedBefore(normalize(a), 0, normalize(b), 0) {
			a, b = b, a
		}
		na, nb := normalize(a), normalize(b)
		return communityHash(seed, na, nb, proto, pa, pb)
	}

	if !orderedBefore(normalize(a), pa, normalize(b), pb) {
		a, b = b, a
		pa, pb = pb, pa
	}
	na, nb := normalize(a), normalize(b)
	return communityHash(seed, na, nb, proto, pa, pb)
}

func communityHash(seed uint16, na, nb []byte, proto uint8, pa, pb uint16) string {
	buf := make([]byte, 0, 2+len(na)+len(nb)+2+2+2)
	seedBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(seedBytes, seed)
	buf = append(buf, seedBytes...)
	buf = append(buf, na...)
	buf = append(buf, nb...)
	buf = append(buf, proto, 0)
	portBytes := make([]byte, 4)
	binary.BigEndian.PutUint16(portBytes[0:2], pa)
	binary.BigEndian.PutUint16(portBytes[2:4], pb)
	buf = append(buf, portBytes...)

	sum := sha1.Sum(buf)
	return "1:" + base64.StdEncoding.EncodeToString(sum[:])
}

const (
	protoICMP   = 1
	protoICMPv6 = 58
)

func normalize(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

// normalizeICMPType folds an ICMP reply type onto its request type (echo
// reply -> echo request, etc.) so a request and its reply hash to the
// same community id, matching the v1 spec's per-type handling.
func normalizeICMPType(proto uint8, t byte) byte {
	if proto == protoICMP {
		if t == 0 { // echo reply -> echo request
			return 8
		}
		return t
	}
	if t == 129 { // ICMPv6 echo reply -> echo request
		return 128
	}
	return t
}

// ICMPPort packs an ICMP type/code pair into the uint16 "port" slot
// CommunityID expects.
func ICMPPort(typ, code uint8) uint16 {
	return uint16(typ)<<8 | uint16(code)
}
