package session

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIPv4ID_CanonicalRegardlessOfDirection(t *testing.T) {
	a := net.ParseIP("10.0.0.1")
	b := net.ParseIP("10.0.0.2")

	forward := NewIPv4ID(6, a, 1000, b, 80)
	reverse := NewIPv4ID(6, b, 80, a, 1000)

	assert.Equal(t, forward, reverse)
	assert.Equal(t, byte(13), forward[0])
	assert.Len(t, forward, 14)
}

func TestNewIPv6ID_Length(t *testing.T) {
	a := net.ParseIP("::1")
	b := net.ParseIP("::2")
	id := NewIPv6ID(6, a, 443, b, 5000)
	assert.Equal(t, byte(37), id[0])
	assert.Len(t, id, 38)
}

func TestNewPseudoID(t *testing.T) {
	id := NewPseudoID(PseudoARP, []byte{1, 2, 3, 4})
	assert.Equal(t, byte(5), id[0])
	assert.Equal(t, PseudoARP, id[1])
}

func TestID_String(t *testing.T) {
	id := NewIPv4ID(6, net.ParseIP("10.0.0.1"), 1000, net.ParseIP("10.0.0.2"), 80)
	s := id.String()
	assert.Contains(t, s, "13:")
}

func TestID_HashIsDeterministic(t *testing.T) {
	id := NewIPv4ID(17, net.ParseIP("1.2.3.4"), 53, net.ParseIP("5.6.7.8"), 12345)
	assert.Equal(t, id.Hash(), id.Hash())
}

func TestCommunityID_OrderIndependentAndDeterministic(t *testing.T) {
	a := net.ParseIP("10.0.0.1")
	b := net.ParseIP("10.0.0.2")

	id1 := CommunityID(6, a, 1000, b, 80, 0)
	id2 := CommunityID(6, b, 80, a, 1000, 0)
	assert.Equal(t, id1, id2)
	assert.True(t, len(id1) > len("1:"))
}

func TestCommunityID_ICMPRequestReplyNormalize(t *testing.T) {
	a := net.ParseIP("10.0.0.1")
	b := net.ParseIP("10.0.0.2")

	request := CommunityID(protoICMP, a, ICMPPort(8, 0), b, 0, 0)
	reply := CommunityID(protoICMP, b, ICMPPort(0, 0), a, 0, 0)
	assert.Equal(t, request, reply)
}
