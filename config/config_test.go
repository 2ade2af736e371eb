package config

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDropCIDRSet_LongestPrefixMatch(t *testing.T) {
	s := NewDropCIDRSet()
	require.NoError(t, s.Add("10.0.0.0/8"))
	require.NoError(t, s.Add("10.1.2.0/24"))

	assert.True(t, s.Matches(net.ParseIP("10.5.5.5")))
	assert.True(t, s.Matches(net.ParseIP("10.1.2.200")))
	assert.False(t, s.Matches(net.ParseIP("11.0.0.1")))
}

func TestDropCIDRSet_IPv6(t *testing.T) {
	s := NewDropCIDRSet()
	require.NoError(t, s.Add("2001:db8::/32"))

	assert.True(t, s.Matches(net.ParseIP("2001:db8::1")))
	assert.False(t, s.Matches(net.ParseIP("2001:db9::1")))
}

func TestDropPortSet_Matches(t *testing.T) {
	s := NewDropPortSet()
	s.AddDstPort(53)
	s.AddPairHash(1234, 5678)

	assert.True(t, s.Matches(9999, 53))
	assert.True(t, s.Matches(1234, 5678))
	assert.False(t, s.Matches(1111, 2222))
}

func TestConfig_IdleTimeoutPerCategory(t *testing.T) {
	c := FromViper()
	assert.Equal(t, c.TCPIdleTimeout, c.IdleTimeout(SessionTCP))
	assert.Equal(t, c.UDPIdleTimeout, c.IdleTimeout(SessionUDP))
	assert.Equal(t, c.OtherIdleTimeout, c.IdleTimeout(SessionOther))
}

func TestLoadPublishesDefaultWhenUnset(t *testing.T) {
	got := Load()
	require.NotNil(t, got)
	assert.Greater(t, got.WorkerCount, 0)
}
