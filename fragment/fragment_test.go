package fragment

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{Timeout: time.Minute, MaxPacketsPerID: 50, MaxPacketSize: 65535, MaxInFlight: 100}
}

func TestInsert_ReassemblesInOffsetOrder(t *testing.T) {
	tbl := NewTable(testConfig())
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")
	now := time.Unix(1000, 0)

	_, res := tbl.Insert(src, dst, 42, 0, true, []byte("hello, "), nil, now)
	assert.Equal(t, Incomplete, res)

	buf, res := tbl.Insert(src, dst, 42, 7, false, []byte("world!!!"), nil, now)
	require.Equal(t, Reassembled, res)
	assert.Equal(t, "hello, world!!!", string(buf))
}

func TestInsert_OutOfOrderArrivalStillReassembles(t *testing.T) {
	tbl := NewTable(testConfig())
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")
	now := time.Unix(1000, 0)

	_, res := tbl.Insert(src, dst, 7, 5, false, []byte("world"), nil, now)
	assert.Equal(t, Incomplete, res)

	buf, res := tbl.Insert(src, dst, 7, 0, true, []byte("hello"), nil, now)
	require.Equal(t, Reassembled, res)
	assert.Equal(t, "helloworld", string(buf))
	assert.Equal(t, 0, tbl.InFlight())
}

func TestInsert_HeaderFromFirstFragmentIsPrepended(t *testing.T) {
	tbl := NewTable(testConfig())
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")
	now := time.Unix(1000, 0)

	hdr := []byte{0x45, 0x00, 0x00, 0x00}
	_, res := tbl.Insert(src, dst, 5, 8, false, []byte("tailtail"), nil, now)
	assert.Equal(t, Incomplete, res)

	buf, res := tbl.Insert(src, dst, 5, 0, true, []byte("headhead"), hdr, now)
	require.Equal(t, Reassembled, res)
	assert.Equal(t, append(append([]byte(nil), hdr...), []byte("headheadtailtail")...), buf)
}

func TestInsert_GapLeavesEntryIncomplete(t *testing.T) {
	tbl := NewTable(testConfig())
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")
	now := time.Unix(1000, 0)

	tbl.Insert(src, dst, 3, 0, true, []byte("aaaaa"), nil, now)
	_, res := tbl.Insert(src, dst, 3, 10, false, []byte("ccccc"), nil, now) // gap at offset 5
	assert.Equal(t, Incomplete, res)
	assert.Equal(t, 1, tbl.InFlight())
}

func TestInsert_ExceedingMaxPacketsDropsEntry(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPacketsPerID = 2
	tbl := NewTable(cfg)
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")
	now := time.Unix(1000, 0)

	tbl.Insert(src, dst, 9, 0, true, []byte("a"), nil, now)
	tbl.Insert(src, dst, 9, 10, true, []byte("b"), nil, now)
	_, res := tbl.Insert(src, dst, 9, 20, false, []byte("c"), nil, now)
	assert.Equal(t, Dropped, res)
	assert.Equal(t, 0, tbl.InFlight())
}

func TestInsert_ExceedingMaxPacketSizeDropsEntry(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPacketSize = 10
	tbl := NewTable(cfg)
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")
	now := time.Unix(1000, 0)

	tbl.Insert(src, dst, 11, 0, true, make([]byte, 6), nil, now)
	_, res := tbl.Insert(src, dst, 11, 6, false, make([]byte, 6), nil, now)
	assert.Equal(t, Dropped, res)
}

func TestEvictExpired_RemovesOldEntries(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 5 * time.Second
	tbl := NewTable(cfg)
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")
	now := time.Unix(1000, 0)

	tbl.Insert(src, dst, 1, 0, true, []byte("x"), nil, now)
	require.Equal(t, 1, tbl.InFlight())

	tbl.Insert(src, dst, 2, 0, true, []byte("y"), nil, now.Add(10*time.Second))
	assert.Equal(t, 1, tbl.InFlight(), "the id=1 entry should have expired")
}

func TestEvictOldestIfAtCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInFlight = 1
	tbl := NewTable(cfg)
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")
	now := time.Unix(1000, 0)

	tbl.Insert(src, dst, 1, 0, true, []byte("x"), nil, now)
	tbl.Insert(src, dst, 2, 0, true, []byte("y"), nil, now)
	assert.Equal(t, 1, tbl.InFlight())
}
