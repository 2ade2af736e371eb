package reassembly

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkime-core/capture/field"
	"github.com/arkime-core/capture/session"
)

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	registry := field.NewRegistry()
	registry.Finalize()
	id := session.NewIPv4ID(6, net.ParseIP("10.0.0.1"), 1000, net.ParseIP("10.0.0.2"), 80)
	return session.New(id, 0, session.TypeTCP, registry, nil, nil)
}

func TestDispatcher_TCPClassifiesOnFirstBytesAndDeliversOrdered(t *testing.T) {
	reg := NewRegistry()
	disp := NewDispatcher(reg)

	var got []byte
	reg.RegisterTCP("echo", 0, []byte("EHLO"), func(s *session.Session, data []byte, dir session.Direction) {
		s.AddProtocol("smtp-ish")
		s.RegisterParser(session.ParserEntry{
			Name: "echo",
			Fn: func(s *session.Session, data []byte, dir session.Direction) (int, bool) {
				got = append(got, data...)
				return len(data), false
			},
		})
	})

	s := newTestSession(t)
	disp.TCP(s, session.DirAB, 100, []byte("EHLO exam"), 1000, 80)
	disp.TCP(s, session.DirAB, 109, []byte("ple.com\r\n"), 1000, 80)

	assert.True(t, s.HasProtocol("smtp-ish"))
	assert.Equal(t, "EHLO example.com\r\n", string(got))
}

func TestDispatcher_TCPOutOfOrderDeliveredInSequence(t *testing.T) {
	reg := NewRegistry()
	disp := NewDispatcher(reg)

	var got []byte
	reg.RegisterTCP("any", 0, []byte("ab"), func(s *session.Session, data []byte, dir session.Direction) {
		s.RegisterParser(session.ParserEntry{
			Name: "sink",
			Fn: func(s *session.Session, data []byte, dir session.Direction) (int, bool) {
				got = append(got, data...)
				return len(data), false
			},
		})
	})

	s := newTestSession(t)
	// Seed the expected sequence as the TCP mini-protocol does on a SYN;
	// without it the first data segment seen would become the edge.
	s.TCPState.InitDirection(session.DirAB, 100)
	// Second segment first: queued, no delivery yet (spec P2).
	disp.TCP(s, session.DirAB, 105, []byte("fghij"), 1000, 80)
	assert.Empty(t, got)

	disp.TCP(s, session.DirAB, 100, []byte("abcde"), 1000, 80)
	assert.Equal(t, "abcdefghij", string(got))
}

func TestDispatcher_ParserConsumesPartially(t *testing.T) {
	reg := NewRegistry()
	disp := NewDispatcher(reg)

	var records []string
	reg.RegisterTCP("rec", 0, []byte{0x01}, func(s *session.Session, data []byte, dir session.Direction) {
		// Length-prefixed records: [len][bytes...]; consume only whole
		// records, leave partials buffered.
		s.RegisterParser(session.ParserEntry{
			Name: "rec",
			Fn: func(s *session.Session, data []byte, dir session.Direction) (int, bool) {
				if len(data) < 2 {
					return 0, false
				}
				n := int(data[1])
				if len(data) < 2+n {
					return 0, false
				}
				records = append(records, string(data[2:2+n]))
				return 2 + n, false
			},
		})
	})

	s := newTestSession(t)
	disp.TCP(s, session.DirAB, 1, []byte{0x01, 3, 'f', 'o', 'o', 0x01, 3, 'b'}, 1000, 80)
	assert.Equal(t, []string{"foo"}, records)
	assert.Equal(t, []byte{0x01, 3, 'b'}, s.Pending(session.DirAB))

	disp.TCP(s, session.DirAB, 9, []byte{'a', 'r'}, 1000, 80)
	assert.Equal(t, []string{"foo", "bar"}, records)
	assert.Empty(t, s.Pending(session.DirAB))
}

func TestDispatcher_UnregisterDetachesAndRunsFreeHook(t *testing.T) {
	reg := NewRegistry()
	disp := NewDispatcher(reg)

	freed := false
	calls := 0
	reg.RegisterTCP("once", 0, []byte("x"), func(s *session.Session, data []byte, dir session.Direction) {
		s.RegisterParser(session.ParserEntry{
			Name: "once",
			Fn: func(s *session.Session, data []byte, dir session.Direction) (int, bool) {
				calls++
				return len(data), true
			},
			Free: func(s *session.Session, state interface{}) { freed = true },
		})
	})

	s := newTestSession(t)
	disp.TCP(s, session.DirAB, 1, []byte("xyz"), 1000, 80)
	assert.Equal(t, 1, calls)
	assert.True(t, freed)
	assert.Empty(t, s.Parsers())

	// Further bytes are discarded once no parser remains.
	disp.TCP(s, session.DirAB, 4, []byte("more"), 1000, 80)
	assert.Equal(t, 1, calls)
	assert.Empty(t, s.Pending(session.DirAB))
}

func TestDispatcher_ParserOverrunDropsSession(t *testing.T) {
	reg := NewRegistry()
	disp := NewDispatcher(reg)

	reg.RegisterTCP("bad", 0, []byte("x"), func(s *session.Session, data []byte, dir session.Direction) {
		s.RegisterParser(session.ParserEntry{
			Name: "bad",
			Fn: func(s *session.Session, data []byte, dir session.Direction) (int, bool) {
				return len(data) + 10, false
			},
		})
	})

	s := newTestSession(t)
	disp.TCP(s, session.DirAB, 1, []byte("xyz"), 1000, 80)
	assert.True(t, s.Closing())
	assert.True(t, s.StopSPI)
}

func TestDispatcher_UDPPortClassifier(t *testing.T) {
	reg := NewRegistry()
	disp := NewDispatcher(reg)

	var seen [][]byte
	reg.RegisterPortUDP("dns", 53, PortDst, func(s *session.Session, data []byte, dir session.Direction) {
		s.AddProtocol("dns")
		s.RegisterParser(session.ParserEntry{
			Name: "dns",
			Fn: func(s *session.Session, data []byte, dir session.Direction) (int, bool) {
				seen = append(seen, append([]byte(nil), data...))
				return len(data), false
			},
		})
	})

	s := newTestSession(t)
	disp.UDP(s, session.DirAB, []byte{0xaa, 0xbb}, 5353, 53)
	disp.UDP(s, session.DirAB, []byte{0xcc}, 5353, 53)

	assert.True(t, s.HasProtocol("dns"))
	require.Len(t, seen, 2)
	assert.Equal(t, []byte{0xaa, 0xbb}, seen[0])
	assert.Equal(t, []byte{0xcc}, seen[1])
}

func TestRegistry_SubParserTables(t *testing.T) {
	reg := NewRegistry()

	called := false
	reg.RegisterSub("sccp", 8, func(s *session.Session, data []byte, dir session.Direction, uw interface{}) int {
		called = true
		assert.Equal(t, "opaque", uw)
		return len(data)
	}, "opaque")

	fn, uw, ok := reg.Sub("sccp", 8)
	require.True(t, ok)
	fn(nil, []byte{1, 2}, session.DirAB, uw)
	assert.True(t, called)

	_, _, ok = reg.Sub("sccp", 9)
	assert.False(t, ok)
	_, _, ok = reg.Sub("nope", 8)
	assert.False(t, ok)
}
