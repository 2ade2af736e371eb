package session

import (
	"net"
	"time"

	"github.com/arkime-core/capture/field"
	"github.com/arkime-core/capture/rules"
)

// Direction selects one of the two uni-directional halves of a flow.
// Which physical endpoint is "AB" vs "BA" is fixed at session creation
// (spec §3: "direction is derived, not stored" from the canonical id),
// not from packet arrival order.
type Direction int

const (
	DirAB Direction = iota
	DirBA
)

// Proto identifies which mini-protocol owns a session, used by
// classifiers to pick the right rule set.
type Proto int

const (
	ProtoTCP Proto = iota
	ProtoUDP
	ProtoOther
)

// FilePos records where one packet's bytes live in an output PCAP (spec
// §3 "a file-position array recording where in which output PCAP the
// session's packets live").
type FilePos struct {
	FileNum uint32
	Pos     uint64
	Length  int
}

// ParserFunc is the parser contract from spec §4.3: called with the
// contiguous bytes not yet consumed in one direction, it returns how
// many bytes it consumed (the rest stays queued for the next call) and
// whether it wants to detach.
type ParserFunc func(s *Session, data []byte, dir Direction) (consumed int, unregister bool)

// ParserEntry is one row of a session's small fixed parser table (spec
// §3 "a small parser table (function pointer + opaque user state +
// free/save callbacks per entry)").
type ParserEntry struct {
	Name  string
	Fn    ParserFunc
	State interface{}
	Free  func(s *Session, state interface{})
	Save  func(s *Session, fields *field.Container, state interface{})
}

type tcpDirState struct {
	expectedSeq  uint32
	haveExpected bool
	queue        map[uint32][]byte
	finSeen      bool
	ackAfterFin  bool
}

// TCPState is the per-flow TCP reassembly bookkeeping from spec §3:
// "expected sequence per direction, out-of-order queue, FIN/ACK state."
type TCPState struct {
	dir      [2]tcpDirState
	SynSeen  bool
	InitRTT  time.Duration // spec S1: half the (SYN, ACK) time delta
	synAt    time.Time
	haveSyn  bool
}

// FinAckBothDirections reports whether both directions have seen a FIN
// acknowledged, the early-save trigger from spec §4.2.
func (t *TCPState) FinAckBothDirections() bool {
	return t.dir[DirAB].finSeen && t.dir[DirAB].ackAfterFin &&
		t.dir[DirBA].finSeen && t.dir[DirBA].ackAfterFin
}

// Session is one active flow, owned by exactly one worker thread for its
// entire lifetime (spec §3 invariant, §5 P1): Thread never changes once
// set.
type Session struct {
	ID     ID
	Thread int
	Type   Type

	// MProto is the owning mini-protocol's registered id, set by the
	// worker on the session's first packet and used to resolve the
	// sfree/mid-save hooks at save time.
	MProto int

	FirstPacket time.Time
	LastPacket  time.Time

	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16
	IPProto uint8

	Packets [2]uint64
	Bytes   [2]uint64

	TCPFlags struct {
		SYN, SYNACK, ACK, PSH, FIN, RST, URG uint64
	}
	TCPState TCPState

	Protocols []string
	Tags      []string

	Fields *field.Container

	parsers    []ParserEntry
	pending    [2][]byte // per-direction unconsumed byte residual (spec §4.3)
	classified [2]bool   // first-bytes classifiers already ran for dir

	FilePositions []FilePos

	outstandingQueries int32

	StopSavingBytes int64
	StopSPI         bool
	MidSave         bool
	closing         bool

	RootID string // continuation id carried across mid-saves (spec §4.4 step 5)

	specials *SpecialIDs
	rules    *rules.Engine

	lru lruHandle
}

// New allocates a session bound to registry, an optional rule engine, and
// the special-field ids the rule engine may reference. listener wiring
// (field.Listener) routes every field add through FIELD_SET dispatch.
func New(id ID, thread int, typ Type, registry *field.Registry, engine *rules.Engine, specials *SpecialIDs) *Session {
	s := &Session{
		ID:       id,
		Thread:   thread,
		Type:     typ,
		specials: specials,
		rules:    engine,
	}
	s.Fields = field.NewContainer(registry, s)
	return s
}

// OnFieldSet implements field.Listener, dispatching FIELD_SET rules
// keyed by field id in O(1) (spec §4.4).
func (s *Session) OnFieldSet(id field.ID, v *field.Value) {
	if s.rules != nil {
		s.rules.FireFieldSet(id, s)
	}
}

// rules.Context implementation -------------------------------------------------

func (s *Session) FieldsContainer() *field.Container { return s.Fields }

// Special resolves one of the in-session specials from spec §4.4 (src/dst
// ip/port, TCP flag counters, packet/byte counts per direction,
// community-id, dst-ip:port tuple) that the rule engine can reference
// without a backing field-vector entry.
func (s *Session) Special(id field.ID) (*field.Value, bool) {
	if s.specials == nil {
		return nil, false
	}
	switch id {
	case s.specials.SrcIP:
		return field.NewIPValue(s.SrcIP), true
	case s.specials.DstIP:
		return field.NewIPValue(s.DstIP), true
	case s.specials.SrcPort:
		return field.NewIntValue(int64(s.SrcPort)), true
	case s.specials.DstPort:
		return field.NewIntValue(int64(s.DstPort)), true
	case s.specials.TCPSynCnt:
		return field.NewIntValue(int64(s.TCPFlags.SYN)), true
	case s.specials.TCPSynAckCnt:
		return field.NewIntValue(int64(s.TCPFlags.SYNACK)), true
	case s.specials.TCPAckCnt:
		return field.NewIntValue(int64(s.TCPFlags.ACK)), true
	case s.specials.PacketsSrc:
		return field.NewIntValue(int64(s.Packets[0])), true
	case s.specials.PacketsDst:
		return field.NewIntValue(int64(s.Packets[1])), true
	case s.specials.BytesSrc:
		return field.NewIntValue(int64(s.Bytes[0])), true
	case s.specials.BytesDst:
		return field.NewIntValue(int64(s.Bytes[1])), true
	case s.specials.CommunityID:
		return field.NewStringValue(CommunityID(s.IPProto, s.SrcIP, s.SrcPort, s.DstIP, s.DstPort, 0)), true
	case s.specials.DstIPPort:
		return field.NewStringValue(net.JoinHostPort(s.DstIP.String(), itoa(int(s.DstPort)))), true
	default:
		return nil, false
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *Session) AddTag(tag string) {
	for _, t := range s.Tags {
		if t == tag {
			return
		}
	}
	s.Tags = append(s.Tags, tag)
}

func (s *Session) SetStopSPI() { s.StopSPI = true }

func (s *Session) SetStopSaving(capBytes int64) { s.StopSavingBytes = capBytes }

// AddProtocol attaches a classifier-assigned protocol label (spec's
// "session_add_protocol") and fires AFTER_CLASSIFY rules.
func (s *Session) AddProtocol(name string) {
	for _, p := range s.Protocols {
		if p == name {
			return
		}
	}
	s.Protocols = append(s.Protocols, name)
	if s.rules != nil {
		s.rules.Fire(rules.AfterClassify, s)
	}
}

// HasProtocol reports whether name was already attached by a classifier.
func (s *Session) HasProtocol(name string) bool {
	for _, p := range s.Protocols {
		if p == name {
			return true
		}
	}
	return false
}

// RegisterParser adds a parser table entry (classifier's "register a
// parser callback with opaque state and free/save hooks").
func (s *Session) RegisterParser(e ParserEntry) {
	s.parsers = append(s.parsers, e)
}

// Parsers returns the live parser table for iteration by the dispatcher.
func (s *Session) Parsers() []ParserEntry { return s.parsers }

// UnregisterAt detaches the parser at index i, running its Free hook and
// compacting the table (spec "unregistration compacts the table").
func (s *Session) UnregisterAt(i int) {
	if i < 0 || i >= len(s.parsers) {
		return
	}
	e := s.parsers[i]
	if e.Free != nil {
		e.Free(s, e.State)
	}
	s.parsers = append(s.parsers[:i], s.parsers[i+1:]...)
}

// FreeParsers runs every parser's Free hook and empties the table, the
// final-save teardown step (spec §4.4 step 6 "releases its fields").
func (s *Session) FreeParsers() {
	for _, e := range s.parsers {
		if e.Free != nil {
			e.Free(s, e.State)
		}
	}
	s.parsers = nil
	s.pending[0], s.pending[1] = nil, nil
}

// Classified reports whether first-bytes classification already ran for
// dir; SetClassified latches it. Classification runs once per direction
// (spec §4.3 "On classification phase (first-bytes heuristics)").
func (s *Session) Classified(dir Direction) bool  { return s.classified[dir] }
func (s *Session) SetClassified(dir Direction)    { s.classified[dir] = true }

// Pending returns the buffered-but-not-yet-delivered bytes for dir.
func (s *Session) Pending(dir Direction) []byte { return s.pending[dir] }

// AppendPending appends newly-ordered bytes to dir's residual buffer.
func (s *Session) AppendPending(dir Direction, data []byte) {
	if len(data) == 0 {
		return
	}
	s.pending[dir] = append(s.pending[dir], data...)
}

// ConsumePending trims n bytes off the front of dir's residual buffer.
func (s *Session) ConsumePending(dir Direction, n int) {
	if n <= 0 {
		return
	}
	if n >= len(s.pending[dir]) {
		s.pending[dir] = s.pending[dir][:0]
		return
	}
	s.pending[dir] = s.pending[dir][n:]
}

// ClearPending drops all buffered bytes for dir (e.g. after a detach).
func (s *Session) ClearPending(dir Direction) { s.pending[dir] = nil }

// IncrOutstanding / DecrOutstanding implement spec §4.2's
// incr_outstanding/decr_outstanding: deferring save while async work (a
// DNS lookup, a tag assignment, a backend RTT) is in flight.
func (s *Session) IncrOutstanding() { s.outstandingQueries++ }
func (s *Session) DecrOutstanding() {
	if s.outstandingQueries > 0 {
		s.outstandingQueries--
	}
}
func (s *Session) Outstanding() int32 { return s.outstandingQueries }

// MarkForClose requests the session be removed at the next save sweep.
func (s *Session) MarkForClose() { s.closing = true }
func (s *Session) Closing() bool  { return s.closing }

// WithinStopSaving reports whether the session is still under its
// stopSaving packet-byte cap (spec invariant: "packets[0] + packets[1] <=
// stopSaving while writer is active").
func (s *Session) WithinStopSaving() bool {
	if s.StopSavingBytes <= 0 {
		return true
	}
	return int64(s.Bytes[0]+s.Bytes[1]) <= s.StopSavingBytes
}

// RecordSYN notes the initial SYN's timestamp; RecordHandshakeACK pairs
// it with the first subsequent ACK to compute initRTT: half the
// (SYN, ACK) time delta.
func (s *Session) RecordSYN(t time.Time) {
	s.TCPState.synAt = t
	s.TCPState.haveSyn = true
	s.TCPState.SynSeen = true
}

func (s *Session) RecordHandshakeACK(t time.Time) {
	if s.TCPState.haveSyn && s.TCPState.InitRTT == 0 {
		delta := t.Sub(s.TCPState.synAt)
		s.TCPState.InitRTT = delta / 2
	}
}
