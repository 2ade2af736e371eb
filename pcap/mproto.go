package pcap

import (
	"sync"

	"github.com/arkime-core/capture/session"
)

// MiniProtocol is the transport plug-in contract from spec §4.3: each
// registered mini-protocol owns session-id construction and the
// per-packet pre-process/process hooks for the sessions it claims.
// Implementations live in package mprotocol; parser plug-ins may
// register additional ones (e.g. tcap).
type MiniProtocol interface {
	Name() string
	// CreateSessionID returns the canonical flow key for p. The decode
	// path sets p.SessionID and p.Hash itself before sharding; the
	// built-in mini-protocols return that p.SessionID.
	CreateSessionID(p *Packet) session.ID
	// PreProcess runs on the owning worker once the session is resolved;
	// isNew is true on the session's first packet.
	PreProcess(s *session.Session, p *Packet, isNew bool)
	// Process runs after counters and the writer; returning true tells
	// the worker the packet can be released.
	Process(s *session.Session, p *Packet) bool
	// SFree releases any per-session state the mini-protocol attached.
	SFree(s *session.Session)
	// SessionType selects the idle-timeout category (spec §4.2).
	SessionType() session.Type
}

// MidSaver is an optional MiniProtocol extension invoked during
// mid-save so transport state (e.g. TCP sequence edges) survives the
// counter reset.
type MidSaver interface {
	MidSave(s *session.Session)
}

// Fixed mini-protocol ids for the built-in transports. Parser-defined
// mini-protocols get ids above MProtoBuiltinMax from RegisterMiniProtocol.
const (
	MProtoNone = iota
	MProtoTCP
	MProtoUDP
	MProtoICMP
	MProtoSCTP
	MProtoESP
	MProtoOtherIP
	MProtoARP
	MProtoOSPF
	MProtoUnknownEther
	MProtoCorruptEther
	MProtoUnknownIP
	MProtoCorruptIP
	MProtoBuiltinMax
)

var (
	mprotoMu  sync.Mutex
	mprotocol [64]MiniProtocol
	mprotoN   = MProtoBuiltinMax
)

// SetMiniProtocol installs mp under one of the fixed built-in ids.
// Called at startup by package mprotocol; panics on an out-of-range id
// (a programmer error, spec §7).
func SetMiniProtocol(id int, mp MiniProtocol) {
	mprotoMu.Lock()
	defer mprotoMu.Unlock()
	if id <= MProtoNone || id >= MProtoBuiltinMax {
		panic("pcap: mini-protocol id out of range")
	}
	mprotocol[id] = mp
}

// RegisterMiniProtocol allocates a dynamic id for a parser-defined
// mini-protocol (spec §4.3 "parser-defined types such as tcap").
func RegisterMiniProtocol(mp MiniProtocol) int {
	mprotoMu.Lock()
	defer mprotoMu.Unlock()
	if mprotoN >= len(mprotocol) {
		panic("pcap: mini-protocol table full")
	}
	id := mprotoN
	mprotoN++
	mprotocol[id] = mp
	return id
}

// GetMiniProtocol resolves an id to its registered implementation, nil
// if unset. Read-only after startup, so no locking on the packet path.
func GetMiniProtocol(id int) MiniProtocol {
	if id <= MProtoNone || id >= len(mprotocol) {
		return nil
	}
	return mprotocol[id]
}

// ResetMiniProtocols clears the table, for tests that re-run setup.
func ResetMiniProtocols() {
	mprotoMu.Lock()
	defer mprotoMu.Unlock()
	for i := range mprotocol {
		mprotocol[i] = nil
	}
	mprotoN = MProtoBuiltinMax
}
