// Package fragment implements the IPv4 fragment reassembler from spec
// §4.1.1: a table keyed by (srcIP, dstIP, IP-id), each entry an
// offset-ordered list of fragment payloads, reassembled once a
// last-fragment (MF=0) has arrived and the list covers offset 0 without
// gaps.
//
// IPv6 fragment reassembly is deliberately not implemented (spec §9 Open
// Question; see SPEC_FULL.md's resolution) — this package is IPv4-only.
//
// Grounded in spec §4.1.1 and original_source/; the teacher has no
// fragment reassembler (akita-cli relies on the OS/pcap layer to deliver
// whole packets), so this is new code in the pack's general style of
// small, mutex-guarded tables (cf. config/dropcidr.go's trie).
package fragment

import (
	"container/list"
	"net"
	"sync"
	"time"
)

// Config bounds the reassembler, matching spec's "configurable fragment
// timeout," "per-entry packet count exceeds 50," "maximum packet size,"
// and "total in-flight entries" cap.
type Config struct {
	Timeout         time.Duration
	MaxPacketsPerID int
	MaxPacketSize   int
	MaxInFlight     int
}

// Result reports what Insert did with a fragment.
type Result int

const (
	// Incomplete means the fragment was accepted; the entry is still
	// waiting on more fragments.
	Incomplete Result = iota
	// Reassembled means this fragment completed the set; Insert's payload
	// return value is the full reassembled packet.
	Reassembled
	// Dropped means the entry exceeded a configured limit and was
	// discarded entirely, including all previously-buffered fragments.
	Dropped
)

type fragPiece struct {
	offset int // byte offset into the reassembled payload
	more   bool
	data   []byte
}

type key struct {
	src, dst string
	id       uint16
}

type entry struct {
	created     time.Time
	pieces      []fragPiece // kept sorted by offset
	haveNoFlags bool
	totalBytes  int
	header      []byte // the offset-0 fragment's IP header, prepended on reassembly
}

// Table is a single reassembly table. The packet pipeline's Decoder holds
// one Table shared by every goroutine that decodes packets; Table guards
// its state with a mutex so that sharing is safe.
type Table struct {
	mu      sync.Mutex
	cfg     Config
	entries map[key]*entry
	order   *list.List // front = oldest, for total-in-flight eviction
	elems   map[key]*list.Element
}

// NewTable returns an empty reassembly table.
func NewTable(cfg Config) *Table {
	return &Table{
		cfg:     cfg,
		entries: map[key]*entry{},
		order:   list.New(),
		elems:   map[key]*list.Element{},
	}
}

// Insert adds one IPv4 fragment to its (srcIP, dstIP, id) entry. offset
// and payload are in bytes (offset already multiplied out from the
// wire's 8-byte units); more is the MF flag; header is the fragment's IP
// header, retained from the offset-0 fragment and prepended to the
// reassembled payload so the result is a whole IP packet again. now
// drives timeout eviction.
func (t *Table) Insert(src, dst net.IP, id uint16, offset int, more bool, payload, header []byte, now time.Time) ([]byte, Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evictExpired(now)

	k := key{src: src.String(), dst: dst.String(), id: id}
	e, ok := t.entries[k]
	if !ok {
		t.evictOldestIfAtCap()
		e = &entry{created: now}
		t.entries[k] = e
		t.elems[k] = t.order.PushBack(k)
	}

	e.pieces = insertSorted(e.pieces, fragPiece{offset: offset, more: more, data: payload})
	e.totalBytes += len(payload)
	if !more {
		e.haveNoFlags = true
	}
	if offset == 0 && len(header) > 0 {
		e.header = append([]byte(nil), header...)
	}

	if len(e.pieces) > t.cfg.MaxPacketsPerID || e.totalBytes > t.cfg.MaxPacketSize {
		t.remove(k)
		return nil, Dropped
	}

	if e.haveNoFlags {
		if buf, complete := reassemble(e.header, e.pieces); complete {
			t.remove(k)
			return buf, Reassembled
		}
	}

	return nil, Incomplete
}

func insertSorted(pieces []fragPiece, p fragPiece) []fragPiece {
	i := 0
	for ; i < len(pieces); i++ {
		if pieces[i].offset > p.offset {
			break
		}
	}
	pieces = append(pieces, fragPiece{})
	copy(pieces[i+1:], pieces[i:])
	pieces[i] = p
	return pieces
}

// reassemble walks pieces (already offset-sorted) and verifies contiguous
// coverage from offset 0, per spec §4.1.1. header (possibly empty) is
// prepended so the caller gets a whole packet back.
func reassemble(header []byte, pieces []fragPiece) ([]byte, bool) {
	if len(pieces) == 0 {
		return nil, false
	}

	expect := 0
	for _, p := range pieces {
		if p.offset != expect {
			return nil, false
		}
		expect += len(p.data)
	}

	// The final piece (highest offset) must be the one that had MF=0.
	if pieces[len(pieces)-1].more {
		return nil, false
	}

	buf := make([]byte, 0, len(header)+expect)
	buf = append(buf, header...)
	for _, p := range pieces {
		buf = append(buf, p.data...)
	}
	return buf, true
}

func (t *Table) evictExpired(now time.Time) {
	for {
		front := t.order.Front()
		if front == nil {
			break
		}
		k := front.Value.(key)
		e, ok := t.entries[k]
		if !ok {
			t.order.Remove(front)
			continue
		}
		if now.Sub(e.created) < t.cfg.Timeout {
			break
		}
		t.remove(k)
	}
}

func (t *Table) evictOldestIfAtCap() {
	if t.cfg.MaxInFlight <= 0 || len(t.entries) < t.cfg.MaxInFlight {
		return
	}
	front := t.order.Front()
	if front == nil {
		return
	}
	t.remove(front.Value.(key))
}

func (t *Table) remove(k key) {
	if el, ok := t.elems[k]; ok {
		t.order.Remove(el)
		delete(t.elems, k)
	}
	delete(t.entries, k)
}

// InFlight reports the current number of incomplete entries, for tests
// and metrics.
func (t *Table) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
