// Table implements spec §4.2: one independent hash table per worker,
// resolved by `hash % W`, with find_or_create/add_cmd/mid_save and LRU
// idle-aging. Grounded in the teacher's one-assembler/interface worker
// loop shape (pcap/net_parse.go's ParseFromInterface), generalized from
// "one flow of parsed traffic" to "W independent shards."
package session

import (
	"container/list"
	"sync"
	"time"

	"github.com/arkime-core/capture/field"
	"github.com/arkime-core/capture/pqueue"
	"github.com/arkime-core/capture/rules"
)

// lruHandle is the intrusive LRU position for a session within its
// shard's aging list (spec §4.2 "per-worker LRU list, tail-inserted on
// every packet").
type lruHandle struct {
	elem *list.Element
}

type cmd struct {
	fn func(s *Session, uw1, uw2 interface{})
	s  *Session
	u1 interface{}
	u2 interface{}
}

type shard struct {
	mu       sync.Mutex // guards cmds only; map/lru access is worker-local
	sessions map[string]*Session
	lru      *list.List // front = oldest
	cmds     []cmd
}

func newShard() *shard {
	return &shard{sessions: map[string]*Session{}, lru: list.New()}
}

// Table is the sharded session store: one shard per worker.
type Table struct {
	workers  int
	shards   []*shard
	registry *field.Registry
	rules    *rules.Engine
	specials *SpecialIDs
	pq       *pqueue.Registry

	maxPerType int
}

// NewTable returns a Table with `workers` shards, wired to the given
// field registry, rule engine, special-id set, and priority-queue
// registry (spec §4.5, shared with mid-save scheduling).
func NewTable(workers int, registry *field.Registry, engine *rules.Engine, specials *SpecialIDs, pq *pqueue.Registry, maxPerType int) *Table {
	t := &Table{
		workers:    workers,
		shards:     make([]*shard, workers),
		registry:   registry,
		rules:      engine,
		specials:   specials,
		pq:         pq,
		maxPerType: maxPerType,
	}
	for i := range t.shards {
		t.shards[i] = newShard()
	}
	return t
}

// WorkerFor returns the shard index a sessionId's hash selects (spec
// §4.1.3 "hash % W"; invariant P1).
func (t *Table) WorkerFor(id ID) int {
	return int(id.Hash() % uint32(t.workers))
}

// FindOrCreate implements spec's `find_or_create(mProto, hash, sessionId)
// -> (session, isNew)`. Must be called only from the worker goroutine
// that owns shard `worker` (spec §5 "thread-local... no cross-shard
// mutation").
func (t *Table) FindOrCreate(worker int, id ID, typ Type, touchAt time.Time) (*Session, bool) {
	sh := t.shards[worker]
	key := string(id)
	if s, ok := sh.sessions[key]; ok {
		t.touch(sh, s, touchAt)
		return s, false
	}

	s := New(append(ID(nil), id...), worker, typ, t.registry, t.rules, t.specials)
	s.FirstPacket = touchAt
	s.LastPacket = touchAt
	sh.sessions[key] = s
	s.lru.elem = sh.lru.PushBack(s)

	if t.maxPerType > 0 && len(sh.sessions) > t.maxPerType {
		t.evictOldest(sh)
	}
	return s, true
}

// Get returns the session for id in shard `worker`, if present.
func (t *Table) Get(worker int, id ID) (*Session, bool) {
	s, ok := t.shards[worker].sessions[string(id)]
	return s, ok
}

func (t *Table) touch(sh *shard, s *Session, now time.Time) {
	s.LastPacket = now
	if s.lru.elem != nil {
		sh.lru.MoveToBack(s.lru.elem)
	}
}

// Touch updates a session's LRU position and last-packet time without a
// full FindOrCreate lookup (used by mini-protocols after resolving the
// session by id themselves).
func (t *Table) Touch(worker int, s *Session, now time.Time) {
	t.touch(t.shards[worker], s, now)
}

func (t *Table) evictOldest(sh *shard) {
	front := sh.lru.Front()
	if front == nil {
		return
	}
	s := front.Value.(*Session)
	t.removeLocked(sh, s)
}

func (t *Table) removeLocked(sh *shard, s *Session) {
	if s.lru.elem != nil {
		sh.lru.Remove(s.lru.elem)
		s.lru.elem = nil
	}
	delete(sh.sessions, string(s.ID))
	if t.pq != nil {
		t.pq.Free(s.Thread, string(s.ID))
	}
}

// Remove deletes a session from its shard (used by the save path, spec
// §4.4 step 6 "removes it").
func (t *Table) Remove(s *Session) {
	t.removeLocked(t.shards[s.Thread], s)
}

// AddCmd implements spec's `add_cmd(session, func, uw1, uw2)`: enqueues a
// deferred action on the session's home worker, incrementing
// outstandingQueries until the action runs. Safe to call from any
// goroutine.
func (t *Table) AddCmd(s *Session, fn func(s *Session, uw1, uw2 interface{}), uw1, uw2 interface{}) {
	s.IncrOutstanding()
	sh := t.shards[s.Thread]
	sh.mu.Lock()
	sh.cmds = append(sh.cmds, cmd{fn: fn, s: s, u1: uw1, u2: uw2})
	sh.mu.Unlock()
}

// RunCmds drains up to max queued add_cmd entries for worker's shard,
// running each on the calling (owning) goroutine and decrementing
// outstandingQueries. Part of spec §4.2's "process-commands pass."
func (t *Table) RunCmds(worker int, max int) int {
	sh := t.shards[worker]
	sh.mu.Lock()
	n := len(sh.cmds)
	if max > 0 && n > max {
		n = max
	}
	batch := sh.cmds[:n]
	sh.cmds = append([]cmd(nil), sh.cmds[n:]...)
	sh.mu.Unlock()

	for _, c := range batch {
		c.fn(c.s, c.u1, c.u2)
		c.s.DecrOutstanding()
	}
	return len(batch)
}

// Expired returns every session in worker's shard whose last packet is
// older than idleTimeout as of now, or whose TCP state has seen FIN/ACK
// in both directions (spec §4.2's aging + early-FIN-ACK-save rules),
// oldest first. It does not remove them; callers run the save path and
// then call Remove.
func (t *Table) Expired(worker int, now time.Time, idleTimeout func(Type) time.Duration) []*Session {
	sh := t.shards[worker]
	var out []*Session
	// FIN/ACK and explicit close requests can fire for any session
	// regardless of LRU position, so every entry is checked; only the
	// idle-timeout half of the condition would let us stop at the first
	// not-yet-idle entry.
	for e := sh.lru.Front(); e != nil; e = e.Next() {
		s := e.Value.(*Session)
		timedOut := now.Sub(s.LastPacket) >= idleTimeout(s.Type)
		finAck := s.Type == TypeTCP && s.TCPState.FinAckBothDirections()
		if timedOut || finAck || s.Closing() {
			out = append(out, s)
		}
	}
	return out
}

// All returns every live session in worker's shard, oldest first, for
// shutdown flushing. Caller must be the owning worker (or the only
// remaining goroutine).
func (t *Table) All(worker int) []*Session {
	sh := t.shards[worker]
	out := make([]*Session, 0, len(sh.sessions))
	for e := sh.lru.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Session))
	}
	return out
}

// SessionCount reports the number of live sessions in worker's shard.
func (t *Table) SessionCount(worker int) int {
	return len(t.shards[worker].sessions)
}

// MidSave implements spec §4.2's `mid_save(session, now)`: serialize the
// session's current contents to sink, assign a new root id, and reset
// counters so the same flow can continue accumulating. The session stays
// in the table; callers must not call Remove.
func (t *Table) MidSave(s *Session, node string, sink Sink, now time.Time) {
	Save(s, node, sink, true, now)
}

// FinalSave runs the full save pipeline and removes s from the table, the
// terminal path for idle timeout, FIN/ACK, or manual close.
func (t *Table) FinalSave(s *Session, node string, sink Sink, now time.Time) {
	Save(s, node, sink, false, now)
	t.Remove(s)
}

// MarkForClose implements spec's `mark_for_close`.
func (t *Table) MarkForClose(s *Session) { s.MarkForClose() }

// SetStopSaving implements spec's `set_stop_saving`.
func (t *Table) SetStopSaving(s *Session, capBytes int64) { s.SetStopSaving(capBytes) }

// SetStopSPI implements spec's `set_stop_spi`.
func (t *Table) SetStopSPI(s *Session) { s.SetStopSPI() }
