// Package pqueue implements the per-worker delayed-callback queue from
// spec §4.5: "schedule delayed work on a session... without creating
// additional threads." The teacher has no equivalent (akita-cli has no
// notion of scheduled per-flow work), so this is built directly from
// spec.md and original_source/capture/pq.c, which this package follows
// closely: a FIFO list per (PQ, worker) pair, upsert-moves-existing-
// entries-to-the-tail, and expiry driven by the worker's own notion of
// "now" (the timestamp of the last packet it processed) rather than wall
// clock, so behavior is identical processing a live interface or an
// offline pcap file.
package pqueue

import (
	"container/list"
	"sync"
	"time"
)

// Callback is invoked when a queued entry expires. sessionID is the raw
// key passed to Upsert; uw is the opaque user value carried alongside it
// (original's "uw", short for user-world pointer).
type Callback func(sessionID string, uw interface{})

type item struct {
	sessionID string
	uw        interface{}
	expire    time.Time
}

type shard struct {
	order *list.List
	index map[string]*list.Element
}

func newShard() shard {
	return shard{order: list.New(), index: map[string]*list.Element{}}
}

// PQ is one priority queue definition (e.g. "mid-save", "ARP reply
// batching"), sharded one FIFO list per worker so each worker only ever
// touches its own shard without locking.
type PQ struct {
	timeout time.Duration
	cb      Callback
	shards  []shard
}

// Upsert inserts sessionID with a fresh expiration of now+pq.timeout, or,
// if already present, refreshes its expiration and moves it to the tail
// of the FIFO — matching the original's DLL_MOVE_TAIL on re-upsert.
func (pq *PQ) Upsert(worker int, sessionID string, uw interface{}, now time.Time) {
	s := &pq.shards[worker]
	expire := now.Add(pq.timeout)

	if el, ok := s.index[sessionID]; ok {
		it := el.Value.(*item)
		it.expire = expire
		it.uw = uw
		s.order.MoveToBack(el)
		return
	}

	it := &item{sessionID: sessionID, uw: uw, expire: expire}
	el := s.order.PushBack(it)
	s.index[sessionID] = el
}

// Remove drops sessionID from this PQ's worker shard, if present.
func (pq *PQ) Remove(worker int, sessionID string) {
	s := &pq.shards[worker]
	el, ok := s.index[sessionID]
	if !ok {
		return
	}
	s.order.Remove(el)
	delete(s.index, sessionID)
}

// Len reports the number of pending entries in a worker's shard.
func (pq *PQ) Len(worker int) int { return pq.shards[worker].order.Len() }

// Registry tracks every PQ so Free can remove a session from all of them
// at once (original's "remove this session from all PQs") and Run can
// drain every PQ's due entries for a worker in one pass.
type Registry struct {
	mu      sync.Mutex
	workers int
	pqs     []*PQ
}

// NewRegistry returns a Registry sized for workers worker shards.
func NewRegistry(workers int) *Registry {
	return &Registry{workers: workers}
}

// New allocates a PQ with the given timeout and expiry callback, and
// registers it so Run/Free cover it.
func (r *Registry) New(timeout time.Duration, cb Callback) *PQ {
	pq := &PQ{timeout: timeout, cb: cb, shards: make([]shard, r.workers)}
	for i := range pq.shards {
		pq.shards[i] = newShard()
	}

	r.mu.Lock()
	r.pqs = append(r.pqs, pq)
	r.mu.Unlock()
	return pq
}

// Run drains, for every registered PQ, up to max entries whose expiration
// is at or before now from worker's shard, invoking each PQ's callback in
// FIFO order. Called once per packet-batch tick by the owning worker
// goroutine only — never concurrently for the same worker index.
func (r *Registry) Run(worker int, now time.Time, max int) {
	r.mu.Lock()
	pqs := make([]*PQ, len(r.pqs))
	copy(pqs, r.pqs)
	r.mu.Unlock()

	for _, pq := range pqs {
		s := &pq.shards[worker]
		cnt := max
		for cnt > 0 {
			front := s.order.Front()
			if front == nil {
				break
			}
			it := front.Value.(*item)
			if it.expire.After(now) {
				break
			}
			s.order.Remove(front)
			delete(s.index, it.sessionID)
			pq.cb(it.sessionID, it.uw)
			cnt--
		}
	}
}

// Free removes sessionID from every registered PQ's worker shard, used
// when a session is destroyed so no stale callback fires against it.
func (r *Registry) Free(worker int, sessionID string) {
	r.mu.Lock()
	pqs := make([]*PQ, len(r.pqs))
	copy(pqs, r.pqs)
	r.mu.Unlock()

	for _, pq := range pqs {
		pq.Remove(worker, sessionID)
	}
}

// Flush drops every pending entry in a worker's shard across all PQs
// without invoking callbacks, for fast shutdown.
func (r *Registry) Flush(worker int) {
	r.mu.Lock()
	pqs := make([]*PQ, len(r.pqs))
	copy(pqs, r.pqs)
	r.mu.Unlock()

	for _, pq := range pqs {
		s := &pq.shards[worker]
		for {
			front := s.order.Front()
			if front == nil {
				break
			}
			it := front.Value.(*item)
			s.order.Remove(front)
			delete(s.index, it.sessionID)
		}
	}
}
