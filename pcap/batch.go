package pcap

import (
	"github.com/arkime-core/capture/telemetry"
)

// Batch is the thread-local packet batch from spec §4.1.3: W sub-lists,
// one per worker, filled by a reader thread's decode loop and flushed
// by splicing each sub-list onto the target worker's queue under that
// worker's lock. One Batch per reader thread; never shared.
type Batch struct {
	pool  *Pool
	lists [][]*Packet
	count int
}

// NewBatch returns an empty batch bound to pool's worker count.
func (pool *Pool) NewBatch() *Batch {
	return &Batch{
		pool:  pool,
		lists: make([][]*Packet, pool.Workers()),
	}
}

// Add decodes nothing; it shards an already-decoded packet to its
// hash-selected sub-list (spec §4.1.3 "Selection of target worker:
// hash % W"). Packets that cross into a batch outlive the reader's
// buffer, so ownership is taken here (the lazy-copy point: packets
// dropped before Add never pay the copy).
func (b *Batch) Add(p *Packet) {
	p.Own()
	w := int(p.Hash % uint32(len(b.lists)))
	b.lists[w] = append(b.lists[w], p)
	b.count++
}

// Len reports how many packets are waiting to be flushed.
func (b *Batch) Len() int { return b.count }

// Flush splices every non-empty sub-list onto its worker's queue,
// signalling the worker's condition variable. Packets that do not fit
// under the queue cap are dropped and counted as OVERLOAD_DROPPED with
// a once-per-minute warning per worker (spec §4.1.3 overload policy;
// invariant P8: a packet is enqueued or counted, never both).
func (b *Batch) Flush() {
	for w, list := range b.lists {
		if len(list) == 0 {
			continue
		}
		dropped := b.pool.enqueue(w, list)
		if dropped > 0 {
			b.pool.counters.AddOverloadDropped(uint64(dropped))
			telemetry.RateLimited(workerContext(w, "overload"),
				"worker %d queue full, dropped %d packets", w, dropped)
		}
		b.lists[w] = list[:0]
	}
	b.count = 0
}
