// Package telemetry provides rate-limited operator warnings and the
// counters surfaced in the periodic stats log line (spec §7, §8 P8).
//
// The rate limiter is the same shape as the teacher's amplitude error
// rate limiter: a sync.Map from context string to a small record tracking
// how many events have been suppressed since the last one was actually
// logged, flushed at most once per rateLimitDuration.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkime-core/capture/printer"
)

const rateLimitDuration = 60 * time.Second

type rateLimitRecord struct {
	suppressed int64
	nextLogAt  time.Time
}

var rateLimitMap sync.Map // string -> *rateLimitRecord

// RateLimited logs a drop warning for the given context (typically
// "worker-<n>-overload" or "worker-<n>-pcap-disk-overload") at most once
// per minute. Calls in between are counted and the rolled-up count is
// included the next time the warning is actually printed. The context
// doubles as the printed drop-reason tag.
func RateLimited(context string, format string, args ...interface{}) {
	now := time.Now()

	v, loaded := rateLimitMap.LoadOrStore(context, &rateLimitRecord{nextLogAt: now.Add(rateLimitDuration)})
	rec := v.(*rateLimitRecord)

	if loaded && rec.nextLogAt.After(now) {
		atomic.AddInt64(&rec.suppressed, 1)
		return
	}

	suppressed := atomic.SwapInt64(&rec.suppressed, 0)
	rec.nextLogAt = now.Add(rateLimitDuration)

	if suppressed > 0 {
		printer.Dropf(context, format+" (%d similar messages suppressed in the last minute)\n", append(args, suppressed)...)
	} else {
		printer.Dropf(context, format+"\n", args...)
	}
}

// Counters aggregates the per-outcome counts spec §7/§8 requires in the
// periodic log line: packets total, drops by reason, fragment stats, and
// queue depths. All fields are updated with atomic adds from worker
// goroutines and read by the main thread's stats ticker.
type Counters struct {
	PacketsTotal uint64

	IPDropped         uint64
	OverloadDropped   uint64
	CorruptDropped    uint64
	UnknownDropped    uint64
	IPPortDropped     uint64
	DuplicateDropped  uint64
	FragmentDropped   uint64
	FragmentsQueued   uint64
	FragmentsFinished uint64

	PCAPDiskOverload uint64
	TruncatedPCAP    uint64
}

func (c *Counters) AddPacketsTotal(n uint64)        { atomic.AddUint64(&c.PacketsTotal, n) }
func (c *Counters) AddIPDropped(n uint64)            { atomic.AddUint64(&c.IPDropped, n) }
func (c *Counters) AddOverloadDropped(n uint64)      { atomic.AddUint64(&c.OverloadDropped, n) }
func (c *Counters) AddCorruptDropped(n uint64)       { atomic.AddUint64(&c.CorruptDropped, n) }
func (c *Counters) AddUnknownDropped(n uint64)       { atomic.AddUint64(&c.UnknownDropped, n) }
func (c *Counters) AddIPPortDropped(n uint64)        { atomic.AddUint64(&c.IPPortDropped, n) }
func (c *Counters) AddDuplicateDropped(n uint64)     { atomic.AddUint64(&c.DuplicateDropped, n) }
func (c *Counters) AddFragmentDropped(n uint64)      { atomic.AddUint64(&c.FragmentDropped, n) }
func (c *Counters) AddFragmentsQueued(n uint64)      { atomic.AddUint64(&c.FragmentsQueued, n) }
func (c *Counters) AddFragmentsFinished(n uint64)    { atomic.AddUint64(&c.FragmentsFinished, n) }
func (c *Counters) AddPCAPDiskOverload(n uint64)     { atomic.AddUint64(&c.PCAPDiskOverload, n) }
func (c *Counters) AddTruncatedPCAP(n uint64)        { atomic.AddUint64(&c.TruncatedPCAP, n) }

// Snapshot returns a copy of the current counter values, safe to log or
// diff against a previous snapshot.
func (c *Counters) Snapshot() Counters {
	return Counters{
		PacketsTotal:      atomic.LoadUint64(&c.PacketsTotal),
		IPDropped:         atomic.LoadUint64(&c.IPDropped),
		OverloadDropped:   atomic.LoadUint64(&c.OverloadDropped),
		CorruptDropped:    atomic.LoadUint64(&c.CorruptDropped),
		UnknownDropped:    atomic.LoadUint64(&c.UnknownDropped),
		IPPortDropped:     atomic.LoadUint64(&c.IPPortDropped),
		DuplicateDropped:  atomic.LoadUint64(&c.DuplicateDropped),
		FragmentDropped:   atomic.LoadUint64(&c.FragmentDropped),
		FragmentsQueued:   atomic.LoadUint64(&c.FragmentsQueued),
		FragmentsFinished: atomic.LoadUint64(&c.FragmentsFinished),
		PCAPDiskOverload:  atomic.LoadUint64(&c.PCAPDiskOverload),
		TruncatedPCAP:     atomic.LoadUint64(&c.TruncatedPCAP),
	}
}
