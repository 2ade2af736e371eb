package telemetry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimited_SuppressesWithinWindow(t *testing.T) {
	ctx := t.Name()

	// First call always logs immediately (no prior record).
	RateLimited(ctx, "worker queue full (depth=%d)", 10000)

	// None of these should panic or block; we can't observe stdout here,
	// but we can exercise the map bookkeeping concurrently.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			RateLimited(ctx, "worker queue full (depth=%d)", n)
		}(i)
	}
	wg.Wait()

	v, ok := rateLimitMap.Load(ctx)
	if assert.True(t, ok) {
		rec := v.(*rateLimitRecord)
		// All 50 concurrent calls landed inside the 1-minute window opened by
		// the first call, so they should all have been suppressed and counted.
		assert.Equal(t, int64(50), rec.suppressed)
	}
}

func TestCounters_SnapshotIsIndependent(t *testing.T) {
	var c Counters
	c.AddPacketsTotal(5)
	c.AddOverloadDropped(2)

	snap := c.Snapshot()
	assert.Equal(t, uint64(5), snap.PacketsTotal)
	assert.Equal(t, uint64(2), snap.OverloadDropped)

	c.AddPacketsTotal(1)
	assert.Equal(t, uint64(5), snap.PacketsTotal, "snapshot must not observe later writes")
	assert.Equal(t, uint64(6), c.Snapshot().PacketsTotal)
}
