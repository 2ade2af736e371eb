package pqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsert_NewEntryFiresAfterTimeout(t *testing.T) {
	r := NewRegistry(1)
	var fired []string
	pq := r.New(10*time.Second, func(id string, uw interface{}) {
		fired = append(fired, id)
	})

	base := time.Unix(1000, 0)
	pq.Upsert(0, "sess-a", nil, base)

	r.Run(0, base.Add(5*time.Second), 10)
	assert.Empty(t, fired, "not yet expired")

	r.Run(0, base.Add(11*time.Second), 10)
	assert.Equal(t, []string{"sess-a"}, fired)
}

func TestUpsert_ExistingEntryMovesToTailAndRefreshes(t *testing.T) {
	r := NewRegistry(1)
	var fired []string
	pq := r.New(10*time.Second, func(id string, uw interface{}) {
		fired = append(fired, id)
	})

	base := time.Unix(1000, 0)
	pq.Upsert(0, "a", nil, base)
	pq.Upsert(0, "b", nil, base)
	// Re-upsert "a" later: it should move behind "b" and get a fresh expiry.
	pq.Upsert(0, "a", nil, base.Add(5*time.Second))

	r.Run(0, base.Add(12*time.Second), 10)
	require.Equal(t, []string{"b"}, fired, "only b is due; a's expiry was refreshed")
}

func TestRun_RespectsMaxPerCall(t *testing.T) {
	r := NewRegistry(1)
	var fired []string
	pq := r.New(time.Second, func(id string, uw interface{}) {
		fired = append(fired, id)
	})

	base := time.Unix(1000, 0)
	pq.Upsert(0, "a", nil, base)
	pq.Upsert(0, "b", nil, base)
	pq.Upsert(0, "c", nil, base)

	r.Run(0, base.Add(2*time.Second), 2)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, pq.Len(0))
}

func TestFree_RemovesFromAllRegisteredPQs(t *testing.T) {
	r := NewRegistry(1)
	pq1 := r.New(time.Minute, func(string, interface{}) {})
	pq2 := r.New(time.Minute, func(string, interface{}) {})

	base := time.Unix(1000, 0)
	pq1.Upsert(0, "x", nil, base)
	pq2.Upsert(0, "x", nil, base)

	r.Free(0, "x")
	assert.Equal(t, 0, pq1.Len(0))
	assert.Equal(t, 0, pq2.Len(0))
}

func TestFlush_DropsEntriesWithoutFiring(t *testing.T) {
	r := NewRegistry(1)
	fired := false
	pq := r.New(time.Second, func(string, interface{}) { fired = true })

	base := time.Unix(1000, 0)
	pq.Upsert(0, "a", nil, base)
	r.Flush(0)

	assert.Equal(t, 0, pq.Len(0))
	r.Run(0, base.Add(time.Hour), 10)
	assert.False(t, fired)
}
