package bulk

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	mu      sync.Mutex
	batches [][]byte
	counts  []int
}

func (c *captureSender) SendBulk(_ context.Context, buf []byte, count int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, buf)
	c.counts = append(c.counts, count)
	return nil
}

func TestEnqueue_BulkFraming(t *testing.T) {
	sender := &captureSender{}
	sz := NewSerializer(Config{Index: "sessions3", MaxRecords: 100}, sender)

	sz.Enqueue("13:abcd", []byte(`{"srcIp":"10.0.0.1"}`+"\n"))
	sz.Flush()

	require.Len(t, sender.batches, 1)
	lines := bytes.Split(bytes.TrimRight(sender.batches[0], "\n"), []byte("\n"))
	require.Len(t, lines, 2)

	var action map[string]map[string]string
	require.NoError(t, json.Unmarshal(lines[0], &action))
	assert.Equal(t, "sessions3", action["index"]["_index"])
	assert.Equal(t, "13:abcd", action["index"]["_id"])
	assert.JSONEq(t, `{"srcIp":"10.0.0.1"}`, string(lines[1]))
}

func TestFlush_TriggeredByRecordThreshold(t *testing.T) {
	sender := &captureSender{}
	sz := NewSerializer(Config{Index: "s", MaxRecords: 3}, sender)

	for i := 0; i < 3; i++ {
		sz.Enqueue("id", []byte(`{}`))
	}
	require.Len(t, sender.counts, 1)
	assert.Equal(t, 3, sender.counts[0])
	assert.Equal(t, 0, sz.QueueLength())
}

func TestFlush_TriggeredBySizeThreshold(t *testing.T) {
	sender := &captureSender{}
	sz := NewSerializer(Config{Index: "s", MaxSizeBytes: 64, MaxRecords: 1000}, sender)

	sz.Enqueue("id1", bytes.Repeat([]byte("x"), 0)) // small, stays buffered
	assert.Empty(t, sender.batches)

	sz.Enqueue("id2", []byte(`{"pad":"`+string(bytes.Repeat([]byte("y"), 64))+`"}`))
	assert.Len(t, sender.batches, 1)
}

func TestQueueLength_BackPressureSignal(t *testing.T) {
	block := make(chan struct{})
	sz := NewSerializer(Config{Index: "s", MaxRecords: 1000}, SenderFunc(func(ctx context.Context, buf []byte, count int) error {
		<-block
		return nil
	}))

	sz.Enqueue("a", []byte(`{}`))
	sz.Enqueue("b", []byte(`{}`))
	assert.Equal(t, 2, sz.QueueLength())

	done := make(chan struct{})
	go func() {
		sz.Flush()
		close(done)
	}()
	close(block)
	<-done
	assert.Equal(t, 0, sz.QueueLength())
}

func TestStop_FlushesRemainder(t *testing.T) {
	sender := &captureSender{}
	sz := NewSerializer(Config{Index: "s", MaxRecords: 1000, FlushInterval: time.Hour}, sender)
	sz.Start()

	sz.Enqueue("a", []byte(`{}`))
	sz.Stop()

	require.Len(t, sender.counts, 1)
	assert.Equal(t, 1, sender.counts[0])
}

func TestEmptyFlushIsNoop(t *testing.T) {
	sender := &captureSender{}
	sz := NewSerializer(Config{Index: "s"}, sender)
	sz.Flush()
	assert.Empty(t, sender.batches)
}
