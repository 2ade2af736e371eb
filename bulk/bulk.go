// Package bulk implements the bulk serializer from spec §4.6: session
// records accumulate in a growable buffer framed for the Elastic _bulk
// API, and full (or stale) buffers are handed to the HTTP
// collaborator's send function.
//
// Grounded in the teacher's trace/report_buffer.go: the same
// accumulate-until-size-or-time-threshold-then-flush-to-a-replaceable-
// sender shape, with the witness upload request swapped for _bulk
// framing. The default sender uses github.com/hashicorp/go-retryablehttp
// (a direct teacher dependency); retries are the sender's concern,
// matching spec §7 "retries are the collaborator's concern."
package bulk

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkime-core/capture/printer"
)

// Sender is the HTTP collaborator boundary (spec §6): it takes
// ownership of buf and frees it when done.
type Sender interface {
	SendBulk(ctx context.Context, buf []byte, count int) error
}

// SenderFunc adapts a function to the Sender interface, the hook spec
// §4.6 describes for replacing the default sender (WISE or other intel
// enrichment).
type SenderFunc func(ctx context.Context, buf []byte, count int) error

func (f SenderFunc) SendBulk(ctx context.Context, buf []byte, count int) error {
	return f(ctx, buf, count)
}

// Serializer batches records and flushes them to the sender when the
// byte threshold, record-count threshold, or flush interval is hit. It
// implements session.Sink, so the save pipeline hands records straight
// to it.
type Serializer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	count   int
	sender  Sender
	index   string
	maxSize int
	maxRecs int

	// In-flight plus buffered record count; readers poll this for
	// back-pressure (spec §4.6 queue_length).
	queued atomic.Int64

	flushInterval time.Duration
	done          chan struct{}
	wg            sync.WaitGroup
}

// Config sizes the serializer.
type Config struct {
	Index         string
	MaxSizeBytes  int
	MaxRecords    int
	FlushInterval time.Duration
}

// NewSerializer returns a Serializer flushing to sender.
func NewSerializer(cfg Config, sender Sender) *Serializer {
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = 1 << 20
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 200
	}
	return &Serializer{
		sender:        sender,
		index:         cfg.Index,
		maxSize:       cfg.MaxSizeBytes,
		maxRecs:       cfg.MaxRecords,
		flushInterval: cfg.FlushInterval,
		done:          make(chan struct{}),
	}
}

// SetSender replaces the sender (spec §4.6's enrichment hook). Callers
// replace it at startup, before records flow.
func (sz *Serializer) SetSender(s Sender) {
	sz.mu.Lock()
	sz.sender = s
	sz.mu.Unlock()
}

// Enqueue appends one record in _bulk framing (spec §6):
//
//	{"index":{"_index":"...","_id":"..."}}
//	{<doc>}
//
// doc is expected to already be a JSON object, newline-terminated or
// not. Implements session.Sink.
func (sz *Serializer) Enqueue(id string, doc []byte) {
	action, err := json.Marshal(map[string]map[string]string{
		"index": {"_index": sz.index, "_id": id},
	})
	if err != nil {
		printer.Errorf("bulk: marshal action for %s: %v\n", id, err)
		return
	}

	doc = bytes.TrimRight(doc, "\n")

	sz.mu.Lock()
	sz.buf.Write(action)
	sz.buf.WriteByte('\n')
	sz.buf.Write(doc)
	sz.buf.WriteByte('\n')
	sz.count++
	sz.queued.Add(1)
	full := sz.buf.Len() >= sz.maxSize || sz.count >= sz.maxRecs
	sz.mu.Unlock()

	if full {
		sz.Flush()
	}
}

// QueueLength reports buffered plus in-flight records, the
// back-pressure signal readers poll to throttle (spec §4.6).
func (sz *Serializer) QueueLength() int {
	return int(sz.queued.Load())
}

// Flush hands the current buffer to the sender, if non-empty. The
// sender owns the handed-off bytes.
func (sz *Serializer) Flush() {
	sz.mu.Lock()
	if sz.count == 0 {
		sz.mu.Unlock()
		return
	}
	out := make([]byte, sz.buf.Len())
	copy(out, sz.buf.Bytes())
	count := sz.count
	sender := sz.sender
	sz.buf.Reset()
	sz.count = 0
	sz.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sender.SendBulk(ctx, out, count); err != nil {
		printer.Warningf("bulk: send of %d records failed: %v\n", count, err)
	}
	sz.queued.Add(int64(-count))
}

// Start launches the periodic time-threshold flusher.
func (sz *Serializer) Start() {
	if sz.flushInterval <= 0 {
		return
	}
	sz.wg.Add(1)
	go func() {
		defer sz.wg.Done()
		ticker := time.NewTicker(sz.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sz.Flush()
			case <-sz.done:
				return
			}
		}
	}()
}

// Stop halts the periodic flusher and flushes whatever remains.
func (sz *Serializer) Stop() {
	close(sz.done)
	sz.wg.Wait()
	sz.Flush()
}
