// Package dedup implements the optional packet deduplicator from spec
// §4.1.2: "over a short sliding window, hash the packet's L3+L4 header
// plus a prefix of payload; drop if the hash was seen recently."
//
// Grounded in the teacher's hashing choice: akita-cli's go.mod depends on
// github.com/OneOfOne/xxhash for its own fast non-cryptographic hashing
// needs (wired here and in package session for sessionId sharding), so
// this package reuses it rather than crypto/sha256 or FNV.
package dedup

import (
	"container/list"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
)

// Config bounds the sliding window.
type Config struct {
	Window     time.Duration
	PayloadCap int // bytes of payload included in the fingerprint
}

type entry struct {
	hash uint64
	seen time.Time
}

// Window is a ring of recently-seen packet fingerprints, evicted by age.
// Safe for concurrent use; a single shared Window is expected (dedup
// operates before worker sharding in the pipeline, spec §4.1).
type Window struct {
	mu    sync.Mutex
	cfg   Config
	order *list.List
	seen  map[uint64]*list.Element
}

// NewWindow returns an empty dedup window.
func NewWindow(cfg Config) *Window {
	return &Window{cfg: cfg, order: list.New(), seen: map[uint64]*list.Element{}}
}

// Fingerprint hashes the L3+L4 header bytes plus up to cfg.PayloadCap
// bytes of payload into a single 64-bit value.
func Fingerprint(headerBytes, payload []byte, payloadCap int) uint64 {
	h := xxhash.New64()
	h.Write(headerBytes)
	if len(payload) > payloadCap {
		payload = payload[:payloadCap]
	}
	h.Write(payload)
	return h.Sum64()
}

// Seen reports whether a packet with this fingerprint arrived within the
// configured window, recording it either way (so the next occurrence
// within the window is also caught and the window's notion of "recently"
// keeps sliding forward).
func (w *Window) Seen(fp uint64, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evictExpired(now)

	if el, ok := w.seen[fp]; ok {
		el.Value.(*entry).seen = now
		w.order.MoveToBack(el)
		return true
	}

	el := w.order.PushBack(&entry{hash: fp, seen: now})
	w.seen[fp] = el
	return false
}

func (w *Window) evictExpired(now time.Time) {
	for {
		front := w.order.Front()
		if front == nil {
			break
		}
		e := front.Value.(*entry)
		if now.Sub(e.seen) < w.cfg.Window {
			break
		}
		w.order.Remove(front)
		delete(w.seen, e.hash)
	}
}

// Len reports the number of fingerprints currently tracked.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}
