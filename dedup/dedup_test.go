package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeen_FirstOccurrenceIsNotADuplicate(t *testing.T) {
	w := NewWindow(Config{Window: time.Second, PayloadCap: 16})
	fp := Fingerprint([]byte("hdr"), []byte("payload"), 16)
	assert.False(t, w.Seen(fp, time.Unix(1000, 0)))
}

func TestSeen_RepeatWithinWindowIsDropped(t *testing.T) {
	w := NewWindow(Config{Window: time.Second, PayloadCap: 16})
	fp := Fingerprint([]byte("hdr"), []byte("payload"), 16)
	now := time.Unix(1000, 0)

	assert.False(t, w.Seen(fp, now))
	assert.True(t, w.Seen(fp, now.Add(500*time.Millisecond)))
}

func TestSeen_RepeatAfterWindowIsNotADuplicate(t *testing.T) {
	w := NewWindow(Config{Window: time.Second, PayloadCap: 16})
	fp := Fingerprint([]byte("hdr"), []byte("payload"), 16)
	now := time.Unix(1000, 0)

	assert.False(t, w.Seen(fp, now))
	assert.False(t, w.Seen(fp, now.Add(2*time.Second)))
}

func TestFingerprint_IgnoresPayloadBeyondCap(t *testing.T) {
	a := Fingerprint([]byte("hdr"), []byte("aaaaaaaa"), 4)
	b := Fingerprint([]byte("hdr"), []byte("aaaabbbb"), 4)
	assert.Equal(t, a, b, "bytes beyond the cap should not affect the fingerprint")
}

func TestFingerprint_DiffersOnHeader(t *testing.T) {
	a := Fingerprint([]byte("hdr1"), []byte("payload"), 16)
	b := Fingerprint([]byte("hdr2"), []byte("payload"), 16)
	assert.NotEqual(t, a, b)
}
