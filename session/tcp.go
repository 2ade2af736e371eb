// tcp.go holds the per-direction TCP sequence bookkeeping from spec
// §4.3: locate where a segment fits relative to the expected sequence,
// queue it if past the edge, drop pure-duplicate retransmissions, and
// surface contiguous ordered bytes. The dispatch side (who the ordered
// bytes go to) lives in package reassembly; this file only owns the
// state machine, because spec §3 requires the reassembly state to live
// in the Session itself so mid-save and aging can see it.
package session

// maxQueuedSegments bounds the per-direction out-of-order queue. A gap
// that never fills pins its queued segments until the session ages out;
// past this many the oldest gap is abandoned by fast-forwarding the
// expected sequence, matching the original's behavior of not buffering
// unbounded out-of-order data.
const maxQueuedSegments = 256

// InitDirection seeds dir's expected sequence, called by the TCP
// mini-protocol on SYN (seq+1) or on the first data segment seen when
// the handshake was not captured.
func (t *TCPState) InitDirection(dir Direction, seq uint32) {
	d := &t.dir[dir]
	if d.haveExpected {
		return
	}
	d.expectedSeq = seq
	d.haveExpected = true
}

// Insert places a data segment into dir's stream and returns the
// contiguous, in-order chunks it unlocks (possibly none). Duplicate
// retransmissions return nil. Sequence comparison is done with signed
// 32-bit deltas so wraparound behaves.
func (t *TCPState) Insert(dir Direction, seq uint32, payload []byte) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	d := &t.dir[dir]
	if !d.haveExpected {
		d.expectedSeq = seq
		d.haveExpected = true
	}

	delta := int32(seq - d.expectedSeq)
	switch {
	case delta < 0:
		// Starts before the edge: retransmission. Keep only the part that
		// extends past what was already delivered, if any.
		if int(-delta) >= len(payload) {
			return nil
		}
		payload = payload[-delta:]
		seq = d.expectedSeq
	case delta > 0:
		// Past the edge: queue until the gap fills.
		if d.queue == nil {
			d.queue = map[uint32][]byte{}
		}
		if len(d.queue) >= maxQueuedSegments {
			t.abandonGap(d)
		}
		if prev, ok := d.queue[seq]; !ok || len(payload) > len(prev) {
			d.queue[seq] = append([]byte(nil), payload...)
		}
		return t.drainQueue(d, nil)
	}

	out := [][]byte{payload}
	d.expectedSeq = seq + uint32(len(payload))
	return t.drainQueue(d, out)
}

// drainQueue pops queued segments that now sit at the edge, advancing
// expectedSeq through each.
func (t *TCPState) drainQueue(d *tcpDirState, out [][]byte) [][]byte {
	for {
		advanced := false
		for seq, data := range d.queue {
			delta := int32(seq - d.expectedSeq)
			if delta > 0 {
				continue
			}
			delete(d.queue, seq)
			if int(-delta) >= len(data) {
				advanced = true
				break
			}
			data = data[-delta:]
			out = append(out, data)
			d.expectedSeq += uint32(len(data))
			advanced = true
			break
		}
		if !advanced {
			return out
		}
	}
}

// abandonGap fast-forwards expectedSeq to the lowest queued segment,
// giving up on the missing bytes so the queue can drain.
func (t *TCPState) abandonGap(d *tcpDirState) {
	var lowest uint32
	first := true
	for seq := range d.queue {
		if first || int32(seq-lowest) < 0 {
			lowest = seq
			first = false
		}
	}
	if !first {
		d.expectedSeq = lowest
	}
}

// ObserveFIN records a FIN seen in dir.
func (t *TCPState) ObserveFIN(dir Direction) {
	t.dir[dir].finSeen = true
}

// ObserveACK records an ACK in dir; an ACK arriving after the opposite
// direction's FIN completes that direction's half-close (spec §4.2
// FIN/ACK early-save state).
func (t *TCPState) ObserveACK(dir Direction) {
	other := &t.dir[1-dir]
	if other.finSeen {
		other.ackAfterFin = true
	}
}

// QueuedSegments reports how many out-of-order segments dir is holding,
// for tests and stats.
func (t *TCPState) QueuedSegments(dir Direction) int {
	return len(t.dir[dir].queue)
}

// ExpectedSeq returns dir's current delivery edge; the second return is
// false before the first segment/SYN seeds it.
func (t *TCPState) ExpectedSeq(dir Direction) (uint32, bool) {
	d := &t.dir[dir]
	return d.expectedSeq, d.haveExpected
}
