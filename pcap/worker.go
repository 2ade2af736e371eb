package pcap

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkime-core/capture/config"
	"github.com/arkime-core/capture/pqueue"
	"github.com/arkime-core/capture/printer"
	"github.com/arkime-core/capture/rules"
	"github.com/arkime-core/capture/session"
	"github.com/arkime-core/capture/telemetry"
)

// Writer is the PCAP writer boundary from spec §6: a successful write
// returns a non-zero file number and position; (0, 0) means the disk is
// overloaded and the packet was skipped.
type Writer interface {
	Write(s *session.Session, p *Packet) (fileNum uint32, filePos uint64)
}

type workerQueue struct {
	mu     sync.Mutex
	list   []*Packet
	signal chan struct{}
}

func (q *workerQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.list)
}

// Pool owns the W worker goroutines and their bounded packet queues
// (spec §4.1.3, §5). Each worker drains only its own queue, owns one
// session-table shard, and blocks solely on its queue signal with a
// one-second timeout.
type Pool struct {
	workers int
	queues  []*workerQueue

	table    *session.Table
	pqReg    *pqueue.Registry
	rules    *rules.Engine
	writer   Writer
	sink     session.Sink
	counters *telemetry.Counters
	node     string

	midSavePQ *pqueue.PQ

	// Per-worker timestamp of the most recent packet, driving every
	// timeout so offline replay ages sessions by packet time, not wall
	// time (spec §5 Timeouts).
	lastTs []atomic.Int64

	inFlight []atomic.Int64

	quitting atomic.Bool
	wg       sync.WaitGroup
}

// NewPool wires a Pool to the session table, priority-queue registry,
// rule engine, writer and bulk-sink collaborators. workers and queue
// depth come from the config snapshot at construction.
func NewPool(table *session.Table, pqReg *pqueue.Registry, engine *rules.Engine, writer Writer, sink session.Sink, counters *telemetry.Counters, node string) *Pool {
	cfg := config.Load()
	w := cfg.WorkerCount
	if w < 1 {
		w = 1
	}
	pool := &Pool{
		workers:  w,
		queues:   make([]*workerQueue, w),
		table:    table,
		pqReg:    pqReg,
		rules:    engine,
		writer:   writer,
		sink:     sink,
		counters: counters,
		node:     node,
		lastTs:   make([]atomic.Int64, w),
		inFlight: make([]atomic.Int64, w),
	}
	for i := range pool.queues {
		pool.queues[i] = &workerQueue{signal: make(chan struct{}, 1)}
	}
	if pqReg != nil && cfg.TCPMidSaveSeconds > 0 {
		pool.midSavePQ = pqReg.New(cfg.TCPMidSaveSeconds, pool.midSaveExpired)
	}
	return pool
}

// Workers returns W.
func (pool *Pool) Workers() int { return pool.workers }

// QueueDepth reports worker w's current backlog, for stats and the
// 75%-full command-pass rule.
func (pool *Pool) QueueDepth(w int) int { return pool.queues[w].depth() }

func workerContext(w int, reason string) string {
	return "worker-" + strconv.Itoa(w) + "-" + reason
}

// enqueue splices list onto worker w's queue up to the configured cap,
// returning how many packets were dropped instead. Called by
// Batch.Flush from reader threads.
func (pool *Pool) enqueue(w int, list []*Packet) (dropped int) {
	depth := config.Load().WorkerQueueDepth
	q := pool.queues[w]

	q.mu.Lock()
	room := depth - len(q.list)
	if room < 0 {
		room = 0
	}
	take := len(list)
	if take > room {
		dropped = take - room
		take = room
	}
	q.list = append(q.list, list[:take]...)
	if take > 0 {
		// Counted under the lock so a fast worker cannot decrement
		// before the increment lands (Idle would report a false drain).
		pool.inFlight[w].Add(int64(take))
	}
	q.mu.Unlock()

	if take > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return dropped
}

// Start launches the W worker goroutines.
func (pool *Pool) Start() {
	for w := 0; w < pool.workers; w++ {
		pool.wg.Add(1)
		go pool.run(w)
	}
}

// Shutdown stops the workers after their queues drain, final-saving
// every remaining session. Blocks until all workers have exited.
func (pool *Pool) Shutdown() {
	pool.quitting.Store(true)
	for _, q := range pool.queues {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	pool.wg.Wait()
}

// Idle reports whether every queue is empty and every enqueued packet
// has been fully processed — the flushBetween barrier from spec §5.
func (pool *Pool) Idle() bool {
	for w := 0; w < pool.workers; w++ {
		if pool.queues[w].depth() > 0 || pool.inFlight[w].Load() > 0 {
			return false
		}
	}
	return true
}

// WaitIdle blocks until Idle, polling; used between offline capture
// files (spec §5 "the main thread blocks until all workers' queues are
// empty and all pending saves complete").
func (pool *Pool) WaitIdle() {
	for !pool.Idle() {
		time.Sleep(10 * time.Millisecond)
	}
}

func (pool *Pool) now(w int) time.Time {
	ns := pool.lastTs[w].Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (pool *Pool) run(w int) {
	defer pool.wg.Done()
	q := pool.queues[w]
	cfg := config.Load()
	sincePass := 0

	for {
		q.mu.Lock()
		batch := q.list
		q.list = nil
		q.mu.Unlock()

		if len(batch) == 0 {
			if pool.quitting.Load() {
				pool.flushSessions(w)
				return
			}
			// Idle tick: still run deferred commands and the PQ so
			// cross-worker work and scheduled saves make progress.
			pool.commandsPass(w, cfg)
			pool.sweep(w)
			select {
			case <-q.signal:
			case <-time.After(time.Second):
			}
			continue
		}

		depth := cfg.WorkerQueueDepth
		for _, p := range batch {
			pool.lastTs[w].Store(p.Ts.UnixNano())
			pool.processPacket(w, p)
			pool.inFlight[w].Add(-1)

			// Process-commands pass: every packet normally, once every
			// 8 packets when the queue is >= 75% full (spec §4.2).
			sincePass++
			if q.depth() < depth*3/4 || sincePass >= 8 {
				pool.commandsPass(w, cfg)
				sincePass = 0
			}
		}
		pool.sweep(w)
	}
}

func (pool *Pool) commandsPass(w int, cfg *config.Config) {
	pool.table.RunCmds(w, cfg.ProcessCommandsMaxPerPass)
	if pool.pqReg != nil {
		pool.pqReg.Run(w, pool.now(w), cfg.ProcessCommandsMaxPerPass)
	}
}

func (pool *Pool) processPacket(w int, p *Packet) {
	pool.counters.AddPacketsTotal(1)

	mp := GetMiniProtocol(p.MProtocol)
	if mp == nil {
		return
	}

	s, isNew := pool.table.FindOrCreate(w, p.SessionID, mp.SessionType(), p.Ts)
	if s.Thread != w {
		// Invariant P1 violation: programmer error, logged loudly,
		// session dropped (spec §7).
		printer.Worker(w).Errorf("session %s owned by worker %d observed here, dropping\n", s.ID.String(), s.Thread)
		pool.table.Remove(s)
		return
	}

	if pool.rules != nil {
		pool.rules.Fire(rules.EveryPacket, s)
	}

	if isNew {
		pool.setupSession(w, s, p, mp)
	}

	mp.PreProcess(s, p, isNew)

	s.Packets[p.Direction]++
	s.Bytes[p.Direction] += uint64(len(p.Buf))

	pool.writePacket(s, p)
	mp.Process(s, p)
}

func (pool *Pool) setupSession(w int, s *session.Session, p *Packet, mp MiniProtocol) {
	s.MProto = p.MProtocol
	if ipA, portA, ipB, portB, ok := p.SessionID.Endpoints(); ok {
		s.SrcIP, s.SrcPort = ipA, portA
		s.DstIP, s.DstPort = ipB, portB
	}
	s.IPProto = p.IPProto

	cfg := config.Load()
	if cfg.StopSavingBytes > 0 {
		s.SetStopSaving(cfg.StopSavingBytes)
	}

	if pool.rules != nil {
		pool.rules.Fire(rules.SessionSetup, s)
	}

	if pool.midSavePQ != nil && mp.SessionType() == session.TypeTCP {
		pool.midSavePQ.Upsert(w, string(s.ID), s, p.Ts)
	}
}

func (pool *Pool) writePacket(s *session.Session, p *Packet) {
	if pool.writer == nil {
		return
	}
	if !s.WithinStopSaving() {
		// Past the stopSaving cap the writer is told to skip but the
		// session still accumulates metadata (spec §3 invariant).
		return
	}
	fileNum, pos := pool.writer.Write(s, p)
	if fileNum == 0 {
		s.AddTag("pcap-disk-overload")
		pool.counters.AddPCAPDiskOverload(1)
		return
	}
	p.WriterFileNum = fileNum
	p.WriterFilePos = pos
	s.FilePositions = append(s.FilePositions, session.FilePos{FileNum: fileNum, Pos: pos, Length: len(p.Buf)})
}

// sweep final-saves every session in w's shard that has aged out, seen
// FIN/ACK both ways, or been marked for close (spec §4.2 lifecycle).
func (pool *Pool) sweep(w int) {
	now := pool.now(w)
	if now.IsZero() {
		return
	}
	cfg := config.Load()
	for _, s := range pool.table.Expired(w, now, cfg.IdleTimeout) {
		if s.Outstanding() > 0 {
			// Deferred work in flight: save waits until it resolves
			// (spec §3 "outstandingQueries > 0 defers save").
			continue
		}
		pool.finalSave(s, now)
	}
}

func (pool *Pool) finalSave(s *session.Session, now time.Time) {
	session.Save(s, pool.node, pool.sink, false, now)
	if mp := GetMiniProtocol(s.MProto); mp != nil {
		mp.SFree(s)
	}
	s.FreeParsers()
	pool.table.Remove(s)
}

// flushSessions saves everything left in w's shard at shutdown.
func (pool *Pool) flushSessions(w int) {
	now := pool.now(w)
	if now.IsZero() {
		now = time.Now()
	}
	for _, s := range pool.table.All(w) {
		pool.finalSave(s, now)
	}
}

// midSaveExpired is the priority-queue callback for long-lived TCP
// flows (spec §4.2 mid_save): serialize the session's current state
// under a fresh root id, keep it in the table, and reschedule.
func (pool *Pool) midSaveExpired(sessionID string, uw interface{}) {
	s, ok := uw.(*session.Session)
	if !ok {
		return
	}
	if _, live := pool.table.Get(s.Thread, session.ID(sessionID)); !live {
		return
	}
	now := pool.now(s.Thread)
	session.Save(s, pool.node, pool.sink, true, now)
	if mp, okMS := GetMiniProtocol(s.MProto).(MidSaver); okMS {
		mp.MidSave(s)
	}
	pool.midSavePQ.Upsert(s.Thread, sessionID, s, now)
}
