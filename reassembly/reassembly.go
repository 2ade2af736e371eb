// Package reassembly implements the ordered-byte-stream delivery and
// classifier/parser dispatch engine from spec §4.3. The per-flow
// sequence bookkeeping itself lives in session.TCPState (spec §3 puts
// reassembly state inside the Session); this package owns everything
// around it: first-bytes classification, the parser contract, and the
// sub-parser registries for multi-layer protocols.
//
// Grounded in the teacher's pcap/stream.go: tcpStream's "run every
// registered factory's Accepts against the first bytes, then hand the
// stream to the accepted parser until it returns" becomes the spec's
// classifier registry plus per-session parser table. The teacher keys
// acceptance on one global factory selector; this generalizes to
// byte-prefix-at-offset and port-keyed classifiers per spec.
package reassembly

import (
	"bytes"
	"sync"

	"github.com/arkime-core/capture/printer"
	"github.com/arkime-core/capture/session"
)

// ClassifierFunc runs when a classifier pattern matches a session's
// first bytes in one direction. It may add a protocol label, register
// parsers, or both (spec §4.3).
type ClassifierFunc func(s *session.Session, data []byte, dir session.Direction)

// PortSide selects which port a port classifier matches on.
type PortSide int

const (
	PortSrc PortSide = 1 << iota
	PortDst
)

type byteClassifier struct {
	name   string
	offset int
	match  []byte
	fn     ClassifierFunc
}

type portClassifier struct {
	name string
	side PortSide
	fn   ClassifierFunc
}

// SubParserFunc is one entry of a sub-parser table (spec §4.3
// "Multi-layer parsers... are implemented as sub-parser registries").
// It returns the number of bytes consumed.
type SubParserFunc func(s *session.Session, data []byte, dir session.Direction, uw interface{}) int

type subEntry struct {
	fn SubParserFunc
	uw interface{}
}

// Registry holds every registered classifier and sub-parser table.
// Registration happens at startup; dispatch is lock-free thereafter,
// matching the field registry's write-once pattern (spec §5).
type Registry struct {
	mu       sync.Mutex
	tcp      []byteClassifier
	udp      []byteClassifier
	tcpPorts map[uint16][]portClassifier
	udpPorts map[uint16][]portClassifier
	subs     map[string]map[uint32]subEntry
}

// NewRegistry returns an empty classifier registry.
func NewRegistry() *Registry {
	return &Registry{
		tcpPorts: map[uint16][]portClassifier{},
		udpPorts: map[uint16][]portClassifier{},
		subs:     map[string]map[uint32]subEntry{},
	}
}

// RegisterTCP adds a byte-prefix classifier for TCP streams: match
// bytes at offset within the first delivered chunk (spec §4.3
// "register_tcp/udp with bytes").
func (r *Registry) RegisterTCP(name string, offset int, match []byte, fn ClassifierFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tcp = append(r.tcp, byteClassifier{name: name, offset: offset, match: match, fn: fn})
}

// RegisterUDP adds a byte-prefix classifier for UDP payloads.
func (r *Registry) RegisterUDP(name string, offset int, match []byte, fn ClassifierFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.udp = append(r.udp, byteClassifier{name: name, offset: offset, match: match, fn: fn})
}

// RegisterPortTCP adds a port-keyed classifier (spec §4.3
// "register_port by UDP/TCP src/dst port").
func (r *Registry) RegisterPortTCP(name string, port uint16, side PortSide, fn ClassifierFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tcpPorts[port] = append(r.tcpPorts[port], portClassifier{name: name, side: side, fn: fn})
}

// RegisterPortUDP adds a port-keyed UDP classifier.
func (r *Registry) RegisterPortUDP(name string, port uint16, side PortSide, fn ClassifierFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.udpPorts[port] = append(r.udpPorts[port], portClassifier{name: name, side: side, fn: fn})
}

// RegisterSub installs fn under key in the named sub-parser table,
// creating the table on first use (spec's "register_sub(name, key, fn,
// uw)").
func (r *Registry) RegisterSub(table string, key uint32, fn SubParserFunc, uw interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.subs[table]
	if !ok {
		t = map[uint32]subEntry{}
		r.subs[table] = t
	}
	t[key] = subEntry{fn: fn, uw: uw}
}

// Sub resolves a sub-parser by table name and key (spec's
// "get_sub(name)"). The bool reports whether the entry exists.
func (r *Registry) Sub(table string, key uint32) (SubParserFunc, interface{}, bool) {
	t, ok := r.subs[table]
	if !ok {
		return nil, nil, false
	}
	e, ok := t[key]
	return e.fn, e.uw, ok
}

func (c *byteClassifier) matches(data []byte) bool {
	end := c.offset + len(c.match)
	return end <= len(data) && bytes.Equal(data[c.offset:end], c.match)
}

func (r *Registry) classify(s *session.Session, data []byte, dir session.Direction, byBytes []byteClassifier, byPort map[uint16][]portClassifier, srcPort, dstPort uint16) {
	for i := range byBytes {
		if byBytes[i].matches(data) {
			byBytes[i].fn(s, data, dir)
		}
	}
	for _, pc := range byPort[srcPort] {
		if pc.side&PortSrc != 0 {
			pc.fn(s, data, dir)
		}
	}
	for _, pc := range byPort[dstPort] {
		if pc.side&PortDst != 0 {
			pc.fn(s, data, dir)
		}
	}
}

// Dispatcher drives classification and parser delivery for one capture
// process. It is stateless per-session (all state lives in the
// Session), so one Dispatcher serves every worker.
type Dispatcher struct {
	reg *Registry
}

// NewDispatcher returns a Dispatcher over reg.
func NewDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

// Registry exposes the underlying classifier registry.
func (d *Dispatcher) Registry() *Registry { return d.reg }

// TCP feeds one TCP segment's payload into the session's per-direction
// reassembler and delivers any newly-contiguous bytes to classification
// and the parser table (spec §4.3 TCP pre_process).
func (d *Dispatcher) TCP(s *session.Session, dir session.Direction, seq uint32, payload []byte, srcPort, dstPort uint16) {
	ordered := s.TCPState.Insert(dir, seq, payload)
	for _, chunk := range ordered {
		if !s.Classified(dir) {
			s.SetClassified(dir)
			d.reg.classify(s, chunk, dir, d.reg.tcp, d.reg.tcpPorts, srcPort, dstPort)
		}
		s.AppendPending(dir, chunk)
	}
	d.deliver(s, dir)
}

// UDP invokes classifiers and parsers once per packet with its L4
// payload (spec §4.3 UDP pre_process). UDP parsers see each datagram
// whole; there is no pending buffer.
func (d *Dispatcher) UDP(s *session.Session, dir session.Direction, payload []byte, srcPort, dstPort uint16) {
	if len(payload) == 0 {
		return
	}
	if !s.Classified(dir) {
		s.SetClassified(dir)
		d.reg.classify(s, payload, dir, d.reg.udp, d.reg.udpPorts, srcPort, dstPort)
	}
	parsers := s.Parsers()
	for i := 0; i < len(parsers); i++ {
		e := parsers[i]
		consumed, unregister := e.Fn(s, payload, dir)
		if consumed > len(payload) {
			d.parserOverrun(s, e.Name, consumed, len(payload))
			return
		}
		if unregister {
			s.UnregisterAt(i)
			parsers = s.Parsers()
			i--
		}
	}
}

// deliver hands the contiguous unconsumed prefix to each parser until
// no parser makes progress. A parser's consumed count advances the
// shared per-direction cursor; UNREGISTER detaches it (spec §4.3
// parser contract).
func (d *Dispatcher) deliver(s *session.Session, dir session.Direction) {
	for {
		data := s.Pending(dir)
		if len(data) == 0 {
			return
		}
		parsers := s.Parsers()
		if len(parsers) == 0 {
			// Nothing will ever consume these bytes.
			s.ClearPending(dir)
			return
		}

		progress := false
		for i := 0; i < len(parsers); i++ {
			e := parsers[i]
			consumed, unregister := e.Fn(s, data, dir)
			if consumed > len(data) {
				d.parserOverrun(s, e.Name, consumed, len(data))
				return
			}
			if unregister {
				s.UnregisterAt(i)
				parsers = s.Parsers()
				i--
			}
			if consumed > 0 {
				s.ConsumePending(dir, consumed)
				progress = true
				break
			}
		}
		if !progress {
			return
		}
	}
}

// parserOverrun handles a parser claiming more bytes than it was given:
// a programmer error, logged loudly, session dropped (spec §7).
func (d *Dispatcher) parserOverrun(s *session.Session, name string, consumed, have int) {
	printer.Errorf("parser %s consumed %d of %d available bytes on session %s, dropping session\n",
		name, consumed, have, s.ID.String())
	s.ClearPending(session.DirAB)
	s.ClearPending(session.DirBA)
	s.SetStopSPI()
	s.MarkForClose()
}
