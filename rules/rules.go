// Package rules implements the predicate/action engine from spec §4.4:
// rules fire at one of five phases, evaluate a predicate against a
// session's fields, and apply FieldOps and/or tags when it matches.
//
// There is no teacher analogue (akita-cli has no rule engine); grounded
// in spec §3/§4.4 directly, following the pack's general preference for
// small interface-mediated plug-in points (cf. the teacher's
// akinet.TCPParserFactorySelector) to avoid a session <-> rules import
// cycle: rules never imports package session, it only sees sessions
// through the Context interface, which *session.Session implements.
package rules

import (
	"sync"

	"github.com/arkime-core/capture/field"
	"github.com/arkime-core/capture/ops"
)

// Phase is one of the five rule-firing points from spec §4.4.
type Phase int

const (
	EveryPacket Phase = iota
	SessionSetup
	AfterClassify
	FieldSet
	BeforeSave
)

// Context is the read/write view of a session a predicate or action
// needs, satisfied by *session.Session. Kept minimal and session-agnostic
// so this package has no dependency on package session.
type Context interface {
	FieldsContainer() *field.Container
	// Special resolves an in-session special value (src/dst ip/port, TCP
	// flag counters, byte/packet counts, community-id, ...) that has no
	// backing field-vector entry (spec §4.4).
	Special(id field.ID) (*field.Value, bool)
	AddTag(tag string)
	SetStopSPI()
	SetStopSaving(capBytes int64)
}

// Predicate decides whether a rule's action should fire for ctx.
type Predicate func(ctx Context) bool

// Rule is one (fields referenced, predicate, action) entry from spec §3.
type Rule struct {
	Name  string
	Phase Phase

	// FieldIDs scopes a FIELD_SET rule to the fields whose writes should
	// trigger it (spec "keyed by field id for O(1) dispatch"). Ignored
	// for every other phase.
	FieldIDs []field.ID

	Predicate Predicate
	Ops       []ops.Op
	Tags      []string
}

// Engine holds the registered rule set and dispatches firings. Safe for
// concurrent Register calls at startup; Fire/FireFieldSet are read-only
// and lock-free on the hot path once registration is done, matching the
// field registry's "written at startup... read-only thereafter" pattern
// (spec §5).
type Engine struct {
	mu      sync.RWMutex
	byPhase map[Phase][]*Rule
	byField map[field.ID][]*Rule
}

// NewEngine returns an empty rule engine.
func NewEngine() *Engine {
	return &Engine{
		byPhase: map[Phase][]*Rule{},
		byField: map[field.ID][]*Rule{},
	}
}

// Register adds r to the engine, indexing FIELD_SET rules by every field
// id they name for O(1) dispatch.
func (e *Engine) Register(r *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r.Phase == FieldSet {
		for _, id := range r.FieldIDs {
			e.byField[id] = append(e.byField[id], r)
		}
		return
	}
	e.byPhase[r.Phase] = append(e.byPhase[r.Phase], r)
}

// Fire evaluates every rule registered at phase against ctx, applying
// each match's ops and tags. Used for EVERY_PACKET, SESSION_SETUP,
// AFTER_CLASSIFY, and BEFORE_SAVE.
func (e *Engine) Fire(phase Phase, ctx Context) {
	e.mu.RLock()
	rs := e.byPhase[phase]
	e.mu.RUnlock()
	e.apply(rs, ctx)
}

// FireFieldSet evaluates only the FIELD_SET rules registered against id,
// called by the field container's Listener hook every time a value is
// added (spec "whenever a field add completes").
func (e *Engine) FireFieldSet(id field.ID, ctx Context) {
	e.mu.RLock()
	rs := e.byField[id]
	e.mu.RUnlock()
	e.apply(rs, ctx)
}

func (e *Engine) apply(rs []*Rule, ctx Context) {
	for _, r := range rs {
		if r.Predicate != nil && !r.Predicate(ctx) {
			continue
		}
		if len(r.Ops) > 0 {
			o := ops.New(len(r.Ops))
			for _, op := range r.Ops {
				o.Add(op)
			}
			ops.Run(ctx.FieldsContainer(), o)
		}
		for _, tag := range r.Tags {
			ctx.AddTag(tag)
		}
	}
}

// FieldInt is a predicate helper: true if field id holds an int value
// satisfying cmp.
func FieldInt(id field.ID, cmp func(v int64, ok bool) bool) Predicate {
	return func(ctx Context) bool {
		v := ctx.FieldsContainer().Get(id)
		n, ok := v.Int()
		return cmp(n, ok)
	}
}

// FieldString is a predicate helper: true if field id holds a string
// value satisfying cmp.
func FieldString(id field.ID, cmp func(v string, ok bool) bool) Predicate {
	return func(ctx Context) bool {
		v := ctx.FieldsContainer().Get(id)
		s, ok := v.String()
		return cmp(s, ok)
	}
}

// And combines predicates, short-circuiting on the first false.
func And(preds ...Predicate) Predicate {
	return func(ctx Context) bool {
		for _, p := range preds {
			if !p(ctx) {
				return false
			}
		}
		return true
	}
}

// Or combines predicates, short-circuiting on the first true.
func Or(preds ...Predicate) Predicate {
	return func(ctx Context) bool {
		for _, p := range preds {
			if p(ctx) {
				return true
			}
		}
		return false
	}
}
