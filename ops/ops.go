// Package ops implements the FieldOp/Ops mechanism from spec §4.4: a
// bounded, worker-owned list of pending field modifications produced by
// the rule engine and applied atomically to a session's field container.
//
// There is no direct teacher analogue (akita-cli has no rule engine); the
// shape is taken from spec §3/§4.4 and kept deliberately small, matching
// the teacher's preference for plain structs over interface-heavy designs
// elsewhere in the pack (e.g. `pcap/pcap.go`'s flat config structs).
package ops

import (
	"github.com/arkime-core/capture/field"
)

// Mode selects how an Op is applied to the current field value.
type Mode int

const (
	// SET unconditionally overwrites the current value.
	SET Mode = iota
	// SetIfLess writes only if the new value is less than the current one
	// (lexicographically, for strings). If the field is unset, the first
	// write always takes effect.
	SetIfLess
	// SetIfMore writes only if the new value is greater than the current
	// one. If the field is unset, the first write always takes effect.
	SetIfMore
)

// Op is a single pending modification: set field ID to Value under Mode.
// Exactly one of the typed fields is meaningful, chosen by the target
// field's kind — rules build Ops against a known field, so there is no
// ambiguity at apply time.
type Op struct {
	ID    field.ID
	Mode  Mode
	Int   int64
	Str   string
	IsInt bool // true: use Int; false: use Str
}

// IntOp constructs an integer-valued op.
func IntOp(id field.ID, mode Mode, v int64) Op {
	return Op{ID: id, Mode: mode, Int: v, IsInt: true}
}

// StringOp constructs a string-valued op.
func StringOp(id field.ID, mode Mode, v string) Op {
	return Op{ID: id, Mode: mode, Str: v, IsInt: false}
}

// Ops is a bounded ordered list of pending Op values. Rules append to a
// borrowed Ops (reusing the caller's backing array across invocations);
// Clone yields a copy-owned snapshot when an op list must outlive the
// call that produced it (e.g. queued to another worker via pqueue).
type Ops struct {
	items []Op
}

// New returns an empty Ops that holds at most capHint ops.
func New(capHint int) *Ops {
	return &Ops{items: make([]Op, 0, capHint)}
}

// Add appends op, ignoring the call once the container is at its bound.
// Rules are expected to size their Ops container generously; silently
// dropping overflow here matches the "bounded number of ops" contract in
// spec §4.4 without panicking on a misconfigured rule.
func (o *Ops) Add(op Op) {
	if len(o.items) >= cap(o.items) {
		return
	}
	o.items = append(o.items, op)
}

// Len reports the number of pending ops.
func (o *Ops) Len() int { return len(o.items) }

// Reset clears the container for reuse (borrow semantics).
func (o *Ops) Reset() { o.items = o.items[:0] }

// Clone returns a copy-owned Ops independent of the receiver's backing
// array.
func (o *Ops) Clone() *Ops {
	c := &Ops{items: make([]Op, len(o.items))}
	copy(c.items, o.items)
	return c
}

// Run applies every op in o to fields, in order, under the calling
// worker's exclusive ownership of the session (spec: "applied atomically
// to a session under the worker's ownership" — callers must not invoke
// Run concurrently for the same Container). Implements spec P5: SET
// overwrites, SET_IF_LESS only lowers, SET_IF_MORE only raises, with
// lexicographic comparison for strings.
func Run(fields *field.Container, o *Ops) {
	for _, op := range o.items {
		apply(fields, op)
	}
}

func apply(fields *field.Container, op Op) {
	if op.IsInt {
		applyInt(fields, op)
		return
	}
	applyString(fields, op)
}

func applyInt(fields *field.Container, op Op) {
	switch op.Mode {
	case SET:
		fields.IntAdd(op.ID, op.Int)
	case SetIfLess:
		cur, ok := fields.Get(op.ID).Int()
		if !ok || op.Int < cur {
			fields.IntAdd(op.ID, op.Int)
		}
	case SetIfMore:
		cur, ok := fields.Get(op.ID).Int()
		if !ok || op.Int > cur {
			fields.IntAdd(op.ID, op.Int)
		}
	}
}

func applyString(fields *field.Container, op Op) {
	switch op.Mode {
	case SET:
		fields.StringAdd(op.ID, op.Str)
	case SetIfLess:
		cur, ok := fields.Get(op.ID).String()
		if !ok || op.Str < cur {
			fields.StringAdd(op.ID, op.Str)
		}
	case SetIfMore:
		cur, ok := fields.Get(op.ID).String()
		if !ok || op.Str > cur {
			fields.StringAdd(op.ID, op.Str)
		}
	}
}
