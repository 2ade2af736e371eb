// Package field implements the typed, named metadata container described
// in spec §3/§4.4: a compact integer field id indexes into a per-session
// vector of polymorphic values, and a global, write-once registry maps
// field names to ids and carries the metadata (ECS name, category,
// transform, flags) the rule engine and bulk serializer need.
//
// Grounded on the teacher's immutable-after-startup global state pattern
// (spec §5 "field registry is written at startup... read-only
// thereafter"); there is no direct teacher analogue (akita-cli's schema
// lives server-side), so the registry shape is taken from spec §4.4 and
// original_source/capture/arkime.h's field type enum.
package field

import (
	"fmt"
	"sort"
	"sync"
)

// ID is a dense integer field identifier. Real fields occupy
// [0, DBMax); their synthesized ".cnt" counters occupy
// [DBMax, 2*DBMax); in-session specials (addresses, ports, TCP flag
// counters, byte/packet counts, community-id) live above 2*DBMax and are
// never backed by a session field-vector entry (spec §4.4).
type ID int

// Kind identifies which FieldValue variant a field id holds.
type Kind int

const (
	KindInt Kind = iota
	KindIntArray
	KindIntSet
	KindString
	KindStringArray
	KindStringSet
	KindIP
	KindIPSet
	KindFloat
	KindFloatArray
	KindCertInfo
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindIntArray:
		return "int[]"
	case KindIntSet:
		return "int-set"
	case KindString:
		return "string"
	case KindStringArray:
		return "string[]"
	case KindStringSet:
		return "string-set"
	case KindIP:
		return "ip"
	case KindIPSet:
		return "ip-set"
	case KindFloat:
		return "float"
	case KindFloatArray:
		return "float[]"
	case KindCertInfo:
		return "certinfo"
	default:
		return "unknown"
	}
}

// Flags are the per-field metadata bits from spec §4.4.
type Flags uint32

const (
	FlagECSCounter Flags = 1 << iota
	FlagLinkedSessions
	FlagFake
	FlagDisabled
	FlagNoSave
	FlagCounter
	FlagNoDB
	FlagIPPrefix
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Transform mutates a raw value before it is stored (e.g. lowercasing,
// stripping a port suffix). The identity transform is nil.
type Transform func(string) string

// Definition is one entry in the field registry.
type Definition struct {
	ID         ID
	Group      string
	Kind       Kind
	Expression string // user-visible name, e.g. "http.uri"
	DBName     string // serialized/ECS name, e.g. "http.uri"
	ECSName    string
	Help       string
	Category   string
	Flags      Flags
	Transform  Transform
	Aliases    []string

	// CounterID is the id of the synthesized "<name>Cnt" field, valid only
	// when Flags.Has(FlagECSCounter). Populated by Registry.Finalize.
	CounterID ID
}

// Registry maps field names to ids and holds their definitions. It is
// built up by Register calls during startup and is read-only (safe for
// concurrent unsynchronized reads) after Finalize is called, matching
// spec §5's "written at startup (single-threaded) and read-only
// thereafter."
type Registry struct {
	mu         sync.Mutex // guards registration only; unused after Finalize
	byID       map[ID]*Definition
	byExpr     map[string]*Definition
	specials   map[ID]*Definition
	nextID     ID
	nextSpecID ID
	dbMax      ID
	finalized  bool
}

// NewRegistry returns an empty, mutable Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:       map[ID]*Definition{},
		byExpr:     map[string]*Definition{},
		specials:   map[ID]*Definition{},
		nextSpecID: 1 << 20, // well above any realistic 2*DBMax
	}
}

// Register adds a real (DB-backed) field definition and assigns it the
// next dense id. Panics if called after Finalize or with a duplicate
// expression name — both are startup-time programmer errors (spec §7).
func (r *Registry) Register(def Definition) ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		panic("field: Register called after Finalize")
	}
	if _, exists := r.byExpr[def.Expression]; exists {
		panic(fmt.Sprintf("field: duplicate expression %q", def.Expression))
	}

	def.ID = r.nextID
	r.nextID++

	d := def
	r.byID[d.ID] = &d
	r.byExpr[d.Expression] = &d
	for _, alias := range d.Aliases {
		r.byExpr[alias] = &d
	}
	return d.ID
}

// RegisterSpecial adds an in-session special field (spec §4.4: "the
// in-session specials... that the rule engine can reference without the
// session carrying a field entry"), such as srcIp or tcp.flags.syn. These
// never get a ".cnt" counter and are never present in the per-session
// field vector.
func (r *Registry) RegisterSpecial(def Definition) ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	def.ID = r.nextSpecID
	r.nextSpecID++

	d := def
	r.specials[d.ID] = &d
	r.byExpr[d.Expression] = &d
	return d.ID
}

// Finalize computes DBMax and assigns counter ids to every real field
// with FlagECSCounter set, per spec §4.4's id-space layout. Must be
// called exactly once, after all Register calls and before any lookups
// are used on the packet path.
func (r *Registry) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.dbMax = r.nextID

	ids := make([]ID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		d := r.byID[id]
		if d.Flags.Has(FlagECSCounter) {
			d.CounterID = r.dbMax + d.ID
		}
	}
	r.finalized = true
}

// DBMax returns the id boundary between real fields and synthesized
// counters. Only valid after Finalize.
func (r *Registry) DBMax() ID { return r.dbMax }

// ByID looks up a definition by id, checking real fields, their
// synthesized counters, and specials in turn.
func (r *Registry) ByID(id ID) (*Definition, bool) {
	if id < r.dbMax {
		d, ok := r.byID[id]
		return d, ok
	}
	if id < 2*r.dbMax {
		realID := id - r.dbMax
		d, ok := r.byID[realID]
		if !ok || !d.Flags.Has(FlagECSCounter) {
			return nil, false
		}
		// Synthesize a lightweight counter definition view.
		counter := *d
		counter.ID = id
		counter.Expression = d.Expression + "Cnt"
		counter.DBName = d.DBName + "Cnt"
		counter.Kind = KindInt
		return &counter, true
	}
	d, ok := r.specials[id]
	return d, ok
}

// ByExpression looks up a definition by its user-visible expression name
// or any registered alias.
func (r *Registry) ByExpression(expr string) (*Definition, bool) {
	d, ok := r.byExpr[expr]
	return d, ok
}
