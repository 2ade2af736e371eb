package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkime-core/capture/field"
	"github.com/arkime-core/capture/ops"
)

// fakeContext is a minimal rules.Context for exercising the engine
// without pulling in package session.
type fakeContext struct {
	fields     *field.Container
	tags       []string
	stopSPI    bool
	stopSaving int64
}

func (f *fakeContext) FieldsContainer() *field.Container        { return f.fields }
func (f *fakeContext) Special(field.ID) (*field.Value, bool)    { return nil, false }
func (f *fakeContext) AddTag(tag string)                        { f.tags = append(f.tags, tag) }
func (f *fakeContext) SetStopSPI()                              { f.stopSPI = true }
func (f *fakeContext) SetStopSaving(capBytes int64)             { f.stopSaving = capBytes }

func newFakeContext(t *testing.T) (*fakeContext, field.ID, field.ID) {
	t.Helper()
	registry := field.NewRegistry()
	scoreID := registry.Register(field.Definition{Group: "g", Kind: field.KindInt, Expression: "score", DBName: "score"})
	nameID := registry.Register(field.Definition{Group: "g", Kind: field.KindString, Expression: "name", DBName: "name"})
	registry.Finalize()
	return &fakeContext{fields: field.NewContainer(registry, nil)}, scoreID, nameID
}

func TestFire_PredicateGatesAction(t *testing.T) {
	ctx, scoreID, _ := newFakeContext(t)
	engine := NewEngine()

	engine.Register(&Rule{
		Name:  "high-score",
		Phase: BeforeSave,
		Predicate: FieldInt(scoreID, func(v int64, ok bool) bool {
			return ok && v > 10
		}),
		Tags: []string{"big"},
	})

	engine.Fire(BeforeSave, ctx)
	assert.Empty(t, ctx.tags, "unset field fails the predicate")

	ctx.fields.IntAdd(scoreID, 50)
	engine.Fire(BeforeSave, ctx)
	assert.Equal(t, []string{"big"}, ctx.tags)
}

func TestFire_OpsAppliedOnMatch(t *testing.T) {
	// P5: SET_IF_LESS never raises, SET_IF_MORE never lowers.
	ctx, scoreID, _ := newFakeContext(t)
	engine := NewEngine()

	engine.Register(&Rule{
		Phase: SessionSetup,
		Ops:   []ops.Op{ops.IntOp(scoreID, ops.SetIfLess, 7)},
	})

	ctx.fields.IntAdd(scoreID, 100)
	engine.Fire(SessionSetup, ctx)
	v, _ := ctx.fields.Get(scoreID).Int()
	assert.EqualValues(t, 7, v, "SET_IF_LESS lowers 100 to 7")

	engine.Register(&Rule{
		Phase: BeforeSave,
		Ops:   []ops.Op{ops.IntOp(scoreID, ops.SetIfMore, 3)},
	})
	engine.Fire(BeforeSave, ctx)
	v, _ = ctx.fields.Get(scoreID).Int()
	assert.EqualValues(t, 7, v, "SET_IF_MORE must not lower 7 to 3")
}

func TestFireFieldSet_DispatchesByFieldID(t *testing.T) {
	ctx, scoreID, nameID := newFakeContext(t)
	engine := NewEngine()

	fired := 0
	engine.Register(&Rule{
		Phase:    FieldSet,
		FieldIDs: []field.ID{nameID},
		Predicate: func(Context) bool {
			fired++
			return false
		},
	})

	engine.FireFieldSet(scoreID, ctx)
	assert.Zero(t, fired, "rule keyed on name must not fire for score")

	engine.FireFieldSet(nameID, ctx)
	assert.Equal(t, 1, fired)
}

func TestFire_RuleCanMarkSession(t *testing.T) {
	ctx, _, nameID := newFakeContext(t)
	engine := NewEngine()

	engine.Register(&Rule{
		Phase: AfterClassify,
		Predicate: FieldString(nameID, func(v string, ok bool) bool {
			return ok && v == "malware.example"
		}),
		Tags: []string{"bad-host"},
	})

	ctx.fields.StringAdd(nameID, "malware.example")
	engine.Fire(AfterClassify, ctx)
	require.Equal(t, []string{"bad-host"}, ctx.tags)
}

func TestPredicateCombinators(t *testing.T) {
	ctx, scoreID, nameID := newFakeContext(t)
	ctx.fields.IntAdd(scoreID, 5)
	ctx.fields.StringAdd(nameID, "x")

	isFive := FieldInt(scoreID, func(v int64, ok bool) bool { return ok && v == 5 })
	isX := FieldString(nameID, func(v string, ok bool) bool { return ok && v == "x" })
	never := func(Context) bool { return false }

	assert.True(t, And(isFive, isX)(ctx))
	assert.False(t, And(isFive, never)(ctx))
	assert.True(t, Or(never, isX)(ctx))
	assert.False(t, Or(never, never)(ctx))
}

func TestFire_EmptyOpsIsNoop(t *testing.T) {
	// R2: applying an empty Ops container changes nothing.
	ctx, scoreID, _ := newFakeContext(t)
	ctx.fields.IntAdd(scoreID, 42)

	o := ops.New(0)
	ops.Run(ctx.fields, o)
	v, ok := ctx.fields.Get(scoreID).Int()
	assert.True(t, ok)
	assert.EqualValues(t, 42, v)
}
