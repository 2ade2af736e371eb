package field

import "net"

// Listener is notified after a value is added to a Container, so the rule
// engine can dispatch FIELD_SET rules in O(1) by field id (spec §4.4).
// Implemented by package rules; Container has no rules dependency itself
// to avoid an import cycle.
type Listener interface {
	OnFieldSet(id ID, v *Value)
}

// Container is the per-session typed-fields vector from spec §3: "the
// typed fields vector indexed by field id." It owns the typed add
// functions (spec §4.4: string_add, int_add, ip4_add, ip6_add, float_add,
// certsinfo_add, string_add_lower, string_add_host) and honors their
// type-specific semantics.
type Container struct {
	registry *Registry
	values   map[ID]*Value
	listener Listener
}

// NewContainer returns an empty field container bound to registry (for
// transform/kind lookups) and an optional rule-dispatch listener.
func NewContainer(registry *Registry, listener Listener) *Container {
	return &Container{registry: registry, values: map[ID]*Value{}, listener: listener}
}

// Reset clears all values, used by mid-save (spec §4.2 "reset counters so
// the same flow can continue accumulating").
func (c *Container) Reset() {
	for k := range c.values {
		delete(c.values, k)
	}
}

// Get returns the raw value for a field id, or nil if unset.
func (c *Container) Get(id ID) *Value { return c.values[id] }

// Has reports whether a field id has been set at all.
func (c *Container) Has(id ID) bool { return c.values[id] != nil }

func (c *Container) notify(id ID, v *Value) {
	if c.listener != nil {
		c.listener.OnFieldSet(id, v)
	}
}

// Definition exposes the registry definition backing a field id, if any
// (used by the serializer to resolve DBName/flags at save time).
func (c *Container) Definition(id ID) (*Definition, bool) {
	d := c.def(id)
	return d, d != nil
}

func (c *Container) def(id ID) *Definition {
	if c.registry == nil {
		return nil
	}
	d, _ := c.registry.ByID(id)
	return d
}

func (c *Container) transform(id ID, s string) string {
	if d := c.def(id); d != nil && d.Transform != nil {
		return d.Transform(s)
	}
	return s
}

// IntAdd implements spec's int_add: scalar overwrite for KindInt, append
// for KindIntArray, dedupe-and-count for KindIntSet.
func (c *Container) IntAdd(id ID, n int64) {
	kind := KindInt
	if d := c.def(id); d != nil {
		kind = d.Kind
	}

	switch kind {
	case KindIntArray:
		v := c.values[id]
		if v == nil {
			v = NewIntArrayValue()
			c.values[id] = v
		}
		v.AppendInt(n)
	case KindIntSet:
		v := c.values[id]
		if v == nil {
			v = NewIntSetValue()
			c.values[id] = v
		}
		v.AddToIntSet(n)
	default:
		c.values[id] = NewIntValue(n)
	}
	c.notify(id, c.values[id])
}

// StringAdd implements spec's string_add, applying the field's configured
// transform (if any) before storing.
func (c *Container) StringAdd(id ID, s string) {
	s = c.transform(id, s)
	c.stringAddRaw(id, s)
}

// StringAddLower implements spec's string_add_lower.
func (c *Container) StringAddLower(id ID, s string) {
	c.stringAddRaw(id, lower(s))
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// StringAddHost implements spec's string_add_host: strip a trailing port
// and lowercase, then store like string_add.
func (c *Container) StringAddHost(id ID, host string) {
	c.stringAddRaw(id, StripPortAndLower(host))
}

func (c *Container) stringAddRaw(id ID, s string) {
	kind := KindString
	if d := c.def(id); d != nil {
		kind = d.Kind
	}

	switch kind {
	case KindStringArray:
		v := c.values[id]
		if v == nil {
			v = NewStringArrayValue()
			c.values[id] = v
		}
		v.AppendString(s)
	case KindStringSet:
		v := c.values[id]
		if v == nil {
			v = NewStringSetValue()
			c.values[id] = v
		}
		v.AddToStringSet(s)
	default:
		c.values[id] = NewStringValue(s)
	}
	c.notify(id, c.values[id])
}

// IP4Add and IP6Add implement spec's ip4_add/ip6_add: both store as
// (stored v4-in-v6) per spec §3, appending to an IP set when the field is
// so configured, else overwriting the scalar.
func (c *Container) IP4Add(id ID, ip net.IP) { c.ipAdd(id, ip.To16()) }
func (c *Container) IP6Add(id ID, ip net.IP) { c.ipAdd(id, ip.To16()) }

func (c *Container) ipAdd(id ID, ip net.IP) {
	kind := KindIP
	if d := c.def(id); d != nil {
		kind = d.Kind
	}

	if kind == KindIPSet {
		v := c.values[id]
		if v == nil {
			v = NewIPSetValue()
			c.values[id] = v
		}
		v.AddToIPSet(ip)
	} else {
		c.values[id] = NewIPValue(ip)
	}
	c.notify(id, c.values[id])
}

// FloatAdd implements spec's float_add.
func (c *Container) FloatAdd(id ID, f float64) {
	kind := KindFloat
	if d := c.def(id); d != nil {
		kind = d.Kind
	}

	if kind == KindFloatArray {
		v := c.values[id]
		if v == nil {
			v = NewFloatArrayValue()
			c.values[id] = v
		}
		v.AppendFloat(f)
	} else {
		c.values[id] = NewFloatValue(f)
	}
	c.notify(id, c.values[id])
}

// CertInfoAdd implements spec's certsinfo_add.
func (c *Container) CertInfoAdd(id ID, ci *CertInfo) {
	c.values[id] = NewCertInfoValue(ci)
	c.notify(id, c.values[id])
}

// Counter returns the value of a field's synthesized ".cnt" counter,
// computed from the live value's element count rather than maintained
// incrementally — observably identical to an incrementally-maintained
// counter but avoids a second write on every Add* call.
func (c *Container) Counter(id ID) (int, bool) {
	d := c.def(id)
	if d == nil || !d.Flags.Has(FlagECSCounter) {
		return 0, false
	}
	return c.values[id].Count(), true
}

// Each calls fn for every field id currently set, in no particular order.
func (c *Container) Each(fn func(id ID, v *Value)) {
	for id, v := range c.values {
		fn(id, v)
	}
}
