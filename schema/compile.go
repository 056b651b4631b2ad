package schema

import (
	"errors"
	"fmt"

	"github.com/c360studio/semneeds/need"
)

// Set is a compiled, immutable schema table. It is safe for concurrent use
// by several engines.
type Set struct {
	entries []*CompiledEntry
	byID    map[string]*CompiledEntry
}

// Entries returns every entry in declaration order.
func (s *Set) Entries() []*CompiledEntry {
	return s.entries
}

// Primary returns the entries evaluated at top level, in declaration order.
func (s *Set) Primary() []*CompiledEntry {
	var out []*CompiledEntry
	for _, e := range s.entries {
		if !e.Dependency {
			out = append(out, e)
		}
	}
	return out
}

// Lookup returns the entry with the given id.
func (s *Set) Lookup(id string) (*CompiledEntry, bool) {
	e, ok := s.byID[id]
	return e, ok
}

// Len returns the number of entries.
func (s *Set) Len() int {
	return len(s.entries)
}

// CompiledEntry is a schema entry with every fragment compiled and every
// reference resolved to a handle.
type CompiledEntry struct {
	ID    string
	Index int

	Types    []string
	TypeGate Predicate // nil when Types is empty

	Select  Predicate // never nil
	Trigger *CompiledRule
	Local   Predicate // nil when the entry has no local rule
	Network []*CompiledLink

	SeverityOverride *Severity
	Message          string
	Dependency       bool

	Raw *Entry

	props map[string]string
}

// Properties returns the composed property set of the entry: select, local
// and inline trigger properties, plus "type" when the entry restricts types.
func (e *CompiledEntry) Properties() map[string]string {
	return e.props
}

// FailSeverity returns the severity of a validation_fail on this entry.
func (e *CompiledEntry) FailSeverity() Severity {
	if e.SeverityOverride != nil {
		return *e.SeverityOverride
	}
	return RuleValidationFail.DefaultSeverity()
}

// EffectiveSchema returns the declared fragments of the entry, for debug
// output.
func (e *CompiledEntry) EffectiveSchema() map[string]any {
	out := map[string]any{"id": e.ID}
	if len(e.Types) > 0 {
		out["types"] = e.Types
	}
	if e.Raw != nil {
		if e.Raw.Select != nil {
			out["select"] = e.Raw.Select
		}
		if e.Raw.Trigger != nil {
			out["trigger"] = e.Raw.Trigger
		}
		if e.Raw.TriggerSchemaID != "" {
			out["trigger_schema_id"] = e.Raw.TriggerSchemaID
		}
		if e.Raw.Validate.Local != nil {
			out["local"] = e.Raw.Validate.Local
		}
		if len(e.Raw.Validate.Network) > 0 {
			out["network"] = e.Raw.Validate.Network
		}
	}
	return out
}

// CompiledRule is the rule a need is checked against in nested context:
// a whole entry (schema_id), the local rule of an entry (trigger_schema_id)
// or an inline local/network pair.
type CompiledRule struct {
	Entry *CompiledEntry
	// LocalOf runs only the local rule of the entry. Its types, select,
	// trigger and network are not applied.
	LocalOf *CompiledEntry
	Local   Predicate
	Network []*CompiledLink
}

// Properties returns the property set used to reduce a need for this rule.
func (r *CompiledRule) Properties() map[string]string {
	if r.Entry != nil {
		return r.Entry.props
	}
	if r.LocalOf != nil {
		return r.LocalOf.props
	}
	if r.Local != nil {
		return r.Local.Properties()
	}
	return nil
}

// Source returns the declared rule, for debug output.
func (r *CompiledRule) Source() any {
	if r.Entry != nil {
		return r.Entry.EffectiveSchema()
	}
	out := map[string]any{}
	if r.LocalOf != nil {
		out["trigger_schema_id"] = r.LocalOf.ID
		if r.LocalOf.Local != nil {
			out["local"] = r.LocalOf.Local.Source()
		}
		return out
	}
	if r.Local != nil {
		out["local"] = r.Local.Source()
	}
	if len(r.Network) > 0 {
		types := make([]string, len(r.Network))
		for i, l := range r.Network {
			types[i] = l.LinkType
		}
		out["network"] = types
	}
	return out
}

// CompiledLink is the constraint on one link type.
type CompiledLink struct {
	LinkType string

	// MinItems and MaxItems bound the raw target count.
	MinItems *int
	MaxItems *int

	Items *CompiledRule

	Contains    *CompiledRule
	MinContains int
	MaxContains *int

	// DisallowUnevaluated flags targets matched by neither Items nor Contains.
	DisallowUnevaluated bool
}

// matchAll is the select predicate of entries without a select rule.
type matchAll struct{}

func (matchAll) Evaluate(map[string]any) ([]Violation, error) { return nil, nil }
func (matchAll) Properties() map[string]string              { return nil }
func (matchAll) Source() any                                { return true }

// Option configures Compile.
type Option func(*compiler)

// WithFields makes Compile reject link types the fields do not declare.
func WithFields(fields *need.Fields) Option {
	return func(c *compiler) {
		c.fields = fields
	}
}

type compiler struct {
	defs   map[string]any
	fields *need.Fields
	set    *Set
	errs   []error
}

// Compile checks every fragment of defs against the restricted dialect and
// resolves all references. Every problem found is returned, joined.
func Compile(defs *Definitions, opts ...Option) (*Set, error) {
	if defs == nil {
		defs = &Definitions{}
	}
	c := &compiler{
		defs: defs.Defs,
		set:  &Set{byID: make(map[string]*CompiledEntry)},
	}
	for _, opt := range opts {
		opt(c)
	}

	// Register handles first so references may point forward.
	for i, raw := range defs.Schemas {
		if raw == nil {
			c.errs = append(c.errs, configErrorf(fmt.Sprintf("schema[%d]", i), "", "empty entry"))
			continue
		}
		id := raw.ID
		if id == "" {
			id = fmt.Sprintf("schema[%d]", i)
		}
		if _, dup := c.set.byID[id]; dup {
			c.errs = append(c.errs, configErrorf(id, "id", "duplicate schema id"))
			continue
		}
		e := &CompiledEntry{
			ID:         id,
			Index:      i,
			Types:      raw.Types,
			Message:    raw.Message,
			Dependency: raw.Dependency,
			Raw:        raw,
		}
		c.set.byID[id] = e
		c.set.entries = append(c.set.entries, e)
	}

	for _, e := range c.set.entries {
		c.entry(e)
	}

	if len(c.errs) > 0 {
		return nil, errors.Join(c.errs...)
	}
	return c.set, nil
}

func (c *compiler) entry(e *CompiledEntry) {
	raw := e.Raw
	fc := newFragmentCompiler(e.ID, c.defs)

	for i, t := range raw.Types {
		if t == "" {
			fc.errorf(fmt.Sprintf("types[%d]", i), "empty type")
		}
	}
	if len(raw.Types) > 0 {
		e.TypeGate = typeGate{types: raw.Types}
	}

	if raw.Severity != "" {
		sev, err := ParseSeverity(raw.Severity)
		if err != nil {
			fc.errorf("severity", "%v", err)
		} else {
			e.SeverityOverride = &sev
		}
	}

	e.Select = matchAll{}
	if raw.Select != nil {
		e.Select = fc.fragment(raw.Select, "select")
	}

	switch {
	case raw.Trigger != nil && raw.TriggerSchemaID != "":
		fc.errorf("trigger", "trigger and trigger_schema_id are mutually exclusive")
	case raw.Trigger != nil:
		e.Trigger = &CompiledRule{Local: fc.fragment(raw.Trigger, "trigger")}
	case raw.TriggerSchemaID != "":
		if ref, ok := c.set.byID[raw.TriggerSchemaID]; ok {
			e.Trigger = &CompiledRule{LocalOf: ref}
		} else {
			fc.errorf("trigger_schema_id", "unknown schema id %q", raw.TriggerSchemaID)
		}
	}

	if raw.Validate.Local != nil {
		e.Local = fc.fragment(raw.Validate.Local, "validate.local")
	}
	e.Network = c.network(fc, raw.Validate.Network, "validate.network")

	e.props = make(map[string]string)
	if e.TypeGate != nil {
		mergeProperties(e.props, e.TypeGate.Properties())
	}
	mergeProperties(e.props, e.Select.Properties())
	if e.Trigger != nil && e.Trigger.Local != nil {
		mergeProperties(e.props, e.Trigger.Local.Properties())
	}
	if e.Local != nil {
		mergeProperties(e.props, e.Local.Properties())
	}

	c.errs = append(c.errs, fc.errs...)
}

// mergeProperties adds src to dst. A declared type wins over an undeclared one.
func mergeProperties(dst, src map[string]string) {
	for name, typ := range src {
		if prev, ok := dst[name]; !ok || prev == "" {
			dst[name] = typ
		}
	}
}

func (c *compiler) network(fc *fragmentCompiler, nw Network, path string) []*CompiledLink {
	var out []*CompiledLink
	for _, le := range nw {
		p := joinPath(path, le.LinkType)
		if c.fields != nil && c.fields.Kind(le.LinkType) != need.KindLink {
			fc.errorf(p, "%q is not a declared link type", le.LinkType)
			continue
		}
		if le.Constraint == nil {
			fc.errorf(p, "empty link constraint")
			continue
		}
		out = append(out, c.link(fc, le.LinkType, le.Constraint, p))
	}
	return out
}

func (c *compiler) link(fc *fragmentCompiler, linkType string, lc *LinkConstraint, path string) *CompiledLink {
	l := &CompiledLink{
		LinkType:    linkType,
		MinItems:    lc.MinItems,
		MaxItems:    lc.MaxItems,
		MinContains: 1,
		MaxContains: lc.MaxContains,
	}
	if lc.MinContains != nil {
		l.MinContains = *lc.MinContains
	}

	shorthand := &LinkRule{SchemaID: lc.SchemaID, Local: lc.Local, Network: lc.Network}
	if !shorthand.empty() {
		if lc.Contains != nil {
			fc.errorf(path, "a typed rule on the constraint cannot be combined with contains")
			return l
		}
		l.Contains = c.rule(fc, shorthand, path)
		if lc.MinContains == nil && lc.MinItems != nil {
			l.MinContains = *lc.MinItems
		}
		if lc.MaxContains == nil {
			l.MaxContains = lc.MaxItems
		}
		l.MinItems, l.MaxItems = nil, nil
	}

	if lc.Items != nil {
		l.Items = c.rule(fc, lc.Items, joinPath(path, "items"))
	}
	if lc.Contains != nil {
		l.Contains = c.rule(fc, lc.Contains, joinPath(path, "contains"))
	}
	if l.Contains == nil && (lc.MinContains != nil || lc.MaxContains != nil) {
		fc.errorf(path, "minContains and maxContains require contains")
	}
	if l.MaxContains != nil && *l.MaxContains < l.MinContains {
		fc.errorf(path, "maxContains %d is below minContains %d", *l.MaxContains, l.MinContains)
	}
	if l.MinItems != nil && *l.MinItems < 0 || l.MaxItems != nil && *l.MaxItems < 0 {
		fc.errorf(path, "minItems and maxItems must not be negative")
	}
	if lc.UnevaluatedItems != nil && !*lc.UnevaluatedItems {
		l.DisallowUnevaluated = true
	}
	return l
}

func (c *compiler) rule(fc *fragmentCompiler, r *LinkRule, path string) *CompiledRule {
	if r.empty() {
		fc.errorf(path, "rule needs schema_id, local or network")
		return nil
	}
	if r.SchemaID != "" {
		if r.Local != nil || len(r.Network) > 0 {
			fc.errorf(path, "schema_id cannot be combined with local or network")
			return nil
		}
		ref, ok := c.set.byID[r.SchemaID]
		if !ok {
			fc.errorf(joinPath(path, "schema_id"), "unknown schema id %q", r.SchemaID)
			return nil
		}
		return &CompiledRule{Entry: ref}
	}
	out := &CompiledRule{}
	if r.Local != nil {
		out.Local = fc.fragment(r.Local, joinPath(path, "local"))
	}
	out.Network = c.network(fc, r.Network, joinPath(path, "network"))
	return out
}

