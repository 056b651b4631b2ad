// Package need provides the need (entity) model and a read-only in-memory
// store that the validation engine consumes.
package need

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
)

// Kind classifies a need attribute.
type Kind int

const (
	KindUnknown Kind = iota
	KindCore
	KindExtra
	KindLink
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindCore:
		return "core"
	case KindExtra:
		return "extra"
	case KindLink:
		return "link"
	default:
		return "unknown"
	}
}

// Fields declares the attributes a need may carry and their default values.
// Core and extra fields map a name to its default; link types always default
// to an empty list.
type Fields struct {
	Core  map[string]any `yaml:"core" json:"core"`
	Extra map[string]any `yaml:"extra" json:"extra"`
	Links []string       `yaml:"links" json:"links"`
}

// DefaultFields returns the built-in core fields and the "links" link type.
func DefaultFields() *Fields {
	return &Fields{
		Core: map[string]any{
			"id":          "",
			"type":        "",
			"title":       "",
			"status":      nil,
			"tags":        []any{},
			"content":     "",
			"docname":     nil,
			"is_external": false,
		},
		Extra: map[string]any{},
		Links: []string{"links"},
	}
}

// Merge adds the declarations of other to f. Entries in other win.
func (f *Fields) Merge(other *Fields) {
	if other == nil {
		return
	}
	if f.Core == nil {
		f.Core = map[string]any{}
	}
	if f.Extra == nil {
		f.Extra = map[string]any{}
	}
	maps.Copy(f.Core, other.Core)
	maps.Copy(f.Extra, other.Extra)
	for _, l := range other.Links {
		if !slices.Contains(f.Links, l) {
			f.Links = append(f.Links, l)
		}
	}
}

// Kind reports how name is declared.
func (f *Fields) Kind(name string) Kind {
	if f == nil {
		return KindUnknown
	}
	if slices.Contains(f.Links, name) {
		return KindLink
	}
	if _, ok := f.Extra[name]; ok {
		return KindExtra
	}
	if _, ok := f.Core[name]; ok {
		return KindCore
	}
	return KindUnknown
}

// Default returns the declared default of name, nil when undeclared.
func (f *Fields) Default(name string) any {
	switch f.Kind(name) {
	case KindExtra:
		return f.Extra[name]
	case KindCore:
		return f.Core[name]
	case KindLink:
		return []any{}
	default:
		return nil
	}
}

// IsDefault reports whether v equals the declared default of name.
func (f *Fields) IsDefault(name string, v any) bool {
	return IsDefaultValue(v, f.Default(name))
}

// IsDefaultValue compares a value with a default. A nil default matches nil,
// the empty string and empty lists.
func IsDefaultValue(v, def any) bool {
	v, def = normalize(v), normalize(def)
	if def == nil {
		switch t := v.(type) {
		case nil:
			return true
		case string:
			return t == ""
		case []any:
			return len(t) == 0
		}
		return false
	}
	if v == nil {
		return false
	}
	if dl, ok := def.([]any); ok && len(dl) == 0 {
		vl, ok := v.([]any)
		return ok && len(vl) == 0
	}
	return reflect.DeepEqual(v, def)
}

func normalize(v any) any {
	switch t := v.(type) {
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// Need is one document-derived record.
type Need struct {
	ID    string              `json:"id" yaml:"id"`
	Type  string              `json:"type" yaml:"type"`
	Core  map[string]any      `json:"core,omitempty" yaml:"core,omitempty"`
	Extra map[string]any      `json:"extra,omitempty" yaml:"extra,omitempty"`
	Links map[string][]string `json:"links,omitempty" yaml:"links,omitempty"`
}

// Attr returns the raw value of an attribute and where it was found.
// "id" and "type" are served from the dedicated fields.
func (n *Need) Attr(name string) (any, bool) {
	switch name {
	case "id":
		return n.ID, true
	case "type":
		return n.Type, true
	}
	if v, ok := n.Links[name]; ok {
		return v, true
	}
	if v, ok := n.Extra[name]; ok {
		return v, true
	}
	if v, ok := n.Core[name]; ok {
		return v, true
	}
	return nil, false
}

// LinkTargets returns the ordered targets of a link type.
func (n *Need) LinkTargets(linkType string) []string {
	return n.Links[linkType]
}

// Clone returns a deep enough copy that mutating the clone's maps and link
// lists never affects n.
func (n *Need) Clone() *Need {
	c := &Need{
		ID:    n.ID,
		Type:  n.Type,
		Core:  maps.Clone(n.Core),
		Extra: maps.Clone(n.Extra),
	}
	if n.Links != nil {
		c.Links = make(map[string][]string, len(n.Links))
		for k, v := range n.Links {
			c.Links[k] = slices.Clone(v)
		}
	}
	return c
}

// Store is the read-only view of needs the engine validates against.
// IDs must return a stable order.
type Store interface {
	Get(id string) (*Need, bool)
	IDs() []string
	Fields() *Fields
}

// MemoryStore is an insertion-ordered Store.
type MemoryStore struct {
	fields *Fields
	order  []string
	needs  map[string]*Need
}

// NewMemoryStore creates an empty store. A nil fields uses DefaultFields.
func NewMemoryStore(fields *Fields) *MemoryStore {
	if fields == nil {
		fields = DefaultFields()
	}
	return &MemoryStore{
		fields: fields,
		needs:  make(map[string]*Need),
	}
}

// Add inserts needs, failing on duplicate or empty ids.
func (s *MemoryStore) Add(needs ...*Need) error {
	for _, n := range needs {
		if n == nil || n.ID == "" {
			return fmt.Errorf("add need: empty id")
		}
		if _, exists := s.needs[n.ID]; exists {
			return fmt.Errorf("add need %s: %w", n.ID, ErrDuplicate)
		}
		s.order = append(s.order, n.ID)
		s.needs[n.ID] = n
	}
	return nil
}

// Put inserts or replaces a need. A replaced need keeps its position.
func (s *MemoryStore) Put(n *Need) {
	if _, exists := s.needs[n.ID]; !exists {
		s.order = append(s.order, n.ID)
	}
	s.needs[n.ID] = n
}

// Remove deletes a need and reports whether it existed.
func (s *MemoryStore) Remove(id string) bool {
	if _, ok := s.needs[id]; !ok {
		return false
	}
	delete(s.needs, id)
	s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == id })
	return true
}

// Get implements Store.
func (s *MemoryStore) Get(id string) (*Need, bool) {
	n, ok := s.needs[id]
	return n, ok
}

// MustGet returns the need or ErrNotFound.
func (s *MemoryStore) MustGet(id string) (*Need, error) {
	n, ok := s.needs[id]
	if !ok {
		return nil, fmt.Errorf("need %s: %w", id, ErrNotFound)
	}
	return n, nil
}

// IDs implements Store.
func (s *MemoryStore) IDs() []string {
	return slices.Clone(s.order)
}

// Fields implements Store.
func (s *MemoryStore) Fields() *Fields {
	return s.fields
}

// Len returns the number of needs.
func (s *MemoryStore) Len() int {
	return len(s.order)
}

// Snapshot returns an independent copy, so callers may keep editing the
// original while an engine reads the snapshot.
func (s *MemoryStore) Snapshot() *MemoryStore {
	c := &MemoryStore{
		fields: s.fields,
		order:  slices.Clone(s.order),
		needs:  make(map[string]*Need, len(s.needs)),
	}
	for id, n := range s.needs {
		c.needs[id] = n.Clone()
	}
	return c
}
