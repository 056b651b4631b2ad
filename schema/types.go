// Package schema declares need schemas, checks them against the restricted
// JSON-schema dialect and compiles them into reusable validator handles.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"
)

// Definitions is the declared schema document.
type Definitions struct {
	// Defs holds named fragments addressable as "#/$defs/<name>".
	Defs map[string]any `json:"$defs,omitempty" yaml:"$defs,omitempty"`
	// Schemas are evaluated in declaration order.
	Schemas []*Entry `json:"schemas" yaml:"schemas"`
}

// Entry is one declarative rule unit.
type Entry struct {
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// Types restricts the need types at primary level. When the entry is
	// reached through a trigger or link, needs of other types fail.
	Types []string `json:"types,omitempty" yaml:"types,omitempty"`

	Select map[string]any `json:"select,omitempty" yaml:"select,omitempty"`

	// Trigger is an inline fragment; TriggerSchemaID references another entry.
	// At most one of the two may be set.
	Trigger         map[string]any `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	TriggerSchemaID string         `json:"trigger_schema_id,omitempty" yaml:"trigger_schema_id,omitempty"`

	Validate Validate `json:"validate" yaml:"validate"`

	// Severity and Message override the validation_fail defaults.
	Severity string `json:"severity,omitempty" yaml:"severity,omitempty"`
	Message  string `json:"message,omitempty" yaml:"message,omitempty"`

	// Dependency entries are only evaluated through trigger or link references.
	Dependency bool `json:"dependency,omitempty" yaml:"dependency,omitempty"`
}

// Validate groups the local and network rules of an entry.
type Validate struct {
	Local   map[string]any `json:"local,omitempty" yaml:"local,omitempty"`
	Network Network        `json:"network,omitempty" yaml:"network,omitempty"`
}

// LinkEntry pairs a link type with its constraint.
type LinkEntry struct {
	LinkType   string
	Constraint *LinkConstraint
}

// Network maps link types to constraints, keeping declaration order.
type Network []LinkEntry

// LinkConstraint constrains the targets of one link type.
type LinkConstraint struct {
	// A typed rule set directly on the constraint is shorthand for contains
	// with minContains=minItems (default 1) and maxContains=maxItems.
	SchemaID string         `json:"schema_id,omitempty" yaml:"schema_id,omitempty"`
	Local    map[string]any `json:"local,omitempty" yaml:"local,omitempty"`
	Network  Network        `json:"network,omitempty" yaml:"network,omitempty"`

	Items    *LinkRule `json:"items,omitempty" yaml:"items,omitempty"`
	Contains *LinkRule `json:"contains,omitempty" yaml:"contains,omitempty"`

	MinItems    *int `json:"minItems,omitempty" yaml:"minItems,omitempty"`
	MaxItems    *int `json:"maxItems,omitempty" yaml:"maxItems,omitempty"`
	MinContains *int `json:"minContains,omitempty" yaml:"minContains,omitempty"`
	MaxContains *int `json:"maxContains,omitempty" yaml:"maxContains,omitempty"`

	UnevaluatedItems *bool `json:"unevaluatedItems,omitempty" yaml:"unevaluatedItems,omitempty"`
}

// LinkRule is the rule a link target is checked against.
type LinkRule struct {
	SchemaID string         `json:"schema_id,omitempty" yaml:"schema_id,omitempty"`
	Local    map[string]any `json:"local,omitempty" yaml:"local,omitempty"`
	Network  Network        `json:"network,omitempty" yaml:"network,omitempty"`
}

func (r *LinkRule) empty() bool {
	return r.SchemaID == "" && r.Local == nil && len(r.Network) == 0
}

var (
	linkConstraintKeys = []string{
		"schema_id", "local", "network", "items", "contains",
		"minItems", "maxItems", "minContains", "maxContains", "unevaluatedItems",
	}
	linkRuleKeys = []string{"schema_id", "local", "network"}
)

// Lookup returns the constraint of a link type.
func (n Network) Lookup(linkType string) (*LinkConstraint, bool) {
	for _, e := range n {
		if e.LinkType == linkType {
			return e.Constraint, true
		}
	}
	return nil, false
}

// MarshalJSON writes the network as an object in declaration order.
func (n Network) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range n {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.LinkType)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e.Constraint)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the network object keeping key order.
func (n *Network) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if tok == nil {
		*n = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("network: expected object")
	}

	var out Network
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("network: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("network: expected link type key")
		}
		if _, dup := out.Lookup(key); dup {
			return fmt.Errorf("network: duplicate link type %q", key)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("network.%s: %w", key, err)
		}
		c := &LinkConstraint{}
		if err := decodeStrictJSON(raw, c); err != nil {
			return fmt.Errorf("network.%s: %w", key, err)
		}
		out = append(out, LinkEntry{LinkType: key, Constraint: c})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	*n = out
	return nil
}

// MarshalYAML writes the network as an ordered mapping.
func (n Network) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, e := range n {
		val := &yaml.Node{}
		if err := val.Encode(e.Constraint); err != nil {
			return nil, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: e.LinkType}, val)
	}
	return node, nil
}

// UnmarshalYAML reads the network mapping keeping key order.
func (n *Network) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: network: expected mapping", value.Line)
	}
	var out Network
	for i := 0; i+1 < len(value.Content); i += 2 {
		key := value.Content[i].Value
		if _, dup := out.Lookup(key); dup {
			return fmt.Errorf("line %d: network: duplicate link type %q", value.Content[i].Line, key)
		}
		c := &LinkConstraint{}
		if err := value.Content[i+1].Decode(c); err != nil {
			return fmt.Errorf("network.%s: %w", key, err)
		}
		out = append(out, LinkEntry{LinkType: key, Constraint: c})
	}
	*n = out
	return nil
}

// UnmarshalYAML rejects unknown keys.
func (c *LinkConstraint) UnmarshalYAML(value *yaml.Node) error {
	if err := checkYAMLKeys(value, linkConstraintKeys); err != nil {
		return err
	}
	type plain LinkConstraint
	return value.Decode((*plain)(c))
}

// UnmarshalYAML rejects unknown keys.
func (r *LinkRule) UnmarshalYAML(value *yaml.Node) error {
	if err := checkYAMLKeys(value, linkRuleKeys); err != nil {
		return err
	}
	type plain LinkRule
	return value.Decode((*plain)(r))
}

func checkYAMLKeys(value *yaml.Node, allowed []string) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected mapping", value.Line)
	}
	for i := 0; i < len(value.Content); i += 2 {
		key := value.Content[i]
		if !slices.Contains(allowed, key.Value) {
			return fmt.Errorf("line %d: field %s not allowed", key.Line, key.Value)
		}
	}
	return nil
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
