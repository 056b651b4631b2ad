package validator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/c360studio/semneeds/need"
	"github.com/c360studio/semneeds/schema"
)

var (
	truthy = map[string]bool{"true": true, "yes": true, "y": true, "on": true, "1": true}
	falsy  = map[string]bool{"false": true, "no": true, "n": true, "off": true, "0": true}
)

// OptionTypeError reports an extra option that cannot be coerced to the
// type its schema declares. It is a data problem, not a schema problem.
type OptionTypeError struct {
	Option string
	Value  string
	Type   string
	Err    error
}

func (e *OptionTypeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("option %q: cannot coerce %q to %s: %v", e.Option, e.Value, e.Type, e.Err)
	}
	return fmt.Sprintf("option %q: cannot coerce %q to %s", e.Option, e.Value, e.Type)
}

func (e *OptionTypeError) Unwrap() error {
	return e.Err
}

// Reduce projects a need onto one schema context. props is the composed
// property set of the context, mapping property names to declared JSON types.
//
// Extra options are kept when non-default after coercion, link fields when
// non-empty and core fields only when referenced by props and non-default.
// A coercion failure returns *OptionTypeError; a declared type no option
// string can produce returns *schema.ConfigError.
func Reduce(n *need.Need, fields *need.Fields, props map[string]string) (map[string]any, error) {
	if fields == nil {
		fields = need.DefaultFields()
	}
	reduced := make(map[string]any)

	for _, name := range sortedKeys(n.Extra) {
		raw := n.Extra[name]
		if fields.IsDefault(name, raw) {
			continue
		}
		val, err := coerce(name, raw, props[name])
		if err != nil {
			return nil, err
		}
		if fields.IsDefault(name, val) {
			continue
		}
		reduced[name] = val
	}

	for _, name := range sortedKeys(n.Links) {
		targets := n.Links[name]
		if len(targets) == 0 {
			continue
		}
		list := make([]any, len(targets))
		for i, t := range targets {
			list[i] = t
		}
		reduced[name] = list
	}

	for _, name := range sortedKeys(props) {
		if _, done := reduced[name]; done {
			continue
		}
		if name != "id" && name != "type" && fields.Kind(name) != need.KindCore {
			continue
		}
		val, ok := n.Attr(name)
		if !ok || fields.IsDefault(name, val) {
			continue
		}
		reduced[name] = val
	}
	return reduced, nil
}

func coerce(name string, v any, typ string) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	switch typ {
	case "", "string":
		return s, nil
	case "integer":
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, &OptionTypeError{Option: name, Value: s, Type: typ, Err: err}
		}
		return i, nil
	case "number":
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, &OptionTypeError{Option: name, Value: s, Type: typ, Err: err}
		}
		return f, nil
	case "boolean":
		token := strings.ToLower(strings.TrimSpace(s))
		switch {
		case truthy[token]:
			return true, nil
		case falsy[token]:
			return false, nil
		}
		return nil, &OptionTypeError{Option: name, Value: s, Type: typ}
	case "array":
		var out []any
		for part := range strings.SplitSeq(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		if out == nil {
			out = []any{}
		}
		return out, nil
	default:
		return nil, &schema.ConfigError{
			Path: name,
			Msg:  fmt.Sprintf("extra option %q is declared as %s, which an option string cannot hold", name, typ),
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
