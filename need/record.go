package need

import (
	"fmt"
	"sort"
	"strings"
)

// FromRecord builds a Need from a flat attribute record as exported by the
// markup layer. Keys are classified with fields: declared link types become
// link lists, extra options go to Extra and everything else to Core.
func FromRecord(rec map[string]any, fields *Fields) (*Need, error) {
	rawID, ok := rec["id"]
	if !ok {
		return nil, fmt.Errorf("need record: missing id")
	}
	id, ok := rawID.(string)
	if !ok || id == "" {
		return nil, fmt.Errorf("need record: id must be a non-empty string, got %v", rawID)
	}

	n := &Need{
		ID:    id,
		Core:  map[string]any{},
		Extra: map[string]any{},
		Links: map[string][]string{},
	}
	if t, ok := rec["type"]; ok {
		s, ok := t.(string)
		if !ok {
			return nil, fmt.Errorf("need %s: type must be a string, got %T", id, t)
		}
		n.Type = s
	}

	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if key == "id" || key == "type" {
			continue
		}
		value := rec[key]
		switch fields.Kind(key) {
		case KindLink:
			targets, err := toTargets(value)
			if err != nil {
				return nil, fmt.Errorf("need %s: link %s: %w", id, key, err)
			}
			n.Links[key] = targets
		case KindExtra:
			n.Extra[key] = value
		default:
			n.Core[key] = value
		}
	}
	return n, nil
}

// toTargets accepts a list of ids or a comma separated string.
func toTargets(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		var out []string
		for part := range strings.SplitSeq(t, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("target must be a string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported link value %T", v)
	}
}
