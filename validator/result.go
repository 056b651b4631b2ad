package validator

import (
	"github.com/c360studio/semneeds/schema"
)

// Warning is one finding of a (need, schema entry) evaluation.
type Warning struct {
	Rule     schema.Rule     `json:"rule" yaml:"rule"`
	Severity schema.Severity `json:"severity" yaml:"severity"`

	// Need is the id of the need the finding is about.
	Need string `json:"need" yaml:"need"`

	// SchemaPath is the chain of entry ids, keywords and link types that
	// led to the finding.
	SchemaPath []string `json:"schema_path" yaml:"schema_path"`

	// NeedPath is the chain of need ids and link types traversed from the
	// validated need.
	NeedPath []string `json:"need_path" yaml:"need_path"`

	Messages []string   `json:"messages,omitempty" yaml:"messages,omitempty"`
	Children []*Warning `json:"children,omitempty" yaml:"children,omitempty"`

	Debug *Debug `json:"-" yaml:"-"`
}

// Debug carries the inputs of a finding for debug dumps.
type Debug struct {
	Reduced map[string]any `json:"reduced,omitempty"`
	Schema  any            `json:"schema,omitempty"`
}

// Walk calls fn for w and every descendant, depth first.
func (w *Warning) Walk(fn func(*Warning)) {
	stack := []*Warning{w}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(cur)
		for i := len(cur.Children) - 1; i >= 0; i-- {
			stack = append(stack, cur.Children[i])
		}
	}
}

// LocalResult is the outcome of select, trigger and local rules.
type LocalResult struct {
	Success  bool       `json:"success" yaml:"success"`
	Warnings []*Warning `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// NetworkResult is the outcome of the network rules.
type NetworkResult struct {
	Success  bool       `json:"success" yaml:"success"`
	Warnings []*Warning `json:"warnings,omitempty" yaml:"warnings,omitempty"`

	// Dependencies are the sorted ids of every need visited, resolved or not.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// NeedResult combines local and network outcomes.
type NeedResult struct {
	Local   LocalResult   `json:"local" yaml:"local"`
	Network NetworkResult `json:"network" yaml:"network"`

	// Skipped is set when select, types or trigger deactivated the entry.
	Skipped bool `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

// Success reports local and network success.
func (r *NeedResult) Success() bool {
	return r.Local.Success && r.Network.Success
}

// Warnings returns local then network warnings.
func (r *NeedResult) Warnings() []*Warning {
	out := make([]*Warning, 0, len(r.Local.Warnings)+len(r.Network.Warnings))
	out = append(out, r.Local.Warnings...)
	return append(out, r.Network.Warnings...)
}

// EntryResult is the result of one schema entry on one need.
type EntryResult struct {
	SchemaID string      `json:"schema_id" yaml:"schema_id"`
	Result   *NeedResult `json:"result" yaml:"result"`
}

// Results holds the evaluated entries per need, in store order.
type Results struct {
	order  []string
	byNeed map[string][]EntryResult
}

func newResults() *Results {
	return &Results{byNeed: make(map[string][]EntryResult)}
}

// add appends the active entries of a need. Skipped entries are dropped.
func (r *Results) add(needID string, entries []EntryResult) {
	if _, ok := r.byNeed[needID]; !ok {
		r.order = append(r.order, needID)
		r.byNeed[needID] = nil
	}
	for _, e := range entries {
		if e.Result.Skipped {
			continue
		}
		r.byNeed[needID] = append(r.byNeed[needID], e)
	}
}

// NeedIDs returns the validated need ids in store order.
func (r *Results) NeedIDs() []string {
	return append([]string(nil), r.order...)
}

// For returns the active entry results of a need in schema order.
func (r *Results) For(needID string) []EntryResult {
	return r.byNeed[needID]
}

// Warnings maps each need with findings to its ordered warnings.
func (r *Results) Warnings() map[string][]*Warning {
	out := make(map[string][]*Warning)
	for _, id := range r.order {
		for _, e := range r.byNeed[id] {
			if ws := e.Result.Warnings(); len(ws) > 0 {
				out[id] = append(out[id], ws...)
			}
		}
	}
	return out
}

// All returns every warning in need order then schema order.
func (r *Results) All() []*Warning {
	var out []*Warning
	for _, id := range r.order {
		for _, e := range r.byNeed[id] {
			out = append(out, e.Result.Warnings()...)
		}
	}
	return out
}

// Success reports whether every evaluated entry succeeded.
func (r *Results) Success() bool {
	for _, id := range r.order {
		for _, e := range r.byNeed[id] {
			if !e.Result.Success() {
				return false
			}
		}
	}
	return true
}

// MergeResults combines the results of independent engines over the same
// store. Need order follows first appearance; entries keep engine order.
func MergeResults(rs ...*Results) *Results {
	out := newResults()
	for _, r := range rs {
		if r == nil {
			continue
		}
		for _, id := range r.order {
			out.add(id, r.byNeed[id])
		}
	}
	return out
}
