package validator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semneeds/need"
	"github.com/c360studio/semneeds/schema"
)

func compile(t *testing.T, doc string) *schema.Set {
	t.Helper()
	defs, err := schema.ParseJSON([]byte(doc))
	require.NoError(t, err)
	set, err := schema.Compile(defs, schema.WithFields(testFields()))
	require.NoError(t, err)
	return set
}

func newStore(t *testing.T, needs ...*need.Need) *need.MemoryStore {
	t.Helper()
	s := need.NewMemoryStore(testFields())
	require.NoError(t, s.Add(needs...))
	return s
}

func mk(id, typ string, extra map[string]any, links ...string) *need.Need {
	n := &need.Need{ID: id, Type: typ, Extra: extra}
	if len(links) > 0 {
		n.Links = map[string][]string{"links": links}
	}
	return n
}

func rulesOf(ws []*Warning) []schema.Rule {
	var out []schema.Rule
	for _, w := range ws {
		out = append(out, w.Rule)
	}
	return out
}

func countRule(ws []*Warning, rule schema.Rule) int {
	count := 0
	for _, w := range ws {
		w.Walk(func(x *Warning) {
			if x.Rule == rule {
				count++
			}
		})
	}
	return count
}

// setExtra replaces a need in the store with a copy carrying a new option.
func setExtra(s *need.MemoryStore, id, name string, value any) {
	n, _ := s.Get(id)
	c := n.Clone()
	if c.Extra == nil {
		c.Extra = map[string]any{}
	}
	c.Extra[name] = value
	s.Put(c)
}

const featSpecSchemas = `{
  "schemas": [
    {
      "id": "feat-schema",
      "dependency": true,
      "types": ["feat"],
      "validate": {"local": {"properties": {"asil": {"enum": ["A", "B", "C", "D"]}}, "required": ["asil"]}}
    },
    {
      "id": "spec-schema",
      "types": ["spec"],
      "validate": {"network": {"links": {"schema_id": "feat-schema", "minItems": 1}}}
    }
  ]
}`

func TestEngine_EndToEnd(t *testing.T) {
	store := newStore(t,
		mk("FEAT_1", "feat", map[string]any{"asil": "C"}),
		mk("SPEC_1", "spec", map[string]any{"asil": "B"}, "FEAT_1"),
	)
	eng := New(compile(t, featSpecSchemas))

	res := eng.ValidateAll(store)
	assert.Empty(t, res.Warnings()["SPEC_1"])
	require.Len(t, res.For("SPEC_1"), 1)
	assert.True(t, res.For("SPEC_1")[0].Result.Success())
	assert.Equal(t, []string{"FEAT_1"}, res.For("SPEC_1")[0].Result.Network.Dependencies)
	assert.Empty(t, res.For("FEAT_1"), "dependency entries never run as primary")

	setExtra(store, "FEAT_1", "asil", "QM")
	res = eng.ValidateIncremental(store, []string{"FEAT_1"})

	ws := res.Warnings()["SPEC_1"]
	require.Len(t, ws, 1)
	w := ws[0]
	assert.Equal(t, schema.RuleTooFewLinks, w.Rule)
	assert.Equal(t, []string{"SPEC_1"}, w.NeedPath)
	assert.Equal(t, []string{"spec-schema", "links"}, w.SchemaPath)
	assert.Contains(t, w.Messages[0], "nok: FEAT_1")

	require.Len(t, w.Children, 1)
	child := w.Children[0]
	assert.Equal(t, schema.RuleValidationFail, child.Rule)
	assert.Equal(t, "FEAT_1", child.Need)
	assert.Equal(t, []string{"SPEC_1", "links", "FEAT_1"}, child.NeedPath)
	assert.Equal(t, []string{"spec-schema", "links", "contains", "feat-schema", "local"}, child.SchemaPath)
	require.NotNil(t, child.Debug)
	assert.Equal(t, "QM", child.Debug.Reduced["asil"])
}

func TestEngine_Idempotence(t *testing.T) {
	store := newStore(t,
		mk("FEAT_1", "feat", map[string]any{"asil": "QM"}),
		mk("FEAT_2", "feat", nil),
		mk("SPEC_1", "spec", nil, "FEAT_1", "FEAT_2", "NOPE"),
	)
	eng := New(compile(t, featSpecSchemas))

	first := eng.ValidateAll(store)
	second := eng.ValidateAll(store)
	assert.Equal(t, first.Warnings(), second.Warnings())
	assert.Equal(t, first.NeedIDs(), second.NeedIDs())
	assert.NotEmpty(t, first.Warnings()["SPEC_1"])
}

const cardinalitySchema = `{
  "schemas": [{
    "id": "count",
    "types": ["req"],
    "validate": {"network": {"links": {
      "contains": {"local": {"required": ["asil"]}},
      "minContains": %d,
      "maxContains": %d
    }}}
  }]
}`

func TestEngine_Cardinality(t *testing.T) {
	store := newStore(t,
		mk("B1", "impl", map[string]any{"asil": "A"}),
		mk("B2", "impl", map[string]any{"asil": "B"}),
		mk("B3", "impl", nil),
		mk("A", "req", nil, "B1", "B2", "B3"),
	)

	t.Run("exact match passes", func(t *testing.T) {
		res := New(compile(t, fmt.Sprintf(cardinalitySchema, 2, 2))).ValidateAll(store)
		assert.Empty(t, res.Warnings()["A"])
	})

	t.Run("too few names the failing id", func(t *testing.T) {
		res := New(compile(t, fmt.Sprintf(cardinalitySchema, 3, 3))).ValidateAll(store)
		ws := res.Warnings()["A"]
		require.Len(t, ws, 1)
		assert.Equal(t, schema.RuleTooFewLinks, ws[0].Rule)
		assert.Contains(t, ws[0].Messages[0], "ok: B1, B2; nok: B3")
		require.Len(t, ws[0].Children, 1)
		assert.Equal(t, "B3", ws[0].Children[0].Need)
	})

	t.Run("too many", func(t *testing.T) {
		res := New(compile(t, fmt.Sprintf(cardinalitySchema, 1, 1))).ValidateAll(store)
		assert.Equal(t, []schema.Rule{schema.RuleTooManyLinks}, rulesOf(res.Warnings()["A"]))
	})
}

func TestEngine_RawCardinality(t *testing.T) {
	set := compile(t, `{"schemas": [{"id": "raw", "validate": {"network": {"links": {"minItems": 1, "maxItems": 1}}}}]}`)
	store := newStore(t,
		mk("X", "a", nil),
		mk("Y", "a", nil, "X", "X"),
		mk("Z", "a", nil, "X"),
	)
	ws := New(set).ValidateAll(store).Warnings()
	assert.Equal(t, []schema.Rule{schema.RuleTooFewLinks}, rulesOf(ws["X"]))
	assert.Equal(t, []schema.Rule{schema.RuleTooManyLinks}, rulesOf(ws["Y"]))
	assert.Empty(t, ws["Z"])
}

func TestEngine_MissingTarget(t *testing.T) {
	set := compile(t, `{"schemas": [{"id": "items", "types": ["req"], "validate": {"network": {"links": {
		"items": {"local": {"required": ["asil"]}}
	}}}}]}`)
	store := newStore(t,
		mk("B1", "impl", map[string]any{"asil": "A"}),
		mk("B2", "impl", nil),
		mk("A", "req", nil, "B1", "MISSING", "B2"),
	)

	res := New(set).ValidateAll(store)
	ws := res.Warnings()["A"]
	assert.Equal(t, 1, countRule(ws, schema.RuleMissingTarget))
	assert.Equal(t, []schema.Rule{schema.RuleMissingTarget, schema.RuleItemsFail}, rulesOf(ws))
	assert.Equal(t, []string{"A", "links", "MISSING"}, ws[0].NeedPath)
	assert.Contains(t, ws[1].Messages[0], "B2")
	assert.NotContains(t, ws[1].Messages[0], "B1")
	assert.Equal(t, []string{"B1", "B2", "MISSING"}, res.For("A")[0].Result.Network.Dependencies)
}

func TestEngine_CycleDepthBound(t *testing.T) {
	set := compile(t, `{"schemas": [{"id": "loop", "validate": {"network": {"links": {
		"items": {"schema_id": "loop"}
	}}}}]}`)
	store := newStore(t,
		mk("A", "req", nil, "B"),
		mk("B", "req", nil, "A"),
	)

	for _, level := range []int{1, 3, DefaultMaxNestLevel} {
		t.Run(fmt.Sprintf("max nest %d", level), func(t *testing.T) {
			res := New(set, WithMaxNestLevel(level)).ValidateAll(store)
			for _, id := range []string{"A", "B"} {
				ws := res.Warnings()[id]
				assert.Equal(t, 1, countRule(ws, schema.RuleMaxNestLevel), id)
				assert.False(t, res.For(id)[0].Result.Network.Success)
			}
		})
	}
}

func TestEngine_DependencyInvalidation(t *testing.T) {
	set := compile(t, `{"schemas": [{"id": "a", "types": ["req"], "validate": {"network": {"links": {
		"items": {"local": {"properties": {"asil": {"enum": ["A", "B", "C", "D"]}}}}
	}}}}]}`)
	store := newStore(t,
		mk("A", "req", nil, "B"),
		mk("B", "impl", map[string]any{"asil": "A"}),
	)
	eng := New(set)

	assert.Empty(t, eng.ValidateAll(store).Warnings())
	assert.Equal(t, []string{"A"}, eng.Dependents("B"))
	before := eng.Stats()

	setExtra(store, "B", "asil", "QM")
	res := eng.ValidateIncremental(store, []string{"B"})

	assert.Equal(t, []schema.Rule{schema.RuleItemsFail}, rulesOf(res.Warnings()["A"]))
	after := eng.Stats()
	assert.Equal(t, 2, after.Misses-before.Misses, "A and B recomputed")
	assert.Equal(t, 2, after.Invalidated-before.Invalidated)
	assert.Equal(t, 0, after.Hits-before.Hits)
}

func TestEngine_IncrementalServesUnaffectedFromCache(t *testing.T) {
	store := newStore(t,
		mk("FEAT_1", "feat", map[string]any{"asil": "C"}),
		mk("FEAT_2", "feat", map[string]any{"asil": "D"}),
		mk("SPEC_1", "spec", nil, "FEAT_1"),
		mk("SPEC_2", "spec", nil, "FEAT_2"),
	)
	eng := New(compile(t, featSpecSchemas))
	eng.ValidateAll(store)
	before := eng.Stats()

	setExtra(store, "FEAT_1", "asil", "QM")
	res := eng.ValidateIncremental(store, []string{"FEAT_1"})

	after := eng.Stats()
	assert.Equal(t, 2, after.Hits-before.Hits)
	assert.Equal(t, 2, after.Misses-before.Misses)
	assert.NotEmpty(t, res.Warnings()["SPEC_1"])
	assert.Empty(t, res.Warnings()["SPEC_2"])
}

func TestEngine_EvictsRemovedNeeds(t *testing.T) {
	store := newStore(t,
		mk("FEAT_1", "feat", map[string]any{"asil": "C"}),
		mk("SPEC_1", "spec", nil, "FEAT_1"),
	)
	eng := New(compile(t, featSpecSchemas))
	eng.ValidateAll(store)

	require.True(t, store.Remove("FEAT_1"))
	res := eng.ValidateIncremental(store, []string{"FEAT_1"})

	assert.Equal(t, []string{"SPEC_1"}, res.NeedIDs())
	assert.Equal(t, 1, eng.Stats().Cached)
	ws := res.Warnings()["SPEC_1"]
	assert.Equal(t, 1, countRule(ws, schema.RuleMissingTarget))
}

const equivalenceSchemas = `{
  "$defs": {"asil": {"enum": ["A", "B", "C", "D"]}},
  "schemas": [
    {
      "id": "leaf",
      "dependency": true,
      "validate": {"local": {"properties": {"asil": {"$ref": "#/$defs/asil"}}, "required": ["asil"]}}
    },
    {
      "id": "chain",
      "select": {"properties": {"type": {"const": "spec"}}},
      "validate": {
        "local": {"properties": {"asil": {"$ref": "#/$defs/asil"}}},
        "network": {"links": {
          "items": {"network": {"links": {"schema_id": "leaf", "minItems": 1}}},
          "maxItems": 3
        }}
      }
    },
    {
      "id": "any-leaf",
      "types": ["feat", "spec"],
      "validate": {"network": {"links": {"contains": {"schema_id": "leaf"}, "unevaluatedItems": false}}}
    }
  ]
}`

func TestEngine_IncrementalEquivalence(t *testing.T) {
	set := compile(t, equivalenceSchemas)
	rng := rand.New(rand.NewPCG(7, 11))
	asils := []any{"A", "B", "QM", ""}
	types := []string{"spec", "feat"}

	store := need.NewMemoryStore(testFields())
	for i := range 8 {
		store.Put(mk(fmt.Sprintf("N%d", i), types[i%2], map[string]any{"asil": asils[i%len(asils)]}))
	}
	randomLinks := func() []string {
		var out []string
		for range rng.IntN(4) {
			out = append(out, fmt.Sprintf("N%d", rng.IntN(10)))
		}
		return out
	}
	for _, id := range store.IDs() {
		n, _ := store.Get(id)
		c := n.Clone()
		c.Links = map[string][]string{"links": randomLinks()}
		store.Put(c)
	}

	eng := New(set, WithMaxNestLevel(3))
	eng.ValidateAll(store)

	for step := range 60 {
		prev := store.Snapshot()
		ids := store.IDs()
		id := ids[rng.IntN(len(ids))]
		n, _ := store.Get(id)
		c := n.Clone()

		switch rng.IntN(4) {
		case 0:
			c.Extra["asil"] = asils[rng.IntN(len(asils))]
			store.Put(c)
		case 1:
			c.Links = map[string][]string{"links": randomLinks()}
			store.Put(c)
		case 2:
			store.Put(mk(fmt.Sprintf("N%d", 8+rng.IntN(2)), types[rng.IntN(2)],
				map[string]any{"asil": asils[rng.IntN(len(asils))]}, randomLinks()...))
		case 3:
			if store.Len() > 3 {
				store.Remove(id)
			}
		}

		changed := need.Diff(prev, store)
		got := eng.ValidateIncremental(store, changed)
		want := New(set, WithMaxNestLevel(3)).ValidateAll(store)

		require.Equal(t, want.NeedIDs(), got.NeedIDs(), "step %d", step)
		require.Equal(t, want.Warnings(), got.Warnings(), "step %d changed %v", step, changed)
	}
}

func TestEngine_ConfigErrorDiscardsSiblingWarnings(t *testing.T) {
	set := compile(t, `{"schemas": [{
		"id": "cfg",
		"types": ["req"],
		"validate": {
			"local": {"required": ["asil"]},
			"network": {"links": {"items": {"local": {"properties": {"meta": {"type": "object"}}}}}}
		}
	}]}`)
	store := newStore(t,
		mk("B", "impl", map[string]any{"meta": "x"}),
		mk("A", "req", nil, "MISSING", "B"),
	)

	res := New(set).ValidateAll(store)
	ws := res.Warnings()["A"]
	require.Len(t, ws, 1, "local and missing_target warnings are discarded")
	assert.Equal(t, schema.RuleConfigError, ws[0].Rule)
	assert.Equal(t, schema.SeverityConfigError, ws[0].Severity)
	assert.Equal(t, []string{"A", "links", "B"}, ws[0].NeedPath)
	assert.Contains(t, ws[0].Messages[0], "meta")

	r := res.For("A")[0].Result
	assert.False(t, r.Success())
	assert.Equal(t, []string{"B", "MISSING"}, r.Network.Dependencies)
}

func TestEngine_SelectTriggerAndTypes(t *testing.T) {
	set := compile(t, `{"schemas": [
		{
			"id": "open-needs-have-asil",
			"select": {"properties": {"status": {"const": "open"}}, "required": ["status"]},
			"validate": {"local": {"required": ["asil"]}}
		},
		{
			"id": "asil-is-known",
			"types": ["req"],
			"trigger": {"required": ["asil"]},
			"validate": {"local": {"properties": {"asil": {"enum": ["A", "B"]}}}}
		}
	]}`)

	open := mk("OPEN", "req", nil)
	open.Core = map[string]any{"status": "open"}
	closed := mk("CLOSED", "req", nil)
	closed.Core = map[string]any{"status": "closed"}
	store := newStore(t,
		open,
		closed,
		mk("QM", "req", map[string]any{"asil": "QM"}),
		mk("OTHER", "impl", map[string]any{"asil": "QM"}),
	)

	res := New(set).ValidateAll(store)
	ws := res.Warnings()

	require.Len(t, ws["OPEN"], 1)
	assert.Equal(t, []string{"open-needs-have-asil", "local"}, ws["OPEN"][0].SchemaPath)
	assert.Empty(t, ws["CLOSED"], "select mismatch is silent")
	assert.Empty(t, res.For("CLOSED"))

	require.Len(t, ws["QM"], 1)
	assert.Equal(t, []string{"asil-is-known", "local"}, ws["QM"][0].SchemaPath)
	assert.Empty(t, ws["OTHER"], "types mismatch is silent at primary level")
}

func TestEngine_TriggerReferenceUsesLocalOnly(t *testing.T) {
	set := compile(t, `{"schemas": [
		{
			"id": "gate",
			"dependency": true,
			"types": ["req"],
			"select": {"properties": {"status": {"const": "open"}}, "required": ["status"]},
			"validate": {
				"local": {"properties": {"asil": {"const": "A"}}, "required": ["asil"]},
				"network": {"links": {"minItems": 1}}
			}
		},
		{
			"id": "main",
			"trigger_schema_id": "gate",
			"validate": {"local": {"properties": {"count": {"type": "string", "minLength": 1}}, "required": ["count"]}}
		}
	]}`)
	store := newStore(t,
		mk("X", "impl", map[string]any{"asil": "A"}),
		mk("W", "impl", map[string]any{"asil": "A", "count": "3"}),
		mk("Y", "impl", map[string]any{"asil": "B", "count": "3"}),
	)
	eng := New(set)

	entries, err := eng.ValidateNeed(store, "X")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	r := entries[0].Result
	assert.False(t, r.Skipped, "referenced types, select and network do not gate the trigger")
	ws := r.Warnings()
	require.Len(t, ws, 1)
	assert.Equal(t, []string{"main", "local"}, ws[0].SchemaPath)

	entries, err = eng.ValidateNeed(store, "W")
	require.NoError(t, err)
	assert.False(t, entries[0].Result.Skipped)
	assert.True(t, entries[0].Result.Success())

	entries, err = eng.ValidateNeed(store, "Y")
	require.NoError(t, err)
	assert.True(t, entries[0].Result.Skipped, "failing referenced local deactivates the entry")
	assert.Empty(t, entries[0].Result.Warnings())
}

func TestEngine_NestedTriggerReferenceFails(t *testing.T) {
	set := compile(t, `{"schemas": [
		{"id": "has-asil", "dependency": true, "validate": {"local": {"required": ["asil"]}, "network": {"links": {"minItems": 5}}}},
		{"id": "checked", "dependency": true, "trigger_schema_id": "has-asil", "validate": {}},
		{"id": "parent", "validate": {"network": {"links": {"items": {"schema_id": "checked"}}}}}
	]}`)
	store := newStore(t,
		mk("NOASIL", "impl", nil),
		mk("GOOD", "impl", map[string]any{"asil": "A"}),
		mk("P", "req", nil, "NOASIL", "GOOD"),
	)

	ws := New(set).ValidateAll(store).Warnings()["P"]
	require.Len(t, ws, 1)
	assert.Equal(t, schema.RuleItemsFail, ws[0].Rule)
	require.Len(t, ws[0].Children, 1)
	assert.Equal(t, []string{"parent", "links", "items", "checked", "trigger", "has-asil", "local"}, ws[0].Children[0].SchemaPath)
	assert.Equal(t, []string{"P", "links", "NOASIL"}, ws[0].Children[0].NeedPath)
}

func TestEngine_NestedGatesFail(t *testing.T) {
	set := compile(t, `{"schemas": [
		{"id": "needs-asil", "dependency": true, "types": ["impl"], "trigger": {"required": ["asil"]}, "validate": {}},
		{"id": "parent", "validate": {"network": {"links": {"items": {"schema_id": "needs-asil"}}}}}
	]}`)
	store := newStore(t,
		mk("NOASIL", "impl", nil),
		mk("WRONGTYPE", "feat", map[string]any{"asil": "A"}),
		mk("GOOD", "impl", map[string]any{"asil": "A"}),
		mk("P", "req", nil, "NOASIL", "WRONGTYPE", "GOOD"),
	)

	ws := New(set).ValidateAll(store).Warnings()["P"]
	require.Len(t, ws, 1)
	assert.Equal(t, schema.RuleItemsFail, ws[0].Rule)
	assert.Contains(t, ws[0].Messages[0], "NOASIL, WRONGTYPE")

	require.Len(t, ws[0].Children, 2)
	assert.Equal(t, []string{"parent", "links", "items", "needs-asil", "trigger", "local"}, ws[0].Children[0].SchemaPath)
	assert.Equal(t, []string{"parent", "links", "items", "needs-asil", "types"}, ws[0].Children[1].SchemaPath)
}

func TestEngine_LocalDoesNotSuppressNetwork(t *testing.T) {
	set := compile(t, `{"schemas": [{
		"id": "both",
		"severity": "info",
		"message": "needs must carry an asil and a link",
		"validate": {"local": {"required": ["asil"]}, "network": {"links": {"minItems": 1}}}
	}]}`)
	store := newStore(t, mk("A", "req", nil))

	r := New(set).ValidateAll(store).For("A")[0].Result
	assert.False(t, r.Local.Success)
	assert.False(t, r.Network.Success)
	require.Len(t, r.Local.Warnings, 1)
	require.Len(t, r.Network.Warnings, 1)

	local := r.Local.Warnings[0]
	assert.Equal(t, schema.SeverityInfo, local.Severity)
	assert.Equal(t, "needs must carry an asil and a link", local.Messages[0])
	assert.Contains(t, local.Messages[1], `"asil" is a required property`)

	network := r.Network.Warnings[0]
	assert.Equal(t, schema.RuleTooFewLinks, network.Rule)
	assert.Equal(t, schema.SeverityViolation, network.Severity, "overrides only apply to validation_fail")
}

func TestEngine_OptionTypeErrorStopsPair(t *testing.T) {
	set := compile(t, `{"schemas": [{
		"id": "typed",
		"validate": {
			"local": {"properties": {"count": {"type": "integer", "minimum": 1}}},
			"network": {"links": {"minItems": 1}}
		}
	}]}`)
	store := newStore(t,
		mk("BAD", "req", map[string]any{"count": "many"}),
		mk("OK", "req", map[string]any{"count": "2"}, "BAD"),
	)

	ws := New(set).ValidateAll(store).Warnings()
	assert.Equal(t, []schema.Rule{schema.RuleOptionTypeError}, rulesOf(ws["BAD"]))
	assert.Empty(t, ws["OK"])
}

func TestEngine_UnevaluatedItems(t *testing.T) {
	set := compile(t, `{"schemas": [{"id": "strict", "types": ["req"], "validate": {"network": {"links": {
		"contains": {"local": {"required": ["asil"]}},
		"unevaluatedItems": false
	}}}}]}`)
	store := newStore(t,
		mk("B1", "impl", map[string]any{"asil": "A"}),
		mk("B2", "impl", nil),
		mk("A", "req", nil, "B1", "B2"),
	)

	ws := New(set).ValidateAll(store).Warnings()["A"]
	require.Equal(t, []schema.Rule{schema.RuleUnevaluatedLinks}, rulesOf(ws))
	assert.True(t, strings.HasSuffix(ws[0].Messages[0], ": B2"))
}

func TestEngine_ValidateNeed(t *testing.T) {
	store := newStore(t,
		mk("FEAT_1", "feat", map[string]any{"asil": "C"}),
	)
	eng := New(compile(t, featSpecSchemas))

	entries, err := eng.ValidateNeed(store, "FEAT_1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Result.Skipped)

	_, err = eng.ValidateNeed(store, "NOPE")
	assert.ErrorIs(t, err, need.ErrNotFound)
}

func TestRunParallel(t *testing.T) {
	store := newStore(t,
		mk("FEAT_1", "feat", map[string]any{"asil": "QM"}),
		mk("SPEC_1", "spec", nil, "FEAT_1"),
		mk("A", "req", nil, "SPEC_1"),
	)
	featSet := compile(t, featSpecSchemas)
	rawSet := compile(t, `{"schemas": [{"id": "raw", "validate": {"network": {"links": {"maxItems": 0}}}}]}`)

	results, err := RunParallel(context.Background(), store,
		New(featSet, WithName("feat")), New(rawSet, WithName("raw")))
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, New(featSet).ValidateAll(store).Warnings(), results[0].Warnings())
	assert.Equal(t, New(rawSet).ValidateAll(store).Warnings(), results[1].Warnings())

	merged := MergeResults(results...)
	assert.Equal(t, []string{"FEAT_1", "SPEC_1", "A"}, merged.NeedIDs())
	assert.Len(t, merged.For("SPEC_1"), 2)
	assert.False(t, merged.Success())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = RunParallel(ctx, store, New(featSet))
	assert.ErrorIs(t, err, context.Canceled)
}
