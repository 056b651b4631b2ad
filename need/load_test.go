package need

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON_Shapes(t *testing.T) {
	fields := testFields()

	tests := []struct {
		name    string
		content string
		wantIDs []string
	}{
		{
			name:    "bare list",
			content: `[{"id": "A", "type": "spec"}, {"id": "B", "type": "feat"}]`,
			wantIDs: []string{"A", "B"},
		},
		{
			name:    "needs list",
			content: `{"needs": [{"id": "B"}, {"id": "A"}]}`,
			wantIDs: []string{"B", "A"},
		},
		{
			name:    "needs map sorted by id",
			content: `{"needs": {"Z": {"type": "spec"}, "M": {"type": "feat"}}}`,
			wantIDs: []string{"M", "Z"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			needs, err := ParseJSON([]byte(tt.content), fields)
			require.NoError(t, err)
			var ids []string
			for _, n := range needs {
				ids = append(ids, n.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestParseJSON_ClassifiesFields(t *testing.T) {
	content := `[{
		"id": "SPEC_1",
		"type": "spec",
		"title": "Brake control",
		"asil": "B",
		"links": ["FEAT_1", "FEAT_2"],
		"implements": "IMPL_1, IMPL_2",
		"effort": 3
	}]`

	needs, err := ParseJSON([]byte(content), testFields())
	require.NoError(t, err)
	require.Len(t, needs, 1)

	n := needs[0]
	assert.Equal(t, "spec", n.Type)
	assert.Equal(t, "Brake control", n.Core["title"])
	assert.Equal(t, int64(3), n.Core["effort"])
	assert.Equal(t, "B", n.Extra["asil"])
	assert.Equal(t, []string{"FEAT_1", "FEAT_2"}, n.Links["links"])
	assert.Equal(t, []string{"IMPL_1", "IMPL_2"}, n.Links["implements"])
}

func TestParseJSON_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid json", `{`},
		{"missing id", `[{"type": "spec"}]`},
		{"non string id", `[{"id": 5}]`},
		{"bad link", `[{"id": "A", "links": [1]}]`},
		{"scalar document", `"oops"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJSON([]byte(tt.content), testFields())
			assert.Error(t, err)
		})
	}
}

func TestParseMarkdown(t *testing.T) {
	t.Run("single need front matter", func(t *testing.T) {
		content := `---
id: FEAT_1
type: feat
asil: C
links: [REQ_1]
---
# Feature

Body text.
`
		needs, err := ParseMarkdown("docs/feat_1.md", []byte(content), testFields())
		require.NoError(t, err)
		require.Len(t, needs, 1)
		assert.Equal(t, "FEAT_1", needs[0].ID)
		assert.Equal(t, "C", needs[0].Extra["asil"])
		assert.Equal(t, "feat_1", needs[0].Core["docname"])
		assert.Equal(t, []string{"REQ_1"}, needs[0].Links["links"])
	})

	t.Run("needs list front matter", func(t *testing.T) {
		content := `---
needs:
  - id: A
    type: spec
  - id: B
    type: feat
---
text
`
		needs, err := ParseMarkdown("x.md", []byte(content), testFields())
		require.NoError(t, err)
		require.Len(t, needs, 2)
		assert.Equal(t, "B", needs[1].ID)
	})

	t.Run("no front matter", func(t *testing.T) {
		needs, err := ParseMarkdown("x.md", []byte("# Title\n"), testFields())
		require.NoError(t, err)
		assert.Empty(t, needs)
	})

	t.Run("unterminated front matter", func(t *testing.T) {
		_, err := ParseMarkdown("x.md", []byte("---\nid: A\n"), testFields())
		assert.Error(t, err)
	})
}

func TestLoad_Globs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs", "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "a.md"),
		[]byte("---\nid: A\ntype: spec\nlinks: [B]\n---\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "sub", "b.md"),
		[]byte("---\nid: B\ntype: feat\n---\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "needs.yaml"),
		[]byte("needs:\n  - id: C\n    type: feat\n"), 0644))

	store, err := Load([]string{
		filepath.Join(dir, "docs", "**", "*.md"),
		filepath.Join(dir, "needs.yaml"),
	}, testFields())
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, store.IDs())
	assert.True(t, MatchAny([]string{filepath.Join(dir, "docs", "**", "*.md")}, filepath.Join(dir, "docs", "sub", "b.md")))
	assert.False(t, MatchAny([]string{filepath.Join(dir, "docs", "**", "*.md")}, filepath.Join(dir, "needs.yaml")))
}

func TestLoad_DuplicateAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`[{"id": "A"}]`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(`[{"id": "A"}]`), 0644))

	_, err := Load([]string{filepath.Join(dir, "*.json")}, testFields())
	assert.ErrorIs(t, err, ErrDuplicate)
}
