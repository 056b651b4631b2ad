package need

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// needsFile is the exported needs document. Needs may be given as a list or
// as a map keyed by id.
type needsFile struct {
	Needs any `json:"needs" yaml:"needs"`
}

// ParseJSON parses a needs document: a bare list of records, or an object
// with a "needs" list or id-keyed map.
func ParseJSON(data []byte, fields *Fields) ([]*Need, error) {
	data = bytes.TrimSpace(data)
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse needs JSON: %w", err)
	}
	return fromDocument(normalizeNumbers(raw), fields)
}

// ParseYAML parses a needs document in YAML, same shapes as ParseJSON.
func ParseYAML(data []byte, fields *Fields) ([]*Need, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse needs YAML: %w", err)
	}
	return fromDocument(raw, fields)
}

// ParseMarkdown extracts needs from YAML front matter. The front matter is
// either one need (it carries an id) or holds a "needs" list.
func ParseMarkdown(filename string, content []byte, fields *Fields) ([]*Need, error) {
	str := string(content)
	if !strings.HasPrefix(str, "---\n") && !strings.HasPrefix(str, "---\r\n") {
		return nil, nil
	}
	frontmatter, err := extractFrontmatter(str)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	if frontmatter == nil {
		return nil, nil
	}
	if _, ok := frontmatter["id"]; ok {
		if _, ok := frontmatter["docname"]; !ok {
			frontmatter["docname"] = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		}
		n, err := FromRecord(frontmatter, fields)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		return []*Need{n}, nil
	}
	needs, err := fromDocument(frontmatter, fields)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return needs, nil
}

// extractFrontmatter parses YAML frontmatter from markdown content.
func extractFrontmatter(content string) (map[string]any, error) {
	const delimiter = "---"

	start := len(delimiter)
	if len(content) > start && content[start] == '\r' {
		start++
	}
	if len(content) > start && content[start] == '\n' {
		start++
	}

	closeIdx := strings.Index(content[start:], "\n"+delimiter)
	if closeIdx == -1 {
		return nil, fmt.Errorf("no closing frontmatter delimiter")
	}

	var frontmatter map[string]any
	if err := yaml.Unmarshal([]byte(content[start:start+closeIdx]), &frontmatter); err != nil {
		return nil, fmt.Errorf("parse YAML frontmatter: %w", err)
	}
	return frontmatter, nil
}

func fromDocument(raw any, fields *Fields) ([]*Need, error) {
	switch doc := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		return fromList(doc, fields)
	case map[string]any:
		switch needs := doc["needs"].(type) {
		case nil:
			return nil, nil
		case []any:
			return fromList(needs, fields)
		case map[string]any:
			return fromMap(needs, fields)
		default:
			return nil, fmt.Errorf("needs: unsupported shape %T", needs)
		}
	default:
		return nil, fmt.Errorf("needs document: unsupported shape %T", raw)
	}
}

func fromList(items []any, fields *Fields) ([]*Need, error) {
	out := make([]*Need, 0, len(items))
	for i, item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("needs[%d]: expected object, got %T", i, item)
		}
		n, err := FromRecord(rec, fields)
		if err != nil {
			return nil, fmt.Errorf("needs[%d]: %w", i, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// fromMap reads id-keyed records in sorted id order.
func fromMap(items map[string]any, fields *Fields) ([]*Need, error) {
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*Need, 0, len(items))
	for _, id := range ids {
		rec, ok := items[id].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("needs[%s]: expected object, got %T", id, items[id])
		}
		if _, has := rec["id"]; !has {
			rec["id"] = id
		}
		n, err := FromRecord(rec, fields)
		if err != nil {
			return nil, fmt.Errorf("needs[%s]: %w", id, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// normalizeNumbers turns json.Number into int64 or float64.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeNumbers(t[k])
		}
		return t
	default:
		return v
	}
}

// LoadFile reads needs from one file, choosing the parser by extension.
func LoadFile(path string, fields *Fields) ([]*Need, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read needs file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data, fields)
	case ".yaml", ".yml":
		return ParseYAML(data, fields)
	case ".md", ".markdown":
		return ParseMarkdown(path, data, fields)
	default:
		return nil, fmt.Errorf("%s: unsupported needs file type", path)
	}
}

// Load resolves the patterns and reads every matching file into one store.
// Files are read in sorted order so the store order is stable.
func Load(patterns []string, fields *Fields) (*MemoryStore, error) {
	files, err := ResolveFiles(patterns)
	if err != nil {
		return nil, err
	}
	store := NewMemoryStore(fields)
	for _, file := range files {
		needs, err := LoadFile(file, store.Fields())
		if err != nil {
			return nil, err
		}
		if err := store.Add(needs...); err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
	}
	return store, nil
}
