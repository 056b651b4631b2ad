package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360studio/semneeds/validator"
)

type dump struct {
	reduced  any
	schema   any
	messages []string
}

// DebugWriter buffers per (need path, schema path) dumps and writes them in
// one pass on Flush.
type DebugWriter struct {
	dir    string
	logger *slog.Logger
	order  []string
	dumps  map[string]*dump
}

// NewDebugWriter creates a writer targeting dir.
func NewDebugWriter(dir string, logger *slog.Logger) *DebugWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DebugWriter{
		dir:    dir,
		logger: logger,
		dumps:  make(map[string]*dump),
	}
}

// DumpName returns the base file name of a warning's dump.
func DumpName(w *validator.Warning) string {
	name := strings.Join(w.NeedPath, "__") + "__" + strings.Join(w.SchemaPath, "__")
	return sanitize(name)
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, name)
}

// Add buffers a warning and its children. Ignored rules are skipped;
// severity thresholds do not apply to dumps.
func (d *DebugWriter) Add(w *validator.Warning, opts Options) {
	w.Walk(func(x *validator.Warning) {
		if opts.ignored(x.Rule) {
			return
		}
		name := DumpName(x)
		dp, ok := d.dumps[name]
		if !ok {
			dp = &dump{}
			d.dumps[name] = dp
			d.order = append(d.order, name)
		}
		if x.Debug != nil {
			if dp.reduced == nil && x.Debug.Reduced != nil {
				dp.reduced = x.Debug.Reduced
			}
			if dp.schema == nil && x.Debug.Schema != nil {
				dp.schema = x.Debug.Schema
			}
		}
		for _, m := range x.Messages {
			dp.messages = append(dp.messages, fmt.Sprintf("[%s] %s", x.Rule, m))
		}
	})
}

// Len returns the number of buffered dumps.
func (d *DebugWriter) Len() int {
	return len(d.order)
}

// Flush writes every buffered dump and clears the buffer.
func (d *DebugWriter) Flush() error {
	if len(d.order) == 0 {
		return nil
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create debug dir: %w", err)
	}
	for _, name := range d.order {
		dp := d.dumps[name]
		base := filepath.Join(d.dir, name)
		if err := writeJSON(base+".json", orEmpty(dp.reduced)); err != nil {
			return err
		}
		if err := writeJSON(base+".schema.json", orEmpty(dp.schema)); err != nil {
			return err
		}
		if len(dp.messages) > 0 {
			if err := os.WriteFile(base+".txt", []byte(strings.Join(dp.messages, "\n")+"\n"), 0o644); err != nil {
				return fmt.Errorf("write debug messages: %w", err)
			}
		}
	}
	d.logger.Debug("Wrote debug dumps", "dir", d.dir, "count", len(d.order))
	d.order = nil
	d.dumps = make(map[string]*dump)
	return nil
}

func orEmpty(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
