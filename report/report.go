// Package report turns validation results into severity-filtered reports,
// log records and debug dumps.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/semneeds/schema"
	"github.com/c360studio/semneeds/validator"
)

// Options controls which warnings a report surfaces.
type Options struct {
	// Threshold is the lowest surfaced severity.
	Threshold schema.Severity

	// Ignore lists rules that are neither surfaced nor dumped.
	// config_error cannot be ignored.
	Ignore []schema.Rule

	// DebugDir enables debug dumps when set.
	DebugDir string

	Logger *slog.Logger
}

// DefaultOptions surfaces everything from info up.
func DefaultOptions() Options {
	return Options{Threshold: schema.SeverityInfo}
}

func (o Options) ignored(rule schema.Rule) bool {
	return rule != schema.RuleConfigError && slices.Contains(o.Ignore, rule)
}

// Report is the structured outcome of a validation pass.
type Report struct {
	RunID       string          `json:"run_id" yaml:"run_id"`
	GeneratedAt time.Time       `json:"generated_at" yaml:"generated_at"`
	Threshold   schema.Severity `json:"threshold" yaml:"threshold"`
	Summary     Summary         `json:"summary" yaml:"summary"`
	Needs       []NeedReport    `json:"needs" yaml:"needs"`
}

// Summary counts surfaced warnings.
type Summary struct {
	Needs        int            `json:"needs" yaml:"needs"`
	Evaluations  int            `json:"evaluations" yaml:"evaluations"`
	Warnings     int            `json:"warnings" yaml:"warnings"`
	Suppressed   int            `json:"suppressed" yaml:"suppressed"`
	ConfigErrors int            `json:"config_errors" yaml:"config_errors"`
	BySeverity   map[string]int `json:"by_severity,omitempty" yaml:"by_severity,omitempty"`
	ByRule       map[string]int `json:"by_rule,omitempty" yaml:"by_rule,omitempty"`
}

// NeedReport lists the surfaced warnings of one need.
type NeedReport struct {
	ID       string               `json:"id" yaml:"id"`
	Warnings []*validator.Warning `json:"warnings" yaml:"warnings"`
}

// Build filters results into a report. Needs without surfaced warnings are
// counted but not listed.
func Build(res *validator.Results, opts Options) *Report {
	r := &Report{
		RunID:       uuid.New().String(),
		GeneratedAt: time.Now().UTC(),
		Threshold:   opts.Threshold,
		Summary: Summary{
			BySeverity: make(map[string]int),
			ByRule:     make(map[string]int),
		},
		Needs: []NeedReport{},
	}
	for _, id := range res.NeedIDs() {
		r.Summary.Needs++
		entries := res.For(id)
		r.Summary.Evaluations += len(entries)

		var surfaced []*validator.Warning
		for _, e := range entries {
			for _, w := range e.Result.Warnings() {
				if w.Rule == schema.RuleConfigError {
					r.Summary.ConfigErrors++
				}
				if opts.ignored(w.Rule) || w.Severity < opts.Threshold {
					r.Summary.Suppressed++
					continue
				}
				surfaced = append(surfaced, w)
				r.Summary.Warnings++
				r.Summary.BySeverity[w.Severity.String()]++
				r.Summary.ByRule[string(w.Rule)]++
			}
		}
		if len(surfaced) > 0 {
			r.Needs = append(r.Needs, NeedReport{ID: id, Warnings: surfaced})
		}
	}
	return r
}

// HasConfigErrors reports whether any config_error was found, surfaced or not.
func (r *Report) HasConfigErrors() bool {
	return r.Summary.ConfigErrors > 0
}

// HasConfigErrors scans results for config_error warnings.
func HasConfigErrors(res *validator.Results) bool {
	for _, w := range res.All() {
		if w.Rule == schema.RuleConfigError {
			return true
		}
	}
	return false
}

// Failed reports whether a surfaced warning reaches failOn. Config errors
// always fail.
func (r *Report) Failed(failOn schema.Severity) bool {
	if r.HasConfigErrors() {
		return true
	}
	if failOn == schema.SeverityNone {
		return false
	}
	for _, n := range r.Needs {
		for _, w := range n.Warnings {
			if w.Severity >= failOn {
				return true
			}
		}
	}
	return false
}

// Write serializes the report.
func (r *Report) Write(w io.Writer, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode JSON report: %w", err)
		}
		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode YAML report: %w", err)
		}
		return enc.Close()
	case FormatText, "":
		_, err := io.WriteString(w, r.Text())
		return err
	default:
		return fmt.Errorf("unsupported report format: %s", format)
	}
}

// Text renders the report for terminals.
func (r *Report) Text() string {
	var sb strings.Builder
	for _, n := range r.Needs {
		fmt.Fprintf(&sb, "%s:\n", n.ID)
		for _, w := range n.Warnings {
			writeWarning(&sb, w, 1)
		}
	}
	fmt.Fprintf(&sb, "%d warnings (%d config errors, %d suppressed) across %d needs\n",
		r.Summary.Warnings, r.Summary.ConfigErrors, r.Summary.Suppressed, r.Summary.Needs)
	return sb.String()
}

func writeWarning(sb *strings.Builder, w *validator.Warning, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(sb, "%s[%s] %s %s (%s)\n", indent, w.Severity, w.Rule,
		strings.Join(w.SchemaPath, " > "), strings.Join(w.NeedPath, " > "))
	for _, m := range w.Messages {
		fmt.Fprintf(sb, "%s    %s\n", indent, m)
	}
	for _, c := range w.Children {
		writeWarning(sb, c, depth+1)
	}
}

// Log writes one record per surfaced warning. Config errors and violations
// log at error level, warnings at warn level, the rest at info.
func (r *Report) Log(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx := context.Background()
	for _, n := range r.Needs {
		for _, w := range n.Warnings {
			logger.Log(ctx, logLevel(w.Severity), "Need validation warning",
				"run_id", r.RunID,
				"need", n.ID,
				"rule", string(w.Rule),
				"severity", w.Severity.String(),
				"schema_path", strings.Join(w.SchemaPath, " > "),
				"need_path", strings.Join(w.NeedPath, " > "),
				"messages", w.Messages)
		}
	}
	logger.Info("Validation report",
		"run_id", r.RunID,
		"needs", r.Summary.Needs,
		"warnings", r.Summary.Warnings,
		"config_errors", r.Summary.ConfigErrors)
}

func logLevel(s schema.Severity) slog.Level {
	switch {
	case s >= schema.SeverityViolation:
		return slog.LevelError
	case s == schema.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Emit builds a report, writes debug dumps when enabled and returns the
// report. Dump errors are returned after the report is built.
func Emit(res *validator.Results, opts Options) (*Report, error) {
	r := Build(res, opts)
	if opts.DebugDir == "" {
		return r, nil
	}
	d := NewDebugWriter(opts.DebugDir, opts.Logger)
	for _, w := range res.All() {
		d.Add(w, opts)
	}
	return r, d.Flush()
}
