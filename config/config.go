// Package config provides configuration loading and management for semneeds.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/semneeds/need"
	"github.com/c360studio/semneeds/report"
	"github.com/c360studio/semneeds/schema"
	semvalidator "github.com/c360studio/semneeds/validator"
)

// configValidate checks the struct tags of Config. Field names in errors
// are the YAML keys.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	configValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// Config represents the complete semneeds configuration
type Config struct {
	// Schemas lists schema files (.json, .yaml). Each file is compiled into
	// its own engine.
	Schemas []string `yaml:"schemas" validate:"dive,required"`
	// Needs lists need source globs (doublestar syntax)
	Needs []string `yaml:"needs" validate:"dive,required"`

	Fields     FieldsConfig     `yaml:"fields"`
	Validation ValidationConfig `yaml:"validation"`
	Report     ReportConfig     `yaml:"report"`
	Debug      DebugConfig      `yaml:"debug"`
	Watch      WatchConfig      `yaml:"watch"`

	// BaseDir resolves relative paths; set to the directory of the file the
	// paths came from.
	BaseDir string `yaml:"-"`
}

// FieldsConfig declares need fields beyond the built-in ones
type FieldsConfig struct {
	// Core overrides defaults of core fields
	Core map[string]any `yaml:"core,omitempty"`
	// Extra maps extra option names to their default value
	Extra map[string]any `yaml:"extra,omitempty"`
	// Links lists additional link types
	Links []string `yaml:"links,omitempty" validate:"dive,required"`
}

// ValidationConfig configures the engine
type ValidationConfig struct {
	// MaxNestLevel bounds network traversal depth
	MaxNestLevel int `yaml:"max_nest_level" validate:"min=1,max=64"`
}

// ReportConfig configures reporting
type ReportConfig struct {
	// Severity is the lowest surfaced severity
	Severity string `yaml:"severity" validate:"oneof=none info warning violation config_error"`
	// FailOn is the lowest severity that fails the run (none = only config errors)
	FailOn string `yaml:"fail_on" validate:"oneof=none info warning violation config_error"`
	// Ignore lists rules that are neither surfaced nor dumped
	Ignore []string `yaml:"ignore,omitempty"`
	// Format is the output format (text, json, yaml)
	Format string `yaml:"format" validate:"oneof=text json yaml"`
}

// DebugConfig configures debug dumps
type DebugConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir" validate:"required_if=Enabled true"`
}

// WatchConfig configures watch mode
type WatchConfig struct {
	// DebounceDelay is how long to wait for more changes before re-validating
	DebounceDelay time.Duration `yaml:"debounce_delay" validate:"gte=0"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Schemas: nil,
		Needs:   []string{"**/*.needs.json", "**/*.needs.yaml"},
		Fields: FieldsConfig{
			Extra: map[string]any{},
		},
		Validation: ValidationConfig{
			MaxNestLevel: semvalidator.DefaultMaxNestLevel,
		},
		Report: ReportConfig{
			Severity: "info",
			FailOn:   "none",
			Format:   string(report.FormatText),
		},
		Debug: DebugConfig{
			Enabled: false,
			Dir:     "semneeds-debug",
		},
		Watch: WatchConfig{
			DebounceDelay: 500 * time.Millisecond,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q check", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, name := range c.Report.Ignore {
		rule, err := schema.ParseRule(name)
		if err != nil {
			return fmt.Errorf("report.ignore: %w", err)
		}
		if rule == schema.RuleConfigError {
			return fmt.Errorf("report.ignore: config_error cannot be ignored")
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. Relative paths in the
// file resolve against its directory.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if abs, err := filepath.Abs(filepath.Dir(path)); err == nil {
		config.BaseDir = abs
	}
	config.resolvePaths()

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if len(other.Schemas) > 0 {
		c.Schemas = other.Schemas
	}
	if len(other.Needs) > 0 {
		c.Needs = other.Needs
	}

	// Fields accumulate
	if c.Fields.Extra == nil {
		c.Fields.Extra = map[string]any{}
	}
	maps.Copy(c.Fields.Extra, other.Fields.Extra)
	if len(other.Fields.Core) > 0 && c.Fields.Core == nil {
		c.Fields.Core = map[string]any{}
	}
	maps.Copy(c.Fields.Core, other.Fields.Core)
	for _, l := range other.Fields.Links {
		if !slices.Contains(c.Fields.Links, l) {
			c.Fields.Links = append(c.Fields.Links, l)
		}
	}

	if other.Validation.MaxNestLevel != 0 {
		c.Validation.MaxNestLevel = other.Validation.MaxNestLevel
	}

	// Report
	if other.Report.Severity != "" {
		c.Report.Severity = other.Report.Severity
	}
	if other.Report.FailOn != "" {
		c.Report.FailOn = other.Report.FailOn
	}
	if len(other.Report.Ignore) > 0 {
		c.Report.Ignore = other.Report.Ignore
	}
	if other.Report.Format != "" {
		c.Report.Format = other.Report.Format
	}

	// Debug
	if other.Debug.Enabled {
		c.Debug.Enabled = true
	}
	if other.Debug.Dir != "" {
		c.Debug.Dir = other.Debug.Dir
	}

	if other.Watch.DebounceDelay != 0 {
		c.Watch.DebounceDelay = other.Watch.DebounceDelay
	}
	if other.BaseDir != "" {
		c.BaseDir = other.BaseDir
	}
}

// ResolvePath makes p absolute against BaseDir.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.BaseDir == "" {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

// resolvePaths anchors relative schema, need and debug paths at BaseDir.
func (c *Config) resolvePaths() {
	c.Schemas = c.resolveAll(c.Schemas)
	c.Needs = c.resolveAll(c.Needs)
	c.Debug.Dir = c.ResolvePath(c.Debug.Dir)
}

func (c *Config) resolveAll(paths []string) []string {
	if paths == nil {
		return nil
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = c.ResolvePath(p)
	}
	return out
}

// NeedFields returns the built-in fields extended by the configured ones.
func (c *Config) NeedFields() *need.Fields {
	f := need.DefaultFields()
	f.Merge(&need.Fields{
		Core:  c.Fields.Core,
		Extra: c.Fields.Extra,
		Links: c.Fields.Links,
	})
	return f
}

// ReportOptions converts the report and debug sections.
func (c *Config) ReportOptions() (report.Options, error) {
	threshold, err := schema.ParseSeverity(c.Report.Severity)
	if err != nil {
		return report.Options{}, fmt.Errorf("report.severity: %w", err)
	}
	opts := report.Options{Threshold: threshold}
	for _, name := range c.Report.Ignore {
		rule, err := schema.ParseRule(name)
		if err != nil {
			return report.Options{}, fmt.Errorf("report.ignore: %w", err)
		}
		opts.Ignore = append(opts.Ignore, rule)
	}
	if c.Debug.Enabled {
		opts.DebugDir = c.Debug.Dir
	}
	return opts, nil
}

// FailOn returns the severity that fails a run.
func (c *Config) FailOn() (schema.Severity, error) {
	return schema.ParseSeverity(c.Report.FailOn)
}
