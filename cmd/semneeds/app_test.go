package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c360studio/semneeds/config"
	"github.com/c360studio/semneeds/schema"
)

const appSchemas = `{
  "schemas": [
    {
      "id": "feat-schema",
      "dependency": true,
      "validate": {"local": {"properties": {"asil": {"enum": ["A", "B", "C", "D"]}}}}
    },
    {
      "id": "spec-schema",
      "types": ["spec"],
      "validate": {"network": {"links": {"schema_id": "feat-schema", "minItems": 1}}}
    }
  ]
}`

const appNeeds = `{
  "needs": [
    {"id": "FEAT_1", "type": "feat", "title": "Feature", "asil": "QM"},
    {"id": "SPEC_1", "type": "spec", "title": "Spec", "links": ["FEAT_1"]}
  ]
}`

// writeProject lays out a schema file and a needs file and returns a config
// pointing at them.
func writeProject(t *testing.T, schemas, needs string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "safety.json")
	needsPath := filepath.Join(dir, "needs.json")
	if err := os.WriteFile(schemaPath, []byte(schemas), 0644); err != nil {
		t.Fatalf("failed to write schema: %v", err)
	}
	if err := os.WriteFile(needsPath, []byte(needs), 0644); err != nil {
		t.Fatalf("failed to write needs: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.BaseDir = dir
	cfg.Schemas = []string{schemaPath}
	cfg.Needs = []string{needsPath}
	cfg.Fields.Extra = map[string]any{"asil": ""}
	return cfg
}

func TestNewApp(t *testing.T) {
	cfg := writeProject(t, appSchemas, appNeeds)

	app, err := NewApp(cfg, nil)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	if len(app.Engines()) != 1 {
		t.Fatalf("expected 1 engine, got %d", len(app.Engines()))
	}
	if app.Engines()[0].Name() != "safety" {
		t.Errorf("expected engine named after file, got %s", app.Engines()[0].Name())
	}
}

func TestNewApp_NoSchemas(t *testing.T) {
	if _, err := NewApp(config.DefaultConfig(), nil); err == nil {
		t.Error("expected error without schema files")
	}
}

func TestNewApp_CompileErrors(t *testing.T) {
	cfg := writeProject(t, `{"schemas": [{"id": "x", "validate": {"local": {"anyOf": []}}}]}`, appNeeds)

	_, err := NewApp(cfg, nil)
	if err == nil {
		t.Fatal("expected compile error")
	}
	if !errors.Is(err, schema.ErrConfig) {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestAppValidate(t *testing.T) {
	cfg := writeProject(t, appSchemas, appNeeds)
	cfg.Report.Format = "json"
	cfg.Report.FailOn = "violation"

	app, err := NewApp(cfg, nil)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}

	var out bytes.Buffer
	r, err := app.Validate(context.Background(), &out)
	if !errors.Is(err, errValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if r.Summary.Needs != 2 {
		t.Errorf("expected 2 needs, got %d", r.Summary.Needs)
	}

	var decoded map[string]any
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	needs, _ := decoded["needs"].([]any)
	if len(needs) != 1 || needs[0].(map[string]any)["id"] != "SPEC_1" {
		t.Errorf("expected only SPEC_1 reported, got %v", decoded["needs"])
	}
}

func TestAppValidate_FailOnNone(t *testing.T) {
	cfg := writeProject(t, appSchemas, appNeeds)
	cfg.Report.FailOn = "none"

	app, err := NewApp(cfg, nil)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	var out bytes.Buffer
	if _, err := app.Validate(context.Background(), &out); err != nil {
		t.Errorf("expected no failure with fail_on none, got %v", err)
	}
	if !strings.Contains(out.String(), "too_few_links") {
		t.Errorf("expected text report to list too_few_links, got:\n%s", out.String())
	}
}

func TestAppValidate_DebugDumps(t *testing.T) {
	cfg := writeProject(t, appSchemas, appNeeds)
	cfg.Debug.Enabled = true
	cfg.Debug.Dir = filepath.Join(cfg.BaseDir, "dumps")

	app, err := NewApp(cfg, nil)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	if _, err := app.Validate(context.Background(), &bytes.Buffer{}); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	entries, err := os.ReadDir(cfg.Debug.Dir)
	if err != nil {
		t.Fatalf("expected debug dir: %v", err)
	}
	if len(entries) == 0 {
		t.Error("expected debug dumps")
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_Version(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, "semneeds version "+Version) {
		t.Errorf("unexpected version output: %s", out)
	}
}

func TestCLI_Rules(t *testing.T) {
	out, err := runCLI(t, "rules")
	if err != nil {
		t.Fatalf("rules error = %v", err)
	}
	for _, r := range schema.Rules() {
		if !strings.Contains(out, string(r)) {
			t.Errorf("expected rule %s listed", r)
		}
	}
}

func TestCLI_ValidateWithConfig(t *testing.T) {
	cfg := writeProject(t, appSchemas, appNeeds)
	cfgPath := filepath.Join(cfg.BaseDir, "semneeds.yaml")
	if err := cfg.SaveToFile(cfgPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	out, err := runCLI(t, "--log-level", "error", "--config", cfgPath, "validate", "--fail-on", "violation")
	if !errors.Is(err, errValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if !strings.Contains(out, "SPEC_1:") {
		t.Errorf("expected SPEC_1 in report, got:\n%s", out)
	}

	out, err = runCLI(t, "--log-level", "error", "--config", cfgPath, "validate", "--severity", "config_error", "--format", "yaml")
	if err != nil {
		t.Fatalf("expected pass with default fail_on, got %v", err)
	}
	if !strings.Contains(out, "warnings: 0") {
		t.Errorf("expected nothing surfaced, got:\n%s", out)
	}

	if _, err := runCLI(t, "--log-level", "error", "--config", cfgPath, "validate", "--format", "xml"); err == nil {
		t.Error("expected unknown format to fail")
	}
}

func TestCLI_SchemaCheck(t *testing.T) {
	good := writeProject(t, appSchemas, appNeeds)
	bad := writeProject(t, `{"schemas": [{"id": "x", "trigger_schema_id": "missing"}]}`, appNeeds)

	out, err := runCLI(t, "--log-level", "error", "schema", "check", good.Schemas[0])
	if err != nil {
		t.Fatalf("schema check error = %v", err)
	}
	if !strings.Contains(out, "ok   ") || !strings.Contains(out, "2 entries, 1 primary") {
		t.Errorf("unexpected output: %s", out)
	}

	out, err = runCLI(t, "--log-level", "error", "schema", "check", good.Schemas[0], bad.Schemas[0])
	if !errors.Is(err, schema.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	if !strings.Contains(out, "FAIL "+bad.Schemas[0]) {
		t.Errorf("expected failing file listed, got: %s", out)
	}
}
