package schema

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseJSON parses a schema document, rejecting unknown fields.
func ParseJSON(data []byte) (*Definitions, error) {
	var defs Definitions
	if err := decodeStrictJSON(data, &defs); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("parse schema JSON: %v", err)}
	}
	return &defs, nil
}

// ParseYAML parses a schema document, rejecting unknown fields.
func ParseYAML(data []byte) (*Definitions, error) {
	var defs Definitions
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&defs); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Msg: fmt.Sprintf("parse schema YAML: %v", err)}
	}
	return &defs, nil
}

// LoadFile reads a schema document by extension (.json, .yaml, .yml).
func LoadFile(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	var defs *Definitions
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		defs, err = ParseJSON(data)
	case ".yaml", ".yml":
		defs, err = ParseYAML(data)
	default:
		return nil, fmt.Errorf("%s: unsupported schema file type", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}
