package schema

import (
	"errors"
	"fmt"
)

// ErrConfig marks every schema misconfiguration.
var ErrConfig = errors.New("schema config error")

// ConfigError describes an invalid schema declaration.
type ConfigError struct {
	Schema string // entry id, empty for $defs
	Path   string // location inside the declaration
	Msg    string
}

// Error returns the error string.
func (e *ConfigError) Error() string {
	switch {
	case e.Schema != "" && e.Path != "":
		return fmt.Sprintf("schema %s: %s: %s", e.Schema, e.Path, e.Msg)
	case e.Schema != "":
		return fmt.Sprintf("schema %s: %s", e.Schema, e.Msg)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Msg)
	default:
		return e.Msg
	}
}

// Is reports whether target is ErrConfig.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// IsConfigError returns true if err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConfigError
	return errors.As(err, &ce) || errors.Is(err, ErrConfig)
}

func configErrorf(schema, path, format string, args ...any) *ConfigError {
	return &ConfigError{Schema: schema, Path: path, Msg: fmt.Sprintf(format, args...)}
}
