package need

import "errors"

// Common store errors.
var (
	// ErrNotFound is returned when a need is not found.
	ErrNotFound = errors.New("need not found")

	// ErrDuplicate is returned when two records share an id.
	ErrDuplicate = errors.New("duplicate need id")
)
