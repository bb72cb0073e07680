package portfolio

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks a missing or invalid provider setup. It aborts a batch
// before any target is processed.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError wraps ErrConfiguration with the missing setting.
func ConfigurationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// FetchError is a content fetch failure scoped to a single target.
type FetchError struct {
	TargetID   string
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

// Unwrap exposes the underlying error.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// ErrEmptyContent reports a fetch that produced no usable text.
var ErrEmptyContent = errors.New("empty content")
