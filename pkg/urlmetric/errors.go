package urlmetric

import (
	"errors"
	"fmt"
)

// ErrInvalid is the sentinel wrapped by every ValidationError.
var ErrInvalid = errors.New("invalid url metric")

// ValidationError reports a malformed URL Metric payload. A record that fails
// validation is never constructed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrInvalid, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvalid, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
