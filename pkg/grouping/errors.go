package grouping

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is wrapped by RangeError.
	ErrOutOfRange = errors.New("viewport width out of range")
	// ErrGroupComplete is wrapped by CapacityError.
	ErrGroupComplete = errors.New("group is complete")
	// ErrConfiguration is wrapped by ConfigError.
	ErrConfiguration = errors.New("invalid group configuration")
	// ErrInvalidArgument is returned for arguments that can never be valid, such as a
	// negative viewport width.
	ErrInvalidArgument = errors.New("invalid argument")
)

// RangeError is returned when a record is added to a group whose range does not
// contain the record's viewport width.
type RangeError struct {
	Width int
	Min   int
	Max   int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: width %d not in [%d, %s]", ErrOutOfRange, e.Width, e.Min, formatMax(e.Max))
}

func (e *RangeError) Unwrap() error { return ErrOutOfRange }

// CapacityError is returned when a record targets a group that already holds
// sample size fresh records.
type CapacityError struct {
	Min int
	Max int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s: [%d, %s]", ErrGroupComplete, e.Min, formatMax(e.Max))
}

func (e *CapacityError) Unwrap() error { return ErrGroupComplete }

// ConfigError reports an invalid construction parameter.
type ConfigError struct {
	Param  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrConfiguration, e.Param, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

func formatMax(max int) string {
	if max == Unbounded {
		return "inf"
	}
	return fmt.Sprint(max)
}
