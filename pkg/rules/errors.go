package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyDomain is returned when a mutation is given an empty domain
	ErrEmptyDomain = errors.New("domain cannot be empty")

	// ErrInvalidMode is returned for a mode other than blacklist or whitelist
	ErrInvalidMode = errors.New("invalid mode")

	// ErrEmptyCategory is returned when a category name is empty
	ErrEmptyCategory = errors.New("category name cannot be empty")

	// ErrSourceUnavailable is returned when the rule repository cannot be read
	ErrSourceUnavailable = errors.New("rule source unavailable")
)

// ValidationError describes a rejected administrative input.
// No state is changed when one is returned.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
