package fault

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

// CheckID rejects identifiers that are empty, longer than 255 bytes, or
// contain characters outside [A-Za-z0-9_-]. Every operation runs this
// before touching the store.
func CheckID(field, value string) error {
	if !idPattern.MatchString(value) {
		return ValidationError{Field: field, Reason: "must match [A-Za-z0-9_-]{1,255}"}
	}
	return nil
}

// ValidationError indicates malformed or unknown input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ConcurrencyError indicates a lease or lock held by another owner.
type ConcurrencyError struct {
	Resource string
	HolderID string
}

func (e ConcurrencyError) Error() string {
	if e.HolderID == "" {
		return fmt.Sprintf("%s already held", e.Resource)
	}
	return fmt.Sprintf("%s already held by %s", e.Resource, e.HolderID)
}

// CircuitOpenError indicates the breaker is rejecting calls without
// touching the store.
type CircuitOpenError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry in %s", e.Scope, e.RetryAfter.Round(time.Second))
}

// SecurityError indicates a caller rejected before any store access,
// currently only by the per-caller rate limiter.
type SecurityError struct {
	CallerID string
	Reason   string
}

func (e SecurityError) Error() string {
	return fmt.Sprintf("caller %s rejected: %s", e.CallerID, e.Reason)
}

func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}

func IsConcurrency(err error) bool {
	var c ConcurrencyError
	return errors.As(err, &c)
}

func IsCircuitOpen(err error) bool {
	var c CircuitOpenError
	return errors.As(err, &c)
}

func IsSecurity(err error) bool {
	var s SecurityError
	return errors.As(err, &s)
}
