// Package errors provides the error taxonomy of the telemetry core.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
// - A collector for multi-field validation failures

package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Validation errors. A record failing validation is dropped at enqueue
	// and never enters a batch.
	ErrValidation     = errors.New("validation failed")
	ErrMissingField   = errors.New("missing required field")
	ErrInvalidProfile = errors.New("invalid profile_id")
	ErrInvalidValue   = errors.New("invalid value")
	ErrInvalidWindow  = errors.New("invalid window")
	ErrInvalidConfig  = errors.New("invalid configuration")

	// Resource errors
	ErrPoolExhausted = errors.New("connection pool exhausted")
	ErrConnection    = errors.New("backend unreachable")
	ErrTimeout       = errors.New("timeout")
	ErrClosed        = errors.New("closed")
	ErrQueueFull     = errors.New("flush queue full")
	ErrDisabled      = errors.New("telemetry disabled")

	// Startup errors
	ErrSchema = errors.New("schema initialization failed")

	// Read errors
	ErrRangeTooLarge = errors.New("time range too large")
	ErrInvalidRange  = errors.New("invalid time range")
	ErrCacheMiss     = errors.New("cache miss")
	ErrNotFound      = errors.New("not found")

	// Window errors
	ErrWindowOpen = errors.New("window not closed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidProfile) ||
		errors.Is(err, ErrInvalidValue) ||
		errors.Is(err, ErrInvalidWindow) ||
		errors.Is(err, ErrInvalidConfig)
}

// IsFatal returns true if err must stop the process at startup.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSchema)
}

// retryablePatterns are transient driver messages from DuckDB and Redis.
var retryablePatterns = []string{
	"database is locked",
	"busy",
	"timeout",
	"connection reset",
	"connection refused",
	"broken pipe",
	"temporary failure",
	"transaction conflict",
	"i/o error",
	"eof",
}

// IsRetriable returns true if the error is potentially retriable.
// Validation and schema errors are never retried.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if IsValidation(err) || IsFatal(err) {
		return false
	}
	if errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrPoolExhausted) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Connection marks err as a backend connectivity failure.
func Connection(err error, backend string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", backend, ErrConnection, err)
}

// Schema marks err as a fatal schema initialization failure.
func Schema(err error, step string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", step, ErrSchema, err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidValue)
}

// NewInvalidProfile creates an invalid profile error.
func NewInvalidProfile(profileID int64) error {
	return fmt.Errorf("profile_id %d must be positive: %w", profileID, ErrInvalidProfile)
}

// NewRangeTooLarge reports a read range wider than the configured lookback.
func NewRangeTooLarge(span, max time.Duration) error {
	return fmt.Errorf("span %.1f days exceeds %.0f days: %w",
		span.Hours()/24, max.Hours()/24, ErrRangeTooLarge)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// AddInvalid adds an invalid value error.
func (v *ValidationErrors) AddInvalid(field string, value interface{}, reason string) {
	v.Errors = append(v.Errors, NewInvalidValue(field, value, reason))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap exposes every collected error plus ErrValidation for errors.Is.
func (v *ValidationErrors) Unwrap() []error {
	out := make([]error, 0, len(v.Errors)+1)
	out = append(out, ErrValidation)
	out = append(out, v.Errors...)
	return out
}
