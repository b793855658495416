// Package errors consolidates error definitions for archivist.
//
// It provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities and constructors with context
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Queue conditions
	//
	// ErrQueueExhausted is the terminal signal from a persist queue: the
	// producer is done and no further results will ever arrive. It is a
	// clean-stop condition, not a failure, and callers must not retry on it.
	ErrQueueExhausted = errors.New("persist queue exhausted")
	ErrQueueClosed    = errors.New("persist queue closed")

	// Record conditions
	ErrMalformedRecord  = errors.New("malformed poll result")
	ErrUnknownMetricSet = errors.New("unknown metric set")
	ErrMissingField     = errors.New("missing required field")

	// Store write conditions
	ErrWriteFailure        = errors.New("store write failed")
	ErrOutOfOrderTimestamp = errors.New("timestamp not later than last seen")
	ErrDuplicateTimestamp  = errors.New("duplicate timestamp")

	// Rate computation
	ErrInvalidCounterTransition = errors.New("counter transition not reconcilable as reset or wrap")

	// Query conditions
	ErrSeriesNotFound    = errors.New("series not found")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrInvalidStatistic  = errors.New("invalid statistic")
	ErrInvalidProjection = errors.New("invalid projection")
	ErrFrequencyRequired = errors.New("frequency required")

	// Configuration / lifecycle
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrStoreClosed   = errors.New("store is closed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsExhausted returns true if err is the queue's terminal signal.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrQueueExhausted)
}

// IsRecordError returns true if err is a per-record condition that the
// persister run loop recovers from locally (log and skip). Anything else
// that reaches the loop is either transient transport trouble or fatal.
func IsRecordError(err error) bool {
	return errors.Is(err, ErrMalformedRecord) ||
		errors.Is(err, ErrUnknownMetricSet) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrWriteFailure) ||
		errors.Is(err, ErrOutOfOrderTimestamp) ||
		errors.Is(err, ErrDuplicateTimestamp)
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSeriesNotFound) ||
		errors.Is(err, ErrDeviceNotFound)
}

// IsQueryParamError returns true if err is a query-parameter validation error.
func IsQueryParamError(err error) bool {
	return errors.Is(err, ErrInvalidStatistic) ||
		errors.Is(err, ErrInvalidProjection) ||
		errors.Is(err, ErrFrequencyRequired)
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

// ============================================================================
// Error constructors with context
// ============================================================================

// NewMalformed creates a malformed-record error naming the offending field.
func NewMalformed(field, reason string) error {
	return fmt.Errorf("field %s: %s: %w", field, reason, ErrMalformedRecord)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewWriteFailure creates a write-failure error carrying enough context
// (device, key, timestamp) to allow manual replay.
func NewWriteFailure(device, key string, timestamp int64, err error) error {
	return fmt.Errorf("device %s key %s ts %d: %v: %w", device, key, timestamp, err, ErrWriteFailure)
}

// NewSeriesNotFound creates a not-found error for a series key.
func NewSeriesNotFound(key string) error {
	return fmt.Errorf("series %q: %w", key, ErrSeriesNotFound)
}

// NewValidation creates a config validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}
