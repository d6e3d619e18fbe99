// Package errors provides the unified error taxonomy for the data access
// layer. Every error crossing a public boundary is an *Error carrying a Kind;
// the kind alone decides retriability and the user-visible message.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
)

// Kind is the stable classification of an error.
type Kind string

const (
	KindValidation       Kind = "VALIDATION"
	KindConnection       Kind = "CONNECTION"
	KindRateLimit        Kind = "RATE_LIMIT"
	KindCircuitOpen      Kind = "CIRCUIT_OPEN"
	KindData             Kind = "DATA"
	KindCancelled        Kind = "CANCELLED"
	KindChainUnsupported Kind = "CHAIN_UNSUPPORTED"
	KindUnknown          Kind = "UNKNOWN"
)

// Error is the structured error type used across the layer.
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two *Error values by kind, so callers can compare against a
// bare kind sentinel without caring about details.
func (e *Error) Is(target error) bool {
	var t *Error
	if stderrors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail attaches a detail key to the error and returns it.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Detail returns a detail value by key.
func (e *Error) Detail(key string) (any, bool) {
	v, ok := e.Details[key]
	return v, ok
}

// New creates a new Error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap wraps an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation errors

func InvalidInput(field, expected string, received any) *Error {
	return New(KindValidation, "invalid input").
		WithDetail("field", field).
		WithDetail("expected", expected).
		WithDetail("received", received)
}

func MissingParameter(param string) *Error {
	return New(KindValidation, "missing required parameter").
		WithDetail("field", param)
}

func OutOfRange(field string, minValue, maxValue any) *Error {
	return New(KindValidation, "value out of range").
		WithDetail("field", field).
		WithDetail("min", minValue).
		WithDetail("max", maxValue)
}

// UnsupportedChain reports a chain ID absent from configuration.
func UnsupportedChain(chainID uint64) *Error {
	return New(KindChainUnsupported, "chain is not configured").
		WithDetail("chain_id", chainID)
}

// Connection errors

func ConnectionFailed(url string, err error) *Error {
	return Wrap(KindConnection, "connection failed", err).WithDetail("url", url)
}

func Timeout(operation string, timeout time.Duration) *Error {
	return New(KindConnection, "operation timed out").
		WithDetail("operation", operation).
		WithDetail("timeout_ms", timeout.Milliseconds())
}

// NoTransport reports that neither WS nor HTTP could be established.
func NoTransport(chainID uint64, err error) *Error {
	return Wrap(KindConnection, "no transport available", err).
		WithDetail("chain_id", chainID)
}

// RateLimited reports an exhausted token bucket. wait is how long the caller
// should hold off before trying again.
func RateLimited(chainID uint64, wait time.Duration) *Error {
	return New(KindRateLimit, "rate limit exceeded").
		WithDetail("chain_id", chainID).
		WithDetail("retry_after_ms", wait.Milliseconds())
}

// CircuitOpen reports a rejected call on an open breaker.
func CircuitOpen(chainID uint64, resetAt time.Time) *Error {
	return New(KindCircuitOpen, "circuit breaker is open").
		WithDetail("chain_id", chainID).
		WithDetail("reset_at", resetAt)
}

// ResetAt extracts the breaker reset time from a CircuitOpen error.
func ResetAt(err error) (time.Time, bool) {
	var e *Error
	if !stderrors.As(err, &e) || e.Kind != KindCircuitOpen {
		return time.Time{}, false
	}
	t, ok := e.Details["reset_at"].(time.Time)
	return t, ok
}

// Data errors

func InvalidData(message string, err error) *Error {
	return Wrap(KindData, message, err)
}

// Cancellation

func Cancelled(operation string) *Error {
	return New(KindCancelled, "operation cancelled").
		WithDetail("operation", operation)
}

// KindOf classifies any error. Context cancellation and deadline errors are
// mapped even when they were never wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	if stderrors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindConnection
	}
	return KindUnknown
}

// Retriable reports whether the pipeline may retry after this error.
// Validation, data, circuit-open and cancellation errors surface immediately;
// connection and rate-limit errors are transient. Unknown errors are treated
// as transient transport failures.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindData, KindCircuitOpen, KindCancelled, KindChainUnsupported:
		return false
	case KindConnection, KindRateLimit, KindUnknown:
		return true
	default:
		return false
	}
}

// RetryAfter returns the wait a RateLimit error asked for, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if !stderrors.As(err, &e) || e.Kind != KindRateLimit {
		return 0, false
	}
	ms, ok := e.Details["retry_after_ms"].(int64)
	if !ok {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// UserMessage maps an error to the stable user-facing string.
func UserMessage(err error) string {
	var e *Error
	if !stderrors.As(err, &e) {
		return "An unexpected error occurred. Please try again."
	}
	switch e.Kind {
	case KindValidation:
		field, _ := e.Details["field"].(string)
		expected, _ := e.Details["expected"].(string)
		if field == "" {
			return "Invalid input."
		}
		return fmt.Sprintf("Invalid %s: %s", field, expected)
	case KindConnection:
		return "Unable to connect to blockchain network. Please check your connection and try again."
	case KindRateLimit:
		var sec int64
		if ms, ok := e.Details["retry_after_ms"].(int64); ok {
			sec = ms / 1000
			if ms%1000 != 0 {
				sec++
			}
		}
		return fmt.Sprintf("Rate limit exceeded. Please wait %d seconds before retrying.", sec)
	case KindCircuitOpen:
		return "Service temporarily unavailable due to repeated failures. Please try again later."
	case KindData:
		return "Received invalid data from blockchain network."
	case KindCancelled:
		return "Operation was cancelled."
	case KindChainUnsupported:
		return "The requested chain is not supported."
	default:
		return "An unexpected error occurred. Please try again."
	}
}

// As is a convenience re-export so consumers don't need both error packages.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Is re-exports errors.Is.
func Is(err, target error) bool { return stderrors.Is(err, target) }
