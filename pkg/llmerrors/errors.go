// Package llmerrors provides the tagged error kinds used by the task engine to route model request failures.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a failure for the engine's error policy.
type Kind int8

const (
	// KindNetwork is a transport failure.
	KindNetwork Kind = iota
	// KindAPI is a provider failure that is neither auth nor billing.
	KindAPI
	// KindUnauthorized needs new credentials.
	KindUnauthorized
	// KindPaymentRequired needs out-of-band billing action.
	KindPaymentRequired
	// KindContextTooLong triggers compaction and a silent retry.
	KindContextTooLong
	// KindTool is a per-invocation tool failure.
	KindTool
	// KindCancelled is not a true error and is never surfaced.
	KindCancelled
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "NETWORK_ERROR"
	case KindAPI:
		return "API_ERROR"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindPaymentRequired:
		return "PAYMENT_REQUIRED"
	case KindContextTooLong:
		return "CONTEXT_TOO_LONG"
	case KindTool:
		return "TOOL_ERROR"
	case KindCancelled:
		return "CANCELLED"
	default:
		return "invalid"
	}
}

// Blocking reports whether the kind stops the request loop until the user acts out of band.
func (k Kind) Blocking() bool {
	return k == KindUnauthorized || k == KindPaymentRequired
}

// Error is a classified failure.
type Error struct {
	Err        error  // Wrapped underlying error
	Message    string // Human-readable error message
	Kind       Kind
	StatusCode int // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.StatusCode != 0:
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: status %d", e.Kind, e.StatusCode)
	}
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewWithStatus creates a classified error carrying an HTTP status.
func NewWithStatus(kind Kind, statusCode int, message string) *Error {
	return &Error{Kind: kind, StatusCode: statusCode, Message: message}
}

// Wrap creates a classified error wrapping cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Err: cause, Message: message}
}

// Is checks if err is a classified error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of err. Unclassified cancellations map to KindCancelled, everything else to KindNetwork.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindNetwork
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsPromptTooLong reports whether a provider message describes a context overflow.
func IsPromptTooLong(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "prompt is too long") ||
		strings.Contains(lower, "context length") ||
		strings.Contains(lower, "context_length_exceeded") ||
		strings.Contains(lower, "maximum context") ||
		strings.Contains(lower, "too many tokens")
}

// KindForStatus maps an HTTP status and message to a kind.
func KindForStatus(statusCode int, message string) Kind {
	switch {
	case statusCode == 401 || statusCode == 403:
		return KindUnauthorized
	case statusCode == 402:
		return KindPaymentRequired
	case statusCode == 413:
		return KindContextTooLong
	case statusCode == 400 && IsPromptTooLong(message):
		return KindContextTooLong
	case statusCode == 0 && IsPromptTooLong(message):
		return KindContextTooLong
	case statusCode == 0:
		return KindNetwork
	default:
		return KindAPI
	}
}

// FromStatus builds a classified error from an HTTP status and provider message.
func FromStatus(statusCode int, message string) *Error {
	if message == "" {
		message = defaultMessage(statusCode)
	}
	return NewWithStatus(KindForStatus(statusCode, message), statusCode, message)
}

func defaultMessage(statusCode int) string {
	switch statusCode {
	case 401:
		return "authentication failed - check API key"
	case 402:
		return "payment required - check account balance"
	case 403:
		return "permission denied - check API access"
	case 413:
		return "prompt is too long"
	case 429:
		return "rate limit exceeded"
	case 529:
		return "provider overloaded"
	case 0:
		return "network error"
	default:
		if statusCode >= 500 {
			return "server error"
		}
		return "request failed"
	}
}

// Classify maps an arbitrary error from a model client into a classified error.
// statusCode is the HTTP status extracted by the caller, or 0 when none is known.
func Classify(err error, statusCode int) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	if errors.Is(err, context.Canceled) {
		return Wrap(KindCancelled, err, "request cancelled")
	}
	if statusCode != 0 {
		return &Error{Kind: KindForStatus(statusCode, err.Error()), StatusCode: statusCode, Err: err, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindNetwork, err, "request timeout")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(KindNetwork, err, "network or connection error")
	}
	if IsPromptTooLong(err.Error()) {
		return Wrap(KindContextTooLong, err, "prompt is too long")
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "reset") ||
		strings.Contains(errStr, "no such host"):
		return Wrap(KindNetwork, err, "network or connection error")
	case strings.Contains(errStr, "unauthorized") || strings.Contains(errStr, "invalid api key"):
		return Wrap(KindUnauthorized, err, "authentication error")
	default:
		return Wrap(KindNetwork, err, "unclassified request failure")
	}
}
