package gentlefetch

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures so callers can tell transient exhaustion
// from permanent rejection from proxy unavailability.
type ErrorKind string

const (
	KindTransientNetworkFailure ErrorKind = "TransientNetworkFailure"
	KindRateLimitSignal         ErrorKind = "RateLimitSignal"
	KindPermanentRequestFailure ErrorKind = "PermanentRequestFailure"
	KindProxyUnavailable        ErrorKind = "ProxyUnavailable"
	KindCacheFailure            ErrorKind = "CacheFailure"
	KindRetryExhausted          ErrorKind = "RetryExhausted"
	KindValidation              ErrorKind = "Validation"
	KindClosed                  ErrorKind = "Closed"
)

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k ErrorKind) Retryable() bool {
	return k == KindTransientNetworkFailure || k == KindRateLimitSignal
}

// Sentinel errors, comparable with errors.Is against any *Error of the same kind.
var (
	ErrProxyUnavailable = &Error{Kind: KindProxyUnavailable, Message: "no proxy available"}
	ErrRetryExhausted   = &Error{Kind: KindRetryExhausted, Message: "retries exhausted"}
	ErrPermanent        = &Error{Kind: KindPermanentRequestFailure, Message: "permanent request failure"}
	ErrClosed           = &Error{Kind: KindClosed, Message: "client is closed"}
)

// Error is the failure value returned for a logical request.
type Error struct {
	Kind       ErrorKind
	Message    string
	Cause      error
	Method     string
	URL        string
	Proxy      string
	StatusCode int
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
	Duration   time.Duration
}

// Error implements error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error kinds for errors.Is.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	var t *Error
	if errors.As(target, &t) && t != nil {
		return e.Kind == t.Kind
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *Error) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Kind: %s\n", e.Kind)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.Proxy != "" {
		info += fmt.Sprintf("Proxy: %s\n", e.Proxy)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// KindOf extracts the ErrorKind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient determines if an error represents a failure that might succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}

// statusError is the cause attached to failures carried by an HTTP status.
type statusError struct {
	code int
}

func (s *statusError) Error() string {
	return fmt.Sprintf("unexpected status code %d", s.code)
}
