// Package errors provides the error taxonomy, per-component circuit breakers
// and the retry engine shared by every component of the ingestion core.
// Errors carry a Kind so callers can branch with errors.Is instead of
// matching strings.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Kind represents the classification of an error
type Kind string

const (
	KindTransient   Kind = "transient"    // network, timeout, rate limit, 5xx
	KindCircuitOpen Kind = "circuit_open" // rejected by an open breaker
	KindValidation  Kind = "validation"   // semantically invalid input or data
	KindExhausted   Kind = "exhausted"    // every attempt or provider failed
	KindFatal       Kind = "fatal"        // configuration or missing dependencies
	KindUnknown     Kind = "unknown"
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error     `json:"error"`
	Kind      Kind      `json:"kind"`
	Severity  Severity  `json:"severity"`
	Retryable bool      `json:"retryable"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	if ce.Component != "" {
		b.WriteString(ce.Component)
		b.WriteString("/")
	}
	b.WriteString(string(ce.Kind))
	b.WriteString("]")
	if ce.Operation != "" {
		b.WriteString(" ")
		b.WriteString(ce.Operation)
	}
	if ce.Err != nil {
		b.WriteString(": ")
		b.WriteString(ce.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is matches any ClassifiedError target of the same Kind, so the sentinels
// below work with errors.Is.
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Kind == t.Kind
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrTransient   = &ClassifiedError{Kind: KindTransient, Err: errors.New("transient failure")}
	ErrCircuitOpen = &ClassifiedError{Kind: KindCircuitOpen, Err: errors.New("circuit breaker is open")}
	ErrValidation  = &ClassifiedError{Kind: KindValidation, Err: errors.New("validation failed")}
	ErrExhausted   = &ClassifiedError{Kind: KindExhausted, Err: errors.New("retries exhausted")}
	ErrFatal       = &ClassifiedError{Kind: KindFatal, Err: errors.New("fatal error")}
)

// HTTPError is returned by HTTP based provider clients for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("http %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), body)
}

func newError(kind Kind, severity Severity, retryable bool, component string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Kind:      kind,
		Severity:  severity,
		Retryable: retryable,
		Component: component,
		Timestamp: time.Now(),
	}
}

// Transient wraps err as a retryable failure.
func Transient(component string, err error) *ClassifiedError {
	return newError(KindTransient, SeverityLow, true, component, err)
}

// Validation reports semantically invalid data. It is never retried.
func Validation(component, format string, args ...any) *ClassifiedError {
	return newError(KindValidation, SeverityMedium, false, component, fmt.Errorf(format, args...))
}

// Fatal reports a condition that must abort startup.
func Fatal(component string, err error) *ClassifiedError {
	return newError(KindFatal, SeverityCritical, false, component, err)
}

// CircuitOpen reports a call rejected because the component's breaker is open.
func CircuitOpen(component string) *ClassifiedError {
	return newError(KindCircuitOpen, SeverityMedium, false, component,
		fmt.Errorf("circuit breaker is open for %s", component))
}

// Exhausted reports that every attempt failed, naming the last cause.
func Exhausted(component string, attempts int, last error) *ClassifiedError {
	ce := newError(KindExhausted, SeverityHigh, false, component,
		fmt.Errorf("gave up after %d attempts: %w", attempts, last))
	ce.Attempts = attempts
	return ce
}

// Classify returns err as a ClassifiedError. Already classified errors keep
// their kind; the result is always a fresh copy.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		c := *ce
		if c.Timestamp.IsZero() {
			c.Timestamp = time.Now()
		}
		return &c
	}

	kind, severity, retryable := classifyKind(err)
	return newError(kind, severity, retryable, "", err)
}

func classifyKind(err error) (Kind, Severity, bool) {
	if errors.Is(err, context.Canceled) {
		return KindUnknown, SeverityLow, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient, SeverityLow, true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests, httpErr.StatusCode == 418:
			return KindTransient, SeverityMedium, true
		case httpErr.StatusCode == http.StatusRequestTimeout, httpErr.StatusCode >= 500:
			return KindTransient, SeverityLow, true
		case httpErr.StatusCode == http.StatusUnauthorized, httpErr.StatusCode == http.StatusForbidden:
			return KindFatal, SeverityHigh, false
		case httpErr.StatusCode >= 400:
			return KindValidation, SeverityMedium, false
		}
	}

	if isNetworkError(err) || isTimeoutError(err) {
		return KindTransient, SeverityLow, true
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case containsAny(errStr, "rate limit", "too many requests", "quota exceeded", "service unavailable",
		"internal server", "server error", "bad gateway", "temporarily"):
		return KindTransient, SeverityLow, true
	case containsAny(errStr, "unauthorized", "forbidden", "invalid credentials", "invalid api key"):
		return KindFatal, SeverityHigh, false
	case containsAny(errStr, "validation", "malformed"):
		return KindValidation, SeverityMedium, false
	}

	// Unknown errors are retried with caution.
	return KindUnknown, SeverityMedium, true
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()),
		"connection refused",
		"connection reset",
		"connection aborted",
		"no route to host",
		"host unreachable",
		"network unreachable",
		"no such host",
		"eof",
	)
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), "timeout", "deadline exceeded")
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// KindOf returns the kind of err, or KindUnknown when unclassified.
func KindOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the retry engine would retry err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}

// SeverityOf returns the severity of err.
func SeverityOf(err error) Severity {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Severity
	}
	return SeverityMedium
}

// Is, As and New mirror the standard library so callers importing this
// package need not alias it.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }
