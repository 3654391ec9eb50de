package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindRateLimit   Kind = "rate_limit"
	KindTimeout     Kind = "timeout"
	KindMalformed   Kind = "malformed"
	KindUnavailable Kind = "unavailable"
)

// Retryable reports whether the same provider may be called again.
// Only transient unavailability is retried; rate limits move the provider
// into cooldown instead.
func (k Kind) Retryable() bool {
	return k == KindUnavailable
}

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Message    string // remote error text when the backend returned one
	Wait       time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RetryAfter returns the server-requested wait, if any.
func (e *Error) RetryAfter() time.Duration {
	return e.Wait
}

// NewError classifies err for provider name.
func NewError(name string, kind Kind, err error) *Error {
	return &Error{Provider: name, Kind: kind, Err: err}
}

// Malformed reports unusable output.
func Malformed(name, format string, args ...any) *Error {
	return &Error{Provider: name, Kind: KindMalformed, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies any error returned by a backend. Unknown errors are
// treated as transient unavailability.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindUnavailable
}

// KindFromStatus maps an HTTP status to a failure kind. Client errors other
// than auth and rate limiting mean the backend rejected what we sent and
// will keep doing so, which the router treats like unusable output.
func KindFromStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindUnavailable
	default:
		return KindMalformed
	}
}

// StatusError builds a classified error from an HTTP response.
func StatusError(name string, status int, message string, retryAfter string) *Error {
	e := &Error{
		Provider:   name,
		Kind:       KindFromStatus(status),
		StatusCode: status,
		Message:    message,
	}
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
		e.Wait = time.Duration(secs) * time.Second
	}
	return e
}

// Classify wraps a transport-level error from a backend call, keeping
// already-classified errors and cancellation intact.
func Classify(name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return NewError(name, KindOf(err), err)
}
