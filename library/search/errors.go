package search

import (
	"context"
	"fmt"
	"net"

	"github.com/Laisky/errors/v2"
)

// ErrorKind classifies failures of the aggregation engine.
type ErrorKind string

const (
	// ErrKindConfiguration covers invalid queries and unknown providers. Always fatal to the call.
	ErrKindConfiguration ErrorKind = "configuration"
	// ErrKindTransport covers non-success HTTP responses and connection failures.
	ErrKindTransport ErrorKind = "transport"
	// ErrKindTimeout marks a provider that did not settle within its deadline.
	ErrKindTimeout ErrorKind = "timeout"
	// ErrKindParse marks a provider response that could not be decoded.
	ErrKindParse ErrorKind = "parse"
	// ErrKindPersistence marks a store failure. Logged, never fatal to aggregation.
	ErrKindPersistence ErrorKind = "persistence"
	// ErrKindGeneration marks a generation backend failure. Fatal to the summary call.
	ErrKindGeneration ErrorKind = "generation"
	// ErrKindUnavailable marks a provider rejected by its open circuit breaker.
	ErrKindUnavailable ErrorKind = "unavailable"
	// ErrKindInternal marks a recovered panic inside a provider.
	ErrKindInternal ErrorKind = "internal"
)

// Error is the typed error carried through the engine.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Err        error
}

// Error implements error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := string(e.Kind)
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Message returns the cause text without the kind prefix.
func (e *Error) Message() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// NewConfigurationError reports an invalid query or setup.
func NewConfigurationError(format string, args ...any) error {
	return &Error{Kind: ErrKindConfiguration, Err: errors.Errorf(format, args...)}
}

// NewTransportError reports a non-success HTTP response.
func NewTransportError(statusCode int, body string) error {
	return &Error{
		Kind:       ErrKindTransport,
		StatusCode: statusCode,
		Err:        errors.Errorf("returned status %d: %s", statusCode, body),
	}
}

// NewParseError wraps a decoding failure.
func NewParseError(err error, msg string) error {
	return &Error{Kind: ErrKindParse, Err: errors.Wrap(err, msg)}
}

// NewTimeoutError reports a provider call that cannot finish before its deadline.
func NewTimeoutError(err error, msg string) error {
	return &Error{Kind: ErrKindTimeout, Err: errors.Wrap(err, msg)}
}

// NewPersistenceError wraps a store failure.
func NewPersistenceError(err error, msg string) error {
	return &Error{Kind: ErrKindPersistence, Err: errors.Wrap(err, msg)}
}

// NewGenerationError wraps a generation backend failure.
func NewGenerationError(err error, msg string) error {
	return &Error{Kind: ErrKindGeneration, Err: errors.Wrap(err, msg)}
}

// NewUnavailableError reports a request rejected before reaching the provider.
func NewUnavailableError(err error) error {
	return &Error{Kind: ErrKindUnavailable, Err: errors.WithStack(err)}
}

// KindOf returns the ErrorKind carried by err, or an empty kind for foreign errors.
func KindOf(err error) ErrorKind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Classify converts any error returned by a provider into a typed *Error tagged with provider.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		classified := *typed
		classified.Provider = provider
		if classified.Kind == ErrKindTransport && isTimeout(err) {
			classified.Kind = ErrKindTimeout
		}
		return &classified
	}

	if isTimeout(err) {
		return &Error{Kind: ErrKindTimeout, Provider: provider, Err: err}
	}

	return &Error{Kind: ErrKindTransport, Provider: provider, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
