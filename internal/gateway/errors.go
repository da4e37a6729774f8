package gateway

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures for callers and telemetry.
type ErrorKind string

const (
	// KindInvalidRequest covers malformed input. Local, never retried.
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindRateLimited means the identity is over its daily quota.
	// Retry next day or escalate tier; never retried immediately.
	KindRateLimited ErrorKind = "rate_limit_exceeded"

	// KindProvider covers upstream failures. Retryable with backoff,
	// bounded attempts.
	KindProvider ErrorKind = "provider_error"

	// KindInvalidEntry marks a programmer error in the cache write
	// path. Logged and dropped, never surfaced to clients.
	KindInvalidEntry ErrorKind = "invalid_entry"
)

// Provider error details.
const (
	DetailTimeout   = "timeout"
	DetailTransport = "transport"
	DetailUpstream  = "upstream-rejected"

	// DetailCanceled marks a call abandoned by the caller, as opposed
	// to an upstream that ran out the clock.
	DetailCanceled = "canceled"
)

// Error is the typed failure every gateway operation returns. No other
// error shape crosses the gateway boundary.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the request with
// backoff.
func (e *Error) Retryable() bool {
	return e.Kind == KindProvider
}

// KindOf extracts the error kind, or "" for non-gateway errors.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// UpstreamError is returned by providers when the vendor rejected the
// request (invalid voice, upstream quota exhaustion). The gateway maps
// it to KindProvider with the upstream-rejected detail.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("provider rejected request (status %d): %s", e.StatusCode, e.Message)
}

func invalidRequest(err error) *Error {
	return &Error{Kind: KindInvalidRequest, Err: err}
}

func rateLimited(reason string, err error) *Error {
	return &Error{Kind: KindRateLimited, Detail: reason, Err: err}
}

func providerError(detail string, err error) *Error {
	return &Error{Kind: KindProvider, Detail: detail, Err: err}
}
