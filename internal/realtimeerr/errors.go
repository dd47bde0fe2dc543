// Package realtimeerr defines the standardized error kinds surfaced to
// clients over the wire, either as an `error` event or an `event:ack.error`.
// Every handler in the core maps its failures onto one of these kinds
// before they cross the socket boundary.
package realtimeerr

import (
	"errors"
	"fmt"
)

// Kind is a wire-stable error classification. Never expose anything else
// to a client — internal faults collapse to KindInternal.
type Kind string

const (
	KindUnauthenticated  Kind = "unauthenticated"
	KindUnauthorized     Kind = "unauthorized"
	KindNotFound         Kind = "not_found"
	KindInvalidArgument  Kind = "invalid_argument"
	KindInvalidCallState Kind = "invalid_call_state"
	KindUserBusy         Kind = "user_busy"
	KindAIStreamBusy     Kind = "ai_stream_busy"
	KindRateLimited      Kind = "rate_limited"
	KindInternal         Kind = "internal"
)

// Error is the typed error every core component returns; it carries a Kind
// for wire mapping plus an optional wrapped cause for server-side logs.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with a client-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind, keeping cause for server logs
// only; message must never leak the cause's details to the client.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Internal wraps an unexpected failure as KindInternal, the policy for any
// persistence or unclassified fault.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "an internal error occurred", Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindInternal for any
// error the core did not classify itself.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
