package router

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/adred-codev/agentsync/internal/protocol"
	"github.com/adred-codev/agentsync/internal/store"
)

// Code is the machine-readable error code sent to clients.
type Code string

const (
	CodeRateLimited        Code = "rate_limited"
	CodeIdentityRequired   Code = "identity_required"
	CodeInvalidTransition  Code = "invalid_transition"
	CodeNotFound           Code = "not_found"
	CodeInvalidEnvelope    Code = "invalid_envelope"
	CodeInvalidPayload     Code = "invalid_payload"
	CodePersistenceFailure Code = "persistence_failure"
)

// Error is a handler failure surfaced to the originating connection only.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration // rate_limited only
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func invalidTransition(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidTransition, Message: fmt.Sprintf(format, args...)}
}

// classify maps any handler error onto the client taxonomy. Unknown errors
// are persistence failures with a generic message; the cause stays in logs.
func classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error(), Err: err}
	case errors.Is(err, protocol.ErrInvalidEnvelope):
		return &Error{Code: CodeInvalidEnvelope, Message: err.Error(), Err: err}
	case errors.Is(err, protocol.ErrInvalidPayload):
		return &Error{Code: CodeInvalidPayload, Message: err.Error(), Err: err}
	default:
		return &Error{Code: CodePersistenceFailure, Message: "storage operation failed", Err: err}
	}
}

// retryAfterSeconds rounds up and never reports less than one second.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// envelope renders e for the wire.
func (e *Error) envelope(category string) protocol.Outbound {
	if e.Code == CodeRateLimited {
		return protocol.RateLimited{RetryAfterSeconds: retryAfterSeconds(e.RetryAfter), Category: category}
	}
	return protocol.Error{Code: string(e.Code), Message: e.Message}
}
