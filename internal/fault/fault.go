// Package fault defines the error taxonomy shared by the sync, matching,
// and routing pipeline. Every fallible operation surfaces one of a small set
// of kinds so callers can decide between retrying, surfacing, and aborting
// without string-matching messages.
package fault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
)

// Kind classifies an error by how it should be handled.
type Kind string

const (
	// Validation marks malformed input. Never retried.
	Validation Kind = "validation"
	// Auth marks a missing or invalid credential. The throttled client
	// refreshes once; a repeat surfaces to the caller.
	Auth Kind = "auth"
	// RateLimited marks a 429 or quota response.
	RateLimited Kind = "rate_limited"
	// Transient marks 5xx, timeouts, and connection errors.
	Transient Kind = "transient"
	// NotFound marks an absent resource.
	NotFound Kind = "not_found"
	// Conflict marks an idempotency-key collision. Callers treat it as
	// success with a skipped count.
	Conflict Kind = "conflict"
	// Fatal marks data corruption or an invariant violation. Jobs abort.
	Fatal Kind = "fatal"
)

// Error is a classified error with optional structured context.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]any
}

// New returns an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf returns an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error of the given kind wrapping cause. The cause remains
// reachable through errors.Is and errors.As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// With attaches a context value and returns the same error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// LogValue renders the error as a structured slog group.
func (e *Error) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(e.Kind)),
		slog.String("message", e.Message),
	}
	if e.Cause != nil {
		attrs = append(attrs, slog.String("cause", e.Cause.Error()))
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, e.Context[k]))
	}
	return slog.GroupValue(attrs...)
}

// KindOf reports the kind of err. Classified errors report their own kind,
// context cancellation and deadline expiry report Transient, as do network
// errors and any error with no classification. Fatal is never inferred; it is
// only assigned explicitly.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient
	}
	return Transient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err is worth retrying: rate limits and transient
// failures are, everything else is not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case RateLimited, Transient:
		return true
	default:
		return false
	}
}

// Field extracts a context value from a classified error, or nil.
func Field(err error, key string) any {
	var fe *Error
	if errors.As(err, &fe) && fe.Context != nil {
		return fe.Context[key]
	}
	return nil
}
