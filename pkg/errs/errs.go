// Package errs defines the error kinds the core surfaces to its callers
// (§7). Internal packages wrap lower-level errors with fmt.Errorf as usual;
// only the boundary layers (the ingest/read coordinators and the peer
// transport handlers) translate into one of these kinds.
package errs

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Kind is one of the error kinds in §7.
type Kind string

const (
	NotFound        Kind = "NotFound"
	NoSuchBucket    Kind = "NoSuchBucket"
	Forbidden       Kind = "Forbidden"
	Conflict        Kind = "Conflict"
	Unavailable     Kind = "Unavailable"
	StageFailed     Kind = "StageFailed"
	CommitFailed    Kind = "CommitFailed"
	Corrupt         Kind = "Corrupt"
	Internal        Kind = "Internal"
	InvalidArgument Kind = "InvalidArgument"
)

// Error is a typed, kind-tagged error. The message is safe to surface to a
// caller; anything sensitive (DSNs, stack traces) belongs in the log line
// that wraps the original cause, not here.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is allows errors.Is(err, errs.New(Kind, "")) to match purely on kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a bare sentinel of a given kind, useful as the target for
// errors.Is(err, errs.New(errs.NotFound, "")).
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches kind and message to an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal when err is not
// a *Error (or is nil, in which case the zero Kind is returned).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// GRPCCode maps a Kind to the grpc/codes.Code the peer transport should
// return for it, so transport handlers translate errs errors the same way
// everywhere instead of hand-coding a status per call site.
func GRPCCode(kind Kind) codes.Code {
	switch kind {
	case NotFound, NoSuchBucket:
		return codes.NotFound
	case Forbidden:
		return codes.PermissionDenied
	case Conflict:
		return codes.AlreadyExists
	case Unavailable:
		return codes.Unavailable
	case StageFailed, CommitFailed, Corrupt:
		return codes.DataLoss
	case InvalidArgument:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}
