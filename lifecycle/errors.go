package lifecycle

import (
	"errors"
	"fmt"

	"escrowflow/custody"
)

// Kind labels the structured error categories surfaced across the engine's
// public boundary. Collaborators map these to user-visible messages.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindPermission    Kind = "permission"
	KindInvalidState  Kind = "invalid_state"
	KindConflict      Kind = "conflict"
	KindCustody       Kind = "custody"
	KindInvalidWinner Kind = "invalid_winner"
	KindInternal      Kind = "internal"
)

// Error is the typed error the engine and dispute coordinator return. It
// always carries a kind and a human-readable message; the wrapped cause, when
// present, is reachable through errors.Is/As.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("lifecycle: %s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("lifecycle: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func errf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// NewError builds a boundary error for collaborators (the dispute
// coordinator, transport handlers) that share the engine's error vocabulary.
func NewError(kind Kind, format string, args ...any) *Error {
	return errf(kind, nil, format, args...)
}

// KindOf extracts the kind from any error returned by this package.
// Unrecognised errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// custodyError translates adapter failures into boundary errors. Anything
// ambiguous stays KindCustody: the caller must re-query custody state before
// retrying, since the call may have partially succeeded at the mechanism.
func custodyError(err error, op string) *Error {
	switch {
	case errors.Is(err, custody.ErrNotAdministrator):
		return errf(KindPermission, err, "%s rejected: caller lacks administrator custody rights", op)
	case errors.Is(err, custody.ErrNotFound):
		return errf(KindCustody, err, "%s rejected: no escrow record", op)
	case errors.Is(err, custody.ErrInvalidState):
		return errf(KindCustody, err, "%s rejected by custody mechanism", op)
	default:
		return errf(KindCustody, err, "%s failed at custody mechanism", op)
	}
}
