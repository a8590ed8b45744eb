// Package apperr defines the error taxonomy shared by the stores, the request
// lifecycle and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindForbidden   Kind = "forbidden"
	KindConflict    Kind = "conflict"
	KindUnavailable Kind = "unavailable"
	KindInternal    Kind = "internal"
)

// Reason distinguishes conflicts the caller can act on.
type Reason string

const (
	ReasonSelfAcceptance  Reason = "self_acceptance"
	ReasonAlreadyAccepted Reason = "already_accepted"
	ReasonCapacityReached Reason = "capacity_reached"
	ReasonNotActive       Reason = "not_active"
	ReasonHasAcceptances  Reason = "has_acceptances"
)

type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind and reason so sentinels work with errors.Is even after
// the error was rebuilt with a different message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Reason == t.Reason
}

// Retryable reports whether the caller may retry the same operation.
func (e *Error) Retryable() bool { return e.Kind == KindUnavailable }

var (
	ErrNotFound        = &Error{Kind: KindNotFound, Message: "not found"}
	ErrForbidden       = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrSelfAcceptance  = &Error{Kind: KindConflict, Reason: ReasonSelfAcceptance, Message: "cannot accept your own request"}
	ErrAlreadyAccepted = &Error{Kind: KindConflict, Reason: ReasonAlreadyAccepted, Message: "request already accepted by this user"}
	ErrCapacityReached = &Error{Kind: KindConflict, Reason: ReasonCapacityReached, Message: "request has reached its acceptor limit"}
	ErrNotActive       = &Error{Kind: KindConflict, Reason: ReasonNotActive, Message: "request is no longer active"}
	ErrHasAcceptances  = &Error{Kind: KindConflict, Reason: ReasonHasAcceptances, Message: "request already has acceptances"}
	ErrUnavailable     = &Error{Kind: KindUnavailable, Message: "backing store unavailable"}
)

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(what, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", what, id)}
}

func Forbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Message: msg}
}

// Unavailable wraps a backing store failure as a retryable error.
func Unavailable(op string, err error) *Error {
	return &Error{Kind: KindUnavailable, Message: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the conflict reason carried by err, if any.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// IsDomain reports whether err already belongs to the taxonomy.
func IsDomain(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
