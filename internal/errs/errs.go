// Package errs defines the failure taxonomy shared by the workers and the
// orchestrator.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and disposition decisions.
type Kind string

const (
	Throttled           Kind = "Throttled"
	Timeout             Kind = "Timeout"
	IndexUnavailable    Kind = "IndexUnavailable"
	TransientStoreError Kind = "TransientStoreError"
	WriteConflict       Kind = "WriteConflict"
	CredentialDenied    Kind = "CredentialDenied"
	NoRegionsConfigured Kind = "NoRegionsConfigured"
)

// Error is a classified failure. Op names the failing operation
// (e.g. "search", "assume_role", "put_object").
type Error struct {
	Kind   Kind
	Op     string
	Region string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Region != "" {
		msg += " [" + e.Region + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind, so errors.Is(err, errs.E(errs.Throttled))
// works regardless of Op and Region.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E returns a bare error of the given kind, mostly for errors.Is targets.
func E(kind Kind) *Error {
	return &Error{Kind: kind}
}

// New wraps err with a kind and operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// InRegion returns a copy of e attributed to region.
func (e *Error) InRegion(region string) *Error {
	c := *e
	c.Region = region
	return &c
}

// KindOf returns the kind of the first classified error in err's chain,
// or "" when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether kind may be retried at all.
func Retryable(kind Kind) bool {
	switch kind {
	case Throttled, Timeout, IndexUnavailable, TransientStoreError:
		return true
	default:
		return false
	}
}
