package stage

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a stage failure. Classification is the stage client's
// contract: the worker applies retry policy to the kind without guessing at
// causes.
type ErrorKind string

const (
	// KindTransient failures (network, timeout, engine hiccup) may be
	// retried with backoff up to the worker's budget.
	KindTransient ErrorKind = "transient"
	// KindPermanent failures (bad artifact, compile error, scheduler
	// rejection, route conflict) are never retried.
	KindPermanent ErrorKind = "permanent"
)

// Error is a classified stage failure.
type Error struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s stage (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure of the named stage.
func Transient(stage string, err error) *Error {
	return &Error{Kind: KindTransient, Stage: stage, Err: err}
}

// Permanent wraps err as a non-retryable failure of the named stage.
func Permanent(stage string, err error) *Error {
	return &Error{Kind: KindPermanent, Stage: stage, Err: err}
}

// Transientf is Transient with a formatted message.
func Transientf(stage, format string, args ...any) *Error {
	return Transient(stage, fmt.Errorf(format, args...))
}

// Permanentf is Permanent with a formatted message.
func Permanentf(stage, format string, args ...any) *Error {
	return Permanent(stage, fmt.Errorf(format, args...))
}

// IsTransient reports whether err is a retryable stage failure.
func IsTransient(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindTransient
}

// IsPermanent reports whether err is a non-retryable stage failure.
func IsPermanent(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindPermanent
}
