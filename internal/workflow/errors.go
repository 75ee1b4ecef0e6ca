package workflow

import (
	"errors"
	"fmt"
)

// Kind classifies workflow failures so callers can branch without parsing
// status messages.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindPrecondition        Kind = "precondition"
	KindConcurrentOperation Kind = "concurrent_operation"
	KindRemote              Kind = "remote"
	KindLocalIO             Kind = "local_io"
)

// Sentinel errors matched by errors.Is against any *Error of the same kind.
var (
	ErrValidation          = errors.New("validation failed")
	ErrPrecondition        = errors.New("action not allowed in current state")
	ErrConcurrentOperation = errors.New("another operation is in flight")
	ErrRemote              = errors.New("remote service call failed")
	ErrLocalIO             = errors.New("local i/o failed")
)

var (
	errNoFile        = errors.New("no file selected")
	errNotImage      = errors.New("selected file is not an image")
	errNoImage       = errors.New("no image selected")
	errNotUploaded   = errors.New("image has not been uploaded")
	errNotProcessed  = errors.New("image has not been processed")
	errEmptyImageID  = errors.New("service returned an empty image id")
	errEmptyResultID = errors.New("service returned an empty processed filename")
)

// Error is returned by every controller action.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind.sentinel())
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	return target == e.Kind.sentinel()
}

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindPrecondition:
		return ErrPrecondition
	case KindConcurrentOperation:
		return ErrConcurrentOperation
	case KindRemote:
		return ErrRemote
	case KindLocalIO:
		return ErrLocalIO
	}
	return nil
}

// KindOf returns the workflow kind carried by err, or "" when err is not a
// workflow error.
func KindOf(err error) Kind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return ""
}
