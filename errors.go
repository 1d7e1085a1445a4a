package unitmgr

import (
	"fmt"

	"github.com/juju/errors"
)

// Error kinds. Every error returned by the Manager carries exactly one of
// these, so callers can branch with errors.Is without parsing messages.
const (
	// ErrAccessDenied indicates the access gate rejected the caller
	ErrAccessDenied = errors.ConstError("access denied")

	// ErrInvalidArgument indicates a malformed mode, type, path, name or
	// environment assignment
	ErrInvalidArgument = errors.NotValid

	// ErrNotFound indicates no such unit or job
	ErrNotFound = errors.NotFound

	// ErrConflict indicates the request collides with existing state
	ErrConflict = errors.ConstError("conflict")

	// ErrUnsupported indicates the operation is illegal in the current mode
	ErrUnsupported = errors.NotSupported

	// ErrResourceExhausted indicates an allocation failure
	ErrResourceExhausted = errors.ConstError("resource exhausted")

	// ErrUpstream indicates a failure surfaced from the unit registry,
	// job queue or install mechanism
	ErrUpstream = errors.ConstError("upstream failure")
)

// Conflict reasons, reported together with ErrConflict
const (
	// ErrUnitExists indicates a transient unit name is already taken
	ErrUnitExists = errors.ConstError("unit exists")

	// ErrNoSuchJob indicates the replace precondition of StartUnitReplace failed
	ErrNoSuchJob = errors.ConstError("no such job")

	// ErrAlreadySubscribed indicates a duplicate Subscribe
	ErrAlreadySubscribed = errors.ConstError("already subscribed")

	// ErrNotSubscribed indicates an Unsubscribe without Subscribe
	ErrNotSubscribed = errors.ConstError("not subscribed")

	// ErrReloadPending indicates a deferred reload reply is outstanding
	ErrReloadPending = errors.ConstError("reload pending")

	// ErrLifecyclePending indicates a terminal intent is already latched
	ErrLifecyclePending = errors.ConstError("lifecycle transition pending")

	// ErrJobConflict indicates the job mode forbids replacing a pending job
	ErrJobConflict = errors.ConstError("job conflict")
)

// Error is the structured error returned by every control-plane request
type Error struct {
	// Kind is one of the Err* kind constants
	Kind errors.ConstError
	// Reason optionally narrows Kind (e.g. ErrUnitExists for ErrConflict)
	Reason errors.ConstError
	// Op is the request that failed
	Op string
	// Name is the unit, job or path involved, if any
	Name string
	// Msg is the human readable detail
	Msg string
	// Err is the underlying collaborator error, if any
	Err error
}

// Error returns a formatted error message
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Reason != "" {
		msg = string(e.Reason)
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Name != "" {
		return fmt.Sprintf("%s %q: %s", e.Op, e.Name, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// Unwrap returns the underlying error for error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the kind or the reason of e
func (e *Error) Is(target error) bool {
	c, ok := target.(errors.ConstError)
	if !ok {
		return false
	}
	return c == e.Kind || (e.Reason != "" && c == e.Reason)
}

// KindOf returns the kind of err, or ErrUpstream for foreign errors.
// It returns the empty ConstError for a nil error.
func KindOf(err error) errors.ConstError {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, errors.AlreadyExists) {
		return ErrConflict
	}
	for _, k := range []errors.ConstError{
		ErrAccessDenied, ErrInvalidArgument, ErrNotFound, ErrConflict,
		ErrUnsupported, ErrResourceExhausted,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrUpstream
}

func newError(kind errors.ConstError, op, name, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Name: name, Msg: fmt.Sprintf(format, args...)}
}

func conflictError(reason errors.ConstError, op, name, format string, args ...interface{}) *Error {
	return &Error{Kind: ErrConflict, Reason: reason, Op: op, Name: name, Msg: fmt.Sprintf(format, args...)}
}

// upstream wraps a collaborator error. Errors that already carry a kind
// keep it; everything else becomes ErrUpstream.
func upstream(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	kind := KindOf(err)
	return &Error{Kind: kind, Op: op, Name: name, Msg: "request failed", Err: errors.Trace(err)}
}

// MultiError aggregates errors from fan-out delivery
type MultiError struct {
	// Errors contains all accumulated errors, in delivery order
	Errors []error
}

// Error returns a summary naming the first error
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred, first: %v", len(m.Errors), m.Errors[0])
}

// Add appends an error to the collection if it's not nil
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Unwrap exposes the accumulated errors to errors.Is and errors.As
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Err returns nil if no errors occurred, otherwise returns the MultiError itself
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}
