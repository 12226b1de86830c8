package provision

import (
	"errors"
	"fmt"
)

// Kind classifies provisioner failures for the reconciler's retry policy.
type Kind string

const (
	// KindValidation marks a malformed spec field; never retried.
	KindValidation Kind = "Validation"
	// KindConflict marks a same-named resource with incompatible ownership;
	// requires operator intervention, never silently resolved.
	KindConflict Kind = "Conflict"
	// KindUnavailable marks a timeout or 5xx from a downstream dependency;
	// retried on the next observation.
	KindUnavailable Kind = "Unavailable"
	// KindUnknown marks an unexpected failure; retried like Unavailable but
	// logged in full for triage.
	KindUnknown Kind = "Unknown"
)

// Reasons surfaced in status conditions.
const (
	ReasonRealmConflict     = "RealmConflict"
	ReasonNamespaceConflict = "NamespaceConflict"
	ReasonInvalidField      = "InvalidField"
	ReasonUnavailable       = "Unavailable"
	ReasonInternal          = "InternalError"
)

// Error is the typed result every provisioner returns on failure. Step names
// the pipeline stage (namespace, identity, schema); Reason is a stable
// machine-readable code for conditions. The wrapped cause is kept for logs
// only and must never carry credentials.
type Error struct {
	Kind   Kind
	Step   string
	Reason string
	msg    string
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Step, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Step, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Message returns the operator-facing message without the wrapped cause.
func (e *Error) Message() string { return e.msg }

func newError(kind Kind, step, reason, format string, args ...any) *Error {
	var cause error
	for _, a := range args {
		if err, ok := a.(error); ok {
			cause = err
		}
	}
	return &Error{Kind: kind, Step: step, Reason: reason, msg: fmt.Sprintf(format, args...), err: cause}
}

func Validationf(step, format string, args ...any) *Error {
	return newError(KindValidation, step, ReasonInvalidField, format, args...)
}

func Conflictf(step, reason, format string, args ...any) *Error {
	return newError(KindConflict, step, reason, format, args...)
}

func Unavailablef(step, format string, args ...any) *Error {
	return newError(KindUnavailable, step, ReasonUnavailable, format, args...)
}

func Unknownf(step, format string, args ...any) *Error {
	return newError(KindUnknown, step, ReasonInternal, format, args...)
}

// KindOf extracts the failure kind, defaulting to Unknown for untyped errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// ReasonOf extracts the stable reason code, defaulting to InternalError.
func ReasonOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ReasonInternal
}

// StepOf extracts the failing pipeline step, if known.
func StepOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Step
	}
	return ""
}

// Retryable reports whether the failure is eligible for retry on the next
// observation. Validation and Conflict failures need a spec change or manual
// cleanup first.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindUnknown:
		return true
	default:
		return false
	}
}
