// Package faults defines the canonical error taxonomy for the runtime core.
//
// Every error crossing a component boundary is classified so callers can
// decide synchronously-reject vs retry vs halt:
//   - VALIDATION, NOT_FOUND, PERMISSION_DENIED, STATE_CONFLICT: surfaced to
//     the caller, never retried.
//   - TRANSIENT: retryable infrastructure fault.
//   - FATAL: durable log unavailable; write paths must halt loudly.
package faults

import (
	"errors"
	"fmt"
)

// Kind categorizes a fault.
type Kind string

const (
	KindValidation       Kind = "VALIDATION"
	KindNotFound         Kind = "NOT_FOUND"
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	KindStateConflict    Kind = "STATE_CONFLICT"
	KindTransient        Kind = "TRANSIENT"
	KindFatal            Kind = "FATAL"
)

// Classification defines the retry behavior for a fault.
type Classification string

const (
	// ClassNonRetryable indicates a permanent failure.
	ClassNonRetryable Classification = "NON_RETRYABLE"
	// ClassRetryable indicates a transient failure that may succeed on retry.
	ClassRetryable Classification = "RETRYABLE"
	// ClassHalt indicates the system must stop accepting writes.
	ClassHalt Classification = "HALT"
)

// Fault is a classified error.
type Fault struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Cause }

// Classification maps the fault kind to retry behavior.
func (f *Fault) Classification() Classification {
	switch f.Kind {
	case KindTransient:
		return ClassRetryable
	case KindFatal:
		return ClassHalt
	default:
		return ClassNonRetryable
	}
}

// Validation constructs a VALIDATION fault.
func Validation(format string, args ...any) error {
	return &Fault{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound constructs a NOT_FOUND fault.
// Tenant mismatches are reported through this constructor so callers never
// learn whether a foreign-tenant record exists.
func NotFound(format string, args ...any) error {
	return &Fault{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// PermissionDenied constructs a PERMISSION_DENIED fault.
func PermissionDenied(format string, args ...any) error {
	return &Fault{Kind: KindPermissionDenied, Message: fmt.Sprintf(format, args...)}
}

// StateConflict constructs a STATE_CONFLICT fault.
func StateConflict(format string, args ...any) error {
	return &Fault{Kind: KindStateConflict, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps a retryable infrastructure error.
func Transient(cause error, format string, args ...any) error {
	return &Fault{Kind: KindTransient, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Fatal wraps an unrecoverable error. No write may be reported as committed
// once a FATAL fault has been returned for it.
func Fatal(cause error, format string, args ...any) error {
	return &Fault{Kind: KindFatal, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind of err, or empty string for unclassified errors.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// IsValidation reports whether err is a VALIDATION fault.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsNotFound reports whether err is a NOT_FOUND fault.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsPermissionDenied reports whether err is a PERMISSION_DENIED fault.
func IsPermissionDenied(err error) bool { return KindOf(err) == KindPermissionDenied }

// IsStateConflict reports whether err is a STATE_CONFLICT fault.
func IsStateConflict(err error) bool { return KindOf(err) == KindStateConflict }

// IsTransient reports whether err is a TRANSIENT fault.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsFatal reports whether err is a FATAL fault.
func IsFatal(err error) bool { return KindOf(err) == KindFatal }

// Retryable reports whether err may succeed on retry.
func Retryable(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Classification() == ClassRetryable
	}
	// Unclassified errors from step handlers are treated as retryable so a
	// flaky collaborator gets its bounded attempts before compensation.
	return err != nil
}
