// Package apperr defines the error kinds propagated by the backup/restore
// engine and the small helpers used to attach and inspect them.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds enumerated in the engine's error design.
type Kind string

const (
	EngineUnavailable Kind = "EngineUnavailable"
	NotFound          Kind = "NotFound"
	ParseError        Kind = "ParseError"
	CaptureFailed     Kind = "CaptureFailed"
	CaptureEmpty      Kind = "CaptureEmpty"
	RewriteFailed     Kind = "RewriteFailed"
	DeployFailed      Kind = "DeployFailed"
	ReadinessTimeout  Kind = "ReadinessTimeout"
	ReplayFailed      Kind = "ReplayFailed"
	UploadFailed      Kind = "UploadFailed"
	Timeout           Kind = "Timeout"
	IOError           Kind = "IOError"
	StackEmpty        Kind = "StackEmpty"
)

// Error wraps a Kind with a message and an optional cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error with no cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates an *Error that wraps cause.
func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Fatal reports whether kind is fatal for a single-container job: every
// non-empty kind. Per-path capture failures never reach this check —
// internal/backup writes them into the artifact as ERROR_ entries instead
// of returning them.
func Fatal(kind Kind) bool {
	return kind != ""
}

// FatalForStackRestore reports whether kind is one of the fatal kinds for a
// stack-restore job per the propagation policy: RewriteFailed, DeployFailed,
// ParseError, and NotFound of the manifest. ReadinessTimeout is explicitly
// non-fatal.
func FatalForStackRestore(kind Kind) bool {
	switch kind {
	case RewriteFailed, DeployFailed, ParseError, NotFound:
		return true
	default:
		return false
	}
}
