// Package boneserr defines the structured error kinds surfaced by the
// event engine core, per the error handling design.
package boneserr

import (
	"errors"
	"fmt"
)

// Kind is a stable error-kind code. The CLI and other external
// collaborators switch on Kind rather than parsing error strings.
type Kind string

const (
	TornWrite        Kind = "torn_write"
	HashMismatch     Kind = "hash_mismatch"
	UnknownParent    Kind = "unknown_parent"
	UnknownEventType Kind = "unknown_event_type"
	UnknownFields    Kind = "unknown_fields"
	VersionTooNew    Kind = "version_too_new"
	InvalidTransition Kind = "invalid_transition"
	LockContention   Kind = "lock_contention"
	CorruptManifest  Kind = "corrupt_manifest"
	CursorStale      Kind = "cursor_stale"
	SecretGuard      Kind = "secret_guard"
	AgentUnresolved  Kind = "agent_unresolved"
)

// Error is a structured error carrying a stable Kind alongside the usual
// wrapped cause. Every boundary in the core returns one of these for
// conditions named in the error handling design rather than a bare
// fmt.Errorf, so callers can branch on Kind without string matching.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// New builds a structured error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Wrap builds a structured error of the given kind around a cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{kind: kind, msg: msg, err: cause}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the stable error-kind code.
func (e *Error) Kind() Kind { return e.kind }

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.kind == kind
	}
	return false
}
