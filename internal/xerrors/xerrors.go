// Package xerrors provides the structured error type used across the server.
// Every component returns one of the closed set of kinds below; the HTTP
// layer is the only place that translates kinds to status codes.
package xerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on failure mode.
type Kind string

const (
	// Workspace and repo-guard preconditions
	KindProjectMissing Kind = "project_missing"
	KindNotARepository Kind = "not_a_repository"
	KindDetachedHead   Kind = "detached_head"
	KindStaleLock      Kind = "stale_lock"
	KindLockTimeout    Kind = "lock_timeout"

	// Git safety layer
	KindWorkingTreeDirty Kind = "working_tree_dirty"
	KindSnapshotMissing  Kind = "snapshot_missing"
	KindRestoreFailed    Kind = "restore_failed"

	// Build pipeline
	KindResourcePackageMismatch Kind = "resource_package_mismatch"
	KindExtractorFailure        Kind = "extractor_failure"
	KindGradleExitNonZero       Kind = "gradle_exit_non_zero"
	KindNoArtifacts             Kind = "no_artifacts"

	// Task runtime
	KindTimeout   Kind = "timeout"
	KindCancelled Kind = "cancelled"
	KindAbandoned Kind = "abandoned"

	// Archive extractor
	KindUnsupportedFormat Kind = "unsupported_format"
	KindCorruptArchive    Kind = "corrupt_archive"
	KindPathTraversal     Kind = "path_traversal"

	// Persistence store
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindUnavailable Kind = "unavailable"

	// Everything else
	KindValidation Kind = "validation"
	KindInternal   Kind = "internal"
)

// ContextFields carries structured context for an Error.
type ContextFields map[string]any

// Error is a structured error with a kind, a message and optional context.
type Error struct {
	Kind    Kind          `json:"kind"`
	Message string        `json:"message"`
	Cause   error         `json:"-"`
	Context ContextFields `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext attaches a context field and returns the error for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// New creates a new Error with the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new Error that wraps an existing error.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

// KindOf extracts the kind from an error chain, or KindInternal if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
