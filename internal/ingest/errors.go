// Package ingest implements the chapter archive ingestion pipeline:
// extraction and validation of untrusted ZIP/CBZ uploads, reading-order
// inference, and the two-phase publish with compensation.
package ingest

import (
	"errors"
	"fmt"
)

// Kind tags a pipeline error with its taxonomy entry. The set is closed;
// the HTTP boundary dispatches on it exhaustively.
type Kind string

const (
	// KindSecurityViolation covers zip-slip, symlink/hardlink smuggling,
	// and entry/size limit violations. Always fatal to the job.
	KindSecurityViolation Kind = "security_violation"
	// KindValidationFailed covers non-image content, empty archives, and
	// malformed archive or metadata input.
	KindValidationFailed Kind = "validation_failed"
	// KindDuplicateChapter is a lost race against a concurrent upload for
	// the same series/chapter number.
	KindDuplicateChapter Kind = "duplicate_chapter"
	// KindExtractionFailed is an I/O failure while reading the archive.
	KindExtractionFailed Kind = "extraction_failed"
	// KindStoreWriteFailed is a blob-store or database write failure.
	KindStoreWriteFailed Kind = "store_write_failed"
	// KindStallTimeout is the heartbeat watchdog firing.
	KindStallTimeout Kind = "stall_timeout"
	// KindCommitInconsistency means a staging rollback itself failed and
	// the store may disagree with the database. Operator intervention only.
	KindCommitInconsistency Kind = "commit_inconsistency"
)

// ErrDuplicateChapter is wrapped by chapter stores when an insert loses a
// uniqueness race.
var ErrDuplicateChapter = errors.New("chapter already exists")

// ErrCancelled is returned when a job observes its cancellation flag at a
// phase boundary.
var ErrCancelled = errors.New("upload cancelled")

// Error is a tagged pipeline failure. Message carries internal detail for
// logs; Hint is the only text safe to surface to non-operator callers.
type Error struct {
	Kind    Kind
	Message string
	Hint    string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the taxonomy kind from err, or false if err is not a
// pipeline error.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// HintOf returns the user-safe hint for err, falling back to a generic
// message so raw internal error text never leaks.
func HintOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) && pe.Hint != "" {
		return pe.Hint
	}
	return "the upload could not be processed"
}

func securityError(format string, args ...any) *Error {
	return &Error{
		Kind:    KindSecurityViolation,
		Message: fmt.Sprintf(format, args...),
		Hint:    "the archive was rejected by security checks",
	}
}

func validationError(hint, format string, args ...any) *Error {
	return &Error{
		Kind:    KindValidationFailed,
		Message: fmt.Sprintf(format, args...),
		Hint:    hint,
	}
}
