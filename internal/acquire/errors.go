package acquire

import (
	"errors"
	"fmt"
	"strings"
)

// StorageError reports that the scope's own bookkeeping (registry, backup
// store, audit log or data directory) could not be read or written.
//
// A StorageError aborts a batch: no further items are dispatched and the
// error is returned alongside the partial result.
type StorageError struct {
	// Op names the failed step, e.g. "archive" or "registry put".
	Op string

	// Identifier is the item being processed, if any.
	Identifier string

	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Identifier != "" {
		return fmt.Sprintf("storage failure: %s (id=%s): %v", e.Op, e.Identifier, e.Err)
	}
	return fmt.Sprintf("storage failure: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError returns true if err is or wraps a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// FindingKind classifies a validation finding.
type FindingKind string

const (
	// FindingMismatch means the file's checksum differs from the registry.
	FindingMismatch FindingKind = "mismatch"

	// FindingMissing means the destination file does not exist.
	FindingMissing FindingKind = "missing"

	// FindingUnreadable means the file exists but could not be hashed.
	FindingUnreadable FindingKind = "unreadable"
)

// Finding is one integrity problem found by Validate.
type Finding struct {
	Identifier string      `json:"identifier"`
	Kind       FindingKind `json:"kind"`
	Path       string      `json:"path"`
	Tracked    string      `json:"tracked"`
	Actual     string      `json:"actual,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}

// IntegrityError reports registry entries that do not match the files on
// disk. It is surfaced, never corrected automatically.
type IntegrityError struct {
	Findings []Finding
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	ids := make([]string, len(e.Findings))
	for i, f := range e.Findings {
		ids[i] = fmt.Sprintf("%s (%s)", f.Identifier, f.Kind)
	}
	return fmt.Sprintf("integrity check failed for %d item(s): %s", len(e.Findings), strings.Join(ids, ", "))
}

// IsIntegrityError returns true if err is or wraps an IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// ErrScopeMismatch is returned when a manifest declares a scope other than
// the one the run was opened for.
var ErrScopeMismatch = errors.New("manifest scope does not match run scope")

// ErrRegistryNotEmpty is returned by Rebuild when it would discard records.
var ErrRegistryNotEmpty = errors.New("registry is not empty; rebuild requires force")
