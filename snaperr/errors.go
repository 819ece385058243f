// Package snaperr defines the typed error taxonomy the snapshot engine
// surfaces to its callers. Every error carries a Code so callers can branch
// with errors.Is/errors.As instead of string matching, and wraps an
// underlying cause when one exists.
package snaperr

import (
	"errors"
	"fmt"
)

// Code classifies a snapshot-engine error.
type Code int

const (
	// Admission failures, surfaced synchronously to the caller.
	CodeAlreadyInProgress Code = iota
	CodeNameExists
	CodeClusterInactive
	CodeNoBaseline
	CodeUnsupportedByPeer

	// Post-admission failures, recovered locally then reported through
	// the snapshot future.
	CodeTopologyChanged
	CodeCacheGroupStopped
	CodeAlreadyScheduled
	CodeStorageFailed
	CodeInvalidPage
	CodeTransferFailed
	CodeTransferCancelled
	CodeShuttingDown
	CodeTimeout
)

func (c Code) String() string {
	switch c {
	case CodeAlreadyInProgress:
		return "ALREADY_IN_PROGRESS"
	case CodeNameExists:
		return "NAME_EXISTS"
	case CodeClusterInactive:
		return "CLUSTER_INACTIVE"
	case CodeNoBaseline:
		return "NO_BASELINE"
	case CodeUnsupportedByPeer:
		return "UNSUPPORTED_BY_PEER"
	case CodeTopologyChanged:
		return "TOPOLOGY_CHANGED"
	case CodeCacheGroupStopped:
		return "CACHE_GROUP_STOPPED"
	case CodeAlreadyScheduled:
		return "ALREADY_SCHEDULED"
	case CodeStorageFailed:
		return "STORAGE_FAILED"
	case CodeInvalidPage:
		return "INVALID_PAGE"
	case CodeTransferFailed:
		return "TRANSFER_FAILED"
	case CodeTransferCancelled:
		return "TRANSFER_CANCELLED"
	case CodeShuttingDown:
		return "SHUTTING_DOWN"
	case CodeTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// SnapshotError is the concrete error type the snapshot-engine packages
// return for snapshot failures (config and shutdown report plain errors).
// It is deliberately thin: the taxonomy is the point, not a
// severity/category matrix, since every snapshot failure is handled one
// of two ways: surfaced synchronously at admission, or recovered locally
// and reported through the snapshot future.
type SnapshotError struct {
	Code  Code
	Op    string // operation that failed, e.g. "SnapshotTask.start"
	Name  string // snapshot name, when known
	Cause error
}

func (e *SnapshotError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Code, e.Name, e.Cause)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Code, e.Name)
}

func (e *SnapshotError) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, snaperr.New(code, "", "")) style comparisons by code.
func (e *SnapshotError) Is(target error) bool {
	t, ok := target.(*SnapshotError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New constructs a SnapshotError with no wrapped cause.
func New(code Code, op, name string) *SnapshotError {
	return &SnapshotError{Code: code, Op: op, Name: name}
}

// Wrap constructs a SnapshotError wrapping cause.
func Wrap(code Code, op, name string, cause error) *SnapshotError {
	return &SnapshotError{Code: code, Op: op, Name: name, Cause: cause}
}

// CodeOf extracts the Code from err, returning false if err is not (or
// does not wrap) a *SnapshotError.
func CodeOf(err error) (Code, bool) {
	var se *SnapshotError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

// Sentinel values for the handful of call sites that just need a
// poisoned/cancelled signal without extra context.
var (
	ErrTransferCancelled = New(CodeTransferCancelled, "transfer", "")
	ErrShuttingDown      = New(CodeShuttingDown, "engine", "")
)
