// Package returncode defines the uniform integer return-code space (§6)
// shared by every public operation in the HMR core, plus the sentinel
// errors that carry the same information through Go's error chain.
package returncode

import "errors"

// Code is the runtime's uniform return-code space. Zero is always success;
// negative values identify a specific failure class.
type Code int

const (
	OK Code = 0

	InvalidArgument   Code = -1
	NotFound          Code = -2
	PermissionDenied  Code = -3
	CycleDetected     Code = -4
	VersionMismatch   Code = -5
	Timeout           Code = -6
	BudgetExceeded    Code = -7
	Conflict          Code = -8
	NotAttached       Code = -9
	ResourceExhausted Code = -10
	AlreadyExists     Code = -11
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case InvalidArgument:
		return "invalid_argument"
	case NotFound:
		return "not_found"
	case PermissionDenied:
		return "permission_denied"
	case CycleDetected:
		return "cycle_detected"
	case VersionMismatch:
		return "version_mismatch"
	case Timeout:
		return "timeout"
	case BudgetExceeded:
		return "budget_exceeded"
	case Conflict:
		return "conflict"
	case NotAttached:
		return "not_attached"
	case ResourceExhausted:
		return "resource_exhausted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per non-success Code, for errors.Is-compatible
// propagation through the category 1 (input error) and category 3
// (transaction error) taxonomy (§7).
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrWouldCreateCycle  = errors.New("would create cycle")
	ErrVersionMismatch   = errors.New("version mismatch")
	ErrTimeout           = errors.New("timeout")
	ErrBudgetExceeded    = errors.New("budget exceeded")
	ErrConflict          = errors.New("conflict")
	ErrNotAttached       = errors.New("not attached")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrAlreadyExists     = errors.New("already exists")
)

// errCode maps each sentinel to its Code for FromError.
var errCode = map[error]Code{
	ErrInvalidArgument:   InvalidArgument,
	ErrNotFound:          NotFound,
	ErrPermissionDenied:  PermissionDenied,
	ErrWouldCreateCycle:  CycleDetected,
	ErrVersionMismatch:   VersionMismatch,
	ErrTimeout:           Timeout,
	ErrBudgetExceeded:    BudgetExceeded,
	ErrConflict:          Conflict,
	ErrNotAttached:       NotAttached,
	ErrResourceExhausted: ResourceExhausted,
	ErrAlreadyExists:     AlreadyExists,
}

// FromError maps a (possibly wrapped) sentinel error to its Code. Returns
// OK for a nil error and InvalidArgument for an unrecognized one, so
// callers always get a defined Code to return across a public API boundary.
func FromError(err error) Code {
	if err == nil {
		return OK
	}
	for sentinel, code := range errCode {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return InvalidArgument
}
