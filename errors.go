package invtx

import (
	"errors"
	"fmt"
)

var (
	// ErrTransactionNotFound is returned when a transaction id is unknown to the
	// coordinator. It is never defaulted into an empty snapshot.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrLockTimeout is returned when a lock wait exceeds its configured bound
	// or the caller's context is cancelled while waiting.
	ErrLockTimeout = errors.New("lock wait timed out")

	// ErrLockAborted is returned to a waiter that was chosen as a deadlock victim.
	ErrLockAborted = errors.New("lock wait aborted: transaction chosen as deadlock victim")

	// ErrUnorderedResources is returned when a lock request set is not strictly
	// sorted by resource id. Canonical ordering is mandatory across all callers.
	ErrUnorderedResources = errors.New("lock requests must be strictly sorted by resource id")

	// ErrDuplicateTransaction is returned when a caller supplies a transaction id
	// that is already registered.
	ErrDuplicateTransaction = errors.New("duplicate transaction id")

	// ErrUnknownParticipant is returned when a distributed transaction names a
	// participant node that was never registered.
	ErrUnknownParticipant = errors.New("unknown participant node")

	// ErrEmptyRequest is returned when an operation carries no work.
	ErrEmptyRequest = errors.New("empty request")
)

// ValidationError is a precondition failure raised before any lock is taken.
// No side effects exist when it is returned.
type ValidationError struct {
	Workflow string
	Reason   string
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", v.Workflow, v.Reason)
}
