package types

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Conflict errors are caused by the input of the caller and are never retried
// internally.
var (
	// ErrObjectLockConflict is returned when an owned object version is already
	// locked by another transaction in the same epoch.
	ErrObjectLockConflict = xerrors.New("object lock conflict")

	// ErrObjectVersionUnavailable is returned when an owned object is not at
	// the version the transaction wants to consume.
	ErrObjectVersionUnavailable = xerrors.New("object version unavailable for consumption")

	// ErrObjectLockedAtFutureEpoch is returned when a lock was taken in an
	// epoch above the current one.
	ErrObjectLockedAtFutureEpoch = xerrors.New("object locked at future epoch")

	// ErrObjectNotFound is returned when an input does not exist.
	ErrObjectNotFound = xerrors.New("object not found")
)

// Capacity errors are backpressure signals; the caller may retry later.
var (
	// ErrTooManyTransactionsPendingExecution is returned when the queue of
	// certificates waiting for execution is full.
	ErrTooManyTransactionsPendingExecution = xerrors.New("too many transactions pending execution")

	// ErrTooManyTransactionsPendingOnObject is returned when too many
	// certificates wait for the same object.
	ErrTooManyTransactionsPendingOnObject = xerrors.New("too many transactions pending on object")
)

// Epoch errors are caused by a reconfiguration; the caller is expected to
// fetch the new epoch and retry.
var (
	// ErrWrongEpoch is returned when the execution guard does not match the
	// epoch the caller operates under.
	ErrWrongEpoch = xerrors.New("wrong epoch")

	// ErrValidatorHaltedAtEpochEnd is returned for user transactions once the
	// validator stopped accepting them at the end of the epoch.
	ErrValidatorHaltedAtEpochEnd = xerrors.New("validator halted at epoch end")
)

var (
	// ErrTooManyRetries is returned when a transaction exceeded the maximum
	// number of attempts recorded in the write-ahead log.
	ErrTooManyRetries = xerrors.New("tx has exceeded the maximum retry limit for transient errors")

	// ErrTransactionNotFound is returned when a transaction is unknown.
	ErrTransactionNotFound = xerrors.New("transaction not found")
)

// LockConflictError names the transaction that holds the lock.
type LockConflictError struct {
	Ref     ObjectRef
	Pending Digest
}

// Error implements error.
func (e *LockConflictError) Error() string {
	return fmt.Sprintf("%v: %v is locked by %v", ErrObjectLockConflict, e.Ref, e.Pending)
}

// Is returns true for ErrObjectLockConflict.
func (e *LockConflictError) Is(target error) bool {
	return target == ErrObjectLockConflict
}

// VersionUnavailableError gives the current version of the object.
type VersionUnavailableError struct {
	Provided ObjectRef
	Current  ObjectRef
}

// Error implements error.
func (e *VersionUnavailableError) Error() string {
	return fmt.Sprintf("%v: %v, current is %v", ErrObjectVersionUnavailable, e.Provided, e.Current)
}

// Is returns true for ErrObjectVersionUnavailable.
func (e *VersionUnavailableError) Is(target error) bool {
	return target == ErrObjectVersionUnavailable
}

// LockedAtFutureEpochError gives the epoch of the lock.
type LockedAtFutureEpochError struct {
	Ref         ObjectRef
	LockedEpoch EpochID
	Current     EpochID
}

// Error implements error.
func (e *LockedAtFutureEpochError) Error() string {
	return fmt.Sprintf("%v: %v locked at %d, current is %d",
		ErrObjectLockedAtFutureEpoch, e.Ref, e.LockedEpoch, e.Current)
}

// Is returns true for ErrObjectLockedAtFutureEpoch.
func (e *LockedAtFutureEpochError) Is(target error) bool {
	return target == ErrObjectLockedAtFutureEpoch
}

// WrongEpochError gives both epochs.
type WrongEpochError struct {
	Expected EpochID
	Actual   EpochID
}

// Error implements error.
func (e *WrongEpochError) Error() string {
	return fmt.Sprintf("%v: expected %d, actual %d", ErrWrongEpoch, e.Expected, e.Actual)
}

// Is returns true for ErrWrongEpoch.
func (e *WrongEpochError) Is(target error) bool {
	return target == ErrWrongEpoch
}

// PendingOnObjectError gives the object and the size of its queue.
type PendingOnObjectError struct {
	Object    ObjectID
	Queue     int
	Threshold int
}

// Error implements error.
func (e *PendingOnObjectError) Error() string {
	return fmt.Sprintf("%v: %v has %d pending, threshold is %d",
		ErrTooManyTransactionsPendingOnObject, e.Object, e.Queue, e.Threshold)
}

// Is returns true for ErrTooManyTransactionsPendingOnObject.
func (e *PendingOnObjectError) Is(target error) bool {
	return target == ErrTooManyTransactionsPendingOnObject
}

// PendingExecutionError gives the size of the queue.
type PendingExecutionError struct {
	Queue     int
	Threshold int
}

// Error implements error.
func (e *PendingExecutionError) Error() string {
	return fmt.Sprintf("%v: %d pending, threshold is %d",
		ErrTooManyTransactionsPendingExecution, e.Queue, e.Threshold)
}

// Is returns true for ErrTooManyTransactionsPendingExecution.
func (e *PendingExecutionError) Is(target error) bool {
	return target == ErrTooManyTransactionsPendingExecution
}

// IsRetryable returns true for the capacity and epoch errors, which the
// caller can retry as they are.
func IsRetryable(err error) bool {
	return xerrors.Is(err, ErrTooManyTransactionsPendingExecution) ||
		xerrors.Is(err, ErrTooManyTransactionsPendingOnObject) ||
		xerrors.Is(err, ErrWrongEpoch) ||
		xerrors.Is(err, ErrValidatorHaltedAtEpochEnd)
}

// FatalError is an invariant violation. It is raised with panic and never
// returned: continuing would commit state that diverges from the network.
type FatalError struct {
	Transaction Digest
	Reason      string
}

// Error implements error.
func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: transaction %v: %s", e.Transaction, e.Reason)
}
