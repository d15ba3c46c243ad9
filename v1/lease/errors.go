package lease

import (
	"errors"
	"fmt"
)

var (
	// ErrLeaseNotFound is returned when a lease id is unknown: it was never
	// issued, or it was already committed, rolled back, expired or revoked.
	// It is an expected outcome, not a failure.
	ErrLeaseNotFound = errors.New("txlease: lease not found")
	// ErrFinalize matches every *FinalizeError.
	ErrFinalize = errors.New("txlease: finalize failed")
	// ErrClosed is returned by Begin once the manager is closed.
	ErrClosed = errors.New("txlease: manager closed")
	// ErrDuplicateLease is returned when a lease id is already registered.
	ErrDuplicateLease = errors.New("txlease: duplicate lease id")
	// ErrNilFactory is returned by Begin when no factory is supplied.
	ErrNilFactory = errors.New("txlease: nil resource factory")
)

// Op names the operation applied to a lease's resource.
type Op string

const (
	OpCommit   Op = "commit"
	OpRollback Op = "rollback"
	OpRelease  Op = "release"
)

// Trigger names what caused a lease to be finalized.
type Trigger string

const (
	TriggerExplicit Trigger = "explicit"
	TriggerExpired  Trigger = "expired"
	TriggerRevoked  Trigger = "revoked"
	TriggerShutdown Trigger = "shutdown"
)

// FinalizeError reports that a resource's commit or rollback failed. The
// lease is gone and its resource has been released regardless.
type FinalizeError struct {
	ID  string
	Op  Op
	Err error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("txlease: %s lease %s: %v", e.Op, e.ID, e.Err)
}

// Unwrap exposes both ErrFinalize and the resource's own error.
func (e *FinalizeError) Unwrap() []error {
	return []error{ErrFinalize, e.Err}
}

// Failure describes a finalize or release error, delivered to the failure
// hook whatever triggered the finalization.
type Failure struct {
	ID      string
	Op      Op
	Trigger Trigger
	Err     error
}

// FailureHook receives every Failure. It runs on the finalizing goroutine,
// with the lease's guard held, and must not call back into the Manager for
// the same lease.
type FailureHook func(Failure)
