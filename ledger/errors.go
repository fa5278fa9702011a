/*
errors.go - Centralized error taxonomy for the engine core

PURPOSE:
  All sentinel errors in one place for consistency and discoverability.
  Domain packages wrap these with additional context and callers branch
  with errors.Is / errors.As.

CATEGORIES:
  1. Ledger errors   - malformed or duplicate writes, corruption holds
  2. Business errors - insufficient balance, illegal lifecycle transitions
  3. Infrastructure  - lock/serialization conflicts, missing store features
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidEntry is returned for malformed ledger writes (zero delta,
	// missing effective date). A local bug, fatal to the caller's operation.
	ErrInvalidEntry = errors.New("invalid ledger entry")

	// ErrInsufficientBalance is a business rejection, surfaced verbatim.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrIllegalTransition is returned when a leave request is asked to move
	// to a state the lifecycle does not allow.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrDuplicateIdempotencyKey is returned when an entry with the same
	// idempotency key already exists. Expected behavior for retried jobs.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrencyConflict is a lock or serialization failure on the
	// per-key balance critical section. Retried transparently a bounded
	// number of times before surfacing.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrLedgerCorrupt means the materialized balance disagrees with the
	// entry sum for a key. Writes for that key halt pending manual
	// reconciliation; never auto-corrected.
	ErrLedgerCorrupt = errors.New("ledger corrupt: materialized balance does not match entry sum")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreRequired is returned when an operation needs a store capability
	// the configured store does not implement.
	ErrStoreRequired = errors.New("operation requires extended store interface")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidEntryError names the offending field of a malformed entry.
type InvalidEntryError struct {
	Field  string
	Reason string
}

func (e *InvalidEntryError) Error() string {
	return fmt.Sprintf("invalid ledger entry: %s %s", e.Field, e.Reason)
}

func (e *InvalidEntryError) Unwrap() error { return ErrInvalidEntry }

// InsufficientBalanceError details a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	LeaveType LeaveType
	Available Hours
	Requested Hours
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s/%s: available %s, requested %s",
		e.UserID, e.LeaveType, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// CorruptKeyError identifies which balance is halted.
type CorruptKeyError struct {
	Key          Key
	Materialized Hours
	EntrySum     Hours
}

func (e *CorruptKeyError) Error() string {
	return fmt.Sprintf("ledger corrupt for %s: materialized %s, entry sum %s",
		e.Key, e.Materialized, e.EntrySum)
}

func (e *CorruptKeyError) Unwrap() error { return ErrLedgerCorrupt }

// IsRetryable reports whether the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError reports whether the error is due to invalid caller input
// rather than an engine failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidEntry) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}
