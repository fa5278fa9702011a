/*
store.go - Persistence interface for ledger entries

PURPOSE:
  Defines the boundary between ledger logic and the database. The Store
  keeps append-only semantics and, transactionally with each append, a
  materialized per-key running total so current-balance reads are O(1).

APPEND-ONLY CONTRACT:
  - Append(): single entry write
  - AppendBatch(): atomic multi-entry write
  - NO Update() or Delete() methods exist

MATERIALIZED TOTAL:
  Stores maintain sum(delta) per (user, leave type), updated in the same
  unit of work as the append. The Ledger's Verify proves the total equal to
  the full entry sum; on mismatch the key is halted and every further write
  for it fails with ErrLedgerCorrupt.

IMPLEMENTATIONS:
  - store/sqlite: durable store, uniqueness indexes back the idempotency keys
  - store/memory: in-memory store for tests and dev mode

SEE ALSO:
  - ledger.go: balance computation on top of Store
*/
package ledger

import "context"

// =============================================================================
// STORE - Append-only entry persistence
// =============================================================================

// Store handles persistence of ledger entries. Append-only: no update, no
// delete. Corrections are reversal entries.
type Store interface {
	// Append persists one entry and updates the materialized total in the
	// same unit of work. Fails with ErrDuplicateIdempotencyKey if the entry
	// carries a key that already exists, and with ErrLedgerCorrupt if the
	// entry's key is halted.
	Append(ctx context.Context, e BalanceLedgerEntry) error

	// AppendBatch persists entries atomically. Either all are written or none.
	AppendBatch(ctx context.Context, es []BalanceLedgerEntry) error

	// Load returns all entries for one balance key, ordered by effective
	// date, then creation time.
	Load(ctx context.Context, userID UserID, leaveType LeaveType) ([]BalanceLedgerEntry, error)

	// LoadByLot returns every entry belonging to a lot, opener first.
	LoadByLot(ctx context.Context, lotID LotID) ([]BalanceLedgerEntry, error)

	// LoadExpiring returns lot-opening entries, across all users, whose
	// expiration date is on or before cutoff.
	LoadExpiring(ctx context.Context, cutoff Date) ([]BalanceLedgerEntry, error)

	// MaterializedBalance returns the running total for a key. ok is false
	// when no entry has ever been appended for the key.
	MaterializedBalance(ctx context.Context, userID UserID, leaveType LeaveType) (h Hours, ok bool, err error)

	// Exists checks whether an idempotency key has been used.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)

	// Halt blocks all further writes for a key pending manual reconciliation.
	Halt(ctx context.Context, userID UserID, leaveType LeaveType) error
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support. The Store passed to fn is a
// transactional view; implementations expose their extended capabilities
// (request, overtime, and calendar persistence) on that view as well, and
// callers type-assert for them.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
