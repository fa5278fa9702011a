/*
entry.go - The immutable balance-affecting fact

PURPOSE:
  A BalanceLedgerEntry records exactly one change to one user's balance of
  one leave type. Entries are never updated or deleted; corrections are new
  entries with opposite sign and reason Reversal pointing at the original.

LOT MEMBERSHIP:
  Every entry belongs to a lot. Entries with a positive, lot-opening reason
  (Accrual, Carryover, positive ManualAdjustment) open a new lot whose LotID
  is the entry's own ID. Consumption, Expiration, Reversal, and negative
  adjustment entries carry the LotID of the lot they draw from or restore.

IDEMPOTENCY:
  Writers that may run twice (accrual trigger, expiration job) set an
  IdempotencyKey; the store rejects a second append with the same key.

SEE ALSO:
  - lot.go: Lot reconstruction from entries
  - ledger.go: Appending and balance computation
*/
package ledger

import "time"

// =============================================================================
// ENTRY REASON
// =============================================================================

type EntryReason string

const (
	ReasonAccrual          EntryReason = "accrual"           // Policy-derived grant (yearly entitlement, comp-time)
	ReasonCarryover        EntryReason = "carryover"         // Balance moved forward from a previous period
	ReasonConsumption      EntryReason = "consumption"       // Approved leave request
	ReasonReversal         EntryReason = "reversal"          // Undo of a previous entry (cancellation, correction)
	ReasonExpiration       EntryReason = "expiration"        // Unused lot remainder removed on schedule
	ReasonManualAdjustment EntryReason = "manual_adjustment" // Admin correction
)

// =============================================================================
// BALANCE LEDGER ENTRY
// =============================================================================

// BalanceLedgerEntry is an immutable fact. Once appended it is never updated
// or deleted.
type BalanceLedgerEntry struct {
	ID        EntryID
	UserID    UserID
	LeaveType LeaveType

	// LotID groups this entry with the accrual it consumes or expires.
	// For lot-opening entries, LotID equals ID.
	LotID LotID

	// Delta is signed: positive for grants and reversals of consumption,
	// negative for consumption and expiration.
	Delta Hours

	Reason        EntryReason
	EffectiveDate Date

	// ExpirationDate is set on lot-opening entries whose credit expires.
	ExpirationDate *Date

	// ReferenceID points at the LeaveRequest or OvertimeRecord that produced
	// this entry, or at the original entry for a Reversal. Lookup only; the
	// owning direction is request -> entry ids.
	ReferenceID string

	IdempotencyKey string
	ActorID        string
	CreatedAt      time.Time
}

// OpensLot reports whether this entry starts a new lot.
func (e BalanceLedgerEntry) OpensLot() bool {
	switch e.Reason {
	case ReasonAccrual, ReasonCarryover:
		return true
	case ReasonManualAdjustment:
		return e.Delta.IsPositive()
	default:
		return false
	}
}

// Validate rejects malformed entries before they reach the store.
func (e BalanceLedgerEntry) Validate() error {
	switch {
	case e.UserID == "":
		return &InvalidEntryError{Field: "user_id", Reason: "missing"}
	case e.LeaveType == "":
		return &InvalidEntryError{Field: "leave_type", Reason: "missing"}
	case e.Delta.IsZero():
		return &InvalidEntryError{Field: "delta_hours", Reason: "must be non-zero"}
	case e.EffectiveDate.IsZero():
		return &InvalidEntryError{Field: "effective_date", Reason: "missing"}
	case e.Reason == "":
		return &InvalidEntryError{Field: "reason", Reason: "missing"}
	}

	if e.OpensLot() && !e.Delta.IsPositive() {
		return &InvalidEntryError{Field: "delta_hours", Reason: "lot-opening entry must be positive"}
	}
	if !e.OpensLot() && e.LotID == "" {
		return &InvalidEntryError{Field: "lot_id", Reason: "required for non-opening entries"}
	}
	return nil
}

func (e BalanceLedgerEntry) Key() Key {
	return Key{UserID: e.UserID, LeaveType: e.LeaveType}
}
