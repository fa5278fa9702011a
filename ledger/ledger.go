/*
ledger.go - Balance computation and aggregate verification

PURPOSE:
  The Ledger is the read/write surface over the Store. It validates and
  stamps entries on the way in, computes balances by replaying entries, and
  proves the store's materialized running total equal to the entry sum.

WHY SUM ENTRIES?
  balanceAsOf(user, type, date) sums every entry with effective date <= date,
  independent of expiration: expiration is itself an entry, not a filter.
  The materialized total is an optimization for current-balance reads and is
  never the sole source of truth.

CORRUPTION:
  Verify recomputes the full sum and compares it with the materialized
  value. A mismatch is fatal for that key: writes halt until someone
  reconciles by hand. Silent auto-correction would destroy the audit trail.

SEE ALSO:
  - store.go: persistence contract
  - lot.go: lot reconstruction used by LotsNearing
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store Store
	clock func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{store: store, clock: time.Now}
}

// NewWithClock is for tests that need deterministic CreatedAt stamps.
func NewWithClock(store Store, clock func() time.Time) *Ledger {
	return &Ledger{store: store, clock: clock}
}

// Append validates, stamps, and persists one entry. Returns the entry id.
func (l *Ledger) Append(ctx context.Context, e BalanceLedgerEntry) (EntryID, error) {
	stamped, err := prepare(e, l.clock())
	if err != nil {
		return "", err
	}
	if err := l.store.Append(ctx, stamped); err != nil {
		return "", err
	}
	return stamped.ID, nil
}

// AppendBatch validates, stamps, and persists entries atomically.
func (l *Ledger) AppendBatch(ctx context.Context, es []BalanceLedgerEntry) ([]EntryID, error) {
	now := l.clock()
	stamped := make([]BalanceLedgerEntry, 0, len(es))
	ids := make([]EntryID, 0, len(es))
	for _, e := range es {
		s, err := prepare(e, now)
		if err != nil {
			return nil, err
		}
		stamped = append(stamped, s)
		ids = append(ids, s.ID)
	}
	if err := l.store.AppendBatch(ctx, stamped); err != nil {
		return nil, err
	}
	return ids, nil
}

// prepare assigns id, lot id, and creation time, then validates.
func prepare(e BalanceLedgerEntry, now time.Time) (BalanceLedgerEntry, error) {
	if e.ID == "" {
		e.ID = EntryID(uuid.NewString())
	}
	if e.OpensLot() && e.LotID == "" {
		e.LotID = LotID(e.ID)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if err := e.Validate(); err != nil {
		return BalanceLedgerEntry{}, err
	}
	return e, nil
}

// =============================================================================
// BALANCE READS
// =============================================================================

// BalanceAsOf sums all entries with effective date <= asOf. Expiration is
// modeled as entries, so no filtering by expiration happens here.
func (l *Ledger) BalanceAsOf(ctx context.Context, userID UserID, leaveType LeaveType, asOf Date) (Hours, error) {
	return BalanceAsOf(ctx, l.store, userID, leaveType, asOf)
}

// BalanceAsOf is the store-parameterized form, usable inside a transaction.
func BalanceAsOf(ctx context.Context, s Store, userID UserID, leaveType LeaveType, asOf Date) (Hours, error) {
	entries, err := s.Load(ctx, userID, leaveType)
	if err != nil {
		return Hours{}, err
	}
	balance := ZeroHours()
	for _, e := range entries {
		if e.EffectiveDate.After(asOf) {
			continue
		}
		balance = balance.Add(e.Delta)
	}
	return balance, nil
}

// Lots rebuilds all lots for a key in FIFO order.
func (l *Ledger) Lots(ctx context.Context, userID UserID, leaveType LeaveType) ([]BalanceLot, error) {
	return LotsFor(ctx, l.store, userID, leaveType)
}

// LotsFor is the store-parameterized form, usable inside a transaction.
func LotsFor(ctx context.Context, s Store, userID UserID, leaveType LeaveType) ([]BalanceLot, error) {
	entries, err := s.Load(ctx, userID, leaveType)
	if err != nil {
		return nil, err
	}
	return BuildLots(entries), nil
}

// LotsNearing returns the key's lots expiring on or before cutoff that still
// hold a positive remainder. Feeds the expiration job.
func (l *Ledger) LotsNearing(ctx context.Context, userID UserID, leaveType LeaveType, cutoff Date) ([]BalanceLot, error) {
	lots, err := l.Lots(ctx, userID, leaveType)
	if err != nil {
		return nil, err
	}
	var nearing []BalanceLot
	for _, lot := range lots {
		if lot.ExpirationDate == nil || lot.ExpirationDate.After(cutoff) {
			continue
		}
		if lot.Remaining.IsPositive() {
			nearing = append(nearing, lot)
		}
	}
	return nearing, nil
}

// ExpiringLots returns, across all users, every lot whose expiration is on
// or before cutoff, drained ones included. The expiration job re-checks the
// remainder inside its transaction and reports drained lots as skips; a
// remainder filter here would hide those lots from the run summary.
func (l *Ledger) ExpiringLots(ctx context.Context, cutoff Date) ([]BalanceLot, error) {
	openers, err := l.store.LoadExpiring(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var lots []BalanceLot
	for _, opener := range openers {
		members, err := l.store.LoadByLot(ctx, opener.LotID)
		if err != nil {
			return nil, fmt.Errorf("load lot %s: %w", opener.LotID, err)
		}
		built := BuildLots(members)
		if len(built) != 1 {
			continue
		}
		lots = append(lots, built[0])
	}
	return lots, nil
}

// =============================================================================
// VERIFICATION
// =============================================================================

// Verify proves the materialized total equal to the entry sum for one key.
// On mismatch the key is halted and a CorruptKeyError returned; the caller
// must never auto-correct.
func (l *Ledger) Verify(ctx context.Context, userID UserID, leaveType LeaveType) error {
	materialized, ok, err := l.store.MaterializedBalance(ctx, userID, leaveType)
	if err != nil {
		return err
	}
	if !ok {
		return nil // nothing appended yet
	}

	entries, err := l.store.Load(ctx, userID, leaveType)
	if err != nil {
		return err
	}
	sum := ZeroHours()
	for _, e := range entries {
		sum = sum.Add(e.Delta)
	}

	if !sum.Equal(materialized) {
		key := Key{UserID: userID, LeaveType: leaveType}
		if haltErr := l.store.Halt(ctx, userID, leaveType); haltErr != nil {
			return fmt.Errorf("halting %s after mismatch: %w", key, haltErr)
		}
		return &CorruptKeyError{Key: key, Materialized: materialized, EntrySum: sum}
	}
	return nil
}
