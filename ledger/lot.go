/*
lot.go - Lot reconstruction and FIFO allocation

PURPOSE:
  A BalanceLot groups one lot-opening entry (Accrual, Carryover, positive
  adjustment) with every entry that consumes, expires, or restores it. The
  lot's remaining amount is the opener's delta plus all referencing deltas.

INVARIANTS:
  - Remaining >= 0 at all times. Allocation never over-draws a lot, and the
    expiration job removes exactly the remainder.
  - Remaining is monotonically non-increasing except through Reversal
    entries, which restore exactly what a prior consumption took.

FIFO ALLOCATION:
  Consumption drains lots in expiration order (soonest first; lots without
  expiration last, then by effective date). A single request may therefore
  produce several consumption entries, one per touched lot.
*/
package ledger

import "sort"

// =============================================================================
// BALANCE LOT
// =============================================================================

// BalanceLot is a derived view, rebuilt from entries on demand.
type BalanceLot struct {
	LotID          LotID
	UserID         UserID
	LeaveType      LeaveType
	Opened         Date
	ExpirationDate *Date
	Original       Hours
	Remaining      Hours
}

// Expired reports whether the lot's credit is past its expiration as of d.
func (l BalanceLot) Expired(d Date) bool {
	return l.ExpirationDate != nil && l.ExpirationDate.BeforeOrEqual(d)
}

// BuildLots reconstructs lots from a key's entries. The result is in FIFO
// consumption order: soonest expiration first, unexpiring lots last, ties
// broken by opening date.
func BuildLots(entries []BalanceLedgerEntry) []BalanceLot {
	byLot := make(map[LotID]*BalanceLot)
	var order []LotID

	for _, e := range entries {
		if e.OpensLot() {
			lotID := e.LotID
			if lotID == "" {
				lotID = LotID(e.ID)
			}
			byLot[lotID] = &BalanceLot{
				LotID:          lotID,
				UserID:         e.UserID,
				LeaveType:      e.LeaveType,
				Opened:         e.EffectiveDate,
				ExpirationDate: e.ExpirationDate,
				Original:       e.Delta,
				Remaining:      e.Delta,
			}
			order = append(order, lotID)
		}
	}

	for _, e := range entries {
		if e.OpensLot() {
			continue
		}
		if lot, ok := byLot[e.LotID]; ok {
			lot.Remaining = lot.Remaining.Add(e.Delta)
		}
	}

	lots := make([]BalanceLot, 0, len(order))
	for _, id := range order {
		lots = append(lots, *byLot[id])
	}
	sortLotsFIFO(lots)
	return lots
}

func sortLotsFIFO(lots []BalanceLot) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		switch {
		case a.ExpirationDate != nil && b.ExpirationDate != nil:
			if !a.ExpirationDate.Equal(*b.ExpirationDate) {
				return a.ExpirationDate.Before(*b.ExpirationDate)
			}
		case a.ExpirationDate != nil:
			return true
		case b.ExpirationDate != nil:
			return false
		}
		return a.Opened.Before(b.Opened)
	})
}

// =============================================================================
// FIFO ALLOCATION
// =============================================================================

// LotPortion is one slice of an allocation: take Hours from LotID.
type LotPortion struct {
	LotID LotID
	Hours Hours
}

// AllocateFIFO splits a positive amount across open lots in FIFO order.
// Lots already expired as of effectiveDate are skipped. Returns
// ErrInsufficientBalance (wrapped) when the open lots cannot cover amount.
func AllocateFIFO(lots []BalanceLot, amount Hours, effectiveDate Date) ([]LotPortion, error) {
	if !amount.IsPositive() {
		return nil, &InvalidEntryError{Field: "delta_hours", Reason: "allocation amount must be positive"}
	}

	remaining := amount
	var portions []LotPortion
	for _, lot := range lots {
		if remaining.IsZero() {
			break
		}
		if !lot.Remaining.IsPositive() || lot.Expired(effectiveDate) {
			continue
		}
		if lot.Opened.After(effectiveDate) {
			// Credit not yet effective cannot fund this consumption.
			continue
		}
		take := lot.Remaining.Min(remaining)
		portions = append(portions, LotPortion{LotID: lot.LotID, Hours: take})
		remaining = remaining.Sub(take)
	}

	if remaining.IsPositive() {
		available := amount.Sub(remaining)
		return nil, &InsufficientBalanceError{Available: available, Requested: amount}
	}
	return portions, nil
}
