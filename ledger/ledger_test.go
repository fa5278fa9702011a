package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestLedger() (*ledger.Ledger, *memory.Memory) {
	store := memory.New()
	return ledger.New(store), store
}

func hours(s string) ledger.Hours { return ledger.HoursFromString(s) }

func date(y int, m time.Month, d int) ledger.Date { return ledger.NewDate(y, m, d) }

func accrualEntry(user string, h string, effective ledger.Date, expiration *ledger.Date) ledger.BalanceLedgerEntry {
	return ledger.BalanceLedgerEntry{
		UserID:         ledger.UserID(user),
		LeaveType:      ledger.LeaveAnnual,
		Delta:          hours(h),
		Reason:         ledger.ReasonAccrual,
		EffectiveDate:  effective,
		ExpirationDate: expiration,
	}
}

func datePtr(d ledger.Date) *ledger.Date { return &d }

// =============================================================================
// HOURS ARITHMETIC
// =============================================================================

func TestHours_RoundHalfUp(t *testing.T) {
	assert.Equal(t, "13.13", hours("13.125").RoundHalfUp(2).String())
	assert.Equal(t, "13.12", hours("13.124").RoundHalfUp(2).String())
	assert.Equal(t, "-13.13", hours("-13.125").RoundHalfUp(2).String())
	assert.Equal(t, "160", hours("160").RoundHalfUp(2).String())
}

func TestHours_Arithmetic(t *testing.T) {
	a := hours("7.5")
	b := hours("2.25")
	assert.Equal(t, "9.75", a.Add(b).String())
	assert.Equal(t, "5.25", a.Sub(b).String())
	assert.Equal(t, "-7.5", a.Neg().String())
	assert.True(t, a.GreaterThan(b))
	assert.Equal(t, b, a.Min(b))
}

// =============================================================================
// ENTRY VALIDATION
// =============================================================================

func TestEntry_Validate(t *testing.T) {
	valid := accrualEntry("u1", "8", date(2026, time.January, 1), nil)
	assert.NoError(t, valid.Validate())

	missingUser := valid
	missingUser.UserID = ""
	assert.ErrorIs(t, missingUser.Validate(), ledger.ErrInvalidEntry)

	zeroDelta := valid
	zeroDelta.Delta = ledger.ZeroHours()
	assert.ErrorIs(t, zeroDelta.Validate(), ledger.ErrInvalidEntry)

	// Lot-opening entries must be positive.
	negativeAccrual := valid
	negativeAccrual.Delta = hours("-8")
	negativeAccrual.LotID = "some-lot"
	assert.ErrorIs(t, negativeAccrual.Validate(), ledger.ErrInvalidEntry)

	// Non-opening entries must reference a lot.
	consumption := ledger.BalanceLedgerEntry{
		UserID:        "u1",
		LeaveType:     ledger.LeaveAnnual,
		Delta:         hours("-8"),
		Reason:        ledger.ReasonConsumption,
		EffectiveDate: date(2026, time.March, 1),
	}
	assert.ErrorIs(t, consumption.Validate(), ledger.ErrInvalidEntry)
	consumption.LotID = "lot-1"
	assert.NoError(t, consumption.Validate())
}

func TestEntry_OpensLot(t *testing.T) {
	assert.True(t, accrualEntry("u1", "8", date(2026, time.January, 1), nil).OpensLot())

	positiveAdj := ledger.BalanceLedgerEntry{Reason: ledger.ReasonManualAdjustment, Delta: hours("4")}
	assert.True(t, positiveAdj.OpensLot())

	negativeAdj := ledger.BalanceLedgerEntry{Reason: ledger.ReasonManualAdjustment, Delta: hours("-4")}
	assert.False(t, negativeAdj.OpensLot())

	assert.False(t, ledger.BalanceLedgerEntry{Reason: ledger.ReasonConsumption, Delta: hours("-4")}.OpensLot())
}

// =============================================================================
// APPEND AND BALANCE
// =============================================================================

func TestLedger_Append_StampsIDAndLot(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	id, err := l.Append(ctx, accrualEntry("u1", "40", date(2026, time.January, 1), nil))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := store.Load(ctx, "u1", ledger.LeaveAnnual)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, ledger.LotID(id), entries[0].LotID, "opener's lot id is its own id")
	assert.False(t, entries[0].CreatedAt.IsZero())
}

func TestLedger_Append_RejectsDuplicateIdempotencyKey(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	e := accrualEntry("u1", "40", date(2026, time.January, 1), nil)
	e.IdempotencyKey = "accrual|u1|annual|2026-01-01"

	_, err := l.Append(ctx, e)
	require.NoError(t, err)

	_, err = l.Append(ctx, e)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
}

func TestBalanceAsOf_IgnoresFutureEntries(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	_, err := l.Append(ctx, accrualEntry("u1", "40", date(2026, time.January, 1), nil))
	require.NoError(t, err)
	_, err = l.Append(ctx, accrualEntry("u1", "10", date(2026, time.June, 1), nil))
	require.NoError(t, err)

	balance, err := ledger.BalanceAsOf(ctx, store, "u1", ledger.LeaveAnnual, date(2026, time.March, 1))
	require.NoError(t, err)
	assert.Equal(t, "40", balance.String())

	balance, err = ledger.BalanceAsOf(ctx, store, "u1", ledger.LeaveAnnual, date(2026, time.June, 1))
	require.NoError(t, err)
	assert.Equal(t, "50", balance.String())
}

// =============================================================================
// LOTS AND FIFO ALLOCATION
// =============================================================================

func TestBuildLots_FIFOOrder(t *testing.T) {
	// Three lots: expires June, expires March, never expires. FIFO order
	// must be March, June, never.
	entries := []ledger.BalanceLedgerEntry{
		{ID: "a", LotID: "a", UserID: "u1", LeaveType: ledger.LeaveAnnual, Delta: hours("10"),
			Reason: ledger.ReasonAccrual, EffectiveDate: date(2026, time.January, 1),
			ExpirationDate: datePtr(date(2026, time.June, 30))},
		{ID: "b", LotID: "b", UserID: "u1", LeaveType: ledger.LeaveAnnual, Delta: hours("10"),
			Reason: ledger.ReasonAccrual, EffectiveDate: date(2026, time.January, 1),
			ExpirationDate: datePtr(date(2026, time.March, 31))},
		{ID: "c", LotID: "c", UserID: "u1", LeaveType: ledger.LeaveAnnual, Delta: hours("10"),
			Reason: ledger.ReasonAccrual, EffectiveDate: date(2026, time.January, 1)},
	}

	lots := ledger.BuildLots(entries)
	require.Len(t, lots, 3)
	assert.Equal(t, ledger.LotID("b"), lots[0].LotID)
	assert.Equal(t, ledger.LotID("a"), lots[1].LotID)
	assert.Equal(t, ledger.LotID("c"), lots[2].LotID)
}

func TestBuildLots_RemainingTracksConsumption(t *testing.T) {
	entries := []ledger.BalanceLedgerEntry{
		{ID: "a", LotID: "a", UserID: "u1", LeaveType: ledger.LeaveAnnual, Delta: hours("40"),
			Reason: ledger.ReasonAccrual, EffectiveDate: date(2026, time.January, 1)},
		{ID: "c1", LotID: "a", UserID: "u1", LeaveType: ledger.LeaveAnnual, Delta: hours("-8"),
			Reason: ledger.ReasonConsumption, EffectiveDate: date(2026, time.February, 1)},
		{ID: "r1", LotID: "a", UserID: "u1", LeaveType: ledger.LeaveAnnual, Delta: hours("8"),
			Reason: ledger.ReasonReversal, EffectiveDate: date(2026, time.February, 2), ReferenceID: "c1"},
		{ID: "c2", LotID: "a", UserID: "u1", LeaveType: ledger.LeaveAnnual, Delta: hours("-16"),
			Reason: ledger.ReasonConsumption, EffectiveDate: date(2026, time.March, 1)},
	}

	lots := ledger.BuildLots(entries)
	require.Len(t, lots, 1)
	assert.Equal(t, "40", lots[0].Original.String())
	assert.Equal(t, "24", lots[0].Remaining.String())
}

func TestAllocateFIFO_SplitsAcrossLots(t *testing.T) {
	lots := []ledger.BalanceLot{
		{LotID: "first", Remaining: hours("10"), Opened: date(2026, time.January, 1),
			ExpirationDate: datePtr(date(2026, time.June, 30))},
		{LotID: "second", Remaining: hours("30"), Opened: date(2026, time.January, 1)},
	}

	portions, err := ledger.AllocateFIFO(lots, hours("25"), date(2026, time.March, 1))
	require.NoError(t, err)
	require.Len(t, portions, 2)
	assert.Equal(t, ledger.LotID("first"), portions[0].LotID)
	assert.Equal(t, "10", portions[0].Hours.String())
	assert.Equal(t, ledger.LotID("second"), portions[1].LotID)
	assert.Equal(t, "15", portions[1].Hours.String())
}

func TestAllocateFIFO_SkipsExpiredLots(t *testing.T) {
	lots := []ledger.BalanceLot{
		{LotID: "expired", Remaining: hours("10"), Opened: date(2025, time.January, 1),
			ExpirationDate: datePtr(date(2026, time.January, 31))},
		{LotID: "open", Remaining: hours("10"), Opened: date(2026, time.January, 1)},
	}

	portions, err := ledger.AllocateFIFO(lots, hours("8"), date(2026, time.March, 1))
	require.NoError(t, err)
	require.Len(t, portions, 1)
	assert.Equal(t, ledger.LotID("open"), portions[0].LotID)
}

func TestAllocateFIFO_InsufficientBalance(t *testing.T) {
	lots := []ledger.BalanceLot{
		{LotID: "only", Remaining: hours("10"), Opened: date(2026, time.January, 1)},
	}

	_, err := ledger.AllocateFIFO(lots, hours("12"), date(2026, time.March, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "10", insufficient.Available.String())
	assert.Equal(t, "12", insufficient.Requested.String())
}

func TestExpiringLots_IncludesDrainedDueLots(t *testing.T) {
	// GIVEN: two lots past the cutoff, one fully consumed, one untouched,
	// and one lot expiring later
	// WHEN: the due lots are scanned
	// THEN: both due lots surface, drained or not, so the expiration job
	// can report the drained one as a skip
	lg, _ := newTestLedger()
	ctx := context.Background()
	cutoff := date(2026, time.April, 1)

	drainedID, err := lg.Append(ctx, accrualEntry("u1", "8", date(2026, time.January, 1), datePtr(cutoff)))
	require.NoError(t, err)
	_, err = lg.Append(ctx, ledger.BalanceLedgerEntry{
		UserID:        "u1",
		LeaveType:     ledger.LeaveAnnual,
		LotID:         ledger.LotID(drainedID),
		Delta:         hours("-8"),
		Reason:        ledger.ReasonConsumption,
		EffectiveDate: date(2026, time.February, 1),
		ReferenceID:   "req-1",
	})
	require.NoError(t, err)

	untouchedID, err := lg.Append(ctx, accrualEntry("u2", "16", date(2026, time.January, 1), datePtr(cutoff)))
	require.NoError(t, err)
	_, err = lg.Append(ctx, accrualEntry("u3", "16", date(2026, time.January, 1), datePtr(date(2026, time.December, 31))))
	require.NoError(t, err)

	lots, err := lg.ExpiringLots(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, lots, 2)

	byID := make(map[ledger.LotID]ledger.BalanceLot, len(lots))
	for _, lot := range lots {
		byID[lot.LotID] = lot
	}
	assert.Equal(t, "0", byID[ledger.LotID(drainedID)].Remaining.String())
	assert.Equal(t, "16", byID[ledger.LotID(untouchedID)].Remaining.String())
}

// =============================================================================
// VERIFICATION AND CORRUPTION HALT
// =============================================================================

func TestVerify_CleanKeyPasses(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.Append(ctx, accrualEntry("u1", "40", date(2026, time.January, 1), nil))
	require.NoError(t, err)

	assert.NoError(t, l.Verify(ctx, "u1", ledger.LeaveAnnual))
}

func TestVerify_MismatchHaltsKey(t *testing.T) {
	// GIVEN: a materialized balance that diverged from the entry sum
	// WHEN: Verify runs
	// THEN: the key is reported corrupt and further writes are refused
	l, store := newTestLedger()
	ctx := context.Background()

	_, err := l.Append(ctx, accrualEntry("u1", "40", date(2026, time.January, 1), nil))
	require.NoError(t, err)

	store.Corrupt("u1", ledger.LeaveAnnual, hours("99"))

	err = l.Verify(ctx, "u1", ledger.LeaveAnnual)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrLedgerCorrupt)

	var corrupt *ledger.CorruptKeyError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, "99", corrupt.Materialized.String())
	assert.Equal(t, "40", corrupt.EntrySum.String())

	// The halted key refuses appends; other keys keep working.
	_, err = l.Append(ctx, accrualEntry("u1", "8", date(2026, time.February, 1), nil))
	assert.ErrorIs(t, err, ledger.ErrLedgerCorrupt)

	_, err = l.Append(ctx, accrualEntry("u2", "8", date(2026, time.February, 1), nil))
	assert.NoError(t, err)
}

// =============================================================================
// KEY LOCK
// =============================================================================

func TestKeyLock_SerializesPerKey(t *testing.T) {
	locks := ledger.NewKeyLock()

	unlock := locks.Lock("u1", ledger.LeaveAnnual)
	acquired := make(chan struct{})
	go func() {
		u := locks.Lock("u1", ledger.LeaveAnnual)
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on the same key acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	// A different key is independent.
	u2 := locks.Lock("u1", ledger.LeaveSick)
	u2()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock not released")
	}
}
