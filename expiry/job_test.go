package expiry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/expiry"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/store/memory"
)

func date(y int, m time.Month, d int) ledger.Date { return ledger.NewDate(y, m, d) }

func datePtr(d ledger.Date) *ledger.Date { return &d }

func newJob(store *memory.Memory) *expiry.Job {
	return &expiry.Job{Store: store, Locks: ledger.NewKeyLock(), Logger: zap.NewNop()}
}

// openLot appends one accrual with the given expiration and returns its lot id.
func openLot(t *testing.T, store ledger.Store, user ledger.UserID, h float64, exp *ledger.Date) ledger.LotID {
	t.Helper()
	id, err := ledger.New(store).Append(context.Background(), ledger.BalanceLedgerEntry{
		UserID:         user,
		LeaveType:      ledger.LeaveAnnual,
		Delta:          ledger.HoursOf(h),
		Reason:         ledger.ReasonAccrual,
		EffectiveDate:  date(2026, time.January, 1),
		ExpirationDate: exp,
	})
	require.NoError(t, err)
	return ledger.LotID(id)
}

func consume(t *testing.T, store ledger.Store, user ledger.UserID, lot ledger.LotID, h float64) {
	t.Helper()
	_, err := ledger.New(store).Append(context.Background(), ledger.BalanceLedgerEntry{
		UserID:        user,
		LeaveType:     ledger.LeaveAnnual,
		LotID:         lot,
		Delta:         ledger.HoursOf(h).Neg(),
		Reason:        ledger.ReasonConsumption,
		EffectiveDate: date(2026, time.February, 1),
		ReferenceID:   "req-1",
	})
	require.NoError(t, err)
}

func balanceOf(t *testing.T, store ledger.Store, user ledger.UserID) string {
	t.Helper()
	h, err := ledger.BalanceAsOf(context.Background(), store, user, ledger.LeaveAnnual, date(2030, time.January, 1))
	require.NoError(t, err)
	return h.String()
}

func TestRunExpiration_RemovesRemainderOnly(t *testing.T) {
	// GIVEN: a 40-hour lot expiring April 1, with 15 hours already used
	// WHEN: the trigger runs on the expiration date
	// THEN: exactly the remaining 25 hours are removed
	store := memory.New()
	ctx := context.Background()
	exp := date(2026, time.April, 1)

	lot := openLot(t, store, "u1", 40, datePtr(exp))
	consume(t, store, "u1", lot, 15)
	require.Equal(t, "25", balanceOf(t, store, "u1"))

	summary, err := newJob(store).RunExpiration(ctx, exp)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Expired)
	assert.Equal(t, 0, summary.Skipped)
	assert.Empty(t, summary.Errors)

	assert.Equal(t, "0", balanceOf(t, store, "u1"))

	// The removal is one appended entry against the lot, never a rewrite.
	members, err := store.LoadByLot(ctx, lot)
	require.NoError(t, err)
	require.Len(t, members, 3)
	last := members[len(members)-1]
	assert.Equal(t, ledger.ReasonExpiration, last.Reason)
	assert.Equal(t, "-25", last.Delta.String())

	require.NoError(t, ledger.New(store).Verify(ctx, "u1", ledger.LeaveAnnual))
}

func TestRunExpiration_RerunIsCountedNoOp(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	exp := date(2026, time.April, 1)
	job := newJob(store)

	openLot(t, store, "u1", 40, datePtr(exp))

	first, err := job.RunExpiration(ctx, exp)
	require.NoError(t, err)
	require.Equal(t, 1, first.Expired)

	second, err := job.RunExpiration(ctx, exp)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Expired)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, "0", balanceOf(t, store, "u1"))
}

func TestRunExpiration_BeforeExpirationDoesNothing(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	openLot(t, store, "u1", 40, datePtr(date(2026, time.April, 1)))

	summary, err := newJob(store).RunExpiration(ctx, date(2026, time.March, 31))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Expired)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, "40", balanceOf(t, store, "u1"))
}

func TestRunExpiration_IgnoresUnexpiringAndDrainedLots(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	exp := date(2026, time.April, 1)

	// One lot without an expiration date, one fully consumed before the run.
	openLot(t, store, "u1", 16, nil)
	drained := openLot(t, store, "u2", 8, datePtr(exp))
	consume(t, store, "u2", drained, 8)

	summary, err := newJob(store).RunExpiration(ctx, exp)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Expired)
	assert.Equal(t, 1, summary.Skipped)

	assert.Equal(t, "16", balanceOf(t, store, "u1"))
	assert.Equal(t, "0", balanceOf(t, store, "u2"))
}

func TestRunExpiration_ProcessesEveryDueLot(t *testing.T) {
	// GIVEN: lots for different users with different expirations
	// WHEN: the trigger runs past both
	// THEN: each due lot is drained independently
	store := memory.New()
	ctx := context.Background()

	openLot(t, store, "u1", 40, datePtr(date(2026, time.April, 1)))
	openLot(t, store, "u2", 24, datePtr(date(2026, time.March, 1)))
	openLot(t, store, "u3", 10, datePtr(date(2026, time.December, 31)))

	summary, err := newJob(store).RunExpiration(ctx, date(2026, time.June, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Expired)

	assert.Equal(t, "0", balanceOf(t, store, "u1"))
	assert.Equal(t, "0", balanceOf(t, store, "u2"))
	assert.Equal(t, "10", balanceOf(t, store, "u3"))
}
