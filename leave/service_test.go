package leave_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/store/memory"
)

func newTestService(t *testing.T) (*leave.Service, *memory.Memory) {
	t.Helper()
	store := memory.New()
	return leave.NewService(store, ledger.NewKeyLock(), zap.NewNop()), store
}

func date(y int, m time.Month, d int) ledger.Date { return ledger.NewDate(y, m, d) }

func hours(f float64) ledger.Hours { return ledger.HoursOf(f) }

// seedBalance opens one lot with the given hours, effective well before any
// request date used in these tests.
func seedBalance(t *testing.T, store ledger.Store, user ledger.UserID, lt ledger.LeaveType, h ledger.Hours) {
	t.Helper()
	_, err := ledger.New(store).Append(context.Background(), ledger.BalanceLedgerEntry{
		UserID:        user,
		LeaveType:     lt,
		Delta:         h,
		Reason:        ledger.ReasonAccrual,
		EffectiveDate: date(2026, time.January, 1),
	})
	require.NoError(t, err)
}

func balanceOf(t *testing.T, store ledger.Store, user ledger.UserID, lt ledger.LeaveType) string {
	t.Helper()
	h, err := ledger.BalanceAsOf(context.Background(), store, user, lt, date(2030, time.January, 1))
	require.NoError(t, err)
	return h.String()
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestLifecycle_DraftToCompleted(t *testing.T) {
	// GIVEN: a user with 40 hours of annual leave
	// WHEN: a draft walks the full happy path
	// THEN: every transition lands and approval consumes the balance
	svc, store := newTestService(t)
	ctx := context.Background()
	seedBalance(t, store, "u1", ledger.LeaveAnnual, hours(40))

	req, err := svc.CreateDraft(ctx, "u1", ledger.LeaveAnnual,
		date(2026, time.March, 2), date(2026, time.March, 4), hours(24), "spring break")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusDraft, req.Status)
	assert.NotEmpty(t, req.ID)

	req, err = svc.SubmitDraft(ctx, "u1", req.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusSubmitted, req.Status)

	req, err = svc.Approve(ctx, "mgr", req.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, req.Status)
	assert.Equal(t, "mgr", req.ApproverID)
	require.NotNil(t, req.DecidedAt)
	assert.NotEmpty(t, req.ConsumptionEntryIDs)
	assert.Equal(t, "16", balanceOf(t, store, "u1", ledger.LeaveAnnual))

	req, err = svc.Complete(ctx, "u1", req.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusCompleted, req.Status)
	assert.Equal(t, "16", balanceOf(t, store, "u1", ledger.LeaveAnnual))
}

func TestSubmit_SkipsDraftStage(t *testing.T) {
	svc, store := newTestService(t)
	seedBalance(t, store, "u1", ledger.LeaveAnnual, hours(40))

	req, err := svc.Submit(context.Background(), "u1", "u1", ledger.LeaveAnnual,
		date(2026, time.March, 2), date(2026, time.March, 2), hours(8), "")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusSubmitted, req.Status)
}

func TestCreateDraft_ValidatesInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	start := date(2026, time.March, 2)
	end := date(2026, time.March, 4)

	cases := []struct {
		name string
		run  func() error
	}{
		{"missing user", func() error {
			_, err := svc.CreateDraft(ctx, "", ledger.LeaveAnnual, start, end, hours(8), "")
			return err
		}},
		{"missing leave type", func() error {
			_, err := svc.CreateDraft(ctx, "u1", "", start, end, hours(8), "")
			return err
		}},
		{"end before start", func() error {
			_, err := svc.CreateDraft(ctx, "u1", ledger.LeaveAnnual, end, start, hours(8), "")
			return err
		}},
		{"zero hours", func() error {
			_, err := svc.CreateDraft(ctx, "u1", ledger.LeaveAnnual, start, end, hours(0), "")
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.run(), ledger.ErrInvalidEntry)
		})
	}
}

func TestApprove_RejectsIllegalTransitions(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedBalance(t, store, "u1", ledger.LeaveAnnual, hours(40))

	// A draft cannot be approved without submission.
	draft, err := svc.CreateDraft(ctx, "u1", ledger.LeaveAnnual,
		date(2026, time.March, 2), date(2026, time.March, 2), hours(8), "")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, "mgr", draft.ID)
	assert.ErrorIs(t, err, ledger.ErrIllegalTransition)

	// An approved request cannot be approved again.
	submitted, err := svc.Submit(ctx, "u1", "u1", ledger.LeaveAnnual,
		date(2026, time.April, 6), date(2026, time.April, 6), hours(8), "")
	require.NoError(t, err)
	_, err = svc.Approve(ctx, "mgr", submitted.ID)
	require.NoError(t, err)

	_, err = svc.Approve(ctx, "mgr", submitted.ID)
	assert.ErrorIs(t, err, ledger.ErrIllegalTransition)
	assert.Equal(t, "32", balanceOf(t, store, "u1", ledger.LeaveAnnual))
}

func TestApprove_InsufficientBalance(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedBalance(t, store, "u1", ledger.LeaveAnnual, hours(10))

	req, err := svc.Submit(ctx, "u1", "u1", ledger.LeaveAnnual,
		date(2026, time.March, 2), date(2026, time.March, 3), hours(12), "")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, "mgr", req.ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "10", insufficient.Available.String())
	assert.Equal(t, "12", insufficient.Requested.String())

	// The failed approval leaves the request decidable and the ledger clean.
	cur, err := svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusSubmitted, cur.Status)
	assert.Equal(t, "10", balanceOf(t, store, "u1", ledger.LeaveAnnual))
}

func TestApprove_SecondRequestCannotOverdraw(t *testing.T) {
	// GIVEN: 40 hours and two submitted requests of 30 hours each
	// WHEN: both are approved in sequence
	// THEN: the first consumes, the second fails the recomputed balance check
	svc, store := newTestService(t)
	ctx := context.Background()
	seedBalance(t, store, "u1", ledger.LeaveAnnual, hours(40))

	first, err := svc.Submit(ctx, "u1", "u1", ledger.LeaveAnnual,
		date(2026, time.March, 2), date(2026, time.March, 5), hours(30), "")
	require.NoError(t, err)
	second, err := svc.Submit(ctx, "u1", "u1", ledger.LeaveAnnual,
		date(2026, time.April, 6), date(2026, time.April, 9), hours(30), "")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, "mgr", first.ID)
	require.NoError(t, err)

	_, err = svc.Approve(ctx, "mgr", second.ID)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, "10", balanceOf(t, store, "u1", ledger.LeaveAnnual))
}

func TestApprove_ConcurrentRequestsNeverOverdraw(t *testing.T) {
	// GIVEN: 40 hours and four racing 30-hour approvals
	// WHEN: all run concurrently
	// THEN: exactly one wins and the balance never goes negative
	svc, store := newTestService(t)
	ctx := context.Background()
	seedBalance(t, store, "u1", ledger.LeaveAnnual, hours(40))

	ids := make([]leave.RequestID, 4)
	for i := range ids {
		req, err := svc.Submit(ctx, "u1", "u1", ledger.LeaveAnnual,
			date(2026, time.March, 2), date(2026, time.March, 5), hours(30), "")
		require.NoError(t, err)
		ids[i] = req.ID
	}

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id leave.RequestID) {
			defer wg.Done()
			_, errs[i] = svc.Approve(ctx, "mgr", id)
		}(i, id)
	}
	wg.Wait()

	approved := 0
	for _, err := range errs {
		if err == nil {
			approved++
			continue
		}
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	}
	assert.Equal(t, 1, approved)
	assert.Equal(t, "10", balanceOf(t, store, "u1", ledger.LeaveAnnual))

	require.NoError(t, ledger.New(store).Verify(ctx, "u1", ledger.LeaveAnnual))
}

func TestReject_RecordsApproverAndReason(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedBalance(t, store, "u1", ledger.LeaveAnnual, hours(40))

	req, err := svc.Submit(ctx, "u1", "u1", ledger.LeaveAnnual,
		date(2026, time.March, 2), date(2026, time.March, 2), hours(8), "")
	require.NoError(t, err)

	rejected, err := svc.Reject(ctx, "mgr", req.ID, "blackout week")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusRejected, rejected.Status)
	assert.Equal(t, "mgr", rejected.ApproverID)
	assert.Equal(t, "blackout week", rejected.Note)
	require.NotNil(t, rejected.DecidedAt)

	// Rejection has no ledger effect and is terminal.
	assert.Equal(t, "40", balanceOf(t, store, "u1", ledger.LeaveAnnual))
	_, err = svc.Cancel(ctx, "u1", req.ID)
	assert.ErrorIs(t, err, ledger.ErrIllegalTransition)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancel_SubmittedHasNoLedgerEffect(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedBalance(t, store, "u1", ledger.LeaveAnnual, hours(40))

	req, err := svc.Submit(ctx, "u1", "u1", ledger.LeaveAnnual,
		date(2026, time.March, 2), date(2026, time.March, 2), hours(8), "")
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, "u1", req.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusCancelled, cancelled.Status)
	assert.Equal(t, "40", balanceOf(t, store, "u1", ledger.LeaveAnnual))

	entries, err := store.Load(ctx, "u1", ledger.LeaveAnnual)
	require.NoError(t, err)
	assert.Len(t, entries, 1) // only the seed accrual
}

func TestCancel_ApprovedRestoresBalance(t *testing.T) {
	// GIVEN: an approval that drew from two lots
	// WHEN: the request is cancelled
	// THEN: one reversal per consumption entry restores the exact balance
	svc, store := newTestService(t)
	ctx := context.Background()
	lg := ledger.New(store)

	for _, h := range []float64{10, 20} {
		_, err := lg.Append(ctx, ledger.BalanceLedgerEntry{
			UserID:        "u1",
			LeaveType:     ledger.LeaveAnnual,
			Delta:         hours(h),
			Reason:        ledger.ReasonAccrual,
			EffectiveDate: date(2026, time.January, 1),
		})
		require.NoError(t, err)
	}

	req, err := svc.Submit(ctx, "u1", "u1", ledger.LeaveAnnual,
		date(2026, time.March, 2), date(2026, time.March, 4), hours(24), "")
	require.NoError(t, err)
	approved, err := svc.Approve(ctx, "mgr", req.ID)
	require.NoError(t, err)
	require.Len(t, approved.ConsumptionEntryIDs, 2)
	require.Equal(t, "6", balanceOf(t, store, "u1", ledger.LeaveAnnual))

	cancelled, err := svc.Cancel(ctx, "u1", req.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusCancelled, cancelled.Status)
	assert.Equal(t, "30", balanceOf(t, store, "u1", ledger.LeaveAnnual))

	// Reversals reference the entries they undo; nothing is deleted.
	entries, err := store.Load(ctx, "u1", ledger.LeaveAnnual)
	require.NoError(t, err)
	reversals := 0
	for _, e := range entries {
		if e.Reason == ledger.ReasonReversal {
			reversals++
			assert.NotEmpty(t, e.ReferenceID)
			assert.True(t, e.Delta.IsPositive())
		}
	}
	assert.Equal(t, 2, reversals)

	require.NoError(t, lg.Verify(ctx, "u1", ledger.LeaveAnnual))
}

// =============================================================================
// OVERTIME
// =============================================================================

func TestApproveOvertime_ConvertsToCompTime(t *testing.T) {
	// GIVEN: 5 pending overtime hours targeting comp time
	// WHEN: a manager approves the record
	// THEN: exactly one comp-time lot opens, expiring per the conversion policy
	svc, store := newTestService(t)
	ctx := context.Background()

	rec, err := svc.SubmitOvertime(ctx, "u1", date(2026, time.March, 10), hours(5), leave.ConvertToCompTime)
	require.NoError(t, err)
	assert.Equal(t, leave.OvertimePending, rec.Status)

	approved, err := svc.ApproveOvertime(ctx, "mgr", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.OvertimeApproved, approved.Status)
	assert.NotEmpty(t, approved.ProducedEntryID)
	require.NotNil(t, approved.DecidedAt)

	assert.Equal(t, "5", balanceOf(t, store, "u1", ledger.LeaveCompTime))

	lots, err := ledger.LotsFor(ctx, store, "u1", ledger.LeaveCompTime)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	require.NotNil(t, lots[0].ExpirationDate)
	assert.Equal(t, "2026-06-10", lots[0].ExpirationDate.String())

	// The accrual is keyed on the record id, so a replayed approval cannot
	// double-credit.
	_, err = svc.ApproveOvertime(ctx, "mgr", rec.ID)
	assert.ErrorIs(t, err, ledger.ErrIllegalTransition)
	assert.Equal(t, "5", balanceOf(t, store, "u1", ledger.LeaveCompTime))

	entries, err := store.Load(ctx, "u1", ledger.LeaveCompTime)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "overtime|"+string(rec.ID), entries[0].IdempotencyKey)
}

func TestApproveOvertime_PayoutHasNoLedgerEffect(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	rec, err := svc.SubmitOvertime(ctx, "u1", date(2026, time.March, 10), hours(5), leave.ConvertToPayout)
	require.NoError(t, err)

	approved, err := svc.ApproveOvertime(ctx, "mgr", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.OvertimeApproved, approved.Status)
	assert.Empty(t, approved.ProducedEntryID)

	assert.Equal(t, "0", balanceOf(t, store, "u1", ledger.LeaveCompTime))
}

func TestRejectOvertime(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	rec, err := svc.SubmitOvertime(ctx, "u1", date(2026, time.March, 10), hours(5), leave.ConvertToCompTime)
	require.NoError(t, err)

	rejected, err := svc.RejectOvertime(ctx, "mgr", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.OvertimeRejected, rejected.Status)
	assert.Equal(t, "0", balanceOf(t, store, "u1", ledger.LeaveCompTime))

	_, err = svc.ApproveOvertime(ctx, "mgr", rec.ID)
	assert.ErrorIs(t, err, ledger.ErrIllegalTransition)
}

// =============================================================================
// MANUAL ADJUSTMENT
// =============================================================================

func TestAdjust_PositiveOpensLot(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	err := svc.Adjust(ctx, "admin", "u1", ledger.LeaveAnnual, hours(12), date(2026, time.February, 1), "migration correction")
	require.NoError(t, err)

	assert.Equal(t, "12", balanceOf(t, store, "u1", ledger.LeaveAnnual))

	lots, err := ledger.LotsFor(ctx, store, "u1", ledger.LeaveAnnual)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, "12", lots[0].Remaining.String())
}

func TestAdjust_NegativeDrainsLotsFIFO(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedBalance(t, store, "u1", ledger.LeaveAnnual, hours(40))

	err := svc.Adjust(ctx, "admin", "u1", ledger.LeaveAnnual, hours(-15), date(2026, time.February, 1), "clawback")
	require.NoError(t, err)
	assert.Equal(t, "25", balanceOf(t, store, "u1", ledger.LeaveAnnual))

	// Overdraw is refused outright.
	err = svc.Adjust(ctx, "admin", "u1", ledger.LeaveAnnual, hours(-30), date(2026, time.February, 1), "clawback")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, "25", balanceOf(t, store, "u1", ledger.LeaveAnnual))
}

func TestAdjust_ZeroDeltaRejected(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.Adjust(context.Background(), "admin", "u1", ledger.LeaveAnnual, hours(0), date(2026, time.February, 1), "")
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)
}
