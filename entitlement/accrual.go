/*
accrual.go - The yearly accrual trigger

PURPOSE:
  Turns calculator output into accrual entries, once per policy period per
  user. The external trigger (cron-equivalent) calls RunAccrual; the
  mechanism is substitutable because the entry point is idempotent.

IDEMPOTENCY:
  Each accrual entry carries the key "accrual|<user>|<type>|<period start>".
  The store's uniqueness constraint rejects a second append, so re-running
  the trigger for a period already credited is a counted no-op.

FAILURE ISOLATION:
  One user's failure is recorded in the summary and the run continues.
*/
package entitlement

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
)

// =============================================================================
// ACCRUAL RUNNER
// =============================================================================

type AccrualSummary struct {
	Credited int
	Skipped  int
	Errors   []error
}

type AccrualRunner struct {
	Store  leave.TxStore
	Policy Policy
	Logger *zap.Logger
}

// RunAccrual credits every employee's entitlement for the policy period
// starting at periodStart. Safe to invoke twice for the same period.
func (r *AccrualRunner) RunAccrual(ctx context.Context, periodStart ledger.Date) (AccrualSummary, error) {
	employees, err := r.Store.ListEmployees(ctx)
	if err != nil {
		return AccrualSummary{}, fmt.Errorf("list employees: %w", err)
	}

	var summary AccrualSummary
	for _, emp := range employees {
		hours := For(emp.HireDate, periodStart, r.Policy)
		if !hours.IsPositive() {
			summary.Skipped++
			continue
		}

		entry := ledger.BalanceLedgerEntry{
			UserID:         emp.ID,
			LeaveType:      r.Policy.LeaveType,
			Delta:          hours,
			Reason:         ledger.ReasonAccrual,
			EffectiveDate:  periodStart,
			ExpirationDate: r.Policy.ExpirationFor(periodStart),
			IdempotencyKey: accrualKey(emp.ID, r.Policy.LeaveType, periodStart),
			ActorID:        "system",
		}

		_, err := ledger.New(r.Store).Append(ctx, entry)
		switch {
		case err == nil:
			summary.Credited++
		case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
			summary.Skipped++
		default:
			summary.Errors = append(summary.Errors, fmt.Errorf("user %s: %w", emp.ID, err))
			r.Logger.Error("accrual failed",
				zap.String("user", string(emp.ID)),
				zap.String("period_start", periodStart.String()),
				zap.Error(err),
			)
		}
	}

	r.Logger.Info("accrual run completed",
		zap.String("period_start", periodStart.String()),
		zap.Int("credited", summary.Credited),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", len(summary.Errors)),
	)
	return summary, nil
}

func accrualKey(userID ledger.UserID, leaveType ledger.LeaveType, periodStart ledger.Date) string {
	return fmt.Sprintf("accrual|%s|%s|%s", userID, leaveType, periodStart)
}
