/*
Package expiry removes unused lot remainders on schedule.

PURPOSE:
  For every lot whose expiration date is on or before the run date and
  whose remaining amount is still positive, append exactly one expiration
  entry equal to -remaining.

IDEMPOTENCY (two layers):
  1. The entry's idempotency key is "expire|<lot>|<expiration date>", so a
     duplicate append is rejected by the store.
  2. The remainder is recomputed under the per-key lock inside the
     transaction; a second invocation finds remaining == 0 and no-ops.
  Either layer alone makes the job safely re-runnable after crash/restart.

FAILURE ISOLATION:
  One lot's failure is collected and the run continues; the summary reports
  the batch outcome instead of aborting it.

CONCURRENCY:
  Each lot is processed under the same (user, leave type) lock the approval
  path uses, so the job cannot race an in-flight approval for the same key.
*/
package expiry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/leave-engine/ledger"
)

// =============================================================================
// EXPIRATION JOB
// =============================================================================

type LotError struct {
	LotID ledger.LotID
	Err   error
}

func (e LotError) Error() string { return fmt.Sprintf("lot %s: %v", e.LotID, e.Err) }

type Summary struct {
	Expired int
	Skipped int
	Errors  []LotError
}

type Job struct {
	Store  ledger.TxStore
	Locks  *ledger.KeyLock
	Logger *zap.Logger
}

// errAlreadyExpired marks the remaining == 0 no-op path of a re-run.
var errAlreadyExpired = errors.New("lot already expired")

// RunExpiration is the idempotent entry point the external trigger invokes.
func (j *Job) RunExpiration(ctx context.Context, asOf ledger.Date) (Summary, error) {
	lots, err := ledger.New(j.Store).ExpiringLots(ctx, asOf)
	if err != nil {
		return Summary{}, fmt.Errorf("scan expiring lots: %w", err)
	}

	var summary Summary
	for _, lot := range lots {
		if err := j.expireLot(ctx, lot); err != nil {
			if errors.Is(err, errAlreadyExpired) || errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
				summary.Skipped++
				continue
			}
			summary.Errors = append(summary.Errors, LotError{LotID: lot.LotID, Err: err})
			j.Logger.Error("lot expiration failed",
				zap.String("lot", string(lot.LotID)),
				zap.String("user", string(lot.UserID)),
				zap.Error(err),
			)
			continue
		}
		summary.Expired++
	}

	j.Logger.Info("expiration run completed",
		zap.String("as_of", asOf.String()),
		zap.Int("expired", summary.Expired),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", len(summary.Errors)),
	)
	return summary, nil
}

// expireLot zeroes one lot's remainder under the key lock. The expiration
// job is the only writer allowed to drain a lot without a request behind it.
func (j *Job) expireLot(ctx context.Context, lot ledger.BalanceLot) error {
	unlock := j.Locks.Lock(lot.UserID, lot.LeaveType)
	defer unlock()

	return j.Store.WithTx(ctx, func(ts ledger.Store) error {
		// Recompute inside the transaction: an approval or a previous run
		// may have drained the lot while we waited on the lock.
		members, err := ts.LoadByLot(ctx, lot.LotID)
		if err != nil {
			return err
		}
		rebuilt := ledger.BuildLots(members)
		if len(rebuilt) != 1 || !rebuilt[0].Remaining.IsPositive() {
			return errAlreadyExpired
		}
		remaining := rebuilt[0].Remaining

		_, err = ledger.New(ts).Append(ctx, ledger.BalanceLedgerEntry{
			UserID:         lot.UserID,
			LeaveType:      lot.LeaveType,
			LotID:          lot.LotID,
			Delta:          remaining.Neg(),
			Reason:         ledger.ReasonExpiration,
			EffectiveDate:  *lot.ExpirationDate,
			IdempotencyKey: fmt.Sprintf("expire|%s|%s", lot.LotID, lot.ExpirationDate),
			ActorID:        "system",
		})
		return err
	})
}
