/*
service.go - Leave request state machine and overtime conversion

PURPOSE:
  Drives the lifecycle of leave requests and overtime records, and performs
  the ledger mutation each transition implies. This is the only code allowed
  to mutate requests.

THE CRITICAL PATH (Submitted -> Approved):
  In one atomic unit of work, under the exclusive per-(user, leave type)
  lock:
    1. recompute balanceAsOf(user, type, start date)
    2. fail with InsufficientBalance if hours > balance
    3. append consumption entries (FIFO across lots, -hours total)
    4. record the entry ids on the request
    5. flip status to Approved
  Concurrent approvals for the same key cannot both pass the balance check;
  different users, or different leave types of one user, proceed in
  parallel.

RETRIES:
  Serialization failures from the store surface as ErrConcurrencyConflict
  and are retried transparently a bounded number of times.

CANCELLATION:
  Approved -> Cancelled appends one reversal per consumption entry, each
  referencing the original, restoring the balance to its pre-approval
  value. Draft and Submitted cancellation has no ledger effect.

SEE ALSO:
  - types.go: the transition table
  - ledger/lot.go: FIFO allocation
*/
package leave

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/ledger"
)

// txRetries bounds transparent retries on ErrConcurrencyConflict.
const txRetries = 3

// CompTimePolicy governs overtime-to-comp-time conversion.
type CompTimePolicy struct {
	// ValidityMonths is how long converted credit lives, measured from the
	// work date. Zero means the credit never expires.
	ValidityMonths int
}

type Service struct {
	store  TxStore
	locks  *ledger.KeyLock
	audit  AuditSink
	logger *zap.Logger
	clock  func() time.Time

	CompTime CompTimePolicy
}

func NewService(store TxStore, locks *ledger.KeyLock, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		locks:    locks,
		audit:    NopAuditSink{},
		logger:   logger,
		clock:    time.Now,
		CompTime: CompTimePolicy{ValidityMonths: 3},
	}
}

// WithAudit wires an audit sink. Records are emitted, never persisted here.
func (s *Service) WithAudit(sink AuditSink) *Service {
	s.audit = sink
	return s
}

// WithClock is for tests that need deterministic timestamps.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// =============================================================================
// REQUEST CREATION
// =============================================================================

// CreateDraft creates a request in Draft. Pre-ledger: no entries exist.
func (s *Service) CreateDraft(ctx context.Context, userID ledger.UserID, leaveType ledger.LeaveType, start, end ledger.Date, hours ledger.Hours, note string) (*LeaveRequest, error) {
	if err := validateRequestInput(userID, leaveType, start, end, hours); err != nil {
		return nil, err
	}

	now := s.clock()
	req := &LeaveRequest{
		ID:        RequestID(uuid.NewString()),
		UserID:    userID,
		LeaveType: leaveType,
		StartDate: start,
		EndDate:   end,
		Hours:     hours,
		Note:      note,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Submit creates a request directly in Submitted. This is the submitLeave
// operation callers use when no draft stage is wanted.
func (s *Service) Submit(ctx context.Context, actor string, userID ledger.UserID, leaveType ledger.LeaveType, start, end ledger.Date, hours ledger.Hours, note string) (*LeaveRequest, error) {
	req, err := s.CreateDraft(ctx, userID, leaveType, start, end, hours, note)
	if err != nil {
		return nil, err
	}
	return s.SubmitDraft(ctx, actor, req.ID)
}

// SubmitDraft moves Draft -> Submitted.
func (s *Service) SubmitDraft(ctx context.Context, actor string, id RequestID) (*LeaveRequest, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(req.Status, StatusSubmitted) {
		return nil, &IllegalTransitionError{RequestID: id, From: req.Status, To: StatusSubmitted}
	}

	before := req.Status
	req.Status = StatusSubmitted
	req.UpdatedAt = s.clock()
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}

	s.audit.Emit(ctx, AuditRecord{
		Actor: actor, Action: "leave.submit",
		EntityType: "leave_request", EntityID: string(id),
		Before: before, After: req.Status,
	})
	return req, nil
}

func validateRequestInput(userID ledger.UserID, leaveType ledger.LeaveType, start, end ledger.Date, hours ledger.Hours) error {
	switch {
	case userID == "":
		return &ledger.InvalidEntryError{Field: "user_id", Reason: "missing"}
	case leaveType == "":
		return &ledger.InvalidEntryError{Field: "leave_type", Reason: "missing"}
	case start.IsZero() || end.IsZero():
		return &ledger.InvalidEntryError{Field: "dates", Reason: "missing"}
	case end.Before(start):
		return &ledger.InvalidEntryError{Field: "end_date", Reason: "before start_date"}
	case !hours.IsPositive():
		return &ledger.InvalidEntryError{Field: "hours", Reason: "must be positive"}
	}
	return nil
}

// =============================================================================
// APPROVAL - The critical path
// =============================================================================

// Approve moves Submitted -> Approved, consuming balance atomically.
func (s *Service) Approve(ctx context.Context, approverID string, id RequestID) (*LeaveRequest, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(req.Status, StatusApproved) {
		return nil, &IllegalTransitionError{RequestID: id, From: req.Status, To: StatusApproved}
	}

	var approved *LeaveRequest
	err = s.withKeyTx(ctx, req.UserID, req.LeaveType, func(ts Store) error {
		// Re-read inside the transaction: the request may have been decided
		// while we waited on the lock.
		cur, err := ts.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(cur.Status, StatusApproved) {
			return &IllegalTransitionError{RequestID: id, From: cur.Status, To: StatusApproved}
		}

		balance, err := ledger.BalanceAsOf(ctx, ts, cur.UserID, cur.LeaveType, cur.StartDate)
		if err != nil {
			return err
		}
		if cur.Hours.GreaterThan(balance) {
			return &ledger.InsufficientBalanceError{
				UserID: cur.UserID, LeaveType: cur.LeaveType,
				Available: balance, Requested: cur.Hours,
			}
		}

		lots, err := ledger.LotsFor(ctx, ts, cur.UserID, cur.LeaveType)
		if err != nil {
			return err
		}
		portions, err := ledger.AllocateFIFO(lots, cur.Hours, cur.StartDate)
		if err != nil {
			return err
		}

		entries := make([]ledger.BalanceLedgerEntry, 0, len(portions))
		for _, p := range portions {
			entries = append(entries, ledger.BalanceLedgerEntry{
				UserID:        cur.UserID,
				LeaveType:     cur.LeaveType,
				LotID:         p.LotID,
				Delta:         p.Hours.Neg(),
				Reason:        ledger.ReasonConsumption,
				EffectiveDate: cur.StartDate,
				ReferenceID:   string(cur.ID),
				ActorID:       approverID,
			})
		}
		ids, err := ledger.New(ts).AppendBatch(ctx, entries)
		if err != nil {
			return err
		}

		now := s.clock()
		cur.Status = StatusApproved
		cur.ApproverID = approverID
		cur.ConsumptionEntryIDs = ids
		cur.DecidedAt = &now
		cur.UpdatedAt = now
		if err := ts.SaveRequest(ctx, cur); err != nil {
			return err
		}
		approved = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Emit(ctx, AuditRecord{
		Actor: approverID, Action: "leave.approve",
		EntityType: "leave_request", EntityID: string(id),
		Before: StatusSubmitted, After: StatusApproved,
	})
	return approved, nil
}

// Reject moves Submitted -> Rejected. No ledger effect.
func (s *Service) Reject(ctx context.Context, approverID string, id RequestID, reason string) (*LeaveRequest, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(req.Status, StatusRejected) {
		return nil, &IllegalTransitionError{RequestID: id, From: req.Status, To: StatusRejected}
	}

	now := s.clock()
	before := req.Status
	req.Status = StatusRejected
	req.ApproverID = approverID
	req.Note = reason
	req.DecidedAt = &now
	req.UpdatedAt = now
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}

	s.audit.Emit(ctx, AuditRecord{
		Actor: approverID, Action: "leave.reject",
		EntityType: "leave_request", EntityID: string(id),
		Before: before, After: req.Status,
	})
	return req, nil
}

// Cancel cancels a request. For Draft and Submitted this is a pure status
// change; for Approved it reverses every consumption entry the approval
// produced, restoring the balance to its pre-approval value.
func (s *Service) Cancel(ctx context.Context, actor string, id RequestID) (*LeaveRequest, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(req.Status, StatusCancelled) {
		return nil, &IllegalTransitionError{RequestID: id, From: req.Status, To: StatusCancelled}
	}

	before := req.Status
	if req.Status != StatusApproved {
		req.Status = StatusCancelled
		req.UpdatedAt = s.clock()
		if err := s.store.SaveRequest(ctx, req); err != nil {
			return nil, err
		}
	} else {
		var cancelled *LeaveRequest
		err = s.withKeyTx(ctx, req.UserID, req.LeaveType, func(ts Store) error {
			cur, err := ts.GetRequest(ctx, id)
			if err != nil {
				return err
			}
			if !CanTransition(cur.Status, StatusCancelled) {
				return &IllegalTransitionError{RequestID: id, From: cur.Status, To: StatusCancelled}
			}

			reversals, err := s.reversalsFor(ctx, ts, cur, actor)
			if err != nil {
				return err
			}
			if _, err := ledger.New(ts).AppendBatch(ctx, reversals); err != nil {
				return err
			}

			cur.Status = StatusCancelled
			cur.UpdatedAt = s.clock()
			if err := ts.SaveRequest(ctx, cur); err != nil {
				return err
			}
			cancelled = cur
			return nil
		})
		if err != nil {
			return nil, err
		}
		req = cancelled
	}

	s.audit.Emit(ctx, AuditRecord{
		Actor: actor, Action: "leave.cancel",
		EntityType: "leave_request", EntityID: string(id),
		Before: before, After: StatusCancelled,
	})
	return req, nil
}

// reversalsFor builds one +hours reversal per consumption entry, each
// referencing the original entry it undoes.
func (s *Service) reversalsFor(ctx context.Context, ts Store, req *LeaveRequest, actor string) ([]ledger.BalanceLedgerEntry, error) {
	entries, err := ts.Load(ctx, req.UserID, req.LeaveType)
	if err != nil {
		return nil, err
	}
	byID := make(map[ledger.EntryID]ledger.BalanceLedgerEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	reversals := make([]ledger.BalanceLedgerEntry, 0, len(req.ConsumptionEntryIDs))
	for _, entryID := range req.ConsumptionEntryIDs {
		orig, ok := byID[entryID]
		if !ok {
			return nil, ledger.ErrNotFound
		}
		reversals = append(reversals, ledger.BalanceLedgerEntry{
			UserID:        orig.UserID,
			LeaveType:     orig.LeaveType,
			LotID:         orig.LotID,
			Delta:         orig.Delta.Neg(),
			Reason:        ledger.ReasonReversal,
			EffectiveDate: orig.EffectiveDate,
			ReferenceID:   string(orig.ID),
			ActorID:       actor,
		})
	}
	return reversals, nil
}

// Complete moves Approved -> Completed once the leave has been taken.
func (s *Service) Complete(ctx context.Context, actor string, id RequestID) (*LeaveRequest, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(req.Status, StatusCompleted) {
		return nil, &IllegalTransitionError{RequestID: id, From: req.Status, To: StatusCompleted}
	}

	req.Status = StatusCompleted
	req.UpdatedAt = s.clock()
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}

	s.audit.Emit(ctx, AuditRecord{
		Actor: actor, Action: "leave.complete",
		EntityType: "leave_request", EntityID: string(id),
		Before: StatusApproved, After: StatusCompleted,
	})
	return req, nil
}

// =============================================================================
// OVERTIME
// =============================================================================

// SubmitOvertime records worked overtime in Pending.
func (s *Service) SubmitOvertime(ctx context.Context, userID ledger.UserID, workDate ledger.Date, hours ledger.Hours, target ConversionTarget) (*OvertimeRecord, error) {
	if !hours.IsPositive() {
		return nil, &ledger.InvalidEntryError{Field: "hours", Reason: "must be positive"}
	}
	if workDate.IsZero() {
		return nil, &ledger.InvalidEntryError{Field: "work_date", Reason: "missing"}
	}

	rec := &OvertimeRecord{
		ID:               OvertimeID(uuid.NewString()),
		UserID:           userID,
		WorkDate:         workDate,
		Hours:            hours,
		Status:           OvertimePending,
		ConversionTarget: target,
		CreatedAt:        s.clock(),
	}
	if err := s.store.SaveOvertime(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ApproveOvertime approves an overtime record. With a CompTime target it
// produces exactly one comp-time accrual whose expiration derives from the
// conversion policy. Idempotency is keyed on the record id.
func (s *Service) ApproveOvertime(ctx context.Context, approverID string, id OvertimeID) (*OvertimeRecord, error) {
	rec, err := s.store.GetOvertime(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != OvertimePending {
		return nil, &IllegalTransitionError{RequestID: RequestID(id), From: RequestStatus(rec.Status), To: RequestStatus(OvertimeApproved)}
	}

	if rec.ConversionTarget != ConvertToCompTime {
		// Payout and None have no ledger effect here.
		now := s.clock()
		rec.Status = OvertimeApproved
		rec.DecidedAt = &now
		if err := s.store.SaveOvertime(ctx, rec); err != nil {
			return nil, err
		}
		s.emitOvertimeAudit(ctx, approverID, rec)
		return rec, nil
	}

	var approved *OvertimeRecord
	err = s.withKeyTx(ctx, rec.UserID, ledger.LeaveCompTime, func(ts Store) error {
		cur, err := ts.GetOvertime(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != OvertimePending {
			return &IllegalTransitionError{RequestID: RequestID(id), From: RequestStatus(cur.Status), To: RequestStatus(OvertimeApproved)}
		}

		entry := ledger.BalanceLedgerEntry{
			UserID:         cur.UserID,
			LeaveType:      ledger.LeaveCompTime,
			Delta:          cur.Hours,
			Reason:         ledger.ReasonAccrual,
			EffectiveDate:  cur.WorkDate,
			ReferenceID:    string(cur.ID),
			IdempotencyKey: "overtime|" + string(cur.ID),
			ActorID:        approverID,
		}
		if s.CompTime.ValidityMonths > 0 {
			exp := cur.WorkDate.AddMonths(s.CompTime.ValidityMonths)
			entry.ExpirationDate = &exp
		}

		entryID, err := ledger.New(ts).Append(ctx, entry)
		if err != nil {
			return err
		}

		now := s.clock()
		cur.Status = OvertimeApproved
		cur.ProducedEntryID = entryID
		cur.DecidedAt = &now
		if err := ts.SaveOvertime(ctx, cur); err != nil {
			return err
		}
		approved = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emitOvertimeAudit(ctx, approverID, approved)
	return approved, nil
}

// RejectOvertime moves Pending -> Rejected with no ledger effect.
func (s *Service) RejectOvertime(ctx context.Context, approverID string, id OvertimeID) (*OvertimeRecord, error) {
	rec, err := s.store.GetOvertime(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != OvertimePending {
		return nil, &IllegalTransitionError{RequestID: RequestID(id), From: RequestStatus(rec.Status), To: RequestStatus(OvertimeRejected)}
	}

	now := s.clock()
	rec.Status = OvertimeRejected
	rec.DecidedAt = &now
	if err := s.store.SaveOvertime(ctx, rec); err != nil {
		return nil, err
	}
	s.emitOvertimeAudit(ctx, approverID, rec)
	return rec, nil
}

func (s *Service) emitOvertimeAudit(ctx context.Context, actor string, rec *OvertimeRecord) {
	s.audit.Emit(ctx, AuditRecord{
		Actor: actor, Action: "overtime." + string(rec.Status),
		EntityType: "overtime_record", EntityID: string(rec.ID),
		Before: OvertimePending, After: rec.Status,
	})
}

// =============================================================================
// MANUAL ADJUSTMENT
// =============================================================================

// Adjust appends a manual correction. Positive deltas open a new lot;
// negative deltas drain open lots FIFO so the lot invariant holds for every
// writer.
func (s *Service) Adjust(ctx context.Context, actor string, userID ledger.UserID, leaveType ledger.LeaveType, delta ledger.Hours, effective ledger.Date, note string) error {
	if delta.IsZero() {
		return &ledger.InvalidEntryError{Field: "delta_hours", Reason: "must be non-zero"}
	}

	err := s.withKeyTx(ctx, userID, leaveType, func(ts Store) error {
		lg := ledger.New(ts)
		if delta.IsPositive() {
			_, err := lg.Append(ctx, ledger.BalanceLedgerEntry{
				UserID:        userID,
				LeaveType:     leaveType,
				Delta:         delta,
				Reason:        ledger.ReasonManualAdjustment,
				EffectiveDate: effective,
				ReferenceID:   note,
				ActorID:       actor,
			})
			return err
		}

		lots, err := ledger.LotsFor(ctx, ts, userID, leaveType)
		if err != nil {
			return err
		}
		portions, err := ledger.AllocateFIFO(lots, delta.Neg(), effective)
		if err != nil {
			return err
		}
		entries := make([]ledger.BalanceLedgerEntry, 0, len(portions))
		for _, p := range portions {
			entries = append(entries, ledger.BalanceLedgerEntry{
				UserID:        userID,
				LeaveType:     leaveType,
				LotID:         p.LotID,
				Delta:         p.Hours.Neg(),
				Reason:        ledger.ReasonManualAdjustment,
				EffectiveDate: effective,
				ReferenceID:   note,
				ActorID:       actor,
			})
		}
		_, err = lg.AppendBatch(ctx, entries)
		return err
	})
	if err != nil {
		return err
	}

	s.audit.Emit(ctx, AuditRecord{
		Actor: actor, Action: "leave.adjust",
		EntityType: "ledger_key", EntityID: string(userID) + "/" + string(leaveType),
		After: delta.String(),
	})
	return nil
}

// =============================================================================
// SERIALIZED TRANSACTIONS
// =============================================================================

// withKeyTx runs fn inside a store transaction while holding the exclusive
// per-key lock, retrying bounded times on serialization failures.
func (s *Service) withKeyTx(ctx context.Context, userID ledger.UserID, leaveType ledger.LeaveType, fn func(Store) error) error {
	unlock := s.locks.Lock(userID, leaveType)
	defer unlock()

	var err error
	for attempt := 0; attempt <= txRetries; attempt++ {
		err = s.store.WithTx(ctx, func(ts ledger.Store) error {
			view, ok := ts.(Store)
			if !ok {
				return ledger.ErrStoreRequired
			}
			return fn(view)
		})
		if !ledger.IsRetryable(err) {
			return err
		}
		s.logger.Warn("retrying after concurrency conflict",
			zap.String("user", string(userID)),
			zap.String("leave_type", string(leaveType)),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return err
}

// GetRequest exposes request lookup for the query surface.
func (s *Service) GetRequest(ctx context.Context, id RequestID) (*LeaveRequest, error) {
	return s.store.GetRequest(ctx, id)
}

// NotFound reports whether err is a missing-record error.
func NotFound(err error) bool { return errors.Is(err, ledger.ErrNotFound) }
