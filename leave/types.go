/*
Package leave implements the leave-request and overtime lifecycles on top of
the balance ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - LeaveRequest: one request, owned by its user, mutated only through the
    state machine, never physically deleted (cancellation is a status)
  - OvertimeRecord: worked overtime, convertible to comp-time credit
  - The transition table: the single definition of legal lifecycle moves

LIFECYCLE:
  Draft -> Submitted -> {Approved, Rejected}
  Approved -> {Completed, Cancelled}
  Draft and Submitted may also be Cancelled (withdrawn, no ledger effect).
  Rejected, Cancelled, and Completed are terminal.

Draft and Submitted are pre-ledger: no entries exist for them. Approval
appends consumption; cancelling an approved request appends reversals.
*/
package leave

import (
	"fmt"
	"time"

	"github.com/warp/leave-engine/ledger"
)

// =============================================================================
// LEAVE REQUEST
// =============================================================================

type RequestID string

type RequestStatus string

const (
	StatusDraft     RequestStatus = "draft"
	StatusSubmitted RequestStatus = "submitted"
	StatusApproved  RequestStatus = "approved"
	StatusRejected  RequestStatus = "rejected"
	StatusCancelled RequestStatus = "cancelled"
	StatusCompleted RequestStatus = "completed"
)

// transitions is the single source of truth for legal lifecycle moves.
// Anything not listed fails with IllegalTransitionError.
var transitions = map[RequestStatus][]RequestStatus{
	StatusDraft:     {StatusSubmitted, StatusCancelled},
	StatusSubmitted: {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:  {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to RequestStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// LeaveRequest is owned by the user who created it. The request owns its
// ledger entry ids; entries carry only a back-reference for lookup.
type LeaveRequest struct {
	ID        RequestID
	UserID    ledger.UserID
	LeaveType ledger.LeaveType
	StartDate ledger.Date
	EndDate   ledger.Date
	Hours     ledger.Hours
	Note      string

	Status     RequestStatus
	ApproverID string

	// ConsumptionEntryIDs are the ledger entries the approval produced,
	// one per lot the request drew from.
	ConsumptionEntryIDs []ledger.EntryID

	CreatedAt time.Time
	UpdatedAt time.Time
	DecidedAt *time.Time
}

// Overlaps reports whether two requests share at least one day.
func (r *LeaveRequest) Overlaps(o *LeaveRequest) bool {
	return r.StartDate.BeforeOrEqual(o.EndDate) && o.StartDate.BeforeOrEqual(r.EndDate)
}

// IllegalTransitionError names current and requested state for diagnosis.
type IllegalTransitionError struct {
	RequestID RequestID
	From      RequestStatus
	To        RequestStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for request %s: %s -> %s", e.RequestID, e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ledger.ErrIllegalTransition }

// =============================================================================
// OVERTIME RECORD
// =============================================================================

type OvertimeID string

type OvertimeStatus string

const (
	OvertimePending  OvertimeStatus = "pending"
	OvertimeApproved OvertimeStatus = "approved"
	OvertimeRejected OvertimeStatus = "rejected"
)

type ConversionTarget string

const (
	ConvertToCompTime ConversionTarget = "comp_time"
	ConvertToPayout   ConversionTarget = "payout"
	ConvertToNone     ConversionTarget = "none"
)

// OvertimeRecord tracks worked overtime. Approval with a CompTime target
// produces exactly one accrual entry with a policy-derived expiration.
type OvertimeRecord struct {
	ID               OvertimeID
	UserID           ledger.UserID
	WorkDate         ledger.Date
	Hours            ledger.Hours
	Status           OvertimeStatus
	ConversionTarget ConversionTarget

	// ProducedEntryID is the comp-time accrual entry, set on approval.
	ProducedEntryID ledger.EntryID

	CreatedAt time.Time
	DecidedAt *time.Time
}

// =============================================================================
// EMPLOYEE - Minimal directory record
// =============================================================================

// Employee is the minimal directory entry the engine needs: the accrual
// trigger derives entitlement from hire date.
type Employee struct {
	ID       ledger.UserID
	Name     string
	HireDate ledger.Date
}
