package leave

import (
	"context"

	"github.com/warp/leave-engine/ledger"
)

// =============================================================================
// STORE - Request and overtime persistence, alongside the ledger
// =============================================================================

// Store extends the ledger store with request, overtime, and directory
// persistence. A transactional view obtained from ledger.TxStore.WithTx is
// expected to implement this interface too, so the approval critical path
// can move ledger and request state in one unit of work; callers
// type-assert and fail with ledger.ErrStoreRequired when it does not.
type Store interface {
	ledger.Store

	SaveRequest(ctx context.Context, r *LeaveRequest) error
	GetRequest(ctx context.Context, id RequestID) (*LeaveRequest, error)
	ListRequests(ctx context.Context, userID ledger.UserID) ([]*LeaveRequest, error)

	// ListRequestsByStatus returns a user's requests in one status,
	// ordered by start date. Used for double-booking detection and sync.
	ListRequestsByStatus(ctx context.Context, userID ledger.UserID, status RequestStatus) ([]*LeaveRequest, error)

	SaveOvertime(ctx context.Context, o *OvertimeRecord) error
	GetOvertime(ctx context.Context, id OvertimeID) (*OvertimeRecord, error)

	SaveEmployee(ctx context.Context, e Employee) error
	GetEmployee(ctx context.Context, id ledger.UserID) (*Employee, error)
	ListEmployees(ctx context.Context) ([]Employee, error)
}

// TxStore is the full engine store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction; the ledger.Store passed to fn
	// also implements leave.Store.
	WithTx(ctx context.Context, fn func(ledger.Store) error) error
}
