package calsync

import (
	"context"

	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
)

// =============================================================================
// STORE - Calendar-side persistence, independent of the ledger
// =============================================================================

// Store persists sync configs, event rows, conflicts, and run history.
// Deliberately independent of the balance ledger: a sync failure can never
// corrupt balance state.
type Store interface {
	GetSyncConfig(ctx context.Context, userID ledger.UserID) (*Config, error)
	SaveSyncConfig(ctx context.Context, cfg *Config) error

	// ListEnabledConfigs returns every user with sync turned on.
	ListEnabledConfigs(ctx context.Context) ([]*Config, error)

	GetEventSync(ctx context.Context, requestID leave.RequestID) (*EventSync, error)
	GetEventSyncByExternalID(ctx context.Context, externalID string) (*EventSync, error)
	SaveEventSync(ctx context.Context, row *EventSync) error
	ListEventSyncs(ctx context.Context, userID ledger.UserID) ([]*EventSync, error)

	SaveConflict(ctx context.Context, c *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListOpenConflicts(ctx context.Context, userID ledger.UserID) ([]*Conflict, error)

	AppendSyncHistory(ctx context.Context, h SyncHistory) error
	ListSyncHistory(ctx context.Context, userID ledger.UserID, limit int) ([]SyncHistory, error)
}

// RequestSource is the read-only view of leave state the engine needs.
type RequestSource interface {
	GetRequest(ctx context.Context, id leave.RequestID) (*leave.LeaveRequest, error)
	ListRequestsByStatus(ctx context.Context, userID ledger.UserID, status leave.RequestStatus) ([]*leave.LeaveRequest, error)
}
