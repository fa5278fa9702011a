/*
Package calsync mirrors approved leave into an external calendar provider.

PURPOSE:
  Bidirectional synchronization with conflict detection. The engine is
  leave-authoritative: approved requests are pushed out, external changes
  to tracked events are surfaced as conflicts for a human to resolve, and
  provider-only events are ignored.

KEY CONCEPTS IN THIS FILE (types.go):
  - Config:      per-user provider connection and sync cursor
  - EventSync:   link row between a leave request and its external event
  - Conflict:    detected divergence, closed only by explicit resolution
  - SyncHistory: append-only run record, one per cycle

STATE, NOT CONTINUATIONS:
  Everything a cycle needs to resume after a crash lives in these rows:
  the cursor, per-event status, attempt counters, and backoff deadlines.
*/
package calsync

import (
	"time"

	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
)

// =============================================================================
// PER-USER SYNC CONFIG
// =============================================================================

// ConflictPolicy is recorded per user for reporting; resolution itself is
// always an explicit action.
type ConflictPolicy string

const (
	ConflictPolicyManual ConflictPolicy = "manual"
)

// Config is the per-user provider connection. Lifecycle tied to account
// connection/disconnection.
type Config struct {
	UserID            ledger.UserID
	ProviderAccountID string
	SyncEnabled       bool

	// SyncCursor is the opaque provider-issued token marking incremental
	// sync progress. Empty means "full pull".
	SyncCursor string

	ConflictPolicy ConflictPolicy
	UpdatedAt      time.Time
}

// =============================================================================
// EVENT SYNC - Link row between a leave request and its external event
// =============================================================================

type SyncStatus string

const (
	SyncStatusSynced      SyncStatus = "synced"
	SyncStatusPendingPush SyncStatus = "pending_push"
	SyncStatusPendingPull SyncStatus = "pending_pull"
	SyncStatusConflicted  SyncStatus = "conflicted"
)

// EventSync tracks one leave request that has ever been pushed externally.
// One row per request.
type EventSync struct {
	LeaveRequestID  leave.RequestID
	UserID          ledger.UserID
	ExternalID      string
	ExternalVersion string
	Status          SyncStatus

	// DeleteRequested marks a row whose external event must be removed
	// (the underlying request was cancelled).
	DeleteRequested bool

	// Push retry bookkeeping, persisted so backoff survives restarts.
	Attempts       int
	NextAttemptAt  time.Time
	NeedsAttention bool
	LastError      string

	LastSyncedAt time.Time
}

// =============================================================================
// CONFLICT
// =============================================================================

type ConflictType string

const (
	ConflictExternalModified ConflictType = "external_modified"
	ConflictExternalDeleted  ConflictType = "external_deleted"
	ConflictInternalModified ConflictType = "internal_modified"
	ConflictDoubleBooked     ConflictType = "double_booked"
)

type Resolution string

const (
	ResolutionOpen         Resolution = "open"
	ResolutionKeepInternal Resolution = "resolved_keep_internal"
	ResolutionKeepExternal Resolution = "resolved_keep_external"
	ResolutionMerged       Resolution = "resolved_merged"
)

// Conflict is created by the sync cycle and closed only by an explicit
// resolution action. An open conflict blocks automatic sync of its one
// event, not of the user's other events.
type Conflict struct {
	ID          string
	EventSyncID leave.RequestID
	UserID      ledger.UserID
	Type        ConflictType
	DetectedAt  time.Time

	// Observed external state at detection time, cached for resolution.
	ObservedVersion string
	ObservedEvent   *Event
	Detail          string

	ResolutionStatus Resolution
	ResolvedBy       string
	ResolvedAt       *time.Time
}

// =============================================================================
// SYNC HISTORY
// =============================================================================

type RunStatus string

const (
	RunSuccess        RunStatus = "success"
	RunPartialFailure RunStatus = "partial_failure"
	RunFailed         RunStatus = "failed"
)

// SyncHistory is an append-only run record, one per cycle. Used for
// observability and backoff decisions.
type SyncHistory struct {
	ID              string
	UserID          ledger.UserID
	StartedAt       time.Time
	CompletedAt     time.Time
	Status          RunStatus
	EventsProcessed int
	Errors          []string
}
