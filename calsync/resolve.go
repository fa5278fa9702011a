/*
resolve.go - Explicit conflict resolution

PURPOSE:
  Conflicts are closed only here, by a human's explicit choice:

  KeepInternal  - re-push the internal event, overwriting the provider's
  KeepExternal  - accept the provider's view into the sync row's cache;
                  the immutable LeaveRequest is never mutated
  Merged        - push caller-supplied merged event data

  Closing a conflict unblocks automatic sync for that one event.
*/
package calsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/leave-engine/ledger"
)

// ErrConflictClosed is returned when resolving an already-resolved conflict.
var ErrConflictClosed = errors.New("conflict already resolved")

// Resolve applies the chosen side and closes the conflict. merged is
// required for ResolutionMerged and ignored otherwise.
func (e *Engine) Resolve(ctx context.Context, conflictID string, choice Resolution, merged *Event, actor string) error {
	conflict, err := e.Store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if conflict.ResolutionStatus != ResolutionOpen {
		return ErrConflictClosed
	}

	row, err := e.Store.GetEventSync(ctx, conflict.EventSyncID)
	if err != nil {
		return err
	}

	switch choice {
	case ResolutionKeepInternal:
		if err := e.resolveKeepInternal(ctx, conflict, row); err != nil {
			return err
		}

	case ResolutionKeepExternal:
		e.resolveKeepExternal(conflict, row)
		row.LastSyncedAt = e.clock()
		if err := e.Store.SaveEventSync(ctx, row); err != nil {
			return err
		}

	case ResolutionMerged:
		if merged == nil {
			return fmt.Errorf("merged resolution requires merged event data")
		}
		ev := *merged
		ev.ExternalID = row.ExternalID
		ev.LeaveRequestID = row.LeaveRequestID
		if err := e.applyPush(ctx, row, ev); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown resolution choice %q", choice)
	}

	now := e.clock()
	conflict.ResolutionStatus = choice
	conflict.ResolvedBy = actor
	conflict.ResolvedAt = &now
	return e.Store.SaveConflict(ctx, conflict)
}

// resolveKeepInternal re-pushes the internal truth. A provider event that
// was deleted externally is recreated from scratch.
func (e *Engine) resolveKeepInternal(ctx context.Context, conflict *Conflict, row *EventSync) error {
	if conflict.Type == ConflictDoubleBooked {
		// Nothing to overwrite: unblock the row so the next cycle pushes.
		row.Status = SyncStatusPendingPush
		return e.Store.SaveEventSync(ctx, row)
	}

	req, err := e.Requests.GetRequest(ctx, row.LeaveRequestID)
	if err != nil {
		return err
	}
	ev := eventFor(req)
	if conflict.Type != ConflictExternalDeleted {
		ev.ExternalID = row.ExternalID
	}
	return e.applyPush(ctx, row, ev)
}

// resolveKeepExternal accepts the provider's view into the row's cached
// state. The LeaveRequest itself is immutable from here.
func (e *Engine) resolveKeepExternal(conflict *Conflict, row *EventSync) {
	switch conflict.Type {
	case ConflictExternalDeleted:
		row.ExternalID = ""
		row.ExternalVersion = ""
		row.DeleteRequested = false
	default:
		row.ExternalVersion = conflict.ObservedVersion
	}
	row.Status = SyncStatusSynced
}

// applyPush pushes immediately; on failure the row is rolled back to
// PendingPush so the regular cycle retries with backoff.
func (e *Engine) applyPush(ctx context.Context, row *EventSync, ev Event) error {
	callCtx, cancel := context.WithTimeout(ctx, e.CallTimeout)
	defer cancel()

	externalID, version, err := e.Provider.Push(callCtx, ev)
	if err != nil {
		row.Status = SyncStatusPendingPush
		row.LastError = err.Error()
		if saveErr := e.Store.SaveEventSync(ctx, row); saveErr != nil {
			return saveErr
		}
		return err
	}

	row.ExternalID = externalID
	row.ExternalVersion = version
	row.Status = SyncStatusSynced
	row.Attempts = 0
	row.NeedsAttention = false
	row.LastError = ""
	row.LastSyncedAt = e.clock()
	return e.Store.SaveEventSync(ctx, row)
}

// Flagged returns the user's rows waiting on manual attention.
func (e *Engine) Flagged(ctx context.Context, userID ledger.UserID) ([]*EventSync, error) {
	rows, err := e.Store.ListEventSyncs(ctx, userID)
	if err != nil {
		return nil, err
	}
	var flagged []*EventSync
	for _, row := range rows {
		if row.NeedsAttention {
			flagged = append(flagged, row)
		}
	}
	return flagged, nil
}
