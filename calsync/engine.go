/*
engine.go - The per-user sync cycle

PURPOSE:
  One cycle per user: detect double-bookings locally, pull provider changes
  since the cursor, classify tracked changes into conflicts instead of
  overwriting local state, then push approved requests outward.

CYCLE ORDER:
  1. Ensure a link row exists for every approved request; re-flag rows whose
     internal data changed since the last push.
  2. DoubleBooked detection - two approved requests of one user overlapping
     in time - runs before any provider call is made.
  3. Pull changes since the cursor. On cursor-invalid, fall back to a full
     pull and reset every tracked row to PendingPull.
  4. Classify each pulled change: provider-only events are ignored (the
     engine is leave-authoritative); a version drift or deletion on a
     tracked event opens a conflict and blocks that one event.
  5. Push every PendingPush row whose backoff deadline has passed.

FAILURE MODEL:
  Provider calls are bounded by a timeout; an overrun is a transient
  failure retried with exponential backoff persisted on the row, capped by
  MaxPushAttempts, after which the row is flagged for manual attention.
  Errors are collected into the run's SyncHistory; one event's failure
  never blocks the user's other events, and one user's failure never
  blocks other users.

SEE ALSO:
  - resolve.go: explicit conflict resolution
  - runner.go: interval trigger over all enabled users
*/
package calsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store    Store
	Requests RequestSource
	Provider Provider
	Logger   *zap.Logger

	// Backoff policy for failed pushes.
	MaxPushAttempts int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration

	// CallTimeout bounds every provider call.
	CallTimeout time.Duration

	clock func() time.Time
}

func NewEngine(store Store, requests RequestSource, provider Provider, logger *zap.Logger) *Engine {
	return &Engine{
		Store:           store,
		Requests:        requests,
		Provider:        provider,
		Logger:          logger,
		MaxPushAttempts: 5,
		BaseBackoff:     30 * time.Second,
		MaxBackoff:      30 * time.Minute,
		CallTimeout:     15 * time.Second,
		clock:           time.Now,
	}
}

// WithClock is for tests that need deterministic timestamps.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// cycle carries one run's bookkeeping.
type cycle struct {
	cfg       *Config
	processed int
	errs      []string
}

func (c *cycle) fail(format string, args ...any) {
	c.errs = append(c.errs, fmt.Sprintf(format, args...))
}

// =============================================================================
// SYNC CYCLE
// =============================================================================

// SyncUser runs one cycle for one user and records a SyncHistory row.
// Returns nil history when sync is disabled for the user.
func (e *Engine) SyncUser(ctx context.Context, userID ledger.UserID) (*SyncHistory, error) {
	cfg, err := e.Store.GetSyncConfig(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.SyncEnabled {
		return nil, nil
	}

	run := SyncHistory{
		ID:        uuid.NewString(),
		UserID:    userID,
		StartedAt: e.clock(),
	}
	c := &cycle{cfg: cfg}

	approved, err := e.Requests.ListRequestsByStatus(ctx, userID, leave.StatusApproved)
	if err != nil {
		return e.finalize(ctx, run, c, err)
	}

	if err := e.ensureRows(ctx, c, approved); err != nil {
		return e.finalize(ctx, run, c, err)
	}

	// Local conflict detection happens before any provider call.
	if err := e.detectDoubleBooked(ctx, c, approved); err != nil {
		return e.finalize(ctx, run, c, err)
	}

	e.pullPhase(ctx, c, userID)
	e.pushPhase(ctx, c, userID)

	return e.finalize(ctx, run, c, nil)
}

func (e *Engine) finalize(ctx context.Context, run SyncHistory, c *cycle, fatal error) (*SyncHistory, error) {
	run.CompletedAt = e.clock()
	run.EventsProcessed = c.processed
	run.Errors = c.errs

	switch {
	case fatal != nil:
		run.Status = RunFailed
		run.Errors = append(run.Errors, fatal.Error())
	case len(c.errs) > 0:
		run.Status = RunPartialFailure
	default:
		run.Status = RunSuccess
	}

	if err := e.Store.AppendSyncHistory(ctx, run); err != nil {
		e.Logger.Error("recording sync history failed",
			zap.String("user", string(run.UserID)), zap.Error(err))
	}
	if fatal != nil {
		return &run, fatal
	}
	return &run, nil
}

// =============================================================================
// PHASE 1: LINK ROWS AND LOCAL CONFLICTS
// =============================================================================

// ensureRows guarantees every approved request has a link row, flags rows
// whose internal data changed since the last push, and requests deletion
// for cancelled requests that were already pushed.
func (e *Engine) ensureRows(ctx context.Context, c *cycle, approved []*leave.LeaveRequest) error {
	for _, req := range approved {
		row, err := e.Store.GetEventSync(ctx, req.ID)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if row == nil {
			row = &EventSync{
				LeaveRequestID: req.ID,
				UserID:         req.UserID,
				Status:         SyncStatusPendingPush,
			}
		} else if row.Status == SyncStatusSynced && req.UpdatedAt.After(row.LastSyncedAt) {
			row.Status = SyncStatusPendingPush
		} else if row.Status != SyncStatusPendingPush {
			continue
		}
		if err := e.Store.SaveEventSync(ctx, row); err != nil {
			return err
		}
	}

	cancelled, err := e.Requests.ListRequestsByStatus(ctx, c.cfg.UserID, leave.StatusCancelled)
	if err != nil {
		return err
	}
	for _, req := range cancelled {
		row, err := e.Store.GetEventSync(ctx, req.ID)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if row == nil || row.ExternalID == "" || row.DeleteRequested {
			continue
		}
		row.DeleteRequested = true
		row.Status = SyncStatusPendingPush
		if err := e.Store.SaveEventSync(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// detectDoubleBooked opens a DoubleBooked conflict when two approved
// requests of the same user overlap by at least one day. The conflict
// attaches to the later-created request.
func (e *Engine) detectDoubleBooked(ctx context.Context, c *cycle, approved []*leave.LeaveRequest) error {
	open, err := e.openConflictIndex(ctx, c.cfg.UserID)
	if err != nil {
		return err
	}

	reqs := append([]*leave.LeaveRequest(nil), approved...)
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })

	for i := 1; i < len(reqs); i++ {
		for j := 0; j < i; j++ {
			if !reqs[i].Overlaps(reqs[j]) {
				continue
			}
			later := reqs[i]
			if open[conflictKey{later.ID, ConflictDoubleBooked}] {
				continue
			}
			if err := e.openConflict(ctx, &Conflict{
				EventSyncID: later.ID,
				UserID:      later.UserID,
				Type:        ConflictDoubleBooked,
				Detail: fmt.Sprintf("overlaps request %s (%s..%s)",
					reqs[j].ID, reqs[j].StartDate, reqs[j].EndDate),
			}); err != nil {
				return err
			}
			open[conflictKey{later.ID, ConflictDoubleBooked}] = true
			break
		}
	}
	return nil
}

type conflictKey struct {
	id leave.RequestID
	t  ConflictType
}

func (e *Engine) openConflictIndex(ctx context.Context, userID ledger.UserID) (map[conflictKey]bool, error) {
	conflicts, err := e.Store.ListOpenConflicts(ctx, userID)
	if err != nil {
		return nil, err
	}
	idx := make(map[conflictKey]bool, len(conflicts))
	for _, c := range conflicts {
		idx[conflictKey{c.EventSyncID, c.Type}] = true
	}
	return idx, nil
}

// openConflict records the conflict and blocks the event's row.
func (e *Engine) openConflict(ctx context.Context, c *Conflict) error {
	c.ID = uuid.NewString()
	c.DetectedAt = e.clock()
	c.ResolutionStatus = ResolutionOpen
	if err := e.Store.SaveConflict(ctx, c); err != nil {
		return err
	}

	row, err := e.Store.GetEventSync(ctx, c.EventSyncID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	if row == nil {
		row = &EventSync{LeaveRequestID: c.EventSyncID, UserID: c.UserID}
	}
	row.Status = SyncStatusConflicted
	if err := e.Store.SaveEventSync(ctx, row); err != nil {
		return err
	}

	e.Logger.Warn("sync conflict opened",
		zap.String("conflict", c.ID),
		zap.String("type", string(c.Type)),
		zap.String("request", string(c.EventSyncID)),
	)
	return nil
}

// =============================================================================
// PHASE 2: PULL
// =============================================================================

func (e *Engine) pullPhase(ctx context.Context, c *cycle, userID ledger.UserID) {
	changes, next, err := e.pull(ctx, c.cfg.SyncCursor)
	if errors.Is(err, ErrCursorInvalid) {
		// Cursor expired: reset every tracked row and do a full pull.
		if resetErr := e.resetToPendingPull(ctx, userID); resetErr != nil {
			c.fail("cursor reset: %v", resetErr)
			return
		}
		changes, next, err = e.pull(ctx, "")
	}
	if err != nil {
		// Transient by contract: retried next cycle, cursor unchanged.
		c.fail("pull: %v", err)
		return
	}

	clean := true
	for _, change := range changes {
		c.processed++
		if err := e.classify(ctx, c, change); err != nil {
			clean = false
			c.fail("change %s: %v", change.ExternalID, err)
		}
	}

	// The cursor advances only once every change has been classified, so a
	// failed change is replayed from the old cursor next cycle instead of
	// being lost. classify tolerates the replay: version comparison is
	// idempotent and conflicted rows are left alone.
	if !clean {
		return
	}
	c.cfg.SyncCursor = next
	c.cfg.UpdatedAt = e.clock()
	if err := e.Store.SaveSyncConfig(ctx, c.cfg); err != nil {
		c.fail("save cursor: %v", err)
	}
}

func (e *Engine) pull(ctx context.Context, cursor string) ([]Change, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.CallTimeout)
	defer cancel()
	return e.Provider.Pull(callCtx, cursor)
}

func (e *Engine) resetToPendingPull(ctx context.Context, userID ledger.UserID) error {
	rows, err := e.Store.ListEventSyncs(ctx, userID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Status == SyncStatusConflicted {
			continue
		}
		row.Status = SyncStatusPendingPull
		if err := e.Store.SaveEventSync(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// classify routes one pulled change. Local request state is never mutated
// here: divergence becomes a conflict for a human.
func (e *Engine) classify(ctx context.Context, c *cycle, change Change) error {
	row, err := e.Store.GetEventSyncByExternalID(ctx, change.ExternalID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	if row == nil {
		// Provider-only event: out of scope, the engine is leave-
		// authoritative.
		return nil
	}
	if row.Status == SyncStatusConflicted {
		// Blocked until the existing conflict is resolved.
		return nil
	}

	now := e.clock()
	switch {
	case change.Deleted:
		return e.openConflict(ctx, &Conflict{
			EventSyncID:     row.LeaveRequestID,
			UserID:          row.UserID,
			Type:            ConflictExternalDeleted,
			ObservedVersion: change.Version,
			Detail:          "event deleted on provider",
		})

	case change.Version != row.ExternalVersion:
		ev := change.Event
		return e.openConflict(ctx, &Conflict{
			EventSyncID:     row.LeaveRequestID,
			UserID:          row.UserID,
			Type:            ConflictExternalModified,
			ObservedVersion: change.Version,
			ObservedEvent:   &ev,
			Detail:          fmt.Sprintf("provider version %s, last known %s", change.Version, row.ExternalVersion),
		})

	default:
		// Same version. Confirms a PendingPull row after a cursor reset.
		if row.Status == SyncStatusPendingPull {
			row.Status = SyncStatusSynced
			row.LastSyncedAt = now
			return e.Store.SaveEventSync(ctx, row)
		}
		return nil
	}
}

// =============================================================================
// PHASE 3: PUSH
// =============================================================================

func (e *Engine) pushPhase(ctx context.Context, c *cycle, userID ledger.UserID) {
	rows, err := e.Store.ListEventSyncs(ctx, userID)
	if err != nil {
		c.fail("list event rows: %v", err)
		return
	}

	now := e.clock()
	for _, row := range rows {
		if row.Status != SyncStatusPendingPush || row.NeedsAttention {
			continue
		}
		if row.NextAttemptAt.After(now) {
			continue
		}
		c.processed++
		if err := e.pushRow(ctx, row); err != nil {
			c.fail("push %s: %v", row.LeaveRequestID, err)
		}
	}
}

// pushRow performs one push or delete for a row and updates its retry
// bookkeeping. A partially-applied push is always rolled back to
// PendingPush: the row is saved only after the provider call settles.
func (e *Engine) pushRow(ctx context.Context, row *EventSync) error {
	callCtx, cancel := context.WithTimeout(ctx, e.CallTimeout)
	defer cancel()

	var callErr error
	if row.DeleteRequested {
		callErr = e.Provider.Delete(callCtx, row.ExternalID)
		if callErr == nil {
			row.ExternalID = ""
			row.ExternalVersion = ""
			row.DeleteRequested = false
		}
	} else {
		req, err := e.Requests.GetRequest(ctx, row.LeaveRequestID)
		if err != nil {
			return err
		}
		ev := eventFor(req)
		ev.ExternalID = row.ExternalID

		var externalID, version string
		externalID, version, callErr = e.Provider.Push(callCtx, ev)
		if callErr == nil {
			row.ExternalID = externalID
			row.ExternalVersion = version
		}
	}

	now := e.clock()
	if callErr == nil {
		row.Status = SyncStatusSynced
		row.Attempts = 0
		row.NextAttemptAt = time.Time{}
		row.NeedsAttention = false
		row.LastError = ""
		row.LastSyncedAt = now
		return e.Store.SaveEventSync(ctx, row)
	}

	row.Attempts++
	row.LastError = callErr.Error()
	row.Status = SyncStatusPendingPush

	if errors.Is(callErr, ErrPermanentProvider) || row.Attempts >= e.MaxPushAttempts {
		// Flagged for manual attention instead of retrying forever.
		row.NeedsAttention = true
	} else {
		row.NextAttemptAt = now.Add(e.backoff(row.Attempts))
	}
	if err := e.Store.SaveEventSync(ctx, row); err != nil {
		return err
	}
	return callErr
}

// backoff returns the exponential delay before the next attempt.
func (e *Engine) backoff(attempts int) time.Duration {
	d := e.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= e.MaxBackoff {
			return e.MaxBackoff
		}
	}
	if d > e.MaxBackoff {
		return e.MaxBackoff
	}
	return d
}

// eventFor builds the provider event mirroring one approved request.
func eventFor(req *leave.LeaveRequest) Event {
	return Event{
		Title:          fmt.Sprintf("Leave (%s)", req.LeaveType),
		Start:          req.StartDate.Time,
		End:            req.EndDate.AddDays(1).Time, // exclusive end
		LeaveRequestID: req.ID,
	}
}
