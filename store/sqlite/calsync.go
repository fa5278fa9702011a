/*
calsync.go - Calendar-side persistence

Sync rows live in the same database but never share a transaction with the
ledger. A failed sync cycle must not be able to roll back balance state.
Observed external events and run errors are stored as JSON blobs; they are
caches for resolution and reporting, not queryable state.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/warp/leave-engine/calsync"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
)

// =============================================================================
// SYNC CONFIGS
// =============================================================================

func (s *Store) GetSyncConfig(ctx context.Context, userID ledger.UserID) (*calsync.Config, error) {
	var (
		cfg       calsync.Config
		enabled   int
		cursor    sql.NullString
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, provider_account_id, sync_enabled, sync_cursor, conflict_policy, updated_at
		FROM calendar_sync_configs WHERE user_id = ?`, userID,
	).Scan(&cfg.UserID, &cfg.ProviderAccountID, &enabled, &cursor, &cfg.ConflictPolicy, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapSQLError(err)
	}

	cfg.SyncEnabled = enabled != 0
	cfg.SyncCursor = cursor.String
	cfg.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &cfg, nil
}

func (s *Store) SaveSyncConfig(ctx context.Context, cfg *calsync.Config) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calendar_sync_configs
		(user_id, provider_account_id, sync_enabled, sync_cursor, conflict_policy, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			provider_account_id = excluded.provider_account_id,
			sync_enabled = excluded.sync_enabled,
			sync_cursor = excluded.sync_cursor,
			conflict_policy = excluded.conflict_policy,
			updated_at = excluded.updated_at`,
		cfg.UserID, cfg.ProviderAccountID, boolInt(cfg.SyncEnabled),
		nullString(cfg.SyncCursor), cfg.ConflictPolicy,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return mapSQLError(err)
}

func (s *Store) ListEnabledConfigs(ctx context.Context) ([]*calsync.Config, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, provider_account_id, sync_enabled, sync_cursor, conflict_policy, updated_at
		FROM calendar_sync_configs WHERE sync_enabled = 1 ORDER BY user_id`)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var configs []*calsync.Config
	for rows.Next() {
		var (
			cfg       calsync.Config
			enabled   int
			cursor    sql.NullString
			updatedAt string
		)
		if err := rows.Scan(&cfg.UserID, &cfg.ProviderAccountID, &enabled,
			&cursor, &cfg.ConflictPolicy, &updatedAt); err != nil {
			return nil, err
		}
		cfg.SyncEnabled = enabled != 0
		cfg.SyncCursor = cursor.String
		cfg.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		configs = append(configs, &cfg)
	}
	return configs, rows.Err()
}

// =============================================================================
// EVENT SYNC ROWS
// =============================================================================

const eventSyncColumns = `leave_request_id, user_id, external_id, external_version,
	status, delete_requested, attempts, next_attempt_at, needs_attention, last_error, last_synced_at`

func (s *Store) GetEventSync(ctx context.Context, requestID leave.RequestID) (*calsync.EventSync, error) {
	rows, err := s.queryEventSyncs(ctx, `
		SELECT `+eventSyncColumns+` FROM calendar_event_syncs
		WHERE leave_request_id = ?`, requestID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ledger.ErrNotFound
	}
	return rows[0], nil
}

func (s *Store) GetEventSyncByExternalID(ctx context.Context, externalID string) (*calsync.EventSync, error) {
	rows, err := s.queryEventSyncs(ctx, `
		SELECT `+eventSyncColumns+` FROM calendar_event_syncs
		WHERE external_id = ?`, externalID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ledger.ErrNotFound
	}
	return rows[0], nil
}

func (s *Store) SaveEventSync(ctx context.Context, row *calsync.EventSync) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calendar_event_syncs (`+eventSyncColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(leave_request_id) DO UPDATE SET
			external_id = excluded.external_id,
			external_version = excluded.external_version,
			status = excluded.status,
			delete_requested = excluded.delete_requested,
			attempts = excluded.attempts,
			next_attempt_at = excluded.next_attempt_at,
			needs_attention = excluded.needs_attention,
			last_error = excluded.last_error,
			last_synced_at = excluded.last_synced_at`,
		row.LeaveRequestID, row.UserID, nullString(row.ExternalID),
		nullString(row.ExternalVersion), row.Status, boolInt(row.DeleteRequested),
		row.Attempts, nullTime(row.NextAttemptAt), boolInt(row.NeedsAttention),
		nullString(row.LastError), nullTime(row.LastSyncedAt),
	)
	return mapSQLError(err)
}

func (s *Store) ListEventSyncs(ctx context.Context, userID ledger.UserID) ([]*calsync.EventSync, error) {
	return s.queryEventSyncs(ctx, `
		SELECT `+eventSyncColumns+` FROM calendar_event_syncs
		WHERE user_id = ? ORDER BY leave_request_id`, userID)
}

func (s *Store) queryEventSyncs(ctx context.Context, query string, args ...any) ([]*calsync.EventSync, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var out []*calsync.EventSync
	for rows.Next() {
		var (
			row           calsync.EventSync
			externalID    sql.NullString
			version       sql.NullString
			deleteReq     int
			nextAttemptAt sql.NullString
			needsAtt      int
			lastError     sql.NullString
			lastSyncedAt  sql.NullString
		)
		if err := rows.Scan(&row.LeaveRequestID, &row.UserID, &externalID, &version,
			&row.Status, &deleteReq, &row.Attempts, &nextAttemptAt, &needsAtt,
			&lastError, &lastSyncedAt); err != nil {
			return nil, err
		}
		row.ExternalID = externalID.String
		row.ExternalVersion = version.String
		row.DeleteRequested = deleteReq != 0
		row.NeedsAttention = needsAtt != 0
		row.LastError = lastError.String
		if nextAttemptAt.Valid {
			row.NextAttemptAt, _ = time.Parse(time.RFC3339Nano, nextAttemptAt.String)
		}
		if lastSyncedAt.Valid {
			row.LastSyncedAt, _ = time.Parse(time.RFC3339Nano, lastSyncedAt.String)
		}
		out = append(out, &row)
	}
	return out, rows.Err()
}

// =============================================================================
// CONFLICTS
// =============================================================================

func (s *Store) SaveConflict(ctx context.Context, c *calsync.Conflict) error {
	var observedJSON *string
	if c.ObservedEvent != nil {
		b, err := json.Marshal(c.ObservedEvent)
		if err != nil {
			return err
		}
		v := string(b)
		observedJSON = &v
	}
	var resolvedAt *string
	if c.ResolvedAt != nil {
		v := c.ResolvedAt.UTC().Format(time.RFC3339Nano)
		resolvedAt = &v
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calendar_conflicts
		(id, event_sync_id, user_id, conflict_type, detected_at, observed_version,
		 observed_event_json, detail, resolution_status, resolved_by, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resolution_status = excluded.resolution_status,
			resolved_by = excluded.resolved_by,
			resolved_at = excluded.resolved_at`,
		c.ID, c.EventSyncID, c.UserID, c.Type,
		c.DetectedAt.UTC().Format(time.RFC3339Nano),
		nullString(c.ObservedVersion), observedJSON, nullString(c.Detail),
		c.ResolutionStatus, nullString(c.ResolvedBy), resolvedAt,
	)
	return mapSQLError(err)
}

func (s *Store) GetConflict(ctx context.Context, id string) (*calsync.Conflict, error) {
	rows, err := s.queryConflicts(ctx, `
		SELECT id, event_sync_id, user_id, conflict_type, detected_at, observed_version,
		       observed_event_json, detail, resolution_status, resolved_by, resolved_at
		FROM calendar_conflicts WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ledger.ErrNotFound
	}
	return rows[0], nil
}

func (s *Store) ListOpenConflicts(ctx context.Context, userID ledger.UserID) ([]*calsync.Conflict, error) {
	return s.queryConflicts(ctx, `
		SELECT id, event_sync_id, user_id, conflict_type, detected_at, observed_version,
		       observed_event_json, detail, resolution_status, resolved_by, resolved_at
		FROM calendar_conflicts
		WHERE user_id = ? AND resolution_status = ?
		ORDER BY detected_at ASC`, userID, calsync.ResolutionOpen)
}

func (s *Store) queryConflicts(ctx context.Context, query string, args ...any) ([]*calsync.Conflict, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var out []*calsync.Conflict
	for rows.Next() {
		var (
			c            calsync.Conflict
			detectedAt   string
			observedVer  sql.NullString
			observedJSON sql.NullString
			detail       sql.NullString
			resolvedBy   sql.NullString
			resolvedAt   sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.EventSyncID, &c.UserID, &c.Type, &detectedAt,
			&observedVer, &observedJSON, &detail, &c.ResolutionStatus,
			&resolvedBy, &resolvedAt); err != nil {
			return nil, err
		}
		c.DetectedAt, _ = time.Parse(time.RFC3339Nano, detectedAt)
		c.ObservedVersion = observedVer.String
		c.Detail = detail.String
		c.ResolvedBy = resolvedBy.String
		if observedJSON.Valid && observedJSON.String != "" {
			var ev calsync.Event
			if err := json.Unmarshal([]byte(observedJSON.String), &ev); err == nil {
				c.ObservedEvent = &ev
			}
		}
		if resolvedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, resolvedAt.String)
			c.ResolvedAt = &t
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// =============================================================================
// SYNC HISTORY
// =============================================================================

func (s *Store) AppendSyncHistory(ctx context.Context, h calsync.SyncHistory) error {
	var errorsJSON *string
	if len(h.Errors) > 0 {
		b, err := json.Marshal(h.Errors)
		if err != nil {
			return err
		}
		v := string(b)
		errorsJSON = &v
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_history
		(id, user_id, started_at, completed_at, status, events_processed, errors_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.UserID,
		h.StartedAt.UTC().Format(time.RFC3339Nano),
		h.CompletedAt.UTC().Format(time.RFC3339Nano),
		h.Status, h.EventsProcessed, errorsJSON,
	)
	return mapSQLError(err)
}

func (s *Store) ListSyncHistory(ctx context.Context, userID ledger.UserID, limit int) ([]calsync.SyncHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, started_at, completed_at, status, events_processed, errors_json
		FROM sync_history
		WHERE user_id = ?
		ORDER BY started_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var out []calsync.SyncHistory
	for rows.Next() {
		var (
			h           calsync.SyncHistory
			startedAt   string
			completedAt string
			errorsJSON  sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.UserID, &startedAt, &completedAt,
			&h.Status, &h.EventsProcessed, &errorsJSON); err != nil {
			return nil, err
		}
		h.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		h.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
		if errorsJSON.Valid && errorsJSON.String != "" {
			json.Unmarshal([]byte(errorsJSON.String), &h.Errors)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	v := t.UTC().Format(time.RFC3339Nano)
	return &v
}
