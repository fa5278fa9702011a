/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements ledger.TxStore, leave.Store, and calsync.Store on one database.
  In production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE ever touches ledger_entries. Corrections are reversal
  entries. The materialized balance in ledger_balances is updated in the
  same database transaction as every append, so the two can only diverge
  through an outside writer - which is exactly what Verify detects.

KEY TABLES:
  ledger_entries:          Immutable balance ledger
  ledger_balances:         Materialized per-key balance plus corruption hold
  employees:               Directory records (hire date drives entitlement)
  leave_requests:          Request lifecycle state
  overtime_records:        Overtime awaiting or past conversion
  calendar_sync_configs:   Per-user provider connection and cursor
  calendar_event_syncs:    Request-to-external-event link rows
  calendar_conflicts:      Divergences awaiting explicit resolution
  sync_history:            Append-only sync run log

WAL MODE:
  SQLite is opened with WAL so readers do not block the single writer.
  Busy-timeout contention surfaces as ledger.ErrConcurrencyConflict, which
  callers retry.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - leave/store.go: Request-side interface extensions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/leave-engine/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so the same query helpers
// serve plain calls and WithTx bodies.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time keeps "database is locked" rare under WAL.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Balance ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		lot_id TEXT NOT NULL,
		delta_hours TEXT NOT NULL,
		reason TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		expiration_date TEXT,
		reference_id TEXT,
		idempotency_key TEXT UNIQUE,
		actor_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_user_type_date
		ON ledger_entries(user_id, leave_type, effective_date);
	CREATE INDEX IF NOT EXISTS idx_entries_lot
		ON ledger_entries(lot_id);
	CREATE INDEX IF NOT EXISTS idx_entries_expiring
		ON ledger_entries(expiration_date) WHERE expiration_date IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_reference
		ON ledger_entries(reference_id) WHERE reference_id IS NOT NULL;

	-- Materialized balance per (user, leave type), updated with each append.
	-- halted = 1 freezes writes to the key after a verification mismatch.
	CREATE TABLE IF NOT EXISTS ledger_balances (
		user_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		balance_hours TEXT NOT NULL,
		halted INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, leave_type)
	);

	-- Employees (directory)
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		hire_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Leave requests (lifecycle state)
	CREATE TABLE IF NOT EXISTS leave_requests (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		hours TEXT NOT NULL,
		note TEXT,
		status TEXT NOT NULL,
		approver_id TEXT,
		consumption_entry_ids TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		decided_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_requests_user
		ON leave_requests(user_id);
	CREATE INDEX IF NOT EXISTS idx_requests_user_status
		ON leave_requests(user_id, status);

	-- Overtime records
	CREATE TABLE IF NOT EXISTS overtime_records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		work_date TEXT NOT NULL,
		hours TEXT NOT NULL,
		status TEXT NOT NULL,
		conversion_target TEXT NOT NULL,
		produced_entry_id TEXT,
		created_at TEXT NOT NULL,
		decided_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_overtime_user
		ON overtime_records(user_id);

	-- Calendar sync configs (one per connected user)
	CREATE TABLE IF NOT EXISTS calendar_sync_configs (
		user_id TEXT PRIMARY KEY,
		provider_account_id TEXT NOT NULL,
		sync_enabled INTEGER NOT NULL DEFAULT 0,
		sync_cursor TEXT,
		conflict_policy TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Request-to-external-event link rows
	CREATE TABLE IF NOT EXISTS calendar_event_syncs (
		leave_request_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		external_id TEXT,
		external_version TEXT,
		status TEXT NOT NULL,
		delete_requested INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT,
		needs_attention INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		last_synced_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_event_syncs_user
		ON calendar_event_syncs(user_id);
	CREATE INDEX IF NOT EXISTS idx_event_syncs_external
		ON calendar_event_syncs(external_id) WHERE external_id != '';

	-- Conflicts awaiting explicit resolution
	CREATE TABLE IF NOT EXISTS calendar_conflicts (
		id TEXT PRIMARY KEY,
		event_sync_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		conflict_type TEXT NOT NULL,
		detected_at TEXT NOT NULL,
		observed_version TEXT,
		observed_event_json TEXT,
		detail TEXT,
		resolution_status TEXT NOT NULL,
		resolved_by TEXT,
		resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_conflicts_user_open
		ON calendar_conflicts(user_id, resolution_status);

	-- Sync run history (append-only)
	CREATE TABLE IF NOT EXISTS sync_history (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		status TEXT NOT NULL,
		events_processed INTEGER NOT NULL DEFAULT 0,
		errors_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sync_history_user
		ON sync_history(user_id, started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

// Append adds one entry and updates the materialized balance atomically.
func (s *Store) Append(ctx context.Context, e ledger.BalanceLedgerEntry) error {
	return s.withSQLTx(ctx, func(tx *sql.Tx) error {
		return appendEntry(ctx, tx, e)
	})
}

// AppendBatch adds multiple entries atomically.
func (s *Store) AppendBatch(ctx context.Context, es []ledger.BalanceLedgerEntry) error {
	return s.withSQLTx(ctx, func(tx *sql.Tx) error {
		return appendBatch(ctx, tx, es)
	})
}

func appendBatch(ctx context.Context, db dbtx, es []ledger.BalanceLedgerEntry) error {
	// Reject in-batch duplicates before touching the database.
	seen := make(map[string]bool)
	for _, e := range es {
		if e.IdempotencyKey != "" {
			if seen[e.IdempotencyKey] {
				return ledger.ErrDuplicateIdempotencyKey
			}
			seen[e.IdempotencyKey] = true
		}
	}
	for _, e := range es {
		if err := appendEntry(ctx, db, e); err != nil {
			return err
		}
	}
	return nil
}

func appendEntry(ctx context.Context, db dbtx, e ledger.BalanceLedgerEntry) error {
	var halted int
	err := db.QueryRowContext(ctx,
		"SELECT halted FROM ledger_balances WHERE user_id = ? AND leave_type = ?",
		e.UserID, e.LeaveType,
	).Scan(&halted)
	if err != nil && err != sql.ErrNoRows {
		return mapSQLError(err)
	}
	if halted != 0 {
		return ledger.ErrLedgerCorrupt
	}

	var expiration *string
	if e.ExpirationDate != nil {
		v := e.ExpirationDate.String()
		expiration = &v
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, user_id, leave_type, lot_id, delta_hours, reason, effective_date,
		 expiration_date, reference_id, idempotency_key, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.LeaveType, e.LotID,
		e.Delta.String(), e.Reason, e.EffectiveDate.String(),
		expiration, nullString(e.ReferenceID), nullString(e.IdempotencyKey),
		nullString(e.ActorID), e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return mapSQLError(err)
	}

	// Materialized balance moves in the same transaction as the entry.
	var current string
	err = db.QueryRowContext(ctx,
		"SELECT balance_hours FROM ledger_balances WHERE user_id = ? AND leave_type = ?",
		e.UserID, e.LeaveType,
	).Scan(&current)
	balance := e.Delta
	if err == nil {
		balance = ledger.HoursFromString(current).Add(e.Delta)
	} else if err != sql.ErrNoRows {
		return mapSQLError(err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO ledger_balances (user_id, leave_type, balance_hours, halted, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(user_id, leave_type) DO UPDATE SET
			balance_hours = excluded.balance_hours,
			updated_at = excluded.updated_at`,
		e.UserID, e.LeaveType, balance.String(),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return mapSQLError(err)
}

const entryColumns = `id, user_id, leave_type, lot_id, delta_hours, reason,
	effective_date, expiration_date, reference_id, idempotency_key, actor_id, created_at`

// Load returns all entries for a balance key, ordered by effective date then
// creation time.
func (s *Store) Load(ctx context.Context, userID ledger.UserID, leaveType ledger.LeaveType) ([]ledger.BalanceLedgerEntry, error) {
	return queryEntries(ctx, s.db, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE user_id = ? AND leave_type = ?
		ORDER BY effective_date ASC, created_at ASC`,
		userID, leaveType)
}

// LoadByLot returns every entry in a lot: its opener plus all consumption,
// reversal, and expiration against it.
func (s *Store) LoadByLot(ctx context.Context, lotID ledger.LotID) ([]ledger.BalanceLedgerEntry, error) {
	return queryEntries(ctx, s.db, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE lot_id = ?
		ORDER BY effective_date ASC, created_at ASC`,
		lotID)
}

// LoadExpiring returns lot-opening entries whose credit expires on or before
// the cutoff, across all users. Openers are the rows whose id equals lot_id.
func (s *Store) LoadExpiring(ctx context.Context, cutoff ledger.Date) ([]ledger.BalanceLedgerEntry, error) {
	return queryEntries(ctx, s.db, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE id = lot_id AND expiration_date IS NOT NULL AND expiration_date <= ?
		ORDER BY expiration_date ASC, created_at ASC`,
		cutoff.String())
}

func (s *Store) MaterializedBalance(ctx context.Context, userID ledger.UserID, leaveType ledger.LeaveType) (ledger.Hours, bool, error) {
	return materializedBalance(ctx, s.db, userID, leaveType)
}

func materializedBalance(ctx context.Context, db dbtx, userID ledger.UserID, leaveType ledger.LeaveType) (ledger.Hours, bool, error) {
	var v string
	err := db.QueryRowContext(ctx,
		"SELECT balance_hours FROM ledger_balances WHERE user_id = ? AND leave_type = ?",
		userID, leaveType,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return ledger.ZeroHours(), false, nil
	}
	if err != nil {
		return ledger.ZeroHours(), false, mapSQLError(err)
	}
	return ledger.HoursFromString(v), true, nil
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	return count > 0, mapSQLError(err)
}

// Halt freezes writes to one balance key after a verification mismatch.
func (s *Store) Halt(ctx context.Context, userID ledger.UserID, leaveType ledger.LeaveType) error {
	return haltKey(ctx, s.db, userID, leaveType)
}

func haltKey(ctx context.Context, db dbtx, userID ledger.UserID, leaveType ledger.LeaveType) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ledger_balances (user_id, leave_type, balance_hours, halted, updated_at)
		VALUES (?, ?, '0', 1, ?)
		ON CONFLICT(user_id, leave_type) DO UPDATE SET
			halted = 1,
			updated_at = excluded.updated_at`,
		userID, leaveType, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return mapSQLError(err)
}

func queryEntries(ctx context.Context, db dbtx, query string, args ...any) ([]ledger.BalanceLedgerEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var entries []ledger.BalanceLedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.BalanceLedgerEntry, error) {
	var (
		e             ledger.BalanceLedgerEntry
		delta         string
		effectiveDate string
		expiration    sql.NullString
		reference     sql.NullString
		idemKey       sql.NullString
		actor         sql.NullString
		createdAt     string
	)

	err := rows.Scan(
		&e.ID, &e.UserID, &e.LeaveType, &e.LotID, &delta, &e.Reason,
		&effectiveDate, &expiration, &reference, &idemKey, &actor, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	e.Delta = ledger.HoursFromString(delta)
	e.EffectiveDate, _ = ledger.ParseDate(effectiveDate)
	if expiration.Valid {
		d, err := ledger.ParseDate(expiration.String)
		if err == nil {
			e.ExpirationDate = &d
		}
	}
	e.ReferenceID = reference.String
	e.IdempotencyKey = idemKey.String
	e.ActorID = actor.String
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE (leave.TxStore interface)
// =============================================================================

// WithTx executes fn within one database transaction. The view passed to fn
// also implements leave.Store, so lifecycle code can move ledger and request
// state together.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.withSQLTx(ctx, func(tx *sql.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

func (s *Store) withSQLTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLError(err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return mapSQLError(tx.Commit())
}

// txStore is the transaction-scoped view handed to WithTx bodies.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Append(ctx context.Context, e ledger.BalanceLedgerEntry) error {
	return appendEntry(ctx, ts.tx, e)
}

func (ts *txStore) AppendBatch(ctx context.Context, es []ledger.BalanceLedgerEntry) error {
	return appendBatch(ctx, ts.tx, es)
}

func (ts *txStore) Load(ctx context.Context, userID ledger.UserID, leaveType ledger.LeaveType) ([]ledger.BalanceLedgerEntry, error) {
	return queryEntries(ctx, ts.tx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE user_id = ? AND leave_type = ?
		ORDER BY effective_date ASC, created_at ASC`,
		userID, leaveType)
}

func (ts *txStore) LoadByLot(ctx context.Context, lotID ledger.LotID) ([]ledger.BalanceLedgerEntry, error) {
	return queryEntries(ctx, ts.tx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE lot_id = ?
		ORDER BY effective_date ASC, created_at ASC`,
		lotID)
}

func (ts *txStore) LoadExpiring(ctx context.Context, cutoff ledger.Date) ([]ledger.BalanceLedgerEntry, error) {
	return queryEntries(ctx, ts.tx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE id = lot_id AND expiration_date IS NOT NULL AND expiration_date <= ?
		ORDER BY expiration_date ASC, created_at ASC`,
		cutoff.String())
}

func (ts *txStore) MaterializedBalance(ctx context.Context, userID ledger.UserID, leaveType ledger.LeaveType) (ledger.Hours, bool, error) {
	return materializedBalance(ctx, ts.tx, userID, leaveType)
}

func (ts *txStore) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := ts.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	return count > 0, mapSQLError(err)
}

func (ts *txStore) Halt(ctx context.Context, userID ledger.UserID, leaveType ledger.LeaveType) error {
	return haltKey(ctx, ts.tx, userID, leaveType)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// mapSQLError translates driver-level contention into the engine's retryable
// conflict error.
func mapSQLError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") {
		return ledger.ErrConcurrencyConflict
	}
	return err
}
