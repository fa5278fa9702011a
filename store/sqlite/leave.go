/*
leave.go - Request, overtime, and directory persistence

Requests are mutable rows, unlike ledger entries: the lifecycle rewrites
status in place while the ledger records the history. Consumption entry ids
are stored as a comma-joined list; they are opaque uuids and never contain
commas.
*/
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
)

// =============================================================================
// LEAVE REQUESTS
// =============================================================================

const requestColumns = `id, user_id, leave_type, start_date, end_date, hours, note,
	status, approver_id, consumption_entry_ids, created_at, updated_at, decided_at`

func (s *Store) SaveRequest(ctx context.Context, r *leave.LeaveRequest) error {
	return saveRequest(ctx, s.db, r)
}

func saveRequest(ctx context.Context, db dbtx, r *leave.LeaveRequest) error {
	var decidedAt *string
	if r.DecidedAt != nil {
		v := r.DecidedAt.UTC().Format(time.RFC3339Nano)
		decidedAt = &v
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO leave_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			approver_id = excluded.approver_id,
			consumption_entry_ids = excluded.consumption_entry_ids,
			updated_at = excluded.updated_at,
			decided_at = excluded.decided_at`,
		r.ID, r.UserID, r.LeaveType,
		r.StartDate.String(), r.EndDate.String(), r.Hours.String(),
		nullString(r.Note), r.Status, nullString(r.ApproverID),
		joinEntryIDs(r.ConsumptionEntryIDs),
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
		r.UpdatedAt.UTC().Format(time.RFC3339Nano),
		decidedAt,
	)
	return mapSQLError(err)
}

func (s *Store) GetRequest(ctx context.Context, id leave.RequestID) (*leave.LeaveRequest, error) {
	return getRequest(ctx, s.db, id)
}

func getRequest(ctx context.Context, db dbtx, id leave.RequestID) (*leave.LeaveRequest, error) {
	rows, err := queryRequests(ctx, db,
		`SELECT `+requestColumns+` FROM leave_requests WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ledger.ErrNotFound
	}
	return rows[0], nil
}

func (s *Store) ListRequests(ctx context.Context, userID ledger.UserID) ([]*leave.LeaveRequest, error) {
	return queryRequests(ctx, s.db, `
		SELECT `+requestColumns+` FROM leave_requests
		WHERE user_id = ?
		ORDER BY start_date ASC`, userID)
}

func (s *Store) ListRequestsByStatus(ctx context.Context, userID ledger.UserID, status leave.RequestStatus) ([]*leave.LeaveRequest, error) {
	return listRequestsByStatus(ctx, s.db, userID, status)
}

func listRequestsByStatus(ctx context.Context, db dbtx, userID ledger.UserID, status leave.RequestStatus) ([]*leave.LeaveRequest, error) {
	return queryRequests(ctx, db, `
		SELECT `+requestColumns+` FROM leave_requests
		WHERE user_id = ? AND status = ?
		ORDER BY start_date ASC`, userID, status)
}

func queryRequests(ctx context.Context, db dbtx, query string, args ...any) ([]*leave.LeaveRequest, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var requests []*leave.LeaveRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

func scanRequest(rows *sql.Rows) (*leave.LeaveRequest, error) {
	var (
		r          leave.LeaveRequest
		startDate  string
		endDate    string
		hours      string
		note       sql.NullString
		approver   sql.NullString
		entryIDs   sql.NullString
		createdAt  string
		updatedAt  string
		decidedAt  sql.NullString
	)

	err := rows.Scan(
		&r.ID, &r.UserID, &r.LeaveType, &startDate, &endDate, &hours, &note,
		&r.Status, &approver, &entryIDs, &createdAt, &updatedAt, &decidedAt,
	)
	if err != nil {
		return nil, err
	}

	r.StartDate, _ = ledger.ParseDate(startDate)
	r.EndDate, _ = ledger.ParseDate(endDate)
	r.Hours = ledger.HoursFromString(hours)
	r.Note = note.String
	r.ApproverID = approver.String
	r.ConsumptionEntryIDs = splitEntryIDs(entryIDs.String)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if decidedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, decidedAt.String)
		r.DecidedAt = &t
	}
	return &r, nil
}

func joinEntryIDs(ids []ledger.EntryID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

func splitEntryIDs(s string) []ledger.EntryID {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ids := make([]ledger.EntryID, len(parts))
	for i, p := range parts {
		ids[i] = ledger.EntryID(p)
	}
	return ids
}

// =============================================================================
// OVERTIME RECORDS
// =============================================================================

func (s *Store) SaveOvertime(ctx context.Context, o *leave.OvertimeRecord) error {
	return saveOvertime(ctx, s.db, o)
}

func saveOvertime(ctx context.Context, db dbtx, o *leave.OvertimeRecord) error {
	var decidedAt *string
	if o.DecidedAt != nil {
		v := o.DecidedAt.UTC().Format(time.RFC3339Nano)
		decidedAt = &v
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO overtime_records
		(id, user_id, work_date, hours, status, conversion_target, produced_entry_id, created_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			conversion_target = excluded.conversion_target,
			produced_entry_id = excluded.produced_entry_id,
			decided_at = excluded.decided_at`,
		o.ID, o.UserID, o.WorkDate.String(), o.Hours.String(),
		o.Status, o.ConversionTarget, nullString(string(o.ProducedEntryID)),
		o.CreatedAt.UTC().Format(time.RFC3339Nano), decidedAt,
	)
	return mapSQLError(err)
}

func (s *Store) GetOvertime(ctx context.Context, id leave.OvertimeID) (*leave.OvertimeRecord, error) {
	return getOvertime(ctx, s.db, id)
}

func getOvertime(ctx context.Context, db dbtx, id leave.OvertimeID) (*leave.OvertimeRecord, error) {
	var (
		o         leave.OvertimeRecord
		workDate  string
		hours     string
		produced  sql.NullString
		createdAt string
		decidedAt sql.NullString
	)

	err := db.QueryRowContext(ctx, `
		SELECT id, user_id, work_date, hours, status, conversion_target,
		       produced_entry_id, created_at, decided_at
		FROM overtime_records WHERE id = ?`, id,
	).Scan(&o.ID, &o.UserID, &workDate, &hours, &o.Status, &o.ConversionTarget,
		&produced, &createdAt, &decidedAt)

	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, mapSQLError(err)
	}

	o.WorkDate, _ = ledger.ParseDate(workDate)
	o.Hours = ledger.HoursFromString(hours)
	o.ProducedEntryID = ledger.EntryID(produced.String)
	o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if decidedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, decidedAt.String)
		o.DecidedAt = &t
	}
	return &o, nil
}

// =============================================================================
// EMPLOYEES
// =============================================================================

func (s *Store) SaveEmployee(ctx context.Context, e leave.Employee) error {
	return saveEmployee(ctx, s.db, e)
}

func saveEmployee(ctx context.Context, db dbtx, e leave.Employee) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO employees (id, name, hire_date, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			hire_date = excluded.hire_date`,
		e.ID, e.Name, e.HireDate.String(),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return mapSQLError(err)
}

func (s *Store) GetEmployee(ctx context.Context, id ledger.UserID) (*leave.Employee, error) {
	return getEmployee(ctx, s.db, id)
}

func getEmployee(ctx context.Context, db dbtx, id ledger.UserID) (*leave.Employee, error) {
	var (
		e        leave.Employee
		hireDate string
	)
	err := db.QueryRowContext(ctx,
		"SELECT id, name, hire_date FROM employees WHERE id = ?", id,
	).Scan(&e.ID, &e.Name, &hireDate)

	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	e.HireDate, _ = ledger.ParseDate(hireDate)
	return &e, nil
}

func (s *Store) ListEmployees(ctx context.Context) ([]leave.Employee, error) {
	return listEmployees(ctx, s.db)
}

func listEmployees(ctx context.Context, db dbtx) ([]leave.Employee, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, name, hire_date FROM employees ORDER BY id")
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var employees []leave.Employee
	for rows.Next() {
		var (
			e        leave.Employee
			hireDate string
		)
		if err := rows.Scan(&e.ID, &e.Name, &hireDate); err != nil {
			return nil, err
		}
		e.HireDate, _ = ledger.ParseDate(hireDate)
		employees = append(employees, e)
	}
	return employees, rows.Err()
}

// =============================================================================
// TRANSACTION VIEW - leave.Store methods
// =============================================================================

func (ts *txStore) SaveRequest(ctx context.Context, r *leave.LeaveRequest) error {
	return saveRequest(ctx, ts.tx, r)
}

func (ts *txStore) GetRequest(ctx context.Context, id leave.RequestID) (*leave.LeaveRequest, error) {
	return getRequest(ctx, ts.tx, id)
}

func (ts *txStore) ListRequests(ctx context.Context, userID ledger.UserID) ([]*leave.LeaveRequest, error) {
	return queryRequests(ctx, ts.tx, `
		SELECT `+requestColumns+` FROM leave_requests
		WHERE user_id = ?
		ORDER BY start_date ASC`, userID)
}

func (ts *txStore) ListRequestsByStatus(ctx context.Context, userID ledger.UserID, status leave.RequestStatus) ([]*leave.LeaveRequest, error) {
	return listRequestsByStatus(ctx, ts.tx, userID, status)
}

func (ts *txStore) SaveOvertime(ctx context.Context, o *leave.OvertimeRecord) error {
	return saveOvertime(ctx, ts.tx, o)
}

func (ts *txStore) GetOvertime(ctx context.Context, id leave.OvertimeID) (*leave.OvertimeRecord, error) {
	return getOvertime(ctx, ts.tx, id)
}

func (ts *txStore) SaveEmployee(ctx context.Context, e leave.Employee) error {
	return saveEmployee(ctx, ts.tx, e)
}

func (ts *txStore) GetEmployee(ctx context.Context, id ledger.UserID) (*leave.Employee, error) {
	return getEmployee(ctx, ts.tx, id)
}

func (ts *txStore) ListEmployees(ctx context.Context) ([]leave.Employee, error) {
	return listEmployees(ctx, ts.tx)
}
