/*
handlers.go - HTTP API handlers for the leave engine

PURPOSE:
  Exposes the engine via REST. Handlers parse input, delegate to domain
  logic, and serialize responses; no balance or lifecycle rules live here.

ENDPOINTS:
  Employees:
    GET    /api/employees                    List directory
    POST   /api/employees                    Create/update employee
    GET    /api/employees/{id}               Get employee
    GET    /api/employees/{id}/balance       Balance as of a date
    GET    /api/employees/{id}/lots          Open lots, FIFO order
    GET    /api/employees/{id}/ledger        Full entry history
    GET    /api/employees/{id}/requests      Leave requests
    POST   /api/employees/{id}/verify        Ledger/materialized check

  Requests:
    POST   /api/requests                     Create draft (or submit)
    GET    /api/requests/{id}
    POST   /api/requests/{id}/submit
    POST   /api/requests/{id}/approve
    POST   /api/requests/{id}/reject
    POST   /api/requests/{id}/cancel
    POST   /api/requests/{id}/complete

  Overtime:
    POST   /api/overtime                     Record worked overtime
    POST   /api/overtime/{id}/approve        Convert (comp-time/payout)
    POST   /api/overtime/{id}/reject

  Admin:
    POST   /api/admin/adjustments            Manual balance correction
    POST   /api/admin/expiration/run         Run the expiration job now
    POST   /api/admin/accrual/run            Run the accrual trigger now

  Sync:
    GET/PUT /api/sync/configs/{userID}       Per-user provider connection
    POST   /api/sync/run/{userID}            One sync cycle now
    GET    /api/sync/conflicts/{userID}      Open conflicts
    POST   /api/sync/conflicts/{id}/resolve  Close a conflict explicitly
    GET    /api/sync/flagged/{userID}        Rows needing manual attention
    GET    /api/sync/history/{userID}        Recent run log

SEE ALSO:
  - dto.go: Request/response data structures and error mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/calsync"
	"github.com/warp/leave-engine/entitlement"
	"github.com/warp/leave-engine/expiry"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the HTTP layer reads directly. Both the SQLite and
// in-memory stores satisfy it.
type Store interface {
	leave.TxStore
	calsync.Store
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *leave.Service
	Store   Store
	Expiry  *expiry.Job
	Accrual *entitlement.AccrualRunner

	// Sync is nil when no provider is configured; sync endpoints then
	// answer 503.
	Sync *calsync.Engine

	Logger *zap.Logger
}

// =============================================================================
// EMPLOYEES
// =============================================================================

func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := h.Store.ListEmployees(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, employees)
}

func (h *Handler) CreateEmployee(w http.ResponseWriter, r *http.Request) {
	var req createEmployeeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" || req.Name == "" {
		badRequest(w, "id and name are required")
		return
	}
	hireDate, err := ledger.ParseDate(req.HireDate)
	if err != nil {
		badRequest(w, "hire_date must be YYYY-MM-DD")
		return
	}

	emp := leave.Employee{ID: ledger.UserID(req.ID), Name: req.Name, HireDate: hireDate}
	if err := h.Store.SaveEmployee(r.Context(), emp); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, emp)
}

func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	emp, err := h.Store.GetEmployee(r.Context(), ledger.UserID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, emp)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	leaveType, ok := leaveTypeParam(w, r)
	if !ok {
		return
	}

	asOf := ledger.Today()
	if v := r.URL.Query().Get("as_of"); v != "" {
		d, err := ledger.ParseDate(v)
		if err != nil {
			badRequest(w, "as_of must be YYYY-MM-DD")
			return
		}
		asOf = d
	}

	balance, err := ledger.BalanceAsOf(r.Context(), h.Store, userID, leaveType, asOf)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		UserID:    string(userID),
		LeaveType: string(leaveType),
		AsOf:      asOf.String(),
		Balance:   balance.String(),
	})
}

func (h *Handler) ListLots(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	leaveType, ok := leaveTypeParam(w, r)
	if !ok {
		return
	}

	lots, err := ledger.LotsFor(r.Context(), h.Store, userID, leaveType)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]lotResponse, 0, len(lots))
	for _, lot := range lots {
		out = append(out, toLotResponse(lot))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	leaveType, ok := leaveTypeParam(w, r)
	if !ok {
		return
	}

	entries, err := h.Store.Load(r.Context(), userID, leaveType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) ListUserRequests(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var (
		requests []*leave.LeaveRequest
		err      error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		requests, err = h.Store.ListRequestsByStatus(r.Context(), userID, leave.RequestStatus(status))
	} else {
		requests, err = h.Store.ListRequests(r.Context(), userID)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]requestResponse, 0, len(requests))
	for _, req := range requests {
		out = append(out, toRequestResponse(req))
	}
	writeJSON(w, http.StatusOK, out)
}

// VerifyBalance proves the materialized balance equals the entry sum. A
// mismatch returns 500 and freezes the key.
func (h *Handler) VerifyBalance(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	leaveType, ok := leaveTypeParam(w, r)
	if !ok {
		return
	}

	if err := ledger.New(h.Store).Verify(r.Context(), userID, leaveType); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func leaveTypeParam(w http.ResponseWriter, r *http.Request) (ledger.LeaveType, bool) {
	v := r.URL.Query().Get("leave_type")
	if v == "" {
		badRequest(w, "leave_type query parameter is required")
		return "", false
	}
	return ledger.LeaveType(v), true
}

// =============================================================================
// LEAVE REQUESTS
// =============================================================================

func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var req createLeaveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	start, err := ledger.ParseDate(req.StartDate)
	if err != nil {
		badRequest(w, "start_date must be YYYY-MM-DD")
		return
	}
	end, err := ledger.ParseDate(req.EndDate)
	if err != nil {
		badRequest(w, "end_date must be YYYY-MM-DD")
		return
	}
	hours := ledger.HoursFromString(req.Hours)

	var created *leave.LeaveRequest
	if req.Submit {
		created, err = h.Service.Submit(r.Context(), req.Actor,
			ledger.UserID(req.UserID), ledger.LeaveType(req.LeaveType), start, end, hours, req.Note)
	} else {
		created, err = h.Service.CreateDraft(r.Context(),
			ledger.UserID(req.UserID), ledger.LeaveType(req.LeaveType), start, end, hours, req.Note)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestResponse(created))
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Service.GetRequest(r.Context(), leave.RequestID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(actor string, id leave.RequestID) (*leave.LeaveRequest, error) {
		return h.Service.SubmitDraft(r.Context(), actor, id)
	})
}

func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(actor string, id leave.RequestID) (*leave.LeaveRequest, error) {
		return h.Service.Approve(r.Context(), actor, id)
	})
}

func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := h.Service.Reject(r.Context(), body.Actor, leave.RequestID(chi.URLParam(r, "id")), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(actor string, id leave.RequestID) (*leave.LeaveRequest, error) {
		return h.Service.Cancel(r.Context(), actor, id)
	})
}

func (h *Handler) CompleteRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(actor string, id leave.RequestID) (*leave.LeaveRequest, error) {
		return h.Service.Complete(r.Context(), actor, id)
	})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(string, leave.RequestID) (*leave.LeaveRequest, error)) {
	var body decisionRequest
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := fn(body.Actor, leave.RequestID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

// =============================================================================
// OVERTIME
// =============================================================================

func (h *Handler) SubmitOvertime(w http.ResponseWriter, r *http.Request) {
	var req submitOvertimeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	workDate, err := ledger.ParseDate(req.WorkDate)
	if err != nil {
		badRequest(w, "work_date must be YYYY-MM-DD")
		return
	}

	rec, err := h.Service.SubmitOvertime(r.Context(),
		ledger.UserID(req.UserID), workDate,
		ledger.HoursFromString(req.Hours),
		leave.ConversionTarget(req.ConversionTarget))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) ApproveOvertime(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if !decodeBody(w, r, &body) {
		return
	}
	rec, err := h.Service.ApproveOvertime(r.Context(), body.Actor, leave.OvertimeID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) RejectOvertime(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if !decodeBody(w, r, &body) {
		return
	}
	rec, err := h.Service.RejectOvertime(r.Context(), body.Actor, leave.OvertimeID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// =============================================================================
// ADMIN
// =============================================================================

func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	effective, err := ledger.ParseDate(req.EffectiveDate)
	if err != nil {
		badRequest(w, "effective_date must be YYYY-MM-DD")
		return
	}

	err = h.Service.Adjust(r.Context(), req.Actor,
		ledger.UserID(req.UserID), ledger.LeaveType(req.LeaveType),
		ledger.HoursFromString(req.DeltaHours), effective, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "adjusted"})
}

func (h *Handler) RunExpiration(w http.ResponseWriter, r *http.Request) {
	var req runExpirationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	asOf := ledger.Today()
	if req.AsOf != "" {
		d, err := ledger.ParseDate(req.AsOf)
		if err != nil {
			badRequest(w, "as_of must be YYYY-MM-DD")
			return
		}
		asOf = d
	}

	summary, err := h.Expiry.RunExpiration(r.Context(), asOf)
	if err != nil {
		writeError(w, err)
		return
	}

	errs := make([]string, 0, len(summary.Errors))
	for _, e := range summary.Errors {
		errs = append(errs, e.Error())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"expired": summary.Expired,
		"skipped": summary.Skipped,
		"errors":  errs,
	})
}

func (h *Handler) RunAccrual(w http.ResponseWriter, r *http.Request) {
	var req runAccrualRequest
	if !decodeBody(w, r, &req) {
		return
	}

	periodStart, _ := h.Accrual.Policy.PeriodFor(ledger.Today())
	if req.PeriodStart != "" {
		d, err := ledger.ParseDate(req.PeriodStart)
		if err != nil {
			badRequest(w, "period_start must be YYYY-MM-DD")
			return
		}
		periodStart = d
	}

	summary, err := h.Accrual.RunAccrual(r.Context(), periodStart)
	if err != nil {
		writeError(w, err)
		return
	}

	errs := make([]string, 0, len(summary.Errors))
	for _, e := range summary.Errors {
		errs = append(errs, e.Error())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"credited": summary.Credited,
		"skipped":  summary.Skipped,
		"errors":   errs,
	})
}

// =============================================================================
// CALENDAR SYNC
// =============================================================================

func (h *Handler) syncConfigured(w http.ResponseWriter) bool {
	if h.Sync == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "calendar sync is not configured"})
		return false
	}
	return true
}

func (h *Handler) GetSyncConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Store.GetSyncConfig(r.Context(), ledger.UserID(chi.URLParam(r, "userID")))
	if err != nil {
		writeError(w, err)
		return
	}
	if cfg == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no sync config for user"})
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) PutSyncConfig(w http.ResponseWriter, r *http.Request) {
	var req syncConfigRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID := ledger.UserID(chi.URLParam(r, "userID"))

	cfg, err := h.Store.GetSyncConfig(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if cfg == nil {
		cfg = &calsync.Config{UserID: userID, ConflictPolicy: calsync.ConflictPolicyManual}
	}
	cfg.ProviderAccountID = req.ProviderAccountID
	cfg.SyncEnabled = req.SyncEnabled
	cfg.UpdatedAt = time.Now().UTC()

	if err := h.Store.SaveSyncConfig(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if !h.syncConfigured(w) {
		return
	}
	run, err := h.Sync.SyncUser(r.Context(), ledger.UserID(chi.URLParam(r, "userID")))
	if err != nil {
		writeError(w, err)
		return
	}
	if run == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "sync disabled for user"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.Store.ListOpenConflicts(r.Context(), ledger.UserID(chi.URLParam(r, "userID")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	if !h.syncConfigured(w) {
		return
	}
	var req resolveConflictRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var merged *calsync.Event
	if req.Merged != nil {
		start, err := time.Parse(time.RFC3339, req.Merged.Start)
		if err != nil {
			badRequest(w, "merged.start must be RFC3339")
			return
		}
		end, err := time.Parse(time.RFC3339, req.Merged.End)
		if err != nil {
			badRequest(w, "merged.end must be RFC3339")
			return
		}
		merged = &calsync.Event{Title: req.Merged.Title, Start: start, End: end}
	}

	err := h.Sync.Resolve(r.Context(), chi.URLParam(r, "id"),
		calsync.Resolution(req.Choice), merged, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (h *Handler) ListFlagged(w http.ResponseWriter, r *http.Request) {
	if !h.syncConfigured(w) {
		return
	}
	rows, err := h.Sync.Flagged(r.Context(), ledger.UserID(chi.URLParam(r, "userID")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) ListSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	history, err := h.Store.ListSyncHistory(r.Context(), ledger.UserID(chi.URLParam(r, "userID")), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}
