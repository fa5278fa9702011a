/*
dto.go - Request/response shapes and error translation

PURPOSE:
  JSON structures for the REST API plus the single place where domain
  errors become HTTP status codes.

ERROR HANDLING:
  - 400: Malformed input, invalid entries
  - 404: Unknown request, employee, conflict
  - 409: Insufficient balance, illegal transition, duplicate idempotency
         key, concurrency conflict, already-resolved conflict
  - 500: Internal errors, ledger corruption hold
  - 502: Provider failures surfaced through sync endpoints
  - 503: Sync requested but no provider is configured

SEE ALSO:
  - handlers.go: Handler implementations
  - ledger/errors.go: Domain error taxonomy
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/warp/leave-engine/calsync"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
)

// =============================================================================
// REQUEST BODIES
// =============================================================================

type createEmployeeRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	HireDate string `json:"hire_date"`
}

type createLeaveRequest struct {
	UserID    string `json:"user_id"`
	LeaveType string `json:"leave_type"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Hours     string `json:"hours"`
	Note      string `json:"note,omitempty"`

	// Submit skips the draft stage.
	Submit bool   `json:"submit,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

type decisionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

type submitOvertimeRequest struct {
	UserID           string `json:"user_id"`
	WorkDate         string `json:"work_date"`
	Hours            string `json:"hours"`
	ConversionTarget string `json:"conversion_target"`
}

type adjustmentRequest struct {
	Actor         string `json:"actor"`
	UserID        string `json:"user_id"`
	LeaveType     string `json:"leave_type"`
	DeltaHours    string `json:"delta_hours"`
	EffectiveDate string `json:"effective_date"`
	Note          string `json:"note,omitempty"`
}

type runExpirationRequest struct {
	AsOf string `json:"as_of,omitempty"`
}

type runAccrualRequest struct {
	PeriodStart string `json:"period_start,omitempty"`
}

type syncConfigRequest struct {
	ProviderAccountID string `json:"provider_account_id"`
	SyncEnabled       bool   `json:"sync_enabled"`
}

type resolveConflictRequest struct {
	Actor  string       `json:"actor"`
	Choice string       `json:"choice"`
	Merged *mergedEvent `json:"merged,omitempty"`
}

type mergedEvent struct {
	Title string `json:"title"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// =============================================================================
// RESPONSE BODIES
// =============================================================================

type balanceResponse struct {
	UserID    string `json:"user_id"`
	LeaveType string `json:"leave_type"`
	AsOf      string `json:"as_of"`
	Balance   string `json:"balance_hours"`
}

type lotResponse struct {
	LotID          string `json:"lot_id"`
	Opened         string `json:"opened"`
	ExpirationDate string `json:"expiration_date,omitempty"`
	Original       string `json:"original_hours"`
	Remaining      string `json:"remaining_hours"`
}

type requestResponse struct {
	ID                  string   `json:"id"`
	UserID              string   `json:"user_id"`
	LeaveType           string   `json:"leave_type"`
	StartDate           string   `json:"start_date"`
	EndDate             string   `json:"end_date"`
	Hours               string   `json:"hours"`
	Note                string   `json:"note,omitempty"`
	Status              string   `json:"status"`
	ApproverID          string   `json:"approver_id,omitempty"`
	ConsumptionEntryIDs []string `json:"consumption_entry_ids,omitempty"`
}

func toRequestResponse(r *leave.LeaveRequest) requestResponse {
	ids := make([]string, len(r.ConsumptionEntryIDs))
	for i, id := range r.ConsumptionEntryIDs {
		ids[i] = string(id)
	}
	return requestResponse{
		ID:                  string(r.ID),
		UserID:              string(r.UserID),
		LeaveType:           string(r.LeaveType),
		StartDate:           r.StartDate.String(),
		EndDate:             r.EndDate.String(),
		Hours:               r.Hours.String(),
		Note:                r.Note,
		Status:              string(r.Status),
		ApproverID:          r.ApproverID,
		ConsumptionEntryIDs: ids,
	}
}

func toLotResponse(lot ledger.BalanceLot) lotResponse {
	resp := lotResponse{
		LotID:     string(lot.LotID),
		Opened:    lot.Opened.String(),
		Original:  lot.Original.String(),
		Remaining: lot.Remaining.String(),
	}
	if lot.ExpirationDate != nil {
		resp.ExpirationDate = lot.ExpirationDate.String()
	}
	return resp
}

type errorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// JSON AND ERROR HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// statusFor maps domain errors onto HTTP statuses. The taxonomy is closed:
// anything unknown is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidEntry):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrIllegalTransition),
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey),
		errors.Is(err, ledger.ErrConcurrencyConflict),
		errors.Is(err, calsync.ErrConflictClosed):
		return http.StatusConflict
	case errors.Is(err, calsync.ErrTransientProvider),
		errors.Is(err, calsync.ErrPermanentProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
