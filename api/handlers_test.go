package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/api"
	"github.com/warp/leave-engine/entitlement"
	"github.com/warp/leave-engine/expiry"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/store/memory"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := memory.New()
	locks := ledger.NewKeyLock()
	logger := zap.NewNop()

	h := &api.Handler{
		Service: leave.NewService(store, locks, logger),
		Store:   store,
		Expiry:  &expiry.Job{Store: store, Locks: locks, Logger: logger},
		Accrual: &entitlement.AccrualRunner{Store: store, Policy: entitlement.DefaultAnnualPolicy(), Logger: logger},
		Logger:  logger,
	}
	ts := httptest.NewServer(api.NewRouter(h))
	t.Cleanup(ts.Close)
	return ts
}

// call performs one JSON round trip. Object responses are decoded; callers
// needing arrays decode the raw bytes themselves.
func call(t *testing.T, ts *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(data) > 0 {
		json.Unmarshal(data, &out) //nolint:errcheck
	}
	return resp.StatusCode, out
}

func balancePath(user string, leaveType ledger.LeaveType) string {
	return fmt.Sprintf("/api/employees/%s/balance?leave_type=%s&as_of=2030-01-01", user, leaveType)
}

func TestAPI_LeaveLifecycle(t *testing.T) {
	// GIVEN: an employee granted 40 hours by adjustment
	// WHEN: a request is submitted and approved over HTTP
	// THEN: the balance drops and an overdraw answers 409
	ts := newTestServer(t)

	status, _ := call(t, ts, http.MethodPost, "/api/employees", map[string]any{
		"id": "u1", "name": "Iris", "hire_date": "2020-05-04",
	})
	require.Equal(t, http.StatusCreated, status)

	status, _ = call(t, ts, http.MethodPost, "/api/admin/adjustments", map[string]any{
		"actor": "admin", "user_id": "u1", "leave_type": string(ledger.LeaveAnnual),
		"delta_hours": "40", "effective_date": "2026-01-01", "note": "granted",
	})
	require.Equal(t, http.StatusCreated, status)

	status, created := call(t, ts, http.MethodPost, "/api/requests", map[string]any{
		"user_id": "u1", "leave_type": string(ledger.LeaveAnnual),
		"start_date": "2026-03-02", "end_date": "2026-03-04",
		"hours": "24", "submit": true, "actor": "u1",
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "submitted", created["status"])
	id := created["id"].(string)

	status, approved := call(t, ts, http.MethodPost, "/api/requests/"+id+"/approve",
		map[string]any{"actor": "mgr"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "approved", approved["status"])
	assert.Equal(t, "mgr", approved["approver_id"])

	status, balance := call(t, ts, http.MethodGet, balancePath("u1", ledger.LeaveAnnual), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "16", balance["balance_hours"])

	// A second request beyond the remainder cannot be approved.
	status, second := call(t, ts, http.MethodPost, "/api/requests", map[string]any{
		"user_id": "u1", "leave_type": string(ledger.LeaveAnnual),
		"start_date": "2026-04-06", "end_date": "2026-04-09",
		"hours": "30", "submit": true, "actor": "u1",
	})
	require.Equal(t, http.StatusCreated, status)

	status, _ = call(t, ts, http.MethodPost, "/api/requests/"+second["id"].(string)+"/approve",
		map[string]any{"actor": "mgr"})
	assert.Equal(t, http.StatusConflict, status)

	status, verified := call(t, ts, http.MethodPost, "/api/employees/u1/verify?leave_type="+string(ledger.LeaveAnnual), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "verified", verified["status"])
}

func TestAPI_OvertimeAndExpiration(t *testing.T) {
	// GIVEN: approved overtime converted to comp time
	// WHEN: the expiration trigger runs past the credit's lifetime
	// THEN: the remainder is removed
	ts := newTestServer(t)

	status, rec := call(t, ts, http.MethodPost, "/api/overtime", map[string]any{
		"user_id": "u1", "work_date": "2026-03-10", "hours": "5",
		"conversion_target": "comp_time",
	})
	require.Equal(t, http.StatusCreated, status)
	id := rec["ID"].(string)

	status, _ = call(t, ts, http.MethodPost, "/api/overtime/"+id+"/approve",
		map[string]any{"actor": "mgr"})
	require.Equal(t, http.StatusOK, status)

	status, balance := call(t, ts, http.MethodGet, balancePath("u1", ledger.LeaveCompTime), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "5", balance["balance_hours"])

	status, summary := call(t, ts, http.MethodPost, "/api/admin/expiration/run",
		map[string]any{"as_of": "2026-07-01"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), summary["expired"])

	status, balance = call(t, ts, http.MethodGet, balancePath("u1", ledger.LeaveCompTime), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "0", balance["balance_hours"])
}

func TestAPI_AccrualRun(t *testing.T) {
	ts := newTestServer(t)

	status, _ := call(t, ts, http.MethodPost, "/api/employees", map[string]any{
		"id": "u1", "name": "Iris", "hire_date": "2020-05-04",
	})
	require.Equal(t, http.StatusCreated, status)

	status, summary := call(t, ts, http.MethodPost, "/api/admin/accrual/run",
		map[string]any{"period_start": "2026-01-01"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), summary["credited"])

	status, balance := call(t, ts, http.MethodGet, balancePath("u1", ledger.LeaveAnnual), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "160", balance["balance_hours"])
}

func TestAPI_UnknownResourcesAnswer404(t *testing.T) {
	ts := newTestServer(t)

	status, _ := call(t, ts, http.MethodGet, "/api/requests/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = call(t, ts, http.MethodGet, "/api/employees/ghost", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = call(t, ts, http.MethodGet, "/api/sync/configs/ghost", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_SyncWithoutProvider(t *testing.T) {
	// Config management works storage-side, but cycle endpoints refuse until
	// a provider is wired.
	ts := newTestServer(t)

	status, cfg := call(t, ts, http.MethodPut, "/api/sync/configs/u1", map[string]any{
		"provider_account_id": "acct-1", "sync_enabled": true,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, cfg["SyncEnabled"])

	status, _ = call(t, ts, http.MethodGet, "/api/sync/configs/u1", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = call(t, ts, http.MethodPost, "/api/sync/run/u1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	status, _ = call(t, ts, http.MethodPost, "/api/sync/conflicts/c1/resolve", map[string]any{
		"actor": "mgr", "choice": "resolved_keep_internal",
	})
	assert.Equal(t, http.StatusServiceUnavailable, status)
}
