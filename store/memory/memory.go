/*
Package memory provides an in-memory implementation of the engine stores,
used by tests and dev mode.

It implements leave.TxStore (ledger entries, requests, overtime, directory)
and calsync.Store (configs, event rows, conflicts, history). WithTx is
simulated with a snapshot of the transactional state restored on error;
calendar-side state is deliberately outside the transaction, mirroring its
independence from the ledger.
*/
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/leave-engine/calsync"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	// Ledger state (covered by WithTx snapshots).
	entries     map[ledger.Key][]ledger.BalanceLedgerEntry
	idempotency map[string]bool
	balances    map[ledger.Key]ledger.Hours
	halted      map[ledger.Key]bool

	// Request state (covered by WithTx snapshots).
	requests  map[leave.RequestID]leave.LeaveRequest
	overtime  map[leave.OvertimeID]leave.OvertimeRecord
	employees map[ledger.UserID]leave.Employee

	// Calendar state (independent of ledger transactions).
	syncConfigs map[ledger.UserID]calsync.Config
	eventSyncs  map[leave.RequestID]calsync.EventSync
	byExternal  map[string]leave.RequestID
	conflicts   map[string]calsync.Conflict
	history     map[ledger.UserID][]calsync.SyncHistory
}

func New() *Memory {
	return &Memory{
		entries:     make(map[ledger.Key][]ledger.BalanceLedgerEntry),
		idempotency: make(map[string]bool),
		balances:    make(map[ledger.Key]ledger.Hours),
		halted:      make(map[ledger.Key]bool),
		requests:    make(map[leave.RequestID]leave.LeaveRequest),
		overtime:    make(map[leave.OvertimeID]leave.OvertimeRecord),
		employees:   make(map[ledger.UserID]leave.Employee),
		syncConfigs: make(map[ledger.UserID]calsync.Config),
		eventSyncs:  make(map[leave.RequestID]calsync.EventSync),
		byExternal:  make(map[string]leave.RequestID),
		conflicts:   make(map[string]calsync.Conflict),
		history:     make(map[ledger.UserID][]calsync.SyncHistory),
	}
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (m *Memory) Append(_ context.Context, e ledger.BalanceLedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

func (m *Memory) AppendBatch(_ context.Context, es []ledger.BalanceLedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendBatchLocked(es)
}

func (m *Memory) appendBatchLocked(es []ledger.BalanceLedgerEntry) error {
	// Check idempotency keys and holds up front: all-or-nothing.
	for _, e := range es {
		if m.halted[e.Key()] {
			return ledger.ErrLedgerCorrupt
		}
		if e.IdempotencyKey != "" && m.idempotency[e.IdempotencyKey] {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	for _, e := range es {
		if err := m.appendLocked(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) appendLocked(e ledger.BalanceLedgerEntry) error {
	key := e.Key()
	if m.halted[key] {
		return ledger.ErrLedgerCorrupt
	}
	if e.IdempotencyKey != "" && m.idempotency[e.IdempotencyKey] {
		return ledger.ErrDuplicateIdempotencyKey
	}

	list := m.entries[key]
	// Insert keeping effective-date order; equal dates keep append order.
	i := sort.Search(len(list), func(i int) bool {
		return list[i].EffectiveDate.After(e.EffectiveDate)
	})
	list = append(list, ledger.BalanceLedgerEntry{})
	copy(list[i+1:], list[i:])
	list[i] = e
	m.entries[key] = list

	if e.IdempotencyKey != "" {
		m.idempotency[e.IdempotencyKey] = true
	}
	m.balances[key] = m.balances[key].Add(e.Delta)
	return nil
}

func (m *Memory) Load(_ context.Context, userID ledger.UserID, leaveType ledger.LeaveType) ([]ledger.BalanceLedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLocked(userID, leaveType), nil
}

func (m *Memory) loadLocked(userID ledger.UserID, leaveType ledger.LeaveType) []ledger.BalanceLedgerEntry {
	key := ledger.Key{UserID: userID, LeaveType: leaveType}
	out := make([]ledger.BalanceLedgerEntry, len(m.entries[key]))
	copy(out, m.entries[key])
	return out
}

func (m *Memory) LoadByLot(_ context.Context, lotID ledger.LotID) ([]ledger.BalanceLedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadByLotLocked(lotID), nil
}

func (m *Memory) loadByLotLocked(lotID ledger.LotID) []ledger.BalanceLedgerEntry {
	var out []ledger.BalanceLedgerEntry
	for _, list := range m.entries {
		for _, e := range list {
			if e.LotID == lotID {
				out = append(out, e)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EffectiveDate.Before(out[j].EffectiveDate)
	})
	return out
}

func (m *Memory) LoadExpiring(_ context.Context, cutoff ledger.Date) ([]ledger.BalanceLedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.BalanceLedgerEntry
	for _, list := range m.entries {
		for _, e := range list {
			if e.OpensLot() && e.ExpirationDate != nil && e.ExpirationDate.BeforeOrEqual(cutoff) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (m *Memory) MaterializedBalance(_ context.Context, userID ledger.UserID, leaveType ledger.LeaveType) (ledger.Hours, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := ledger.Key{UserID: userID, LeaveType: leaveType}
	h, ok := m.balances[key]
	return h, ok, nil
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

func (m *Memory) Halt(_ context.Context, userID ledger.UserID, leaveType ledger.LeaveType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted[ledger.Key{UserID: userID, LeaveType: leaveType}] = true
	return nil
}

// Corrupt force-desyncs a materialized balance. Test hook only.
func (m *Memory) Corrupt(userID ledger.UserID, leaveType ledger.LeaveType, h ledger.Hours) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[ledger.Key{UserID: userID, LeaveType: leaveType}] = h
}

// =============================================================================
// REQUESTS, OVERTIME, DIRECTORY
// =============================================================================

func (m *Memory) SaveRequest(_ context.Context, r *leave.LeaveRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveRequestLocked(r)
	return nil
}

func (m *Memory) saveRequestLocked(r *leave.LeaveRequest) {
	cp := *r
	cp.ConsumptionEntryIDs = append([]ledger.EntryID(nil), r.ConsumptionEntryIDs...)
	m.requests[r.ID] = cp
}

func (m *Memory) GetRequest(_ context.Context, id leave.RequestID) (*leave.LeaveRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRequestLocked(id)
}

func (m *Memory) getRequestLocked(id leave.RequestID) (*leave.LeaveRequest, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := r
	cp.ConsumptionEntryIDs = append([]ledger.EntryID(nil), r.ConsumptionEntryIDs...)
	return &cp, nil
}

func (m *Memory) ListRequests(_ context.Context, userID ledger.UserID) ([]*leave.LeaveRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRequestsLocked(userID, ""), nil
}

func (m *Memory) ListRequestsByStatus(_ context.Context, userID ledger.UserID, status leave.RequestStatus) ([]*leave.LeaveRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRequestsLocked(userID, status), nil
}

func (m *Memory) listRequestsLocked(userID ledger.UserID, status leave.RequestStatus) []*leave.LeaveRequest {
	var out []*leave.LeaveRequest
	for _, r := range m.requests {
		if r.UserID != userID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		cp := r
		cp.ConsumptionEntryIDs = append([]ledger.EntryID(nil), r.ConsumptionEntryIDs...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out
}

func (m *Memory) SaveOvertime(_ context.Context, o *leave.OvertimeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overtime[o.ID] = *o
	return nil
}

func (m *Memory) GetOvertime(_ context.Context, id leave.OvertimeID) (*leave.OvertimeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.overtime[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := o
	return &cp, nil
}

func (m *Memory) SaveEmployee(_ context.Context, e leave.Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.employees[e.ID] = e
	return nil
}

func (m *Memory) GetEmployee(_ context.Context, id ledger.UserID) (*leave.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.employees[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := e
	return &cp, nil
}

func (m *Memory) ListEmployees(_ context.Context) ([]leave.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]leave.Employee, 0, len(m.employees))
	for _, e := range m.employees {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// TRANSACTIONS - snapshot and restore
// =============================================================================

// WithTx executes fn against a transactional view. On error, ledger and
// request state roll back to the snapshot taken at entry.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	entries     map[ledger.Key][]ledger.BalanceLedgerEntry
	idempotency map[string]bool
	balances    map[ledger.Key]ledger.Hours
	halted      map[ledger.Key]bool
	requests    map[leave.RequestID]leave.LeaveRequest
	overtime    map[leave.OvertimeID]leave.OvertimeRecord
	employees   map[ledger.UserID]leave.Employee
}

func (m *Memory) snapshot() memorySnapshot {
	entries := make(map[ledger.Key][]ledger.BalanceLedgerEntry, len(m.entries))
	for k, v := range m.entries {
		entries[k] = append([]ledger.BalanceLedgerEntry(nil), v...)
	}
	return memorySnapshot{
		entries:     entries,
		idempotency: copyMap(m.idempotency),
		balances:    copyMap(m.balances),
		halted:      copyMap(m.halted),
		requests:    copyMap(m.requests),
		overtime:    copyMap(m.overtime),
		employees:   copyMap(m.employees),
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.entries = s.entries
	m.idempotency = s.idempotency
	m.balances = s.balances
	m.halted = s.halted
	m.requests = s.requests
	m.overtime = s.overtime
	m.employees = s.employees
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// txView exposes the store inside WithTx without re-locking. It implements
// leave.Store so lifecycle transitions can move ledger and request state in
// one unit of work.
type txView struct {
	parent *Memory
}

func (tv *txView) Append(_ context.Context, e ledger.BalanceLedgerEntry) error {
	return tv.parent.appendLocked(e)
}

func (tv *txView) AppendBatch(_ context.Context, es []ledger.BalanceLedgerEntry) error {
	return tv.parent.appendBatchLocked(es)
}

func (tv *txView) Load(_ context.Context, userID ledger.UserID, leaveType ledger.LeaveType) ([]ledger.BalanceLedgerEntry, error) {
	return tv.parent.loadLocked(userID, leaveType), nil
}

func (tv *txView) LoadByLot(_ context.Context, lotID ledger.LotID) ([]ledger.BalanceLedgerEntry, error) {
	return tv.parent.loadByLotLocked(lotID), nil
}

func (tv *txView) LoadExpiring(_ context.Context, cutoff ledger.Date) ([]ledger.BalanceLedgerEntry, error) {
	var out []ledger.BalanceLedgerEntry
	for _, list := range tv.parent.entries {
		for _, e := range list {
			if e.OpensLot() && e.ExpirationDate != nil && e.ExpirationDate.BeforeOrEqual(cutoff) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (tv *txView) MaterializedBalance(_ context.Context, userID ledger.UserID, leaveType ledger.LeaveType) (ledger.Hours, bool, error) {
	h, ok := tv.parent.balances[ledger.Key{UserID: userID, LeaveType: leaveType}]
	return h, ok, nil
}

func (tv *txView) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	return tv.parent.idempotency[idempotencyKey], nil
}

func (tv *txView) Halt(_ context.Context, userID ledger.UserID, leaveType ledger.LeaveType) error {
	tv.parent.halted[ledger.Key{UserID: userID, LeaveType: leaveType}] = true
	return nil
}

func (tv *txView) SaveRequest(_ context.Context, r *leave.LeaveRequest) error {
	tv.parent.saveRequestLocked(r)
	return nil
}

func (tv *txView) GetRequest(_ context.Context, id leave.RequestID) (*leave.LeaveRequest, error) {
	return tv.parent.getRequestLocked(id)
}

func (tv *txView) ListRequests(_ context.Context, userID ledger.UserID) ([]*leave.LeaveRequest, error) {
	return tv.parent.listRequestsLocked(userID, ""), nil
}

func (tv *txView) ListRequestsByStatus(_ context.Context, userID ledger.UserID, status leave.RequestStatus) ([]*leave.LeaveRequest, error) {
	return tv.parent.listRequestsLocked(userID, status), nil
}

func (tv *txView) SaveOvertime(_ context.Context, o *leave.OvertimeRecord) error {
	tv.parent.overtime[o.ID] = *o
	return nil
}

func (tv *txView) GetOvertime(_ context.Context, id leave.OvertimeID) (*leave.OvertimeRecord, error) {
	o, ok := tv.parent.overtime[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := o
	return &cp, nil
}

func (tv *txView) SaveEmployee(_ context.Context, e leave.Employee) error {
	tv.parent.employees[e.ID] = e
	return nil
}

func (tv *txView) GetEmployee(_ context.Context, id ledger.UserID) (*leave.Employee, error) {
	e, ok := tv.parent.employees[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := e
	return &cp, nil
}

func (tv *txView) ListEmployees(_ context.Context) ([]leave.Employee, error) {
	out := make([]leave.Employee, 0, len(tv.parent.employees))
	for _, e := range tv.parent.employees {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
