/*
calsync.go - Calendar-side persistence for the in-memory store

These records live outside WithTx snapshots on purpose: sync state is
repairable from the provider and the request table, and must never hold a
ledger transaction hostage.
*/
package memory

import (
	"context"
	"sort"

	"github.com/warp/leave-engine/calsync"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
)

func (m *Memory) GetSyncConfig(_ context.Context, userID ledger.UserID) (*calsync.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.syncConfigs[userID]
	if !ok {
		return nil, nil
	}
	cp := cfg
	return &cp, nil
}

func (m *Memory) SaveSyncConfig(_ context.Context, cfg *calsync.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncConfigs[cfg.UserID] = *cfg
	return nil
}

func (m *Memory) ListEnabledConfigs(_ context.Context) ([]*calsync.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*calsync.Config
	for _, cfg := range m.syncConfigs {
		if cfg.SyncEnabled {
			cp := cfg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) GetEventSync(_ context.Context, requestID leave.RequestID) (*calsync.EventSync, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.eventSyncs[requestID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := row
	return &cp, nil
}

func (m *Memory) GetEventSyncByExternalID(_ context.Context, externalID string) (*calsync.EventSync, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byExternal[externalID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	row := m.eventSyncs[id]
	cp := row
	return &cp, nil
}

func (m *Memory) SaveEventSync(_ context.Context, row *calsync.EventSync) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.eventSyncs[row.LeaveRequestID]; ok && prev.ExternalID != "" && prev.ExternalID != row.ExternalID {
		delete(m.byExternal, prev.ExternalID)
	}
	m.eventSyncs[row.LeaveRequestID] = *row
	if row.ExternalID != "" {
		m.byExternal[row.ExternalID] = row.LeaveRequestID
	}
	return nil
}

func (m *Memory) ListEventSyncs(_ context.Context, userID ledger.UserID) ([]*calsync.EventSync, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*calsync.EventSync
	for _, row := range m.eventSyncs {
		if row.UserID == userID {
			cp := row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeaveRequestID < out[j].LeaveRequestID })
	return out, nil
}

func (m *Memory) SaveConflict(_ context.Context, c *calsync.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[c.ID] = *c
	return nil
}

func (m *Memory) GetConflict(_ context.Context, id string) (*calsync.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conflicts[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := c
	return &cp, nil
}

func (m *Memory) ListOpenConflicts(_ context.Context, userID ledger.UserID) ([]*calsync.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*calsync.Conflict
	for _, c := range m.conflicts {
		if c.UserID == userID && c.ResolutionStatus == calsync.ResolutionOpen {
			cp := c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (m *Memory) AppendSyncHistory(_ context.Context, h calsync.SyncHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[h.UserID] = append(m.history[h.UserID], h)
	return nil
}

func (m *Memory) ListSyncHistory(_ context.Context, userID ledger.UserID, limit int) ([]calsync.SyncHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := m.history[userID]
	out := make([]calsync.SyncHistory, len(runs))
	copy(out, runs)
	// Newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
