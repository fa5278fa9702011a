package leave

import (
	"context"

	"go.uber.org/zap"
)

// =============================================================================
// AUDIT SINK - Write-only boundary; the engine emits, someone else persists
// =============================================================================

// AuditRecord is emitted on every lifecycle action. The engine does not
// persist these; the sink is an external collaborator.
type AuditRecord struct {
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Before     any
	After      any
}

type AuditSink interface {
	Emit(ctx context.Context, rec AuditRecord)
}

// NopAuditSink discards records. Default when no sink is wired.
type NopAuditSink struct{}

func (NopAuditSink) Emit(context.Context, AuditRecord) {}

// ZapAuditSink writes audit records to a structured log.
type ZapAuditSink struct {
	Logger *zap.Logger
}

func (s *ZapAuditSink) Emit(_ context.Context, rec AuditRecord) {
	s.Logger.Info("audit",
		zap.String("actor", rec.Actor),
		zap.String("action", rec.Action),
		zap.String("entity_type", rec.EntityType),
		zap.String("entity_id", rec.EntityID),
		zap.Any("before", rec.Before),
		zap.Any("after", rec.After),
	)
}
