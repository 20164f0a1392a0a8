package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/charlesng35/gpubroker/pkg/logger"
)

// recordAudit appends a standalone entry, logging rather than propagating a
// failure. Used for anomaly entries where the caller already has an error to return.
func recordAudit(audit *AuditService, ctx context.Context, event AuditEvent) {
	if audit == nil {
		return
	}
	if _, err := audit.Append(ctx, event); err != nil {
		logger.WithModule("audit").Warn("audit append failed",
			zap.String("event_type", event.EventType),
			zap.String("session_id", event.SessionID),
			zap.Error(err),
		)
	}
}
