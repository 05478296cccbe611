package services

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/workmarket/backend/internal/metrics"
	"github.com/workmarket/backend/internal/notify"
)

// dispatchBestEffort sends p to userID. Failures are counted and logged,
// never returned.
func dispatchBestEffort(ctx context.Context, d notify.Dispatcher, m *metrics.Metrics, logger *slog.Logger, userID uuid.UUID, p notify.Payload) {
	if d == nil {
		return
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if err := d.Dispatch(ctx, userID, p); err != nil {
		m.NotifyFailed()
		logger.Warn("notification dispatch failed", "user_id", userID, "type", p.Type, "error", err)
	}
}
