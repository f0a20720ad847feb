package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// publishEvent fans a lifecycle event out on the signal bus. Publishing is
// best effort: a failure is logged and never fails the operation.
func publishEvent(ctx context.Context, bus domain.SignalBus, logger *slog.Logger, evt domain.Event) {
	if bus == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		logger.WarnContext(ctx, "marshal event failed",
			slog.String("event", string(evt.Type)),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := bus.Publish(ctx, evt.Type.Channel(), payload); err != nil {
		logger.WarnContext(ctx, "publish event failed",
			slog.String("event", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// auditLog appends to the audit store when one is configured.
func auditLog(ctx context.Context, audit domain.AuditStore, logger *slog.Logger, event string, detail map[string]any) {
	if audit == nil {
		return
	}
	if err := audit.Log(ctx, event, detail); err != nil {
		logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
