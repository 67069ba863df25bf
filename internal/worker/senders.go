package worker

import (
	"context"
	"log/slog"

	"github.com/aminenidae/screentime-entitlements/internal/engine"
	"github.com/aminenidae/screentime-entitlements/internal/websocket"
)

// HubSender delivers billing notifications by logging them and broadcasting
// to dashboard clients over the WebSocket hub. It stands in for the push
// transport, which lives outside this service.
type HubSender struct {
	hub    *websocket.Hub
	logger *slog.Logger
}

func NewHubSender(hub *websocket.Hub, logger *slog.Logger) *HubSender {
	return &HubSender{hub: hub, logger: logger}
}

func (s *HubSender) Send(_ context.Context, n engine.BillingNotification) error {
	s.hub.Broadcast(websocket.EntitlementEvent{
		Type:     websocket.EventBillingNotification,
		FamilyID: n.FamilyID,
		Detail:   n.Urgency,
		Data:     n,
	})

	s.logger.Info("billing notification dispatched",
		"family_id", n.FamilyID,
		"urgency", n.Urgency,
		"message", n.Message,
	)
	return nil
}

// LogSender records deliveries to the log only, for wiring without a hub.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, n engine.BillingNotification) error {
	s.logger.Info("billing notification dispatched",
		"family_id", n.FamilyID,
		"urgency", n.Urgency,
		"message", n.Message,
	)
	return nil
}
