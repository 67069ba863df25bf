package api

import (
	"context"
	"net/http"

	"github.com/aminenidae/screentime-entitlements/internal/engine"
	"github.com/aminenidae/screentime-entitlements/internal/service"
	"github.com/aminenidae/screentime-entitlements/internal/store"
	ws "github.com/aminenidae/screentime-entitlements/internal/websocket"
)

// MetricsSource supplies the aggregated subscription statistics.
type MetricsSource interface {
	GetEntitlementMetrics(ctx context.Context) (*store.EntitlementMetrics, error)
}

type DashboardHandler struct {
	metrics MetricsSource
	queue   *engine.RetryNotificationQueue
	offline *service.OfflineEntitlementService
	hub     *ws.Hub
}

func NewDashboardHandler(metrics MetricsSource, queue *engine.RetryNotificationQueue, offline *service.OfflineEntitlementService, hub *ws.Hub) *DashboardHandler {
	return &DashboardHandler{metrics: metrics, queue: queue, offline: offline, hub: hub}
}

// Metrics returns aggregated system metrics for the dashboard.
func (h *DashboardHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.metrics.GetEntitlementMetrics(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}

	// Get queue depth from Redis
	queueDepth, err := h.queue.QueueDepth(r.Context())
	if err != nil {
		queueDepth = 0
	}

	type metricsResponse struct {
		store.EntitlementMetrics
		NotificationQueueDepth int64                   `json:"notification_queue_depth"`
		WebSocketClients       int                     `json:"websocket_clients"`
		Sync                   service.OfflineSnapshot `json:"sync"`
	}

	respondJSON(w, http.StatusOK, metricsResponse{
		EntitlementMetrics:     *metrics,
		NotificationQueueDepth: queueDepth,
		WebSocketClients:       h.hub.ClientCount(),
		Sync:                   h.offline.Snapshot(),
	})
}
