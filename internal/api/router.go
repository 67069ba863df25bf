package api

import (
	"log/slog"
	"net/http"

	"github.com/aminenidae/screentime-entitlements/internal/engine"
	"github.com/aminenidae/screentime-entitlements/internal/service"
	ws "github.com/aminenidae/screentime-entitlements/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterDeps bundles everything the HTTP surface exposes. Source and Metrics
// are both satisfied by the Postgres store.
type RouterDeps struct {
	Validation    *service.EntitlementValidationService
	Offline       *service.OfflineEntitlementService
	Admin         *service.SubscriptionAdminService
	Fraud         *engine.FraudPreventionEngine
	Grace         *engine.GracePeriodStateMachine
	Profiler      *engine.MarkerProfiler
	Limiter       *engine.RateLimiter
	Queue         *engine.RetryNotificationQueue
	Source        EntitlementSource
	Metrics       MetricsSource
	Hub           *ws.Hub
	Logger        *slog.Logger
	ValidateLimit int
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// CORS for dashboard
	r.Use(corsMiddleware)

	// Handlers
	entHandler := NewEntitlementHandler(deps.Validation, deps.Offline, deps.Profiler, deps.Limiter, deps.Hub, deps.Logger, deps.ValidateLimit)
	fraudHandler := NewFraudHandler(deps.Source, deps.Fraud)
	adminHandler := NewAdminHandler(deps.Admin, deps.Source, deps.Grace)
	dashHandler := NewDashboardHandler(deps.Metrics, deps.Queue, deps.Offline, deps.Hub)

	// WebSocket endpoint
	r.Get("/ws", deps.Hub.HandleWebSocket)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler())

		r.Route("/entitlements", func(r chi.Router) {
			r.Post("/validate", entHandler.Validate)
			r.Get("/{familyID}", entHandler.Get)
			r.Get("/{familyID}/active", entHandler.Active)
			r.Get("/{familyID}/grace", entHandler.Grace)
			r.Post("/{familyID}/refresh", entHandler.Refresh)
			r.Get("/{familyID}/offline", entHandler.Offline)
			r.Post("/{familyID}/preload", entHandler.Preload)
		})

		r.Route("/fraud", func(r chi.Router) {
			r.Post("/assess", fraudHandler.Assess)
			r.Get("/{familyID}/status", fraudHandler.Status)
		})

		r.Post("/sync", entHandler.Sync)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)

			r.Route("/entitlements", func(r chi.Router) {
				r.Post("/", adminHandler.Grant)
				r.Post("/{familyID}/extend", adminHandler.Extend)
				r.Post("/{familyID}/grace/start", adminHandler.GraceStart)
				r.Post("/{familyID}/grace/end", adminHandler.GraceEnd)
				r.Delete("/{id}", adminHandler.Delete)
			})

			r.Route("/families", func(r chi.Router) {
				r.Post("/{familyID}/clear-fraud", adminHandler.ClearFraud)
				r.Get("/{familyID}/subscription", adminHandler.Subscription)
			})
		})

		r.Get("/metrics", dashHandler.Metrics)
	})

	return r
}

// corsMiddleware adds CORS headers for dashboard development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-User")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
