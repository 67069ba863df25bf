package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aminenidae/screentime-entitlements/internal/domain"
	"github.com/aminenidae/screentime-entitlements/internal/engine"
	"github.com/aminenidae/screentime-entitlements/internal/service"
	ws "github.com/aminenidae/screentime-entitlements/internal/websocket"
	"github.com/go-chi/chi/v5"
)

type EntitlementHandler struct {
	validation    *service.EntitlementValidationService
	offline       *service.OfflineEntitlementService
	profiler      *engine.MarkerProfiler
	limiter       *engine.RateLimiter
	hub           *ws.Hub
	logger        *slog.Logger
	validateLimit int
}

func NewEntitlementHandler(validation *service.EntitlementValidationService, offline *service.OfflineEntitlementService, profiler *engine.MarkerProfiler, limiter *engine.RateLimiter, hub *ws.Hub, logger *slog.Logger, validateLimit int) *EntitlementHandler {
	return &EntitlementHandler{
		validation:    validation,
		offline:       offline,
		profiler:      profiler,
		limiter:       limiter,
		hub:           hub,
		logger:        logger,
		validateLimit: validateLimit,
	}
}

type validateRequest struct {
	FamilyID string             `json:"family_id"`
	Device   *domain.DeviceInfo `json:"device,omitempty"`
}

func (h *EntitlementHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.FamilyID == "" {
		respondError(w, http.StatusBadRequest, "family_id is required")
		return
	}

	if !h.limiter.Allow(r.Context(), req.FamilyID, h.validateLimit) {
		respondError(w, http.StatusTooManyRequests, "validation rate limit exceeded")
		return
	}

	// Device snapshots are advisory; a profiling failure never blocks the
	// validation itself.
	if req.Device != nil {
		if err := h.profiler.ObserveDevice(r.Context(), req.FamilyID, *req.Device); err != nil {
			h.logger.Warn("failed to record device snapshot", "error", err, "family_id", req.FamilyID)
		}
	}

	entitlement, err := h.validation.ValidateEntitlement(r.Context(), req.FamilyID)
	if err != nil {
		if errors.Is(err, domain.ErrEntitlementNotFound) {
			respondError(w, http.StatusNotFound, "no entitlement found for family")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to validate entitlement")
		return
	}

	h.hub.Broadcast(ws.EntitlementEvent{
		Type:     ws.EventValidation,
		FamilyID: req.FamilyID,
		Detail:   entitlement.SubscriptionTier,
		Data:     entitlement,
	})

	respondJSON(w, http.StatusOK, entitlement)
}

func (h *EntitlementHandler) Get(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	entitlement, err := h.offline.GetEntitlement(r.Context(), familyID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get entitlement")
		return
	}
	if entitlement == nil {
		respondError(w, http.StatusNotFound, "no entitlement found for family")
		return
	}

	respondJSON(w, http.StatusOK, entitlement)
}

func (h *EntitlementHandler) Active(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	active, err := h.validation.HasActiveEntitlement(r.Context(), familyID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to check entitlement")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"family_id":              familyID,
		"has_active_entitlement": active,
	})
}

func (h *EntitlementHandler) Grace(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	status, err := h.validation.CheckGracePeriodStatus(r.Context(), familyID)
	if err != nil {
		if errors.Is(err, domain.ErrEntitlementNotFound) {
			respondError(w, http.StatusNotFound, "no entitlement found for family")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to check grace period")
		return
	}

	respondJSON(w, http.StatusOK, status)
}

func (h *EntitlementHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	entitlement, err := h.validation.RefreshEntitlement(r.Context(), familyID)
	if err != nil {
		if errors.Is(err, domain.ErrEntitlementNotFound) {
			respondError(w, http.StatusNotFound, "no entitlement found for family")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to refresh entitlement")
		return
	}

	respondJSON(w, http.StatusOK, entitlement)
}

func (h *EntitlementHandler) Offline(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	verdict, err := h.offline.ValidateOfflineEntitlement(r.Context(), familyID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to validate offline entitlement")
		return
	}

	respondJSON(w, http.StatusOK, verdict)
}

func (h *EntitlementHandler) Preload(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	if err := h.offline.PreloadEntitlement(r.Context(), familyID); err != nil {
		switch {
		case errors.Is(err, domain.ErrNoNetworkConnection):
			respondError(w, http.StatusServiceUnavailable, "no network connection")
		case errors.Is(err, domain.ErrEntitlementNotFound):
			respondError(w, http.StatusNotFound, "no entitlement found for family")
		default:
			respondError(w, http.StatusInternalServerError, "failed to preload entitlement")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "preloaded"})
}

func (h *EntitlementHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if err := h.offline.ForceSync(r.Context()); err != nil {
		if errors.Is(err, domain.ErrNoNetworkConnection) {
			respondError(w, http.StatusServiceUnavailable, "no network connection")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to sync entitlements")
		return
	}

	respondJSON(w, http.StatusOK, h.offline.Snapshot())
}
