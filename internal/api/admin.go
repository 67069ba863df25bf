package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aminenidae/screentime-entitlements/internal/domain"
	"github.com/aminenidae/screentime-entitlements/internal/engine"
	"github.com/aminenidae/screentime-entitlements/internal/service"
	"github.com/go-chi/chi/v5"
)

// adminUserHeader identifies the acting admin on privileged routes. The
// requireAdmin middleware rejects requests without it.
const adminUserHeader = "X-Admin-User"

type AdminHandler struct {
	admin  *service.SubscriptionAdminService
	source EntitlementSource
	grace  *engine.GracePeriodStateMachine
}

func NewAdminHandler(admin *service.SubscriptionAdminService, source EntitlementSource, grace *engine.GracePeriodStateMachine) *AdminHandler {
	return &AdminHandler{admin: admin, source: source, grace: grace}
}

func (h *AdminHandler) Grant(w http.ResponseWriter, r *http.Request) {
	var req domain.ManualGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.FamilyID == "" {
		respondError(w, http.StatusBadRequest, "family_id is required")
		return
	}
	if req.DurationDays <= 0 {
		respondError(w, http.StatusBadRequest, "duration_days must be positive")
		return
	}

	entitlement, err := h.admin.GrantManualEntitlement(r.Context(), req, r.Header.Get(adminUserHeader))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to grant entitlement")
		return
	}

	respondJSON(w, http.StatusCreated, entitlement)
}

type extendRequest struct {
	AdditionalDays int    `json:"additional_days"`
	Reason         string `json:"reason"`
}

func (h *AdminHandler) Extend(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.AdditionalDays <= 0 {
		respondError(w, http.StatusBadRequest, "additional_days must be positive")
		return
	}

	entitlement, err := h.admin.ExtendEntitlement(r.Context(), familyID, req.AdditionalDays, req.Reason, r.Header.Get(adminUserHeader))
	if err != nil {
		if errors.Is(err, domain.ErrEntitlementNotFound) {
			respondError(w, http.StatusNotFound, "no entitlement found for family")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to extend entitlement")
		return
	}

	respondJSON(w, http.StatusOK, entitlement)
}

func (h *AdminHandler) GraceStart(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	current, err := h.source.GetCurrentEntitlement(r.Context(), familyID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get entitlement")
		return
	}
	if current == nil {
		respondError(w, http.StatusNotFound, "no entitlement found for family")
		return
	}

	updated, err := h.grace.StartGracePeriod(r.Context(), current)
	if err != nil {
		if errors.Is(err, domain.ErrGracePeriodAlreadyActive) {
			respondError(w, http.StatusConflict, "grace period already active")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to start grace period")
		return
	}

	respondJSON(w, http.StatusOK, updated)
}

type graceEndRequest struct {
	Reason string `json:"reason"`
}

func (h *AdminHandler) GraceEnd(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	var req graceEndRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var reason engine.GracePeriodEndReason
	switch req.Reason {
	case string(engine.EndReasonBillingResolved):
		reason = engine.EndReasonBillingResolved
	case string(engine.EndReasonManualRevocation):
		reason = engine.EndReasonManualRevocation
	default:
		respondError(w, http.StatusBadRequest, "reason must be billing_resolved or manual_revocation")
		return
	}

	current, err := h.source.GetCurrentEntitlement(r.Context(), familyID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get entitlement")
		return
	}
	if current == nil {
		respondError(w, http.StatusNotFound, "no entitlement found for family")
		return
	}

	updated, err := h.grace.EndGracePeriod(r.Context(), current, reason)
	if err != nil {
		if errors.Is(err, domain.ErrNoActiveGracePeriod) {
			respondError(w, http.StatusConflict, "no active grace period")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to end grace period")
		return
	}

	respondJSON(w, http.StatusOK, updated)
}

type clearFraudRequest struct {
	Reason string `json:"reason"`
}

func (h *AdminHandler) ClearFraud(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	var req clearFraudRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.admin.ClearFraudFlags(r.Context(), familyID, req.Reason, r.Header.Get(adminUserHeader)); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to clear fraud flags")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *AdminHandler) Subscription(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	details, err := h.admin.GetFamilySubscriptionDetails(r.Context(), familyID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get subscription details")
		return
	}

	respondJSON(w, http.StatusOK, details)
}

func (h *AdminHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reason := r.URL.Query().Get("reason")

	if err := h.admin.DeleteEntitlement(r.Context(), id, reason, r.Header.Get(adminUserHeader)); err != nil {
		if errors.Is(err, domain.ErrEntitlementNotFound) {
			respondError(w, http.StatusNotFound, "entitlement not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete entitlement")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// requireAdmin rejects privileged requests that do not identify the acting
// admin.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(adminUserHeader) == "" {
			respondError(w, http.StatusUnauthorized, "X-Admin-User header is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
