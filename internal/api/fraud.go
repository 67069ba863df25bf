package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/aminenidae/screentime-entitlements/internal/domain"
	"github.com/aminenidae/screentime-entitlements/internal/engine"
	"github.com/go-chi/chi/v5"
)

// EntitlementSource supplies current entitlements for handlers that act on a
// family's record directly.
type EntitlementSource interface {
	GetCurrentEntitlement(ctx context.Context, familyID string) (*domain.SubscriptionEntitlement, error)
}

type FraudHandler struct {
	source EntitlementSource
	fraud  *engine.FraudPreventionEngine
}

func NewFraudHandler(source EntitlementSource, fraud *engine.FraudPreventionEngine) *FraudHandler {
	return &FraudHandler{source: source, fraud: fraud}
}

type assessRequest struct {
	FamilyID string             `json:"family_id"`
	Device   *domain.DeviceInfo `json:"device,omitempty"`
}

func (h *FraudHandler) Assess(w http.ResponseWriter, r *http.Request) {
	var req assessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.FamilyID == "" {
		respondError(w, http.StatusBadRequest, "family_id is required")
		return
	}

	entitlement, err := h.source.GetCurrentEntitlement(r.Context(), req.FamilyID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get entitlement")
		return
	}
	if entitlement == nil {
		respondError(w, http.StatusNotFound, "no entitlement found for family")
		return
	}

	assessment, err := h.fraud.DetectFraud(r.Context(), entitlement, req.Device)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to assess fraud")
		return
	}

	respondJSON(w, http.StatusOK, assessment)
}

func (h *FraudHandler) Status(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	blocked, err := h.fraud.IsFamilyBlocked(r.Context(), familyID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to check fraud status")
		return
	}

	type statusResponse struct {
		FamilyID         string                  `json:"family_id"`
		Blocked          bool                    `json:"blocked"`
		LatestAssessment *domain.FraudAssessment `json:"latest_assessment,omitempty"`
	}

	resp := statusResponse{FamilyID: familyID, Blocked: blocked}
	if assessment, ok := h.fraud.LatestAssessment(familyID); ok {
		resp.LatestAssessment = assessment
	}

	respondJSON(w, http.StatusOK, resp)
}
