package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aminenidae/screentime-entitlements/internal/domain"
)

// AdminStore is the slice of the store backing privileged overrides and the
// risk summary.
type AdminStore interface {
	CreateEntitlement(ctx context.Context, e *domain.SubscriptionEntitlement) (*domain.SubscriptionEntitlement, error)
	GetEntitlement(ctx context.Context, id string) (*domain.SubscriptionEntitlement, error)
	GetCurrentEntitlement(ctx context.Context, familyID string) (*domain.SubscriptionEntitlement, error)
	ListEntitlementsByFamily(ctx context.Context, familyID string) ([]domain.SubscriptionEntitlement, error)
	UpdateEntitlement(ctx context.Context, e *domain.SubscriptionEntitlement) (*domain.SubscriptionEntitlement, error)
	DeleteEntitlement(ctx context.Context, id string) error
	ListFraudEventsByFamily(ctx context.Context, familyID string, since time.Time) ([]domain.FraudDetectionEvent, error)
	LatestValidationAudit(ctx context.Context, familyID string, eventType domain.ValidationEventType) (*domain.ValidationAuditLog, error)
	InsertAdminAction(ctx context.Context, a *domain.AdminAction) (*domain.AdminAction, error)
}

// AdminCache is the slice of the local cache the admin service keeps
// coherent after destructive overrides.
type AdminCache interface {
	Remove(ctx context.Context, familyID string) error
}

// FraudClearer unblocks a family in the fraud engine.
type FraudClearer interface {
	ClearFraudBlock(ctx context.Context, familyID, reason, adminUserID string) error
}

// FamilySubscriptionDetails is the admin view of one family: the current
// entitlement, the full history newest first, and the fraud standing derived
// from unresolved events.
type FamilySubscriptionDetails struct {
	Current          *domain.SubscriptionEntitlement  `json:"current,omitempty"`
	History          []domain.SubscriptionEntitlement `json:"history"`
	RiskScore        float64                          `json:"risk_score"`
	UnresolvedEvents int                              `json:"unresolved_events"`
}

// SubscriptionAdminService performs privileged overrides. Every mutation
// writes exactly one AdminAction; a failed audit write fails the whole
// operation even when the underlying mutation already happened.
type SubscriptionAdminService struct {
	store  AdminStore
	cache  AdminCache
	fraud  FraudClearer
	logger *slog.Logger
}

func NewSubscriptionAdminService(store AdminStore, cache AdminCache, fraud FraudClearer, logger *slog.Logger) *SubscriptionAdminService {
	return &SubscriptionAdminService{
		store:  store,
		cache:  cache,
		fraud:  fraud,
		logger: logger,
	}
}

// GrantManualEntitlement creates an entitlement outside the purchase flow,
// for support cases and promotions. Grants never auto-renew and carry the
// granting admin in their metadata.
func (s *SubscriptionAdminService) GrantManualEntitlement(ctx context.Context, req domain.ManualGrantRequest, adminUserID string) (*domain.SubscriptionEntitlement, error) {
	if req.FamilyID == "" {
		return nil, fmt.Errorf("family id is required")
	}
	if adminUserID == "" {
		return nil, fmt.Errorf("admin user id is required")
	}
	if req.DurationDays <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %d", req.DurationDays)
	}
	tier := req.SubscriptionTier
	if tier == "" {
		tier = domain.TierOneChild
	}

	now := time.Now()
	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata[domain.MetaGrantedBy] = adminUserID

	created, err := s.store.CreateEntitlement(ctx, &domain.SubscriptionEntitlement{
		FamilyID:         req.FamilyID,
		SubscriptionTier: tier,
		PurchaseDate:     now,
		ExpirationDate:   now.AddDate(0, 0, req.DurationDays),
		IsActive:         true,
		AutoRenewStatus:  false,
		LastValidatedAt:  now,
		Metadata:         metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("creating entitlement: %w", err)
	}

	if err := s.audit(ctx, &domain.AdminAction{
		AdminUserID: adminUserID,
		FamilyID:    req.FamilyID,
		ActionType:  domain.AdminManualGrant,
		Reason:      req.Reason,
		Details: map[string]string{
			"entitlement_id": created.ID,
			"tier":           created.SubscriptionTier,
			"duration_days":  strconv.Itoa(req.DurationDays),
		},
	}); err != nil {
		return nil, err
	}

	s.logger.Info("manual entitlement granted",
		"family_id", req.FamilyID,
		"admin_user_id", adminUserID,
		"tier", tier,
		"duration_days", req.DurationDays,
	)

	return created, nil
}

// ExtendEntitlement pushes the family's current expiration date out by
// additionalDays and stamps the extending admin in the metadata.
func (s *SubscriptionAdminService) ExtendEntitlement(ctx context.Context, familyID string, additionalDays int, reason, adminUserID string) (*domain.SubscriptionEntitlement, error) {
	if additionalDays <= 0 {
		return nil, fmt.Errorf("additional days must be positive, got %d", additionalDays)
	}

	current, err := s.store.GetCurrentEntitlement(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("fetching entitlement: %w", err)
	}
	if current == nil {
		return nil, domain.ErrEntitlementNotFound
	}

	extended := *current
	extended.Metadata = make(map[string]string, len(current.Metadata)+1)
	for k, v := range current.Metadata {
		extended.Metadata[k] = v
	}
	extended.ExpirationDate = extended.ExpirationDate.AddDate(0, 0, additionalDays)
	extended.SetMetadata(domain.MetaExtendedBy, adminUserID)

	updated, err := s.store.UpdateEntitlement(ctx, &extended)
	if err != nil {
		return nil, fmt.Errorf("updating entitlement: %w", err)
	}
	if updated == nil {
		return nil, domain.ErrEntitlementNotFound
	}

	if err := s.audit(ctx, &domain.AdminAction{
		AdminUserID: adminUserID,
		FamilyID:    familyID,
		ActionType:  domain.AdminExtendEntitlement,
		Reason:      reason,
		Details: map[string]string{
			"entitlement_id":  updated.ID,
			"additional_days": strconv.Itoa(additionalDays),
			"new_expiration":  updated.ExpirationDate.Format(time.RFC3339),
		},
	}); err != nil {
		return nil, err
	}

	s.logger.Info("entitlement extended",
		"family_id", familyID,
		"admin_user_id", adminUserID,
		"additional_days", additionalDays,
	)

	return updated, nil
}

// ClearFraudFlags unblocks a family in the fraud engine and records the
// override as an admin action.
func (s *SubscriptionAdminService) ClearFraudFlags(ctx context.Context, familyID, reason, adminUserID string) error {
	if err := s.fraud.ClearFraudBlock(ctx, familyID, reason, adminUserID); err != nil {
		return fmt.Errorf("clearing fraud block: %w", err)
	}

	if err := s.audit(ctx, &domain.AdminAction{
		AdminUserID: adminUserID,
		FamilyID:    familyID,
		ActionType:  domain.AdminClearFraudFlags,
		Reason:      reason,
	}); err != nil {
		return err
	}

	s.logger.Info("fraud flags cleared", "family_id", familyID, "admin_user_id", adminUserID)
	return nil
}

// GetFamilySubscriptionDetails assembles the admin view of a family. A
// family with no entitlements is not an error; it simply has no current
// record and an empty history.
func (s *SubscriptionAdminService) GetFamilySubscriptionDetails(ctx context.Context, familyID string) (*FamilySubscriptionDetails, error) {
	current, err := s.store.GetCurrentEntitlement(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("fetching current entitlement: %w", err)
	}

	history, err := s.store.ListEntitlementsByFamily(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("listing entitlement history: %w", err)
	}

	risk, unresolved, err := s.riskScore(ctx, familyID)
	if err != nil {
		return nil, err
	}

	return &FamilySubscriptionDetails{
		Current:          current,
		History:          history,
		RiskScore:        risk,
		UnresolvedEvents: unresolved,
	}, nil
}

// riskScore sums severity points over the family's unresolved fraud events
// (those after the latest fraud_block_cleared marker) and normalizes against
// the block threshold, capped at 1.0.
func (s *SubscriptionAdminService) riskScore(ctx context.Context, familyID string) (float64, int, error) {
	var since time.Time
	marker, err := s.store.LatestValidationAudit(ctx, familyID, domain.AuditFraudBlockCleared)
	if err != nil {
		return 0, 0, fmt.Errorf("reading fraud clear marker: %w", err)
	}
	if marker != nil {
		since = marker.CreatedAt
	}

	events, err := s.store.ListFraudEventsByFamily(ctx, familyID, since)
	if err != nil {
		return 0, 0, fmt.Errorf("listing fraud events: %w", err)
	}

	points := 0
	for _, ev := range events {
		points += domain.SeverityPoints(ev.Severity)
	}

	risk := float64(points) / 10
	if risk > 1 {
		risk = 1
	}
	return risk, len(events), nil
}

// DeleteEntitlement removes an entitlement permanently, the only deletion
// path in the system. The family's cache entry is dropped so the deleted
// record cannot keep serving reads for the rest of its freshness window.
func (s *SubscriptionAdminService) DeleteEntitlement(ctx context.Context, entitlementID, reason, adminUserID string) error {
	entitlement, err := s.store.GetEntitlement(ctx, entitlementID)
	if err != nil {
		return fmt.Errorf("fetching entitlement: %w", err)
	}
	if entitlement == nil {
		return domain.ErrEntitlementNotFound
	}

	if err := s.store.DeleteEntitlement(ctx, entitlementID); err != nil {
		return fmt.Errorf("deleting entitlement: %w", err)
	}

	if err := s.cache.Remove(ctx, entitlement.FamilyID); err != nil {
		s.logger.Error("failed to drop cache entry for deleted entitlement", "family_id", entitlement.FamilyID, "error", err)
	}

	if err := s.audit(ctx, &domain.AdminAction{
		AdminUserID: adminUserID,
		FamilyID:    entitlement.FamilyID,
		ActionType:  domain.AdminDeleteEntitlement,
		Reason:      reason,
		Details: map[string]string{
			"entitlement_id": entitlementID,
		},
	}); err != nil {
		return err
	}

	s.logger.Info("entitlement deleted",
		"entitlement_id", entitlementID,
		"family_id", entitlement.FamilyID,
		"admin_user_id", adminUserID,
	)

	return nil
}

func (s *SubscriptionAdminService) audit(ctx context.Context, action *domain.AdminAction) error {
	if _, err := s.store.InsertAdminAction(ctx, action); err != nil {
		return fmt.Errorf("recording admin action: %w", err)
	}
	return nil
}
