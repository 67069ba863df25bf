// Package service contains the orchestration layer: validation,
// offline-resilient reads, and audited admin overrides, composed from the
// store, cache, and engine packages.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aminenidae/screentime-entitlements/internal/domain"
	"github.com/aminenidae/screentime-entitlements/internal/engine"
)

// ValidationStore is the slice of the entitlement store the validation
// service reads and stamps through.
type ValidationStore interface {
	ValidateCurrentEntitlement(ctx context.Context, familyID string, validatedAt time.Time) (*domain.SubscriptionEntitlement, error)
	GetCurrentEntitlement(ctx context.Context, familyID string) (*domain.SubscriptionEntitlement, error)
}

// ValidationCache is the slice of the local cache used on the validation
// path.
type ValidationCache interface {
	Get(ctx context.Context, familyID string) (*domain.CachedEntitlementRecord, error)
	Cache(ctx context.Context, familyID string, rec domain.CachedEntitlementRecord) error
	Remove(ctx context.Context, familyID string) error
}

// UsageRecorder feeds validation samples into the behavioral counters the
// fraud engine reads.
type UsageRecorder interface {
	RecordValidation(ctx context.Context, familyID string) error
}

// EntitlementValidationService answers whether a family's subscription is
// currently valid, serving from the local cache while it is fresh and
// revalidating against the store once it is not.
type EntitlementValidationService struct {
	store     ValidationStore
	cache     ValidationCache
	recorder  UsageRecorder
	grace     *engine.GracePeriodStateMachine
	logger    *slog.Logger
	freshness time.Duration
}

// NewEntitlementValidationService builds the service. A non-positive
// freshness falls back to the 30-minute default window.
func NewEntitlementValidationService(store ValidationStore, cache ValidationCache, recorder UsageRecorder, grace *engine.GracePeriodStateMachine, logger *slog.Logger, freshness time.Duration) *EntitlementValidationService {
	if freshness <= 0 {
		freshness = 30 * time.Minute
	}
	return &EntitlementValidationService{
		store:     store,
		cache:     cache,
		recorder:  recorder,
		grace:     grace,
		logger:    logger,
		freshness: freshness,
	}
}

// ValidateEntitlement returns the family's current entitlement. A cached
// record validated within the freshness window is returned without touching
// the store; otherwise the store revalidates, the result is re-cached (which
// also clears any offline-grace marker), and a validation sample is recorded
// for the usage counters. A miss in both store and cache is
// domain.ErrEntitlementNotFound, never a default entitlement.
func (s *EntitlementValidationService) ValidateEntitlement(ctx context.Context, familyID string) (*domain.SubscriptionEntitlement, error) {
	now := time.Now()

	rec, err := s.cache.Get(ctx, familyID)
	if err != nil {
		// A broken cache read downgrades to a store validation
		s.logger.Warn("cache read failed, validating against store", "family_id", familyID, "error", err)
	}
	if rec != nil && now.Sub(rec.ValidatedAt) < s.freshness {
		entitlement := rec.Entitlement
		return &entitlement, nil
	}

	entitlement, err := s.store.ValidateCurrentEntitlement(ctx, familyID, now)
	if err != nil {
		return nil, fmt.Errorf("validating entitlement: %w", err)
	}
	if entitlement == nil {
		return nil, domain.ErrEntitlementNotFound
	}

	if err := s.cache.Cache(ctx, familyID, domain.CachedEntitlementRecord{
		Entitlement: *entitlement,
		ValidatedAt: now,
	}); err != nil {
		// The store already answered; a cache write failure only costs the
		// next call a revalidation
		s.logger.Error("failed to cache validated entitlement", "family_id", familyID, "error", err)
	}

	if err := s.recorder.RecordValidation(ctx, familyID); err != nil {
		s.logger.Warn("failed to record validation sample", "family_id", familyID, "error", err)
	}

	s.logger.Info("entitlement validated",
		"family_id", familyID,
		"tier", entitlement.SubscriptionTier,
		"is_active", entitlement.IsActive,
	)

	return entitlement, nil
}

// HasActiveEntitlement is a pure check on the last-known cached record:
// active and not yet expired. An uncached family reports false rather than
// triggering a validation.
func (s *EntitlementValidationService) HasActiveEntitlement(ctx context.Context, familyID string) (bool, error) {
	rec, err := s.cache.Get(ctx, familyID)
	if err != nil {
		return false, fmt.Errorf("reading cached entitlement: %w", err)
	}
	if rec == nil {
		return false, nil
	}
	return rec.Entitlement.HasActiveAccess(time.Now()), nil
}

// CheckGracePeriodStatus reports the family's grace state from a fresh store
// read, letting the state machine auto-expire a past-due grace period. An
// expired transition also drops the cache entry so the next validation sees
// the deactivated entitlement.
func (s *EntitlementValidationService) CheckGracePeriodStatus(ctx context.Context, familyID string) (engine.GracePeriodStatus, error) {
	entitlement, err := s.store.GetCurrentEntitlement(ctx, familyID)
	if err != nil {
		return engine.GracePeriodStatus{}, fmt.Errorf("fetching entitlement: %w", err)
	}
	if entitlement == nil {
		return engine.GracePeriodStatus{}, domain.ErrEntitlementNotFound
	}

	status, err := s.grace.CheckGracePeriodStatus(ctx, entitlement)
	if err != nil {
		return engine.GracePeriodStatus{}, err
	}

	if status.State == engine.GraceExpired {
		if err := s.cache.Remove(ctx, familyID); err != nil {
			s.logger.Error("failed to drop cache entry after grace expiry", "family_id", familyID, "error", err)
		}
	}

	return status, nil
}

// RefreshEntitlement drops the cache entry and revalidates against the
// store, bypassing the freshness window.
func (s *EntitlementValidationService) RefreshEntitlement(ctx context.Context, familyID string) (*domain.SubscriptionEntitlement, error) {
	if err := s.cache.Remove(ctx, familyID); err != nil {
		return nil, fmt.Errorf("dropping cache entry: %w", err)
	}
	return s.ValidateEntitlement(ctx, familyID)
}
