package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aminenidae/screentime-entitlements/internal/cache"
	"github.com/aminenidae/screentime-entitlements/internal/domain"
	"github.com/aminenidae/screentime-entitlements/internal/engine"
)

// fakeStore stands in for the Postgres store across the service tests. It
// also satisfies the grace machine's persistence surface so grace
// transitions can be exercised without a database.
type fakeStore struct {
	entitlement   *domain.SubscriptionEntitlement
	validateCalls int
	currentCalls  int
	validateErr   error
	updated       []domain.SubscriptionEntitlement
	audits        []domain.ValidationAuditLog
}

func (s *fakeStore) ValidateCurrentEntitlement(_ context.Context, familyID string, validatedAt time.Time) (*domain.SubscriptionEntitlement, error) {
	s.validateCalls++
	if s.validateErr != nil {
		return nil, s.validateErr
	}
	if s.entitlement == nil || s.entitlement.FamilyID != familyID {
		return nil, nil
	}
	cp := *s.entitlement
	cp.LastValidatedAt = validatedAt
	return &cp, nil
}

func (s *fakeStore) GetCurrentEntitlement(_ context.Context, familyID string) (*domain.SubscriptionEntitlement, error) {
	s.currentCalls++
	if s.entitlement == nil || s.entitlement.FamilyID != familyID {
		return nil, nil
	}
	cp := *s.entitlement
	return &cp, nil
}

func (s *fakeStore) UpdateEntitlement(_ context.Context, e *domain.SubscriptionEntitlement) (*domain.SubscriptionEntitlement, error) {
	cp := *e
	s.updated = append(s.updated, cp)
	s.entitlement = &cp
	return &cp, nil
}

func (s *fakeStore) InsertValidationAudit(_ context.Context, a *domain.ValidationAuditLog) (*domain.ValidationAuditLog, error) {
	cp := *a
	cp.ID = fmt.Sprintf("audit-%d", len(s.audits)+1)
	s.audits = append(s.audits, cp)
	return &cp, nil
}

type fakeNotifier struct {
	scheduled int
	cancelled int
}

func (n *fakeNotifier) ScheduleRetryNotifications(context.Context, string, time.Time) (int, error) {
	n.scheduled++
	return 4, nil
}

func (n *fakeNotifier) CancelRetryNotifications(context.Context, string) (int, error) {
	n.cancelled++
	return 0, nil
}

type countingRecorder struct {
	samples int
}

func (r *countingRecorder) RecordValidation(context.Context, string) error {
	r.samples++
	return nil
}

func setupTestValidation(t *testing.T) (*EntitlementValidationService, *fakeStore, *cache.BoltCache, *countingRecorder) {
	t.Helper()

	c, err := cache.Open(filepath.Join(t.TempDir(), "entitlements.db"))
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := &fakeStore{}
	recorder := &countingRecorder{}
	grace := engine.NewGracePeriodStateMachine(store, &fakeNotifier{}, logger, 16)
	svc := NewEntitlementValidationService(store, c, recorder, grace, logger, 30*time.Minute)
	return svc, store, c, recorder
}

func activeEntitlement(familyID string) *domain.SubscriptionEntitlement {
	return &domain.SubscriptionEntitlement{
		ID:               "ent-1",
		FamilyID:         familyID,
		SubscriptionTier: domain.TierTwoChild,
		TransactionID:    "txn-1",
		PurchaseDate:     time.Now().AddDate(0, 0, -1),
		ExpirationDate:   time.Now().AddDate(0, 0, 1),
		IsActive:         true,
	}
}

func TestValidateEntitlement_CacheAbsorbsRepeatCalls(t *testing.T) {
	svc, store, _, _ := setupTestValidation(t)
	store.entitlement = activeEntitlement("fam-1")
	ctx := context.Background()

	first, err := svc.ValidateEntitlement(ctx, "fam-1")
	if err != nil {
		t.Fatalf("first validation: %v", err)
	}
	if store.validateCalls != 1 {
		t.Fatalf("expected 1 store call, got %d", store.validateCalls)
	}

	second, err := svc.ValidateEntitlement(ctx, "fam-1")
	if err != nil {
		t.Fatalf("second validation: %v", err)
	}
	if store.validateCalls != 1 {
		t.Errorf("fresh cache should absorb the second call, store calls = %d", store.validateCalls)
	}
	if second.ID != first.ID {
		t.Errorf("cached entitlement %q does not match validated %q", second.ID, first.ID)
	}

	// Refresh drops the cache entry and must hit the store again
	if _, err := svc.RefreshEntitlement(ctx, "fam-1"); err != nil {
		t.Fatalf("refreshing: %v", err)
	}
	if store.validateCalls != 2 {
		t.Errorf("refresh should force a store call, store calls = %d", store.validateCalls)
	}
}

func TestValidateEntitlement_StoreMissReturnsNotFound(t *testing.T) {
	svc, _, _, _ := setupTestValidation(t)

	_, err := svc.ValidateEntitlement(context.Background(), "fam-unknown")
	if !errors.Is(err, domain.ErrEntitlementNotFound) {
		t.Errorf("expected ErrEntitlementNotFound, got %v", err)
	}
}

func TestValidateEntitlement_CachesAndRecordsSample(t *testing.T) {
	svc, store, c, recorder := setupTestValidation(t)
	store.entitlement = activeEntitlement("fam-1")
	ctx := context.Background()

	if _, err := svc.ValidateEntitlement(ctx, "fam-1"); err != nil {
		t.Fatalf("validating: %v", err)
	}

	rec, err := c.Get(ctx, "fam-1")
	if err != nil {
		t.Fatalf("reading cache: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a cached record after validation")
	}
	if rec.Entitlement.ID != "ent-1" {
		t.Errorf("cached entitlement ID = %q, want ent-1", rec.Entitlement.ID)
	}
	if recorder.samples != 1 {
		t.Errorf("expected 1 validation sample, got %d", recorder.samples)
	}

	// A cache hit records no sample
	if _, err := svc.ValidateEntitlement(ctx, "fam-1"); err != nil {
		t.Fatalf("cached validation: %v", err)
	}
	if recorder.samples != 1 {
		t.Errorf("cache hits must not record samples, got %d", recorder.samples)
	}
}

func TestValidateEntitlement_StaleCacheRevalidates(t *testing.T) {
	svc, store, c, _ := setupTestValidation(t)
	store.entitlement = activeEntitlement("fam-1")
	ctx := context.Background()

	err := c.Cache(ctx, "fam-1", domain.CachedEntitlementRecord{
		Entitlement: *store.entitlement,
		ValidatedAt: time.Now().Add(-31 * time.Minute),
	})
	if err != nil {
		t.Fatalf("seeding cache: %v", err)
	}

	if _, err := svc.ValidateEntitlement(ctx, "fam-1"); err != nil {
		t.Fatalf("validating: %v", err)
	}
	if store.validateCalls != 1 {
		t.Errorf("stale cache should hit the store, store calls = %d", store.validateCalls)
	}

	rec, err := c.Get(ctx, "fam-1")
	if err != nil {
		t.Fatalf("reading cache: %v", err)
	}
	if time.Since(rec.ValidatedAt) > time.Minute {
		t.Error("revalidation should refresh the cached ValidatedAt")
	}
}

func TestValidateEntitlement_ClearsOfflineMarker(t *testing.T) {
	svc, store, c, _ := setupTestValidation(t)
	store.entitlement = activeEntitlement("fam-1")
	ctx := context.Background()

	start := time.Now().Add(-48 * time.Hour)
	err := c.Cache(ctx, "fam-1", domain.CachedEntitlementRecord{
		Entitlement:             *store.entitlement,
		ValidatedAt:             time.Now().Add(-2 * time.Hour),
		OfflineGracePeriodStart: &start,
	})
	if err != nil {
		t.Fatalf("seeding cache: %v", err)
	}

	if _, err := svc.ValidateEntitlement(ctx, "fam-1"); err != nil {
		t.Fatalf("validating: %v", err)
	}

	rec, err := c.Get(ctx, "fam-1")
	if err != nil {
		t.Fatalf("reading cache: %v", err)
	}
	if rec.OfflineGracePeriodStart != nil {
		t.Error("successful online validation should clear the offline-grace marker")
	}
}

func TestHasActiveEntitlement(t *testing.T) {
	svc, _, c, _ := setupTestValidation(t)
	ctx := context.Background()

	active, err := svc.HasActiveEntitlement(ctx, "fam-1")
	if err != nil {
		t.Fatalf("checking uncached family: %v", err)
	}
	if active {
		t.Error("uncached family should not be active")
	}

	e := activeEntitlement("fam-1")
	if err := c.Cache(ctx, "fam-1", domain.CachedEntitlementRecord{Entitlement: *e, ValidatedAt: time.Now()}); err != nil {
		t.Fatalf("seeding cache: %v", err)
	}
	active, err = svc.HasActiveEntitlement(ctx, "fam-1")
	if err != nil {
		t.Fatalf("checking active family: %v", err)
	}
	if !active {
		t.Error("active future-expiring entitlement should report true")
	}

	expired := activeEntitlement("fam-2")
	expired.ExpirationDate = time.Now().Add(-time.Hour)
	if err := c.Cache(ctx, "fam-2", domain.CachedEntitlementRecord{Entitlement: *expired, ValidatedAt: time.Now()}); err != nil {
		t.Fatalf("seeding cache: %v", err)
	}
	active, err = svc.HasActiveEntitlement(ctx, "fam-2")
	if err != nil {
		t.Fatalf("checking expired family: %v", err)
	}
	if active {
		t.Error("expired entitlement should report false")
	}
}

func TestCheckGracePeriodStatus_UnknownFamily(t *testing.T) {
	svc, _, _, _ := setupTestValidation(t)

	_, err := svc.CheckGracePeriodStatus(context.Background(), "fam-unknown")
	if !errors.Is(err, domain.ErrEntitlementNotFound) {
		t.Errorf("expected ErrEntitlementNotFound, got %v", err)
	}
}

func TestCheckGracePeriodStatus_Active(t *testing.T) {
	svc, store, _, _ := setupTestValidation(t)
	e := activeEntitlement("fam-1")
	expiry := time.Now().AddDate(0, 0, 10)
	e.GracePeriodExpiresAt = &expiry
	store.entitlement = e

	status, err := svc.CheckGracePeriodStatus(context.Background(), "fam-1")
	if err != nil {
		t.Fatalf("checking status: %v", err)
	}
	if status.State != engine.GraceActive {
		t.Errorf("expected active, got %q", status.State)
	}
	if status.DaysRemaining != 10 {
		t.Errorf("expected 10 days remaining, got %d", status.DaysRemaining)
	}
}

func TestCheckGracePeriodStatus_ExpiredDropsCacheEntry(t *testing.T) {
	svc, store, c, _ := setupTestValidation(t)
	e := activeEntitlement("fam-1")
	expiry := time.Now().Add(-time.Hour)
	e.GracePeriodExpiresAt = &expiry
	store.entitlement = e
	ctx := context.Background()

	if err := c.Cache(ctx, "fam-1", domain.CachedEntitlementRecord{Entitlement: *e, ValidatedAt: time.Now()}); err != nil {
		t.Fatalf("seeding cache: %v", err)
	}

	status, err := svc.CheckGracePeriodStatus(ctx, "fam-1")
	if err != nil {
		t.Fatalf("checking status: %v", err)
	}
	if status.State != engine.GraceExpired {
		t.Errorf("expected expired, got %q", status.State)
	}

	if len(store.updated) == 0 {
		t.Fatal("expected the expired entitlement to be persisted")
	}
	if store.updated[len(store.updated)-1].IsActive {
		t.Error("expired grace period should deactivate the entitlement")
	}

	rec, err := c.Get(ctx, "fam-1")
	if err != nil {
		t.Fatalf("reading cache: %v", err)
	}
	if rec != nil {
		t.Error("expired grace period should drop the cache entry")
	}
}
