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
)

type adminFakeStore struct {
	byID     map[string]*domain.SubscriptionEntitlement
	current  *domain.SubscriptionEntitlement
	history  []domain.SubscriptionEntitlement
	events   []domain.FraudDetectionEvent
	marker   *domain.ValidationAuditLog
	actions  []domain.AdminAction
	created  []domain.SubscriptionEntitlement
	updated  []domain.SubscriptionEntitlement
	deleted  []string
	auditErr error
}

func newAdminFakeStore() *adminFakeStore {
	return &adminFakeStore{byID: map[string]*domain.SubscriptionEntitlement{}}
}

func (s *adminFakeStore) CreateEntitlement(_ context.Context, e *domain.SubscriptionEntitlement) (*domain.SubscriptionEntitlement, error) {
	cp := *e
	if cp.ID == "" {
		cp.ID = fmt.Sprintf("ent-%d", len(s.created)+1)
	}
	s.created = append(s.created, cp)
	s.byID[cp.ID] = &cp
	return &cp, nil
}

func (s *adminFakeStore) GetEntitlement(_ context.Context, id string) (*domain.SubscriptionEntitlement, error) {
	e, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *adminFakeStore) GetCurrentEntitlement(_ context.Context, familyID string) (*domain.SubscriptionEntitlement, error) {
	if s.current == nil || s.current.FamilyID != familyID {
		return nil, nil
	}
	cp := *s.current
	return &cp, nil
}

func (s *adminFakeStore) ListEntitlementsByFamily(_ context.Context, familyID string) ([]domain.SubscriptionEntitlement, error) {
	var out []domain.SubscriptionEntitlement
	for _, e := range s.history {
		if e.FamilyID == familyID {
			out = append(out, e)
		}
	}
	if out == nil {
		out = []domain.SubscriptionEntitlement{}
	}
	return out, nil
}

func (s *adminFakeStore) UpdateEntitlement(_ context.Context, e *domain.SubscriptionEntitlement) (*domain.SubscriptionEntitlement, error) {
	cp := *e
	s.updated = append(s.updated, cp)
	s.current = &cp
	return &cp, nil
}

func (s *adminFakeStore) DeleteEntitlement(_ context.Context, id string) error {
	if _, ok := s.byID[id]; !ok {
		return domain.ErrEntitlementNotFound
	}
	delete(s.byID, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *adminFakeStore) ListFraudEventsByFamily(_ context.Context, familyID string, since time.Time) ([]domain.FraudDetectionEvent, error) {
	var out []domain.FraudDetectionEvent
	for _, ev := range s.events {
		if ev.FamilyID == familyID && ev.CreatedAt.After(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *adminFakeStore) LatestValidationAudit(_ context.Context, familyID string, eventType domain.ValidationEventType) (*domain.ValidationAuditLog, error) {
	if s.marker == nil || s.marker.FamilyID != familyID || s.marker.EventType != eventType {
		return nil, nil
	}
	cp := *s.marker
	return &cp, nil
}

func (s *adminFakeStore) InsertAdminAction(_ context.Context, a *domain.AdminAction) (*domain.AdminAction, error) {
	if s.auditErr != nil {
		return nil, s.auditErr
	}
	cp := *a
	cp.ID = fmt.Sprintf("action-%d", len(s.actions)+1)
	cp.CreatedAt = time.Now()
	s.actions = append(s.actions, cp)
	return &cp, nil
}

type fakeFraudClearer struct {
	cleared []string
	err     error
}

func (f *fakeFraudClearer) ClearFraudBlock(_ context.Context, familyID, reason, adminUserID string) error {
	if f.err != nil {
		return f.err
	}
	f.cleared = append(f.cleared, familyID)
	return nil
}

func setupTestAdmin(t *testing.T) (*SubscriptionAdminService, *adminFakeStore, *cache.BoltCache, *fakeFraudClearer) {
	t.Helper()

	c, err := cache.Open(filepath.Join(t.TempDir(), "entitlements.db"))
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := newAdminFakeStore()
	clearer := &fakeFraudClearer{}
	svc := NewSubscriptionAdminService(store, c, clearer, logger)
	return svc, store, c, clearer
}

func TestGrantManualEntitlement(t *testing.T) {
	svc, store, _, _ := setupTestAdmin(t)

	created, err := svc.GrantManualEntitlement(context.Background(), domain.ManualGrantRequest{
		FamilyID:         "fam-1",
		SubscriptionTier: domain.TierThreePlus,
		DurationDays:     30,
		Reason:           "support case 4821",
	}, "admin-1")
	if err != nil {
		t.Fatalf("granting: %v", err)
	}

	if created.AutoRenewStatus {
		t.Error("manual grants must not auto-renew")
	}
	if !created.IsActive {
		t.Error("manual grant should be active")
	}
	if created.MetadataValue(domain.MetaGrantedBy) != "admin-1" {
		t.Errorf("granted_by = %q, want admin-1", created.MetadataValue(domain.MetaGrantedBy))
	}
	wantExpiry := time.Now().AddDate(0, 0, 30)
	if created.ExpirationDate.Before(wantExpiry.Add(-time.Minute)) || created.ExpirationDate.After(wantExpiry.Add(time.Minute)) {
		t.Errorf("expiration %v not ~30 days out", created.ExpirationDate)
	}

	if len(store.actions) != 1 {
		t.Fatalf("expected exactly 1 admin action, got %d", len(store.actions))
	}
	action := store.actions[0]
	if action.ActionType != domain.AdminManualGrant {
		t.Errorf("action type = %q, want manual_grant", action.ActionType)
	}
	if action.Reason != "support case 4821" {
		t.Errorf("reason = %q", action.Reason)
	}
	if action.Details["entitlement_id"] != created.ID {
		t.Errorf("action should reference the created entitlement")
	}
}

func TestGrantManualEntitlement_AuditFailureFailsOperation(t *testing.T) {
	svc, store, _, _ := setupTestAdmin(t)
	store.auditErr = errors.New("audit table unavailable")

	_, err := svc.GrantManualEntitlement(context.Background(), domain.ManualGrantRequest{
		FamilyID:     "fam-1",
		DurationDays: 30,
	}, "admin-1")
	if err == nil {
		t.Fatal("expected error when the audit write fails")
	}

	// The mutation happened; the operation still reports failure
	if len(store.created) != 1 {
		t.Errorf("expected the entitlement row to exist, got %d", len(store.created))
	}
}

func TestGrantManualEntitlement_RejectsInvalidRequests(t *testing.T) {
	svc, store, _, _ := setupTestAdmin(t)
	ctx := context.Background()

	if _, err := svc.GrantManualEntitlement(ctx, domain.ManualGrantRequest{DurationDays: 30}, "admin-1"); err == nil {
		t.Error("expected error for missing family id")
	}
	if _, err := svc.GrantManualEntitlement(ctx, domain.ManualGrantRequest{FamilyID: "fam-1"}, "admin-1"); err == nil {
		t.Error("expected error for non-positive duration")
	}
	if _, err := svc.GrantManualEntitlement(ctx, domain.ManualGrantRequest{FamilyID: "fam-1", DurationDays: 30}, ""); err == nil {
		t.Error("expected error for missing admin user")
	}

	if len(store.created) != 0 || len(store.actions) != 0 {
		t.Error("rejected requests must not create rows or actions")
	}
}

func TestExtendEntitlement(t *testing.T) {
	svc, store, _, _ := setupTestAdmin(t)
	e := activeEntitlement("fam-1")
	baseExpiry := e.ExpirationDate
	store.current = e

	updated, err := svc.ExtendEntitlement(context.Background(), "fam-1", 10, "billing dispute resolved", "admin-2")
	if err != nil {
		t.Fatalf("extending: %v", err)
	}

	want := baseExpiry.AddDate(0, 0, 10)
	if !updated.ExpirationDate.Equal(want) {
		t.Errorf("expiration = %v, want %v", updated.ExpirationDate, want)
	}
	if updated.MetadataValue(domain.MetaExtendedBy) != "admin-2" {
		t.Errorf("extended_by = %q, want admin-2", updated.MetadataValue(domain.MetaExtendedBy))
	}
	if len(store.updated) != 1 {
		t.Errorf("expected 1 persisted update, got %d", len(store.updated))
	}
	if len(store.actions) != 1 || store.actions[0].ActionType != domain.AdminExtendEntitlement {
		t.Error("expected one extend_entitlement action")
	}
}

func TestExtendEntitlement_UnknownFamily(t *testing.T) {
	svc, _, _, _ := setupTestAdmin(t)

	_, err := svc.ExtendEntitlement(context.Background(), "fam-unknown", 10, "r", "admin-1")
	if !errors.Is(err, domain.ErrEntitlementNotFound) {
		t.Errorf("expected ErrEntitlementNotFound, got %v", err)
	}
}

func TestClearFraudFlags(t *testing.T) {
	svc, store, _, clearer := setupTestAdmin(t)

	if err := svc.ClearFraudFlags(context.Background(), "fam-1", "verified manually", "admin-1"); err != nil {
		t.Fatalf("clearing: %v", err)
	}

	if len(clearer.cleared) != 1 || clearer.cleared[0] != "fam-1" {
		t.Error("expected the fraud engine to be invoked")
	}
	if len(store.actions) != 1 || store.actions[0].ActionType != domain.AdminClearFraudFlags {
		t.Error("expected one clear_fraud_flags action")
	}
}

func TestClearFraudFlags_EngineFailureSkipsAudit(t *testing.T) {
	svc, store, _, clearer := setupTestAdmin(t)
	clearer.err = errors.New("marker write failed")

	if err := svc.ClearFraudFlags(context.Background(), "fam-1", "r", "admin-1"); err == nil {
		t.Fatal("expected error from the fraud engine")
	}
	if len(store.actions) != 0 {
		t.Error("a failed clear must not be audited as done")
	}
}

func TestGetFamilySubscriptionDetails(t *testing.T) {
	svc, store, _, _ := setupTestAdmin(t)
	e := activeEntitlement("fam-1")
	store.current = e
	store.history = []domain.SubscriptionEntitlement{*e}
	store.events = []domain.FraudDetectionEvent{
		{FamilyID: "fam-1", Severity: domain.SeverityHigh, CreatedAt: time.Now().Add(-time.Hour)},
		{FamilyID: "fam-1", Severity: domain.SeverityMedium, CreatedAt: time.Now().Add(-time.Minute)},
	}

	details, err := svc.GetFamilySubscriptionDetails(context.Background(), "fam-1")
	if err != nil {
		t.Fatalf("fetching details: %v", err)
	}

	if details.Current == nil || details.Current.ID != e.ID {
		t.Error("expected the current entitlement")
	}
	if len(details.History) != 1 {
		t.Errorf("expected 1 history entry, got %d", len(details.History))
	}
	// 5 + 3 severity points over the 10-point threshold
	if details.RiskScore != 0.8 {
		t.Errorf("risk score = %v, want 0.8", details.RiskScore)
	}
	if details.UnresolvedEvents != 2 {
		t.Errorf("unresolved events = %d, want 2", details.UnresolvedEvents)
	}
}

func TestGetFamilySubscriptionDetails_ClearedEventsDoNotCount(t *testing.T) {
	svc, store, _, _ := setupTestAdmin(t)
	store.events = []domain.FraudDetectionEvent{
		{FamilyID: "fam-1", Severity: domain.SeverityCritical, CreatedAt: time.Now().Add(-time.Hour)},
	}
	store.marker = &domain.ValidationAuditLog{
		FamilyID:  "fam-1",
		EventType: domain.AuditFraudBlockCleared,
		CreatedAt: time.Now(),
	}

	details, err := svc.GetFamilySubscriptionDetails(context.Background(), "fam-1")
	if err != nil {
		t.Fatalf("fetching details: %v", err)
	}
	if details.RiskScore != 0 {
		t.Errorf("risk score = %v, want 0 after clear", details.RiskScore)
	}
	if details.UnresolvedEvents != 0 {
		t.Errorf("unresolved events = %d, want 0", details.UnresolvedEvents)
	}
}

func TestDeleteEntitlement(t *testing.T) {
	svc, store, c, _ := setupTestAdmin(t)
	ctx := context.Background()

	e := activeEntitlement("fam-1")
	store.byID[e.ID] = e
	seedCache(t, c, e, nil)

	if err := svc.DeleteEntitlement(ctx, e.ID, "chargeback confirmed", "admin-1"); err != nil {
		t.Fatalf("deleting: %v", err)
	}

	if len(store.deleted) != 1 || store.deleted[0] != e.ID {
		t.Error("expected the entitlement to be deleted")
	}
	rec, err := c.Get(ctx, "fam-1")
	if err != nil {
		t.Fatalf("reading cache: %v", err)
	}
	if rec != nil {
		t.Error("deletion should drop the family's cache entry")
	}
	if len(store.actions) != 1 || store.actions[0].ActionType != domain.AdminDeleteEntitlement {
		t.Error("expected one delete_entitlement action")
	}
}

func TestDeleteEntitlement_Unknown(t *testing.T) {
	svc, store, _, _ := setupTestAdmin(t)

	err := svc.DeleteEntitlement(context.Background(), "ent-unknown", "r", "admin-1")
	if !errors.Is(err, domain.ErrEntitlementNotFound) {
		t.Errorf("expected ErrEntitlementNotFound, got %v", err)
	}
	if len(store.actions) != 0 {
		t.Error("a failed delete must not be audited")
	}
}
