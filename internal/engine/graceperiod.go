package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/aminenidae/screentime-entitlements/internal/domain"
)

// Grace period states. CheckGracePeriodStatus reports the first three;
// resolved and revoked appear only in transition notifications.
type GracePeriodState string

const (
	GraceNotApplicable GracePeriodState = "not_applicable"
	GraceActive        GracePeriodState = "active"
	GraceExpired       GracePeriodState = "expired"
	GraceResolved      GracePeriodState = "resolved"
	GraceRevoked       GracePeriodState = "revoked"
)

// GracePeriodStatus is the externally visible grace state of an entitlement.
type GracePeriodStatus struct {
	State         GracePeriodState `json:"state"`
	DaysRemaining int              `json:"days_remaining,omitempty"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
}

// Reasons a grace period ends.
type GracePeriodEndReason string

const (
	EndReasonBillingResolved  GracePeriodEndReason = "billing_resolved"
	EndReasonExpired          GracePeriodEndReason = "grace_period_expired"
	EndReasonManualRevocation GracePeriodEndReason = "manual_revocation"
)

// GraceStore is the persistence surface the state machine mutates and audits
// through.
type GraceStore interface {
	UpdateEntitlement(ctx context.Context, e *domain.SubscriptionEntitlement) (*domain.SubscriptionEntitlement, error)
	InsertValidationAudit(ctx context.Context, a *domain.ValidationAuditLog) (*domain.ValidationAuditLog, error)
}

// RetryNotifier schedules and cancels billing-retry reminders.
type RetryNotifier interface {
	ScheduleRetryNotifications(ctx context.Context, familyID string, graceExpiresAt time.Time) (int, error)
	CancelRetryNotifications(ctx context.Context, familyID string) (int, error)
}

// GracePeriodStateMachine manages temporary continued access during billing
// retries: NotInGracePeriod -> Active -> {Resolved, Expired, Revoked}.
// Every transition persists the entitlement, writes an audit entry, and
// notifies registered observers synchronously.
type GracePeriodStateMachine struct {
	store     GraceStore
	notifier  RetryNotifier
	logger    *slog.Logger
	graceDays int

	mu        sync.Mutex
	observers []func(familyID string, status GracePeriodStatus)
}

func NewGracePeriodStateMachine(store GraceStore, notifier RetryNotifier, logger *slog.Logger, graceDays int) *GracePeriodStateMachine {
	if graceDays <= 0 {
		graceDays = 16
	}
	return &GracePeriodStateMachine{
		store:     store,
		notifier:  notifier,
		logger:    logger,
		graceDays: graceDays,
	}
}

// OnTransition registers an observer called synchronously after each state
// transition.
func (m *GracePeriodStateMachine) OnTransition(fn func(familyID string, status GracePeriodStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *GracePeriodStateMachine) notify(familyID string, status GracePeriodStatus) {
	m.mu.Lock()
	observers := make([]func(string, GracePeriodStatus), len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(familyID, status)
	}
}

// StartGracePeriod places the entitlement into a grace period ending
// graceDays from now, keeps access active, audits the transition, and
// schedules billing-retry reminders. Fails with ErrGracePeriodAlreadyActive
// when the entitlement is already in one.
func (m *GracePeriodStateMachine) StartGracePeriod(ctx context.Context, e *domain.SubscriptionEntitlement) (*domain.SubscriptionEntitlement, error) {
	if e.GracePeriodExpiresAt != nil {
		return nil, domain.ErrGracePeriodAlreadyActive
	}

	expiresAt := time.Now().AddDate(0, 0, m.graceDays)

	next := *e
	next.GracePeriodExpiresAt = &expiresAt
	next.IsActive = true

	updated, err := m.store.UpdateEntitlement(ctx, &next)
	if err != nil {
		return nil, fmt.Errorf("persisting grace period start: %w", err)
	}
	if updated == nil {
		return nil, domain.ErrEntitlementNotFound
	}

	if _, err := m.store.InsertValidationAudit(ctx, &domain.ValidationAuditLog{
		FamilyID:  e.FamilyID,
		EventType: domain.AuditGracePeriodStarted,
		Details: map[string]string{
			"entitlement_id": e.ID,
			"expires_at":     expiresAt.Format(time.RFC3339),
		},
	}); err != nil {
		return nil, fmt.Errorf("auditing grace period start: %w", err)
	}

	// Reminders are best-effort; a queue failure does not undo the grace
	// period the family is entitled to.
	if _, err := m.notifier.ScheduleRetryNotifications(ctx, e.FamilyID, expiresAt); err != nil {
		m.logger.Error("failed to schedule retry notifications", "error", err, "family_id", e.FamilyID)
	}

	status := GracePeriodStatus{
		State:         GraceActive,
		DaysRemaining: m.graceDays,
		ExpiresAt:     &expiresAt,
	}
	m.logger.Info("grace period started",
		"family_id", e.FamilyID,
		"entitlement_id", e.ID,
		"expires_at", expiresAt,
	)
	m.notify(e.FamilyID, status)

	return updated, nil
}

// CheckGracePeriodStatus reports the entitlement's grace state. A past-due
// grace period is auto-expired through EndGracePeriod before returning
// expired.
func (m *GracePeriodStateMachine) CheckGracePeriodStatus(ctx context.Context, e *domain.SubscriptionEntitlement) (GracePeriodStatus, error) {
	if e.GracePeriodExpiresAt == nil {
		return GracePeriodStatus{State: GraceNotApplicable}, nil
	}

	now := time.Now()
	if e.GracePeriodExpiresAt.After(now) {
		remaining := int(math.Ceil(e.GracePeriodExpiresAt.Sub(now).Hours() / 24))
		return GracePeriodStatus{
			State:         GraceActive,
			DaysRemaining: remaining,
			ExpiresAt:     e.GracePeriodExpiresAt,
		}, nil
	}

	if _, err := m.EndGracePeriod(ctx, e, EndReasonExpired); err != nil {
		return GracePeriodStatus{}, fmt.Errorf("auto-expiring grace period: %w", err)
	}
	return GracePeriodStatus{State: GraceExpired}, nil
}

// EndGracePeriod closes an active grace period. billing_resolved keeps
// access active and stamps the retry as resolved; expiry and manual
// revocation deactivate the entitlement and stamp the retry as failed.
// Fails with ErrNoActiveGracePeriod when no grace period is set.
func (m *GracePeriodStateMachine) EndGracePeriod(ctx context.Context, e *domain.SubscriptionEntitlement, reason GracePeriodEndReason) (*domain.SubscriptionEntitlement, error) {
	if e.GracePeriodExpiresAt == nil {
		return nil, domain.ErrNoActiveGracePeriod
	}

	var (
		active      bool
		retryStatus string
		eventType   domain.ValidationEventType
		state       GracePeriodState
	)
	switch reason {
	case EndReasonBillingResolved:
		active, retryStatus = true, domain.BillingRetryResolved
		eventType, state = domain.AuditGracePeriodResolved, GraceResolved
	case EndReasonExpired:
		active, retryStatus = false, domain.BillingRetryFailed
		eventType, state = domain.AuditGracePeriodExpired, GraceExpired
	case EndReasonManualRevocation:
		active, retryStatus = false, domain.BillingRetryFailed
		eventType, state = domain.AuditGracePeriodRevoked, GraceRevoked
	default:
		return nil, fmt.Errorf("unknown grace period end reason %q", reason)
	}

	next := *e
	next.GracePeriodExpiresAt = nil
	next.IsActive = active
	next.Metadata = make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		next.Metadata[k] = v
	}
	next.SetMetadata(domain.MetaBillingRetryStatus, retryStatus)

	updated, err := m.store.UpdateEntitlement(ctx, &next)
	if err != nil {
		return nil, fmt.Errorf("persisting grace period end: %w", err)
	}
	if updated == nil {
		return nil, domain.ErrEntitlementNotFound
	}

	if _, err := m.notifier.CancelRetryNotifications(ctx, e.FamilyID); err != nil {
		m.logger.Error("failed to cancel retry notifications", "error", err, "family_id", e.FamilyID)
	}

	if _, err := m.store.InsertValidationAudit(ctx, &domain.ValidationAuditLog{
		FamilyID:  e.FamilyID,
		EventType: eventType,
		Details: map[string]string{
			"entitlement_id": e.ID,
			"reason":         string(reason),
			"retry_status":   retryStatus,
		},
	}); err != nil {
		return nil, fmt.Errorf("auditing grace period end: %w", err)
	}

	m.logger.Info("grace period ended",
		"family_id", e.FamilyID,
		"entitlement_id", e.ID,
		"reason", reason,
	)
	m.notify(e.FamilyID, GracePeriodStatus{State: state})

	return updated, nil
}
