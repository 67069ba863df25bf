package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aminenidae/screentime-entitlements/internal/domain"
)

// Signal weights. Only threshold behavior is contractual: a duplicate
// transaction alone must push the score past the block threshold, and a
// clean entitlement must stay below the flag threshold.
const (
	weightJailbrokenDevice = 0.30
	weightTamperedReceipt  = 0.25
	weightDuplicateTxn     = 0.75
	weightAnomalousUsage   = 0.15

	flagThreshold  = 0.5
	blockThreshold = 0.7

	// blockPoints is the unresolved severity sum at which a family is
	// considered blocked.
	blockPoints = 10
)

// UsageThresholds bound the per-window behavioral counters; counts above a
// threshold score as anomalous usage.
type UsageThresholds struct {
	SubscriptionChanges int
	Validations         int
	DeviceChanges       int
	GeoAnomalies        int
}

func DefaultUsageThresholds() UsageThresholds {
	return UsageThresholds{
		SubscriptionChanges: 3,
		Validations:         50,
		DeviceChanges:       2,
		GeoAnomalies:        1,
	}
}

// FraudStore is the persistence surface the engine reads and appends
// through.
type FraudStore interface {
	ListFamiliesWithTransaction(ctx context.Context, transactionID string) ([]string, error)
	InsertFraudEvent(ctx context.Context, ev *domain.FraudDetectionEvent) (*domain.FraudDetectionEvent, error)
	ListFraudEventsByFamily(ctx context.Context, familyID string, since time.Time) ([]domain.FraudDetectionEvent, error)
	LatestValidationAudit(ctx context.Context, familyID string, eventType domain.ValidationEventType) (*domain.ValidationAuditLog, error)
	InsertValidationAudit(ctx context.Context, a *domain.ValidationAuditLog) (*domain.ValidationAuditLog, error)
}

// DeviceProfiler evaluates device snapshots for integrity signals.
type DeviceProfiler interface {
	GetDeviceInfo(ctx context.Context, familyID string) (*domain.DeviceInfo, error)
	IsJailbroken(info *domain.DeviceInfo) bool
	DetectTampering(info *domain.DeviceInfo) bool
}

// UsageAnalyzer reports per-family behavioral counters for the current
// window.
type UsageAnalyzer interface {
	AnalyzeUsagePatterns(ctx context.Context, familyID string) (*domain.UsagePatternReport, error)
}

// FraudPreventionEngine scores an entitlement plus device/usage context for
// suspicious activity. Suspicion is always data: detection never fails for
// fraudulent-looking input, only when a collaborator fails.
type FraudPreventionEngine struct {
	store      FraudStore
	profiler   DeviceProfiler
	analyzer   UsageAnalyzer
	logger     *slog.Logger
	thresholds UsageThresholds

	mu        sync.RWMutex
	latest    map[string]*domain.FraudAssessment
	observers []func(*domain.FraudAssessment)
}

func NewFraudPreventionEngine(store FraudStore, profiler DeviceProfiler, analyzer UsageAnalyzer, logger *slog.Logger, thresholds UsageThresholds) *FraudPreventionEngine {
	return &FraudPreventionEngine{
		store:      store,
		profiler:   profiler,
		analyzer:   analyzer,
		logger:     logger,
		thresholds: thresholds,
		latest:     map[string]*domain.FraudAssessment{},
	}
}

// OnAssessment registers an observer called synchronously after each
// assessment.
func (f *FraudPreventionEngine) OnAssessment(fn func(*domain.FraudAssessment)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, fn)
}

// LatestAssessment returns the family's most recent published assessment.
func (f *FraudPreventionEngine) LatestAssessment(familyID string) (*domain.FraudAssessment, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	a, ok := f.latest[familyID]
	return a, ok
}

// DetectFraud evaluates the entitlement against all signals. The device
// snapshot is optional; when nil, the family's last observed snapshot is
// used. Detected events are persisted and the assessment is published as the
// family's latest.
func (f *FraudPreventionEngine) DetectFraud(ctx context.Context, e *domain.SubscriptionEntitlement, device *domain.DeviceInfo) (*domain.FraudAssessment, error) {
	now := time.Now()
	var score float64
	var events []domain.FraudDetectionEvent

	info := device
	if info == nil {
		latest, err := f.profiler.GetDeviceInfo(ctx, e.FamilyID)
		if err != nil {
			return nil, fmt.Errorf("fetching device snapshot: %w", err)
		}
		info = latest
	}

	// Jailbreak / tamper signal
	if info != nil {
		jailbroken := f.profiler.IsJailbroken(info)
		tampered := f.profiler.DetectTampering(info)
		if jailbroken || tampered {
			score += weightJailbrokenDevice
			events = append(events, domain.FraudDetectionEvent{
				FamilyID:      e.FamilyID,
				DetectionType: domain.FraudJailbrokenDevice,
				Severity:      domain.SeverityHigh,
				DeviceInfo:    *info,
				Metadata: map[string]string{
					"jailbroken": strconv.FormatBool(jailbroken),
					"tampered":   strconv.FormatBool(tampered),
				},
				CreatedAt: now,
			})
		}
	}

	// Duplicate transaction signal
	if e.TransactionID != "" {
		families, err := f.store.ListFamiliesWithTransaction(ctx, e.TransactionID)
		if err != nil {
			return nil, fmt.Errorf("checking duplicate transaction: %w", err)
		}
		for _, familyID := range families {
			if familyID != e.FamilyID {
				score += weightDuplicateTxn
				ev := domain.FraudDetectionEvent{
					FamilyID:      e.FamilyID,
					DetectionType: domain.FraudDuplicateTransaction,
					Severity:      domain.SeverityCritical,
					TransactionInfo: &domain.TransactionInfo{
						TransactionID:         e.TransactionID,
						OriginalTransactionID: e.OriginalTransactionID,
						PurchaseDate:          e.PurchaseDate,
					},
					Metadata:  map[string]string{"other_family_id": familyID},
					CreatedAt: now,
				}
				if info != nil {
					ev.DeviceInfo = *info
				}
				events = append(events, ev)
				break
			}
		}
	}

	// Receipt format signal
	if !ValidateReceiptFormat(e.ReceiptData) {
		score += weightTamperedReceipt
		ev := domain.FraudDetectionEvent{
			FamilyID:      e.FamilyID,
			DetectionType: domain.FraudTamperedReceipt,
			Severity:      domain.SeverityHigh,
			Metadata:      map[string]string{"receipt_bytes": strconv.Itoa(len(e.ReceiptData))},
			CreatedAt:     now,
		}
		if info != nil {
			ev.DeviceInfo = *info
		}
		events = append(events, ev)
	}

	// Usage anomaly signal
	report, err := f.analyzer.AnalyzeUsagePatterns(ctx, e.FamilyID)
	if err != nil {
		return nil, fmt.Errorf("analyzing usage patterns: %w", err)
	}
	for _, anomaly := range f.usageAnomalies(report) {
		score += weightAnomalousUsage
		ev := domain.FraudDetectionEvent{
			FamilyID:      e.FamilyID,
			DetectionType: domain.FraudAnomalousUsage,
			Severity:      domain.SeverityMedium,
			Metadata:      anomaly,
			CreatedAt:     now,
		}
		if info != nil {
			ev.DeviceInfo = *info
		}
		events = append(events, ev)
	}

	if score > 1.0 {
		score = 1.0
	}

	critical := false
	for _, ev := range events {
		if ev.Severity == domain.SeverityCritical {
			critical = true
			break
		}
	}

	assessment := &domain.FraudAssessment{
		FamilyID:       e.FamilyID,
		FraudScore:     score,
		ShouldBlock:    score > blockThreshold || critical,
		Recommendation: recommendationFor(score),
		AssessedAt:     now,
	}

	// Persist detected events
	for _, ev := range events {
		stored, err := f.store.InsertFraudEvent(ctx, &ev)
		if err != nil {
			return nil, fmt.Errorf("persisting fraud event: %w", err)
		}
		assessment.Events = append(assessment.Events, *stored)
	}
	if assessment.Events == nil {
		assessment.Events = []domain.FraudDetectionEvent{}
	}

	f.publish(assessment)

	f.logger.Info("fraud assessment complete",
		"family_id", e.FamilyID,
		"score", score,
		"events", len(assessment.Events),
		"recommendation", assessment.Recommendation,
	)
	return assessment, nil
}

func recommendationFor(score float64) domain.FraudRecommendation {
	switch {
	case score < flagThreshold:
		return domain.RecommendAllow
	case score <= blockThreshold:
		return domain.RecommendFlag
	default:
		return domain.RecommendBlock
	}
}

// usageAnomalies returns metadata for each counter over its threshold.
func (f *FraudPreventionEngine) usageAnomalies(report *domain.UsagePatternReport) []map[string]string {
	var anomalies []map[string]string
	add := func(counter string, count, threshold int) {
		if count > threshold {
			anomalies = append(anomalies, map[string]string{
				"counter":   counter,
				"count":     strconv.Itoa(count),
				"threshold": strconv.Itoa(threshold),
			})
		}
	}
	add("rapid_subscription_changes", report.RapidSubscriptionChanges, f.thresholds.SubscriptionChanges)
	add("validation_frequency", report.ValidationFrequency, f.thresholds.Validations)
	add("device_changes", report.DeviceChanges, f.thresholds.DeviceChanges)
	add("geographic_anomalies", report.GeographicAnomalies, f.thresholds.GeoAnomalies)
	return anomalies
}

func (f *FraudPreventionEngine) publish(assessment *domain.FraudAssessment) {
	f.mu.Lock()
	f.latest[assessment.FamilyID] = assessment
	observers := make([]func(*domain.FraudAssessment), len(f.observers))
	copy(observers, f.observers)
	f.mu.Unlock()

	for _, fn := range observers {
		fn(assessment)
	}
}

// IsFamilyBlocked reports whether the family's unresolved fraud events block
// access: any critical event, or severity points summing past the policy
// threshold. Events recorded before the latest fraud_block_cleared audit
// marker count as resolved.
func (f *FraudPreventionEngine) IsFamilyBlocked(ctx context.Context, familyID string) (bool, error) {
	var since time.Time
	marker, err := f.store.LatestValidationAudit(ctx, familyID, domain.AuditFraudBlockCleared)
	if err != nil {
		return false, fmt.Errorf("fetching fraud clear marker: %w", err)
	}
	if marker != nil {
		since = marker.CreatedAt
	}

	events, err := f.store.ListFraudEventsByFamily(ctx, familyID, since)
	if err != nil {
		return false, fmt.Errorf("listing fraud events: %w", err)
	}

	points := 0
	for _, ev := range events {
		if ev.Severity == domain.SeverityCritical {
			return true, nil
		}
		points += domain.SeverityPoints(ev.Severity)
	}
	return points >= blockPoints, nil
}

// ClearFraudBlock writes the fraud_block_cleared audit marker and resets the
// family's published assessment. Events stay on record; only their standing
// changes.
func (f *FraudPreventionEngine) ClearFraudBlock(ctx context.Context, familyID, reason, adminUserID string) error {
	details := map[string]string{"reason": reason}
	if adminUserID != "" {
		details["cleared_by"] = adminUserID
	}

	if _, err := f.store.InsertValidationAudit(ctx, &domain.ValidationAuditLog{
		FamilyID:  familyID,
		EventType: domain.AuditFraudBlockCleared,
		Details:   details,
	}); err != nil {
		return fmt.Errorf("auditing fraud block clear: %w", err)
	}

	f.mu.Lock()
	delete(f.latest, familyID)
	f.mu.Unlock()

	f.logger.Info("fraud block cleared",
		"family_id", familyID,
		"reason", reason,
		"admin_user_id", adminUserID,
	)
	return nil
}
