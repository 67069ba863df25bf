package domain

import (
	"time"
)

// FraudDetectionType classifies the signal that produced a fraud event.
type FraudDetectionType string

const (
	FraudDuplicateTransaction FraudDetectionType = "duplicate_transaction"
	FraudTamperedReceipt      FraudDetectionType = "tampered_receipt"
	FraudJailbrokenDevice     FraudDetectionType = "jailbroken_device"
	FraudAnomalousUsage       FraudDetectionType = "anomalous_usage"
)

// FraudSeverity grades how strongly a single event should count against a family.
type FraudSeverity string

const (
	SeverityLow      FraudSeverity = "low"
	SeverityMedium   FraudSeverity = "medium"
	SeverityHigh     FraudSeverity = "high"
	SeverityCritical FraudSeverity = "critical"
)

// SeverityPoints maps each severity to its weight in the block-threshold sum.
func SeverityPoints(s FraudSeverity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 5
	case SeverityCritical:
		return 10
	default:
		return 0
	}
}

// DeviceInfo is a client-reported device snapshot evaluated for integrity
// signals. DetectedMarkers lists filesystem or package markers the client
// observed (e.g. jailbreak tool paths).
type DeviceInfo struct {
	DeviceID         string   `json:"device_id"`
	Model            string   `json:"model,omitempty"`
	OSVersion        string   `json:"os_version,omitempty"`
	AppBundleID      string   `json:"app_bundle_id,omitempty"`
	DetectedMarkers  []string `json:"detected_markers,omitempty"`
	DebuggerAttached bool     `json:"debugger_attached,omitempty"`
	CountryCode      string   `json:"country_code,omitempty"`
}

// TransactionInfo identifies the purchase a fraud event refers to.
type TransactionInfo struct {
	TransactionID         string    `json:"transaction_id"`
	OriginalTransactionID string    `json:"original_transaction_id,omitempty"`
	PurchaseDate          time.Time `json:"purchase_date,omitempty"`
}

// FraudDetectionEvent is one persisted suspicion signal. Events are
// append-only; resolution is recorded as a fraud_block_cleared audit marker,
// never by mutating the event.
type FraudDetectionEvent struct {
	ID              string             `json:"id"`
	FamilyID        string             `json:"family_id"`
	DetectionType   FraudDetectionType `json:"detection_type"`
	Severity        FraudSeverity      `json:"severity"`
	DeviceInfo      DeviceInfo         `json:"device_info"`
	TransactionInfo *TransactionInfo   `json:"transaction_info,omitempty"`
	Metadata        map[string]string  `json:"metadata,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// FraudRecommendation is the discrete action derived from a fraud score.
type FraudRecommendation string

const (
	RecommendAllow FraudRecommendation = "allow"
	RecommendFlag  FraudRecommendation = "flag"
	RecommendBlock FraudRecommendation = "block"
)

// FraudAssessment is the result of one DetectFraud run for a family.
type FraudAssessment struct {
	FamilyID       string                `json:"family_id"`
	FraudScore     float64               `json:"fraud_score"`
	Events         []FraudDetectionEvent `json:"events"`
	ShouldBlock    bool                  `json:"should_block"`
	Recommendation FraudRecommendation   `json:"recommendation"`
	AssessedAt     time.Time             `json:"assessed_at"`
}

// UsagePatternReport holds the per-family behavioral counters the fraud
// engine compares against policy thresholds.
type UsagePatternReport struct {
	RapidSubscriptionChanges int `json:"rapid_subscription_changes"`
	ValidationFrequency      int `json:"validation_frequency"`
	DeviceChanges            int `json:"device_changes"`
	GeographicAnomalies      int `json:"geographic_anomalies"`
}
