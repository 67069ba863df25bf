package domain

import (
	"time"
)

// Subscription tiers offered to family accounts.
const (
	TierOneChild  = "one_child"
	TierTwoChild  = "two_child"
	TierThreePlus = "three_plus_child"
)

// SubscriptionEntitlement is the shared per-family record granting access to
// premium features. It is owned by the entitlement store and mutated only
// through the validation, grace-period, offline, and admin components.
type SubscriptionEntitlement struct {
	ID                    string            `json:"id"`
	FamilyID              string            `json:"family_id"`
	SubscriptionTier      string            `json:"subscription_tier"`
	ReceiptData           []byte            `json:"receipt_data,omitempty"`
	OriginalTransactionID string            `json:"original_transaction_id"`
	TransactionID         string            `json:"transaction_id"`
	PurchaseDate          time.Time         `json:"purchase_date"`
	ExpirationDate        time.Time         `json:"expiration_date"`
	IsActive              bool              `json:"is_active"`
	IsInTrial             bool              `json:"is_in_trial"`
	AutoRenewStatus       bool              `json:"auto_renew_status"`
	LastValidatedAt       time.Time         `json:"last_validated_at"`
	GracePeriodExpiresAt  *time.Time        `json:"grace_period_expires_at,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// HasActiveAccess reports whether the entitlement authorizes premium access
// at the given instant: active and not yet expired.
func (e *SubscriptionEntitlement) HasActiveAccess(now time.Time) bool {
	return e.IsActive && e.ExpirationDate.After(now)
}

// MetadataValue reads a metadata key, tolerating a nil map.
func (e *SubscriptionEntitlement) MetadataValue(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// SetMetadata writes a metadata key, allocating the map on first use.
func (e *SubscriptionEntitlement) SetMetadata(key, value string) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
}

// Metadata keys written by the grace-period and admin components.
const (
	MetaBillingRetryStatus = "billing_retry_status"
	MetaGrantedBy          = "granted_by"
	MetaExtendedBy         = "extended_by"
)

// Billing retry outcomes recorded in MetaBillingRetryStatus.
const (
	BillingRetryResolved = "resolved"
	BillingRetryFailed   = "failed"
)

// CachedEntitlementRecord is the locally persisted copy of an entitlement
// plus the validation timestamp that produced it. OfflineGracePeriodStart is
// set on the first offline read of a family and cleared again by the next
// successful online validation.
type CachedEntitlementRecord struct {
	Entitlement             SubscriptionEntitlement `json:"entitlement"`
	ValidatedAt             time.Time               `json:"validated_at"`
	OfflineGracePeriodStart *time.Time              `json:"offline_grace_period_start,omitempty"`
}

// ManualGrantRequest describes an admin-issued entitlement.
type ManualGrantRequest struct {
	FamilyID         string            `json:"family_id"`
	SubscriptionTier string            `json:"subscription_tier"`
	DurationDays     int               `json:"duration_days"`
	Reason           string            `json:"reason"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}
