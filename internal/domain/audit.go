package domain

import (
	"time"
)

// ValidationEventType classifies validation-audit entries.
type ValidationEventType string

const (
	AuditGracePeriodStarted  ValidationEventType = "grace_period_started"
	AuditGracePeriodResolved ValidationEventType = "grace_period_resolved"
	AuditGracePeriodExpired  ValidationEventType = "grace_period_expired"
	AuditGracePeriodRevoked  ValidationEventType = "grace_period_revoked"
	AuditFraudBlockCleared   ValidationEventType = "fraud_block_cleared"
)

// ValidationAuditLog records one grace-period transition or fraud-flag
// change. Entries are append-only and immutable once written.
type ValidationAuditLog struct {
	ID        string              `json:"id"`
	FamilyID  string              `json:"family_id"`
	EventType ValidationEventType `json:"event_type"`
	Details   map[string]string   `json:"details,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// AdminActionType classifies privileged manual operations.
type AdminActionType string

const (
	AdminManualGrant       AdminActionType = "manual_grant"
	AdminExtendEntitlement AdminActionType = "extend_entitlement"
	AdminClearFraudFlags   AdminActionType = "clear_fraud_flags"
	AdminDeleteEntitlement AdminActionType = "delete_entitlement"
)

// AdminAction records one privileged override. Every admin mutation writes
// exactly one of these; a failed write fails the whole operation.
type AdminAction struct {
	ID          string            `json:"id"`
	AdminUserID string            `json:"admin_user_id"`
	FamilyID    string            `json:"family_id"`
	ActionType  AdminActionType   `json:"action_type"`
	Reason      string            `json:"reason,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
