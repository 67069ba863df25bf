package store

import (
	"context"
	"fmt"
	"time"
)

// EntitlementMetrics holds aggregated subscription statistics.
type EntitlementMetrics struct {
	TotalEntitlements  int            `json:"total_entitlements"`
	ActiveEntitlements int            `json:"active_entitlements"`
	TrialEntitlements  int            `json:"trial_entitlements"`
	InGracePeriod      int            `json:"in_grace_period"`
	ByTier             map[string]int `json:"by_tier"`
	FraudEvents24h     int            `json:"fraud_events_24h"`
	ValidationAudit24h int            `json:"validation_audit_24h"`
	AdminActions24h    int            `json:"admin_actions_24h"`
}

// GetEntitlementMetrics returns aggregated subscription statistics from the
// database.
func (s *PostgresStore) GetEntitlementMetrics(ctx context.Context) (*EntitlementMetrics, error) {
	m := EntitlementMetrics{ByTier: map[string]int{}}
	now := time.Now()

	// Entitlement counts
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE is_active = true AND expiration_date > $1) AS active,
			COUNT(*) FILTER (WHERE is_in_trial = true AND expiration_date > $1) AS trial,
			COUNT(*) FILTER (WHERE grace_period_expires_at IS NOT NULL AND grace_period_expires_at > $1) AS in_grace
		FROM entitlements
	`, now).Scan(&m.TotalEntitlements, &m.ActiveEntitlements, &m.TrialEntitlements, &m.InGracePeriod)
	if err != nil {
		return nil, fmt.Errorf("querying entitlement metrics: %w", err)
	}

	// Active entitlements per tier
	rows, err := s.pool.Query(ctx, `
		SELECT subscription_tier, COUNT(*)
		FROM entitlements
		WHERE is_active = true AND expiration_date > $1
		GROUP BY subscription_tier
	`, now)
	if err != nil {
		return nil, fmt.Errorf("querying tier breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tier string
		var count int
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, fmt.Errorf("scanning tier breakdown: %w", err)
		}
		m.ByTier[tier] = count
	}

	dayAgo := now.Add(-24 * time.Hour)

	// Recent fraud events
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM fraud_events WHERE created_at > $1
	`, dayAgo).Scan(&m.FraudEvents24h)
	if err != nil {
		return nil, fmt.Errorf("querying fraud event count: %w", err)
	}

	// Recent validation audit entries
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM validation_audit WHERE created_at > $1
	`, dayAgo).Scan(&m.ValidationAudit24h)
	if err != nil {
		return nil, fmt.Errorf("querying validation audit count: %w", err)
	}

	// Recent admin actions
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM admin_actions WHERE created_at > $1
	`, dayAgo).Scan(&m.AdminActions24h)
	if err != nil {
		return nil, fmt.Errorf("querying admin action count: %w", err)
	}

	return &m, nil
}
