package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aminenidae/screentime-entitlements/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *PostgresStore) CreateEntitlement(ctx context.Context, e *domain.SubscriptionEntitlement) (*domain.SubscriptionEntitlement, error) {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}

	var out domain.SubscriptionEntitlement
	err := s.pool.QueryRow(ctx, `
		INSERT INTO entitlements (
			id, family_id, subscription_tier, receipt_data,
			original_transaction_id, transaction_id,
			purchase_date, expiration_date,
			is_active, is_in_trial, auto_renew_status,
			last_validated_at, grace_period_expires_at, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, family_id, subscription_tier, receipt_data,
			original_transaction_id, transaction_id,
			purchase_date, expiration_date,
			is_active, is_in_trial, auto_renew_status,
			last_validated_at, grace_period_expires_at, metadata,
			created_at, updated_at
	`, id, e.FamilyID, e.SubscriptionTier, e.ReceiptData,
		e.OriginalTransactionID, e.TransactionID,
		e.PurchaseDate, e.ExpirationDate,
		e.IsActive, e.IsInTrial, e.AutoRenewStatus,
		e.LastValidatedAt, e.GracePeriodExpiresAt, meta,
	).Scan(
		&out.ID, &out.FamilyID, &out.SubscriptionTier, &out.ReceiptData,
		&out.OriginalTransactionID, &out.TransactionID,
		&out.PurchaseDate, &out.ExpirationDate,
		&out.IsActive, &out.IsInTrial, &out.AutoRenewStatus,
		&out.LastValidatedAt, &out.GracePeriodExpiresAt, &out.Metadata,
		&out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting entitlement: %w", err)
	}
	return &out, nil
}

func (s *PostgresStore) GetEntitlement(ctx context.Context, id string) (*domain.SubscriptionEntitlement, error) {
	var e domain.SubscriptionEntitlement
	err := s.pool.QueryRow(ctx, `
		SELECT id, family_id, subscription_tier, receipt_data,
			original_transaction_id, transaction_id,
			purchase_date, expiration_date,
			is_active, is_in_trial, auto_renew_status,
			last_validated_at, grace_period_expires_at, metadata,
			created_at, updated_at
		FROM entitlements WHERE id = $1
	`, id).Scan(
		&e.ID, &e.FamilyID, &e.SubscriptionTier, &e.ReceiptData,
		&e.OriginalTransactionID, &e.TransactionID,
		&e.PurchaseDate, &e.ExpirationDate,
		&e.IsActive, &e.IsInTrial, &e.AutoRenewStatus,
		&e.LastValidatedAt, &e.GracePeriodExpiresAt, &e.Metadata,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying entitlement: %w", err)
	}
	return &e, nil
}

// GetCurrentEntitlement returns the family's entitlement with the latest
// expiration date, or nil when the family has none.
func (s *PostgresStore) GetCurrentEntitlement(ctx context.Context, familyID string) (*domain.SubscriptionEntitlement, error) {
	var e domain.SubscriptionEntitlement
	err := s.pool.QueryRow(ctx, `
		SELECT id, family_id, subscription_tier, receipt_data,
			original_transaction_id, transaction_id,
			purchase_date, expiration_date,
			is_active, is_in_trial, auto_renew_status,
			last_validated_at, grace_period_expires_at, metadata,
			created_at, updated_at
		FROM entitlements
		WHERE family_id = $1
		ORDER BY expiration_date DESC
		LIMIT 1
	`, familyID).Scan(
		&e.ID, &e.FamilyID, &e.SubscriptionTier, &e.ReceiptData,
		&e.OriginalTransactionID, &e.TransactionID,
		&e.PurchaseDate, &e.ExpirationDate,
		&e.IsActive, &e.IsInTrial, &e.AutoRenewStatus,
		&e.LastValidatedAt, &e.GracePeriodExpiresAt, &e.Metadata,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying current entitlement: %w", err)
	}
	return &e, nil
}

// ValidateCurrentEntitlement atomically fetches the family's current
// entitlement and stamps last_validated_at in one round trip.
func (s *PostgresStore) ValidateCurrentEntitlement(ctx context.Context, familyID string, validatedAt time.Time) (*domain.SubscriptionEntitlement, error) {
	var e domain.SubscriptionEntitlement
	err := s.pool.QueryRow(ctx, `
		UPDATE entitlements
		SET last_validated_at = $2, updated_at = NOW()
		WHERE id = (
			SELECT id FROM entitlements
			WHERE family_id = $1
			ORDER BY expiration_date DESC
			LIMIT 1
		)
		RETURNING id, family_id, subscription_tier, receipt_data,
			original_transaction_id, transaction_id,
			purchase_date, expiration_date,
			is_active, is_in_trial, auto_renew_status,
			last_validated_at, grace_period_expires_at, metadata,
			created_at, updated_at
	`, familyID, validatedAt).Scan(
		&e.ID, &e.FamilyID, &e.SubscriptionTier, &e.ReceiptData,
		&e.OriginalTransactionID, &e.TransactionID,
		&e.PurchaseDate, &e.ExpirationDate,
		&e.IsActive, &e.IsInTrial, &e.AutoRenewStatus,
		&e.LastValidatedAt, &e.GracePeriodExpiresAt, &e.Metadata,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("validating current entitlement: %w", err)
	}
	return &e, nil
}

// ListEntitlementsByFamily returns the family's full subscription history,
// newest purchase first.
func (s *PostgresStore) ListEntitlementsByFamily(ctx context.Context, familyID string) ([]domain.SubscriptionEntitlement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, family_id, subscription_tier, receipt_data,
			original_transaction_id, transaction_id,
			purchase_date, expiration_date,
			is_active, is_in_trial, auto_renew_status,
			last_validated_at, grace_period_expires_at, metadata,
			created_at, updated_at
		FROM entitlements
		WHERE family_id = $1
		ORDER BY purchase_date DESC
	`, familyID)
	if err != nil {
		return nil, fmt.Errorf("querying entitlements: %w", err)
	}
	defer rows.Close()

	var entitlements []domain.SubscriptionEntitlement
	for rows.Next() {
		var e domain.SubscriptionEntitlement
		err := rows.Scan(
			&e.ID, &e.FamilyID, &e.SubscriptionTier, &e.ReceiptData,
			&e.OriginalTransactionID, &e.TransactionID,
			&e.PurchaseDate, &e.ExpirationDate,
			&e.IsActive, &e.IsInTrial, &e.AutoRenewStatus,
			&e.LastValidatedAt, &e.GracePeriodExpiresAt, &e.Metadata,
			&e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning entitlement: %w", err)
		}
		entitlements = append(entitlements, e)
	}

	if entitlements == nil {
		entitlements = []domain.SubscriptionEntitlement{}
	}

	return entitlements, nil
}

func (s *PostgresStore) GetEntitlementByTransaction(ctx context.Context, transactionID string) (*domain.SubscriptionEntitlement, error) {
	var e domain.SubscriptionEntitlement
	err := s.pool.QueryRow(ctx, `
		SELECT id, family_id, subscription_tier, receipt_data,
			original_transaction_id, transaction_id,
			purchase_date, expiration_date,
			is_active, is_in_trial, auto_renew_status,
			last_validated_at, grace_period_expires_at, metadata,
			created_at, updated_at
		FROM entitlements WHERE transaction_id = $1
	`, transactionID).Scan(
		&e.ID, &e.FamilyID, &e.SubscriptionTier, &e.ReceiptData,
		&e.OriginalTransactionID, &e.TransactionID,
		&e.PurchaseDate, &e.ExpirationDate,
		&e.IsActive, &e.IsInTrial, &e.AutoRenewStatus,
		&e.LastValidatedAt, &e.GracePeriodExpiresAt, &e.Metadata,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying entitlement by transaction: %w", err)
	}
	return &e, nil
}

// ListFamiliesWithTransaction returns every distinct family that has an
// entitlement bound to the given transaction. More than one family sharing a
// transaction means the receipt was replayed.
func (s *PostgresStore) ListFamiliesWithTransaction(ctx context.Context, transactionID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT family_id
		FROM entitlements
		WHERE transaction_id = $1
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("querying families by transaction: %w", err)
	}
	defer rows.Close()

	var families []string
	for rows.Next() {
		var familyID string
		if err := rows.Scan(&familyID); err != nil {
			return nil, fmt.Errorf("scanning family id: %w", err)
		}
		families = append(families, familyID)
	}

	if families == nil {
		families = []string{}
	}

	return families, nil
}

func (s *PostgresStore) UpdateEntitlement(ctx context.Context, e *domain.SubscriptionEntitlement) (*domain.SubscriptionEntitlement, error) {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}

	var out domain.SubscriptionEntitlement
	err := s.pool.QueryRow(ctx, `
		UPDATE entitlements SET
			subscription_tier = $2,
			receipt_data = $3,
			expiration_date = $4,
			is_active = $5,
			is_in_trial = $6,
			auto_renew_status = $7,
			last_validated_at = $8,
			grace_period_expires_at = $9,
			metadata = $10,
			updated_at = NOW()
		WHERE id = $1
		RETURNING id, family_id, subscription_tier, receipt_data,
			original_transaction_id, transaction_id,
			purchase_date, expiration_date,
			is_active, is_in_trial, auto_renew_status,
			last_validated_at, grace_period_expires_at, metadata,
			created_at, updated_at
	`, e.ID, e.SubscriptionTier, e.ReceiptData, e.ExpirationDate,
		e.IsActive, e.IsInTrial, e.AutoRenewStatus,
		e.LastValidatedAt, e.GracePeriodExpiresAt, meta,
	).Scan(
		&out.ID, &out.FamilyID, &out.SubscriptionTier, &out.ReceiptData,
		&out.OriginalTransactionID, &out.TransactionID,
		&out.PurchaseDate, &out.ExpirationDate,
		&out.IsActive, &out.IsInTrial, &out.AutoRenewStatus,
		&out.LastValidatedAt, &out.GracePeriodExpiresAt, &out.Metadata,
		&out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("updating entitlement: %w", err)
	}
	return &out, nil
}

func (s *PostgresStore) DeleteEntitlement(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM entitlements WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEntitlementNotFound
	}
	return nil
}
