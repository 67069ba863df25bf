package store

import (
	"context"
	"fmt"

	"github.com/aminenidae/screentime-entitlements/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *PostgresStore) InsertValidationAudit(ctx context.Context, a *domain.ValidationAuditLog) (*domain.ValidationAuditLog, error) {
	id := a.ID
	if id == "" {
		id = uuid.NewString()
	}
	details := a.Details
	if details == nil {
		details = map[string]string{}
	}

	var out domain.ValidationAuditLog
	err := s.pool.QueryRow(ctx, `
		INSERT INTO validation_audit (id, family_id, event_type, details)
		VALUES ($1, $2, $3, $4)
		RETURNING id, family_id, event_type, details, created_at
	`, id, a.FamilyID, a.EventType, details).Scan(
		&out.ID, &out.FamilyID, &out.EventType, &out.Details, &out.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting validation audit: %w", err)
	}
	return &out, nil
}

func (s *PostgresStore) ListValidationAuditByFamily(ctx context.Context, familyID string, limit int) ([]domain.ValidationAuditLog, error) {
	query := `
		SELECT id, family_id, event_type, details, created_at
		FROM validation_audit
		WHERE family_id = $1
		ORDER BY created_at DESC`
	args := []interface{}{familyID}

	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying validation audit: %w", err)
	}
	defer rows.Close()

	var logs []domain.ValidationAuditLog
	for rows.Next() {
		var l domain.ValidationAuditLog
		err := rows.Scan(&l.ID, &l.FamilyID, &l.EventType, &l.Details, &l.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning validation audit: %w", err)
		}
		logs = append(logs, l)
	}

	if logs == nil {
		logs = []domain.ValidationAuditLog{}
	}

	return logs, nil
}

// LatestValidationAudit returns the family's most recent audit entry of the
// given type, or nil when none exists.
func (s *PostgresStore) LatestValidationAudit(ctx context.Context, familyID string, eventType domain.ValidationEventType) (*domain.ValidationAuditLog, error) {
	var l domain.ValidationAuditLog
	err := s.pool.QueryRow(ctx, `
		SELECT id, family_id, event_type, details, created_at
		FROM validation_audit
		WHERE family_id = $1 AND event_type = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, familyID, eventType).Scan(
		&l.ID, &l.FamilyID, &l.EventType, &l.Details, &l.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying latest validation audit: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) InsertAdminAction(ctx context.Context, a *domain.AdminAction) (*domain.AdminAction, error) {
	id := a.ID
	if id == "" {
		id = uuid.NewString()
	}
	details := a.Details
	if details == nil {
		details = map[string]string{}
	}

	var out domain.AdminAction
	err := s.pool.QueryRow(ctx, `
		INSERT INTO admin_actions (id, admin_user_id, family_id, action_type, reason, details)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, admin_user_id, family_id, action_type, reason, details, created_at
	`, id, a.AdminUserID, a.FamilyID, a.ActionType, a.Reason, details).Scan(
		&out.ID, &out.AdminUserID, &out.FamilyID, &out.ActionType,
		&out.Reason, &out.Details, &out.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting admin action: %w", err)
	}
	return &out, nil
}

func (s *PostgresStore) ListAdminActions(ctx context.Context, familyID string, limit int) ([]domain.AdminAction, error) {
	query := `
		SELECT id, admin_user_id, family_id, action_type, reason, details, created_at
		FROM admin_actions`
	args := []interface{}{}
	argIdx := 1

	if familyID != "" {
		query += fmt.Sprintf(" WHERE family_id = $%d", argIdx)
		args = append(args, familyID)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying admin actions: %w", err)
	}
	defer rows.Close()

	var actions []domain.AdminAction
	for rows.Next() {
		var a domain.AdminAction
		err := rows.Scan(
			&a.ID, &a.AdminUserID, &a.FamilyID, &a.ActionType,
			&a.Reason, &a.Details, &a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning admin action: %w", err)
		}
		actions = append(actions, a)
	}

	if actions == nil {
		actions = []domain.AdminAction{}
	}

	return actions, nil
}
