package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aminenidae/screentime-entitlements/internal/domain"
	"github.com/google/uuid"
)

// InsertFraudEvent records a detection event. Events are append-only; a
// family's standing is derived from the events plus audit markers, never by
// mutating rows.
func (s *PostgresStore) InsertFraudEvent(ctx context.Context, ev *domain.FraudDetectionEvent) (*domain.FraudDetectionEvent, error) {
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	meta := ev.Metadata
	if meta == nil {
		meta = map[string]string{}
	}

	var out domain.FraudDetectionEvent
	err := s.pool.QueryRow(ctx, `
		INSERT INTO fraud_events (id, family_id, detection_type, severity, device_info, transaction_info, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, family_id, detection_type, severity, device_info, transaction_info, metadata, created_at
	`, id, ev.FamilyID, ev.DetectionType, ev.Severity, ev.DeviceInfo, ev.TransactionInfo, meta).Scan(
		&out.ID, &out.FamilyID, &out.DetectionType, &out.Severity,
		&out.DeviceInfo, &out.TransactionInfo, &out.Metadata, &out.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting fraud event: %w", err)
	}
	return &out, nil
}

// ListFraudEventsByFamily returns the family's fraud events newest first. A
// non-zero since bound restricts the list to events recorded after it.
func (s *PostgresStore) ListFraudEventsByFamily(ctx context.Context, familyID string, since time.Time) ([]domain.FraudDetectionEvent, error) {
	query := `
		SELECT id, family_id, detection_type, severity, device_info, transaction_info, metadata, created_at
		FROM fraud_events
		WHERE family_id = $1`
	args := []interface{}{familyID}

	if !since.IsZero() {
		query += " AND created_at > $2"
		args = append(args, since)
	}

	query += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying fraud events: %w", err)
	}
	defer rows.Close()

	var events []domain.FraudDetectionEvent
	for rows.Next() {
		var ev domain.FraudDetectionEvent
		err := rows.Scan(
			&ev.ID, &ev.FamilyID, &ev.DetectionType, &ev.Severity,
			&ev.DeviceInfo, &ev.TransactionInfo, &ev.Metadata, &ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning fraud event: %w", err)
		}
		events = append(events, ev)
	}

	if events == nil {
		events = []domain.FraudDetectionEvent{}
	}

	return events, nil
}
