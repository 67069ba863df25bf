package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// NotificationQueueKey is the Redis sorted set holding scheduled billing
// notifications, scored by due time.
const NotificationQueueKey = "billing_notifications"

// NotificationFamilyKey is the per-family set indexing queued members so a
// family's pending notifications can be cancelled without scanning.
func NotificationFamilyKey(familyID string) string {
	return fmt.Sprintf("billing_notifications:family:%s", familyID)
}

// Notification urgency levels, escalating as the grace period runs down.
const (
	UrgencyLow      = "low"
	UrgencyMedium   = "medium"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// retrySchedule maps days-before-expiry to urgency.
var retrySchedule = []struct {
	daysBefore int
	urgency    string
}{
	{14, UrgencyLow},
	{10, UrgencyMedium},
	{5, UrgencyHigh},
	{1, UrgencyCritical},
}

// BillingNotification is a single billing-retry reminder queued in Redis.
type BillingNotification struct {
	ID             string    `json:"id"`
	FamilyID       string    `json:"family_id"`
	Message        string    `json:"message"`
	Urgency        string    `json:"urgency"`
	DueAt          time.Time `json:"due_at"`
	GraceExpiresAt time.Time `json:"grace_expires_at"`
}

// NotificationSender delivers a notification to the family. The concrete
// sender is injected; push transport itself lives outside this service.
type NotificationSender interface {
	Send(ctx context.Context, n BillingNotification) error
}

// RetryNotificationQueue schedules billing-retry reminders in a Redis
// delayed queue. A notifier worker claims due members and hands them to the
// sender; immediate alerts bypass the queue.
type RetryNotificationQueue struct {
	redisClient *redis.Client
	sender      NotificationSender
	logger      *slog.Logger
}

func NewRetryNotificationQueue(redisClient *redis.Client, sender NotificationSender, logger *slog.Logger) *RetryNotificationQueue {
	return &RetryNotificationQueue{
		redisClient: redisClient,
		sender:      sender,
		logger:      logger,
	}
}

// ScheduleRetryNotifications enqueues reminders due 14, 10, 5, and 1 days
// before the grace period expires, skipping points already in the past.
// Returns the number of notifications queued.
func (q *RetryNotificationQueue) ScheduleRetryNotifications(ctx context.Context, familyID string, graceExpiresAt time.Time) (int, error) {
	now := time.Now()
	pipe := q.redisClient.Pipeline()
	queued := 0

	for _, point := range retrySchedule {
		dueAt := graceExpiresAt.AddDate(0, 0, -point.daysBefore)
		if dueAt.Before(now) {
			continue
		}

		n := BillingNotification{
			ID:             uuid.NewString(),
			FamilyID:       familyID,
			Message:        fmt.Sprintf("Billing issue unresolved. Subscription access ends in %d day(s).", point.daysBefore),
			Urgency:        point.urgency,
			DueAt:          dueAt,
			GraceExpiresAt: graceExpiresAt,
		}

		payload, err := json.Marshal(n)
		if err != nil {
			q.logger.Error("failed to marshal notification", "error", err, "family_id", familyID)
			continue
		}

		pipe.ZAdd(ctx, NotificationQueueKey, redis.Z{
			Score:  float64(dueAt.UnixMilli()),
			Member: string(payload),
		})
		pipe.SAdd(ctx, NotificationFamilyKey(familyID), string(payload))
		queued++
	}

	if queued == 0 {
		return 0, nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queuing notifications to redis: %w", err)
	}

	q.logger.Info("retry notifications scheduled",
		"family_id", familyID,
		"queued", queued,
		"grace_expires_at", graceExpiresAt,
	)
	return queued, nil
}

// CancelRetryNotifications removes the family's pending reminders. Returns
// the number removed.
func (q *RetryNotificationQueue) CancelRetryNotifications(ctx context.Context, familyID string) (int, error) {
	indexKey := NotificationFamilyKey(familyID)

	members, err := q.redisClient.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading notification index: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	toRemove := make([]interface{}, len(members))
	for i, m := range members {
		toRemove[i] = m
	}

	pipe := q.redisClient.Pipeline()
	removed := pipe.ZRem(ctx, NotificationQueueKey, toRemove...)
	pipe.Del(ctx, indexKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cancelling notifications: %w", err)
	}

	q.logger.Info("retry notifications cancelled",
		"family_id", familyID,
		"removed", removed.Val(),
	)
	return int(removed.Val()), nil
}

// SendImmediateAlert delivers a notification right away, bypassing the
// queue.
func (q *RetryNotificationQueue) SendImmediateAlert(ctx context.Context, familyID, message string) error {
	n := BillingNotification{
		ID:       uuid.NewString(),
		FamilyID: familyID,
		Message:  message,
		Urgency:  UrgencyCritical,
		DueAt:    time.Now(),
	}
	if err := q.sender.Send(ctx, n); err != nil {
		return fmt.Errorf("sending immediate alert: %w", err)
	}
	return nil
}

// QueueDepth returns the number of notifications waiting in the queue.
func (q *RetryNotificationQueue) QueueDepth(ctx context.Context) (int64, error) {
	return q.redisClient.ZCard(ctx, NotificationQueueKey).Result()
}
