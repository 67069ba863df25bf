// Package worker runs the background notification dispatcher that drains
// the billing-retry queue.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/aminenidae/screentime-entitlements/internal/engine"
	"github.com/redis/go-redis/v9"
)

// Notifier polls the billing-notification queue and delivers due reminders
// through the configured sender.
type Notifier struct {
	redisClient  *redis.Client
	sender       engine.NotificationSender
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
}

// NewNotifier creates a notifier polling the queue once per second.
func NewNotifier(redisClient *redis.Client, sender engine.NotificationSender, logger *slog.Logger) *Notifier {
	return &Notifier{
		redisClient:  redisClient,
		sender:       sender,
		logger:       logger,
		pollInterval: time.Second,
		batchSize:    10,
	}
}

// Start begins the polling loop. It runs until the context is cancelled.
func (n *Notifier) Start(ctx context.Context) {
	n.logger.Info("notifier started")

	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("notifier stopping")
			return
		case <-ticker.C:
			n.poll(ctx)
		}
	}
}

// poll claims a batch of due notifications and delivers them.
func (n *Notifier) poll(ctx context.Context) {
	now := time.Now().UnixMilli()

	results, err := n.redisClient.ZRangeByScoreWithScores(ctx, engine.NotificationQueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: n.batchSize,
	}).Result()
	if err != nil {
		n.logger.Error("failed to poll notification queue", "error", err)
		return
	}

	for _, z := range results {
		member := z.Member.(string)

		// If another instance already claimed this member, ZRem returns 0
		removed, err := n.redisClient.ZRem(ctx, engine.NotificationQueueKey, member).Result()
		if err != nil {
			n.logger.Error("failed to claim notification", "error", err)
			continue
		}
		if removed == 0 {
			continue
		}

		var notification engine.BillingNotification
		if err := json.Unmarshal([]byte(member), &notification); err != nil {
			n.logger.Error("failed to unmarshal notification", "error", err)
			continue
		}

		if err := n.redisClient.SRem(ctx, engine.NotificationFamilyKey(notification.FamilyID), member).Err(); err != nil {
			n.logger.Warn("failed to clean notification index",
				"error", err,
				"family_id", notification.FamilyID,
			)
		}

		if err := n.sender.Send(ctx, notification); err != nil {
			// Reminders are not retried; the next scheduled point covers it
			n.logger.Error("failed to deliver notification",
				"error", err,
				"family_id", notification.FamilyID,
				"urgency", notification.Urgency,
			)
			continue
		}

		n.logger.Info("notification delivered",
			"family_id", notification.FamilyID,
			"urgency", notification.Urgency,
			"notification_id", notification.ID,
		)
	}
}
