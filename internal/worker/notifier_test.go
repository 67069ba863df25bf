package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aminenidae/screentime-entitlements/internal/engine"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type recordingSender struct {
	delivered []engine.BillingNotification
	attempts  int
	err       error
}

func (s *recordingSender) Send(_ context.Context, n engine.BillingNotification) error {
	s.attempts++
	if s.err != nil {
		return s.err
	}
	s.delivered = append(s.delivered, n)
	return nil
}

func setupTestNotifier(t *testing.T) (*Notifier, *recordingSender, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	sender := &recordingSender{}
	return NewNotifier(client, sender, logger), sender, client
}

// enqueueNotification plants a queued reminder the way the scheduler would
// have at an earlier time.
func enqueueNotification(t *testing.T, client *redis.Client, familyID, urgency string, dueAt time.Time) engine.BillingNotification {
	t.Helper()

	n := engine.BillingNotification{
		ID:       uuid.NewString(),
		FamilyID: familyID,
		Message:  "Billing issue unresolved.",
		Urgency:  urgency,
		DueAt:    dueAt,
	}
	payload, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshaling notification: %v", err)
	}

	ctx := context.Background()
	if err := client.ZAdd(ctx, engine.NotificationQueueKey, redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: string(payload),
	}).Err(); err != nil {
		t.Fatalf("queuing notification: %v", err)
	}
	if err := client.SAdd(ctx, engine.NotificationFamilyKey(familyID), string(payload)).Err(); err != nil {
		t.Fatalf("indexing notification: %v", err)
	}
	return n
}

func TestNotifier_DeliversOnlyDueNotifications(t *testing.T) {
	notifier, sender, client := setupTestNotifier(t)
	ctx := context.Background()

	due := enqueueNotification(t, client, "fam-1", engine.UrgencyHigh, time.Now().Add(-time.Minute))
	enqueueNotification(t, client, "fam-2", engine.UrgencyLow, time.Now().Add(24*time.Hour))

	notifier.poll(ctx)

	if len(sender.delivered) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sender.delivered))
	}
	if sender.delivered[0].ID != due.ID {
		t.Errorf("delivered %q, want the due notification %q", sender.delivered[0].ID, due.ID)
	}

	// The future notification stays queued
	depth, err := client.ZCard(ctx, engine.NotificationQueueKey).Result()
	if err != nil {
		t.Fatalf("reading queue depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("expected 1 queued notification left, got %d", depth)
	}

	// The due member is gone from the family index
	members, err := client.SMembers(ctx, engine.NotificationFamilyKey("fam-1")).Result()
	if err != nil {
		t.Fatalf("reading family index: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("expected empty family index, got %d members", len(members))
	}
}

func TestNotifier_DeliversExactlyOnce(t *testing.T) {
	notifier, sender, client := setupTestNotifier(t)
	ctx := context.Background()

	enqueueNotification(t, client, "fam-1", engine.UrgencyCritical, time.Now().Add(-time.Minute))

	notifier.poll(ctx)
	notifier.poll(ctx)

	if len(sender.delivered) != 1 {
		t.Errorf("expected exactly 1 delivery across polls, got %d", len(sender.delivered))
	}
}

func TestNotifier_SenderFailureDoesNotRequeue(t *testing.T) {
	notifier, sender, client := setupTestNotifier(t)
	sender.err = errors.New("push gateway down")
	ctx := context.Background()

	enqueueNotification(t, client, "fam-1", engine.UrgencyMedium, time.Now().Add(-time.Minute))

	notifier.poll(ctx)

	if sender.attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", sender.attempts)
	}
	if len(sender.delivered) != 0 {
		t.Errorf("expected no deliveries, got %d", len(sender.delivered))
	}

	depth, err := client.ZCard(ctx, engine.NotificationQueueKey).Result()
	if err != nil {
		t.Fatalf("reading queue depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("failed delivery must not be requeued, depth = %d", depth)
	}
}

func TestNotifier_EmptyQueueIsQuiet(t *testing.T) {
	notifier, sender, _ := setupTestNotifier(t)

	notifier.poll(context.Background())

	if sender.attempts != 0 {
		t.Errorf("expected no send attempts, got %d", sender.attempts)
	}
}
