package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aminenidae/screentime-entitlements/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Usage sample kinds tracked per family.
const (
	usageSubscriptionChange = "sub_change"
	usageValidation         = "validation"
	usageDeviceChange       = "device_change"
	usageGeoAnomaly         = "geo_anomaly"
)

// SlidingWindowAnalyzer keeps per-family behavioral counters in Redis sorted
// sets. Each sample is a unique member scored by its timestamp; a Lua script
// atomically prunes samples outside the window, records the new one, and
// returns the current count.
type SlidingWindowAnalyzer struct {
	redisClient *redis.Client
	logger      *slog.Logger
	window      time.Duration
	script      *redis.Script
}

// Lua script for atomic sliding window sample recording.
// 1. Remove samples older than the window
// 2. Add the new sample
// 3. Return the count inside the window
var recordSampleScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local member = ARGV[3]

-- Drop samples that fell out of the sliding window
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

redis.call('ZADD', key, now, member)

-- Set TTL so idle keys auto-expire after the window
redis.call('EXPIRE', key, math.floor(window / 1000) + 1)

return redis.call('ZCARD', key)
`)

func NewSlidingWindowAnalyzer(redisClient *redis.Client, logger *slog.Logger, window time.Duration) *SlidingWindowAnalyzer {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &SlidingWindowAnalyzer{
		redisClient: redisClient,
		logger:      logger,
		window:      window,
		script:      recordSampleScript,
	}
}

func usageKey(kind, familyID string) string {
	return fmt.Sprintf("usage:%s:%s", kind, familyID)
}

func (a *SlidingWindowAnalyzer) record(ctx context.Context, kind, familyID string) error {
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d:%d", now, time.Now().UnixNano()%10000) // unique member

	count, err := a.script.Run(ctx, a.redisClient, []string{usageKey(kind, familyID)},
		now, a.window.Milliseconds(), member,
	).Int64()
	if err != nil {
		return fmt.Errorf("recording %s sample: %w", kind, err)
	}

	a.logger.Debug("usage sample recorded",
		"family_id", familyID,
		"kind", kind,
		"count_in_window", count,
	)
	return nil
}

// RecordValidation notes one entitlement validation for the family.
func (a *SlidingWindowAnalyzer) RecordValidation(ctx context.Context, familyID string) error {
	return a.record(ctx, usageValidation, familyID)
}

// RecordSubscriptionChange notes a tier or entitlement change.
func (a *SlidingWindowAnalyzer) RecordSubscriptionChange(ctx context.Context, familyID string) error {
	return a.record(ctx, usageSubscriptionChange, familyID)
}

// RecordDeviceChange notes a validation arriving from a different device
// than the family's previous one.
func (a *SlidingWindowAnalyzer) RecordDeviceChange(ctx context.Context, familyID string) error {
	return a.record(ctx, usageDeviceChange, familyID)
}

// RecordGeoAnomaly notes a validation arriving from a different country than
// the family's previous one.
func (a *SlidingWindowAnalyzer) RecordGeoAnomaly(ctx context.Context, familyID string) error {
	return a.record(ctx, usageGeoAnomaly, familyID)
}

func (a *SlidingWindowAnalyzer) countInWindow(ctx context.Context, kind, familyID string) (int, error) {
	cutoff := time.Now().Add(-a.window).UnixMilli()
	count, err := a.redisClient.ZCount(ctx, usageKey(kind, familyID),
		fmt.Sprintf("(%d", cutoff), "+inf",
	).Result()
	if err != nil {
		return 0, fmt.Errorf("counting %s samples: %w", kind, err)
	}
	return int(count), nil
}

// AnalyzeUsagePatterns returns the family's counts inside the current
// window. Raw counts only; threshold policy belongs to the fraud engine.
func (a *SlidingWindowAnalyzer) AnalyzeUsagePatterns(ctx context.Context, familyID string) (*domain.UsagePatternReport, error) {
	report := &domain.UsagePatternReport{}

	var err error
	if report.RapidSubscriptionChanges, err = a.countInWindow(ctx, usageSubscriptionChange, familyID); err != nil {
		return nil, err
	}
	if report.ValidationFrequency, err = a.countInWindow(ctx, usageValidation, familyID); err != nil {
		return nil, err
	}
	if report.DeviceChanges, err = a.countInWindow(ctx, usageDeviceChange, familyID); err != nil {
		return nil, err
	}
	if report.GeographicAnomalies, err = a.countInWindow(ctx, usageGeoAnomaly, familyID); err != nil {
		return nil, err
	}

	return report, nil
}
