package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aminenidae/screentime-entitlements/internal/domain"
	"github.com/redis/go-redis/v9"
)

// jailbreakMarkers are filesystem/runtime artifacts reported by clients on
// jailbroken devices.
var jailbreakMarkers = []string{"cydia", "substrate", "frida", "sileo", "checkra1n"}

// MarkerProfiler evaluates client-reported device snapshots for jailbreak
// and tamper signals, and remembers the latest snapshot per family in Redis
// so device and country changes can be spotted across validations.
type MarkerProfiler struct {
	redisClient      *redis.Client
	analyzer         *SlidingWindowAnalyzer
	logger           *slog.Logger
	expectedBundleID string
}

func NewMarkerProfiler(redisClient *redis.Client, analyzer *SlidingWindowAnalyzer, logger *slog.Logger, expectedBundleID string) *MarkerProfiler {
	return &MarkerProfiler{
		redisClient:      redisClient,
		analyzer:         analyzer,
		logger:           logger,
		expectedBundleID: expectedBundleID,
	}
}

func deviceKey(familyID string) string {
	return fmt.Sprintf("device:last:%s", familyID)
}

// ObserveDevice records the family's latest device snapshot. A snapshot from
// a different device or country than the previous one feeds the usage
// analyzer's change counters.
func (p *MarkerProfiler) ObserveDevice(ctx context.Context, familyID string, info domain.DeviceInfo) error {
	last, err := p.GetDeviceInfo(ctx, familyID)
	if err != nil {
		return err
	}

	if last != nil {
		if last.DeviceID != "" && info.DeviceID != "" && last.DeviceID != info.DeviceID {
			if err := p.analyzer.RecordDeviceChange(ctx, familyID); err != nil {
				p.logger.Warn("failed to record device change", "error", err, "family_id", familyID)
			}
		}
		if last.CountryCode != "" && info.CountryCode != "" && last.CountryCode != info.CountryCode {
			if err := p.analyzer.RecordGeoAnomaly(ctx, familyID); err != nil {
				p.logger.Warn("failed to record geo anomaly", "error", err, "family_id", familyID)
			}
		}
	}

	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshaling device snapshot: %w", err)
	}
	if err := p.redisClient.Set(ctx, deviceKey(familyID), payload, 0).Err(); err != nil {
		return fmt.Errorf("storing device snapshot: %w", err)
	}

	return nil
}

// GetDeviceInfo returns the family's latest snapshot, or nil when the family
// has never reported one.
func (p *MarkerProfiler) GetDeviceInfo(ctx context.Context, familyID string) (*domain.DeviceInfo, error) {
	payload, err := p.redisClient.Get(ctx, deviceKey(familyID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching device snapshot: %w", err)
	}

	var info domain.DeviceInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, fmt.Errorf("unmarshaling device snapshot: %w", err)
	}
	return &info, nil
}

// IsJailbroken reports whether the snapshot carries known jailbreak markers.
func (p *MarkerProfiler) IsJailbroken(info *domain.DeviceInfo) bool {
	if info == nil {
		return false
	}
	for _, detected := range info.DetectedMarkers {
		lowered := strings.ToLower(detected)
		for _, marker := range jailbreakMarkers {
			if strings.Contains(lowered, marker) {
				return true
			}
		}
	}
	return false
}

// DetectTampering reports whether the snapshot shows an attached debugger or
// a bundle identifier that does not match the shipped app.
func (p *MarkerProfiler) DetectTampering(info *domain.DeviceInfo) bool {
	if info == nil {
		return false
	}
	if info.DebuggerAttached {
		return true
	}
	if p.expectedBundleID != "" && info.AppBundleID != "" && info.AppBundleID != p.expectedBundleID {
		return true
	}
	return false
}
