package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all configuration for the service. Policy windows default to
// the contract values (30-minute cache freshness, 16-day grace period, 7-day
// offline window); overriding them does not change component contracts.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`

	// CachePath is the bbolt file backing the local entitlement cache.
	CachePath string `env:"ENTITLEMENT_CACHE_PATH" envDefault:"entitlements.db"`

	// ProbeTarget is the URL the reachability monitor polls; empty means the
	// monitor trusts its initial state and never flips on its own.
	ProbeTarget   string        `env:"REACHABILITY_PROBE_TARGET"`
	ProbeInterval time.Duration `env:"REACHABILITY_PROBE_INTERVAL" envDefault:"15s"`

	CacheFreshness   time.Duration `env:"CACHE_FRESHNESS_WINDOW" envDefault:"30m"`
	GracePeriodDays  int           `env:"GRACE_PERIOD_DAYS" envDefault:"16"`
	OfflineGraceDays int           `env:"OFFLINE_GRACE_DAYS" envDefault:"7"`

	// AppBundleID is the bundle identifier legitimate clients report; a
	// mismatching snapshot counts as a tamper signal.
	AppBundleID string `env:"APP_BUNDLE_ID" envDefault:"com.screentime.family"`

	ResyncWorkers int `env:"RESYNC_WORKERS" envDefault:"8"`

	// ValidateRateLimit caps validation requests per family per second at the
	// API edge; 0 disables the cap.
	ValidateRateLimit int `env:"VALIDATE_RATE_LIMIT" envDefault:"10"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return &cfg, nil
}
