// Package netmon tracks reachability of the upstream entitlement platform.
// The offline service consumes it to decide between server validation and
// the local entitlement cache.
package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Monitor reports whether the upstream network path is currently usable.
// Transitions is a wake-up signal: rapid flips are coalesced, so consumers
// re-read IsOnline after receiving.
type Monitor interface {
	IsOnline() bool
	Transitions() <-chan bool
}

// ProbeMonitor determines connectivity by periodically issuing an HTTP GET
// against a probe target. Any completed HTTP exchange counts as online; only
// transport errors mark the path offline.
type ProbeMonitor struct {
	target     string
	interval   time.Duration
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.RWMutex
	online      bool
	transitions chan bool
}

// NewProbeMonitor creates a monitor probing target every interval. The
// monitor starts optimistic and reports online until a probe fails. An empty
// target disables probing, leaving the state to SetOnline.
func NewProbeMonitor(target string, interval time.Duration, logger *slog.Logger) *ProbeMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ProbeMonitor{
		target:   target,
		interval: interval,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger:      logger,
		online:      true,
		transitions: make(chan bool, 1),
	}
}

// Start begins the probe loop. It runs until the context is cancelled.
func (m *ProbeMonitor) Start(ctx context.Context) {
	if m.target == "" {
		m.logger.Info("no probe target configured, reachability is manual")
		return
	}

	m.logger.Info("reachability monitor started", "target", m.target, "interval", m.interval)

	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("reachability monitor stopping")
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *ProbeMonitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.target, nil)
	if err != nil {
		m.SetOnline(false)
		return
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		// A cancelled probe at shutdown is not an outage
		if ctx.Err() == nil {
			m.SetOnline(false)
		}
		return
	}
	resp.Body.Close()

	m.SetOnline(true)
}

// IsOnline reports the last observed connectivity state.
func (m *ProbeMonitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Transitions returns the wake-up channel signalled on state changes.
func (m *ProbeMonitor) Transitions() <-chan bool {
	return m.transitions
}

// SetOnline records a connectivity state and signals consumers when it
// changed. Probes call it internally; it is also the direct control for
// deployments without a probe target.
func (m *ProbeMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	if online {
		m.logger.Info("network connectivity restored")
	} else {
		m.logger.Warn("network connectivity lost")
	}

	select {
	case m.transitions <- online:
	default:
		// A wake-up is already pending; consumers re-read IsOnline anyway
	}
}
