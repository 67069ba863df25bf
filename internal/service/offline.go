package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aminenidae/screentime-entitlements/internal/domain"
	"github.com/aminenidae/screentime-entitlements/internal/netmon"
)

// SyncStatus tracks the most recent resync attempt.
type SyncStatus string

const (
	SyncIdle      SyncStatus = "idle"
	SyncSyncing   SyncStatus = "syncing"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

// OfflineSnapshot is the published connectivity and sync state. Snapshot()
// returns a copy; observers receive a copy after each change.
type OfflineSnapshot struct {
	IsOnline                  bool       `json:"is_online"`
	IsInOfflineMode           bool       `json:"is_in_offline_mode"`
	OfflineGraceDaysRemaining int        `json:"offline_grace_days_remaining"`
	LastSyncDate              *time.Time `json:"last_sync_date,omitempty"`
	SyncStatus                SyncStatus `json:"sync_status"`
}

// Offline validation verdicts.
type OfflineVerdictKind string

const (
	VerdictValid               OfflineVerdictKind = "valid"
	VerdictEntitlementExpired  OfflineVerdictKind = "entitlement_expired"
	VerdictNoValidEntitlement  OfflineVerdictKind = "no_valid_entitlement"
	VerdictOfflineGraceExpired OfflineVerdictKind = "offline_grace_period_expired"
)

// OfflineVerdict is the outcome of validating a family against the local
// cache under the offline allowance. Entitlement and DaysRemaining are set
// only for VerdictValid.
type OfflineVerdict struct {
	Kind          OfflineVerdictKind              `json:"kind"`
	Entitlement   *domain.SubscriptionEntitlement `json:"entitlement,omitempty"`
	DaysRemaining int                             `json:"days_remaining,omitempty"`
}

// OfflineStore is the slice of the entitlement store the offline service
// fetches through while online.
type OfflineStore interface {
	GetCurrentEntitlement(ctx context.Context, familyID string) (*domain.SubscriptionEntitlement, error)
}

// OfflineCache is the slice of the local cache backing offline reads.
type OfflineCache interface {
	Get(ctx context.Context, familyID string) (*domain.CachedEntitlementRecord, error)
	Cache(ctx context.Context, familyID string, rec domain.CachedEntitlementRecord) error
	GetAll(ctx context.Context) (map[string]domain.CachedEntitlementRecord, error)
	Remove(ctx context.Context, familyID string) error
	Clear(ctx context.Context) error
	MarkOfflineGraceStart(ctx context.Context, familyID string, start time.Time) error
	LastSyncDate(ctx context.Context) (*time.Time, error)
	SetLastSyncDate(ctx context.Context, t time.Time) error
}

// StoreGuard short-circuits store reads once the store has been failing
// repeatedly, so a degraded store does not add its timeout to every read
// before the cache fallback.
type StoreGuard interface {
	AllowRequest(ctx context.Context, upstream string) (string, bool)
	RecordSuccess(ctx context.Context, upstream string)
	RecordFailure(ctx context.Context, upstream string)
}

// storeUpstream is the circuit breaker key for the entitlement store.
const storeUpstream = "postgres"

// OfflineEntitlementService keeps entitlements answerable without network:
// it serves store reads while online, falls back to the cache on store
// failure or disconnection, enforces the bounded offline allowance, and
// resyncs every cached family when connectivity returns.
type OfflineEntitlementService struct {
	store   OfflineStore
	cache   OfflineCache
	monitor netmon.Monitor
	guard   StoreGuard
	logger  *slog.Logger

	offlineDays int
	workers     int

	mu        sync.RWMutex
	snapshot  OfflineSnapshot
	observers []func(OfflineSnapshot)
}

// NewOfflineEntitlementService builds the service. Non-positive offlineDays
// and workers fall back to the 7-day allowance and 8 resync workers.
func NewOfflineEntitlementService(store OfflineStore, cache OfflineCache, monitor netmon.Monitor, guard StoreGuard, logger *slog.Logger, offlineDays, workers int) *OfflineEntitlementService {
	if offlineDays <= 0 {
		offlineDays = 7
	}
	if workers <= 0 {
		workers = 8
	}
	return &OfflineEntitlementService{
		store:       store,
		cache:       cache,
		monitor:     monitor,
		guard:       guard,
		logger:      logger,
		offlineDays: offlineDays,
		workers:     workers,
		snapshot: OfflineSnapshot{
			IsOnline:   monitor.IsOnline(),
			SyncStatus: SyncIdle,
		},
	}
}

// OnChange registers an observer called synchronously with a copy of the
// snapshot after each change.
func (s *OfflineEntitlementService) OnChange(fn func(OfflineSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Snapshot returns a copy of the current published state.
func (s *OfflineEntitlementService) Snapshot() OfflineSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// mutate applies fn to the snapshot under the lock and notifies observers
// with the resulting copy.
func (s *OfflineEntitlementService) mutate(fn func(*OfflineSnapshot)) {
	s.mu.Lock()
	fn(&s.snapshot)
	snap := s.snapshot
	observers := make([]func(OfflineSnapshot), len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, o := range observers {
		o(snap)
	}
}

// Run consumes the reachability monitor's transition stream until the
// context is cancelled. A restored connection triggers a full resync.
func (s *OfflineEntitlementService) Run(ctx context.Context) {
	if last, err := s.cache.LastSyncDate(ctx); err == nil && last != nil {
		s.mutate(func(snap *OfflineSnapshot) { snap.LastSyncDate = last })
	}

	s.logger.Info("offline service started", "online", s.monitor.IsOnline())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("offline service stopping")
			return
		case <-s.monitor.Transitions():
			online := s.monitor.IsOnline()
			if !online {
				s.mutate(func(snap *OfflineSnapshot) {
					snap.IsOnline = false
					snap.IsInOfflineMode = true
				})
				continue
			}
			s.mutate(func(snap *OfflineSnapshot) { snap.IsOnline = true })
			if err := s.HandleConnectivityRestored(ctx); err != nil {
				s.logger.Error("resync after reconnect failed", "error", err)
			}
		}
	}
}

// GetEntitlement returns the family's current entitlement, preferring the
// store while online and re-caching what it fetched. A store failure
// downgrades to a cache fallback; only a cache miss after that propagates
// the store error. Repeated store failures open the store guard, routing
// reads straight to the cache until the store recovers; a cache miss while
// the circuit is open is ErrStoreUnavailable. Offline, a cache miss is nil,
// not an error.
func (s *OfflineEntitlementService) GetEntitlement(ctx context.Context, familyID string) (*domain.SubscriptionEntitlement, error) {
	if s.monitor.IsOnline() {
		if _, ok := s.guard.AllowRequest(ctx, storeUpstream); !ok {
			// Circuit open, serve the cache directly
			rec, err := s.cache.Get(ctx, familyID)
			if err != nil {
				return nil, fmt.Errorf("reading cached entitlement: %w", err)
			}
			if rec == nil {
				return nil, domain.ErrStoreUnavailable
			}
			entitlement := rec.Entitlement
			return &entitlement, nil
		}

		entitlement, err := s.store.GetCurrentEntitlement(ctx, familyID)
		if err == nil {
			s.guard.RecordSuccess(ctx, storeUpstream)
			return s.acceptStoreRead(ctx, familyID, entitlement)
		}
		s.guard.RecordFailure(ctx, storeUpstream)

		s.logger.Warn("store read failed, falling back to cache", "family_id", familyID, "error", err)
		rec, cacheErr := s.cache.Get(ctx, familyID)
		if cacheErr != nil || rec == nil {
			return nil, fmt.Errorf("fetching entitlement: %w", err)
		}
		entitlement = new(domain.SubscriptionEntitlement)
		*entitlement = rec.Entitlement
		return entitlement, nil
	}

	s.mutate(func(snap *OfflineSnapshot) { snap.IsInOfflineMode = true })

	rec, err := s.cache.Get(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("reading cached entitlement: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	entitlement := rec.Entitlement
	return &entitlement, nil
}

// acceptStoreRead caches a successful store answer and advances the sync
// date. A nil answer means the family has no entitlements at all, so the
// stale cache entry is dropped rather than left to satisfy offline checks.
func (s *OfflineEntitlementService) acceptStoreRead(ctx context.Context, familyID string, entitlement *domain.SubscriptionEntitlement) (*domain.SubscriptionEntitlement, error) {
	now := time.Now()

	if entitlement == nil {
		if err := s.cache.Remove(ctx, familyID); err != nil {
			s.logger.Error("failed to drop cache entry for family without entitlements", "family_id", familyID, "error", err)
		}
		return nil, nil
	}

	if err := s.cache.Cache(ctx, familyID, domain.CachedEntitlementRecord{
		Entitlement: *entitlement,
		ValidatedAt: now,
	}); err != nil {
		s.logger.Error("failed to cache fetched entitlement", "family_id", familyID, "error", err)
	}
	if err := s.cache.SetLastSyncDate(ctx, now); err != nil {
		s.logger.Error("failed to persist last sync date", "error", err)
	}
	s.mutate(func(snap *OfflineSnapshot) { snap.LastSyncDate = &now })

	return entitlement, nil
}

// ValidateOfflineEntitlement checks a family against the cache under the
// offline allowance. The first check of an offline spell stamps the
// offline-grace start; a later successful online fetch clears it again, so
// the allowance measures one continuous disconnection.
func (s *OfflineEntitlementService) ValidateOfflineEntitlement(ctx context.Context, familyID string) (OfflineVerdict, error) {
	now := time.Now()

	rec, err := s.cache.Get(ctx, familyID)
	if err != nil {
		return OfflineVerdict{}, fmt.Errorf("reading cached entitlement: %w", err)
	}
	if rec == nil {
		return OfflineVerdict{Kind: VerdictNoValidEntitlement}, nil
	}
	if rec.Entitlement.ExpirationDate.Before(now) {
		return OfflineVerdict{Kind: VerdictEntitlementExpired}, nil
	}

	start := rec.OfflineGracePeriodStart
	if start == nil {
		if err := s.cache.MarkOfflineGraceStart(ctx, familyID, now); err != nil {
			return OfflineVerdict{}, fmt.Errorf("marking offline grace start: %w", err)
		}
		start = &now
	}

	elapsed := int(now.Sub(*start).Hours() / 24)
	if elapsed > s.offlineDays {
		s.mutate(func(snap *OfflineSnapshot) { snap.OfflineGraceDaysRemaining = 0 })
		return OfflineVerdict{Kind: VerdictOfflineGraceExpired}, nil
	}

	remaining := s.offlineDays - elapsed
	s.mutate(func(snap *OfflineSnapshot) { snap.OfflineGraceDaysRemaining = remaining })

	entitlement := rec.Entitlement
	return OfflineVerdict{
		Kind:          VerdictValid,
		Entitlement:   &entitlement,
		DaysRemaining: remaining,
	}, nil
}

// HandleConnectivityRestored refreshes every cached family from the store
// through a bounded worker pool, collecting failures without aborting the
// batch. Offline mode clears only when the whole batch succeeds.
func (s *OfflineEntitlementService) HandleConnectivityRestored(ctx context.Context) error {
	s.mutate(func(snap *OfflineSnapshot) {
		snap.IsOnline = true
		snap.SyncStatus = SyncSyncing
	})

	recs, err := s.cache.GetAll(ctx)
	if err != nil {
		s.mutate(func(snap *OfflineSnapshot) { snap.SyncStatus = SyncFailed })
		return fmt.Errorf("listing cached families: %w", err)
	}

	failed := s.resyncAll(ctx, recs)

	if len(failed) > 0 {
		s.mutate(func(snap *OfflineSnapshot) { snap.SyncStatus = SyncFailed })
		return fmt.Errorf("resync failed for %d of %d families", len(failed), len(recs))
	}

	now := time.Now()
	if err := s.cache.SetLastSyncDate(ctx, now); err != nil {
		s.logger.Error("failed to persist last sync date", "error", err)
	}
	s.mutate(func(snap *OfflineSnapshot) {
		snap.SyncStatus = SyncCompleted
		snap.IsInOfflineMode = false
		snap.OfflineGraceDaysRemaining = s.offlineDays
		snap.LastSyncDate = &now
	})

	s.logger.Info("resync completed", "families", len(recs))
	return nil
}

// resyncAll fans the families out over the worker pool and returns the IDs
// that failed to refresh.
func (s *OfflineEntitlementService) resyncAll(ctx context.Context, recs map[string]domain.CachedEntitlementRecord) []string {
	if len(recs) == 0 {
		return nil
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []string

	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for familyID := range jobs {
				if err := s.resyncFamily(ctx, familyID); err != nil {
					s.logger.Warn("family resync failed", "family_id", familyID, "error", err)
					failedMu.Lock()
					failed = append(failed, familyID)
					failedMu.Unlock()
				}
			}
		}()
	}

	for familyID := range recs {
		jobs <- familyID
	}
	close(jobs)
	wg.Wait()

	return failed
}

// resyncFamily refreshes one family from the store. Re-caching wholesale
// clears the offline-grace marker; a family with no entitlements left loses
// its cache entry.
func (s *OfflineEntitlementService) resyncFamily(ctx context.Context, familyID string) error {
	entitlement, err := s.store.GetCurrentEntitlement(ctx, familyID)
	if err != nil {
		return fmt.Errorf("fetching entitlement: %w", err)
	}
	if entitlement == nil {
		return s.cache.Remove(ctx, familyID)
	}
	return s.cache.Cache(ctx, familyID, domain.CachedEntitlementRecord{
		Entitlement: *entitlement,
		ValidatedAt: time.Now(),
	})
}

// ForceSync runs a full resync on demand. It refuses while offline rather
// than silently doing nothing.
func (s *OfflineEntitlementService) ForceSync(ctx context.Context) error {
	if !s.monitor.IsOnline() {
		return domain.ErrNoNetworkConnection
	}
	return s.HandleConnectivityRestored(ctx)
}

// PreloadEntitlement fetches a family into the cache ahead of an expected
// disconnection. It refuses while offline.
func (s *OfflineEntitlementService) PreloadEntitlement(ctx context.Context, familyID string) error {
	if !s.monitor.IsOnline() {
		return domain.ErrNoNetworkConnection
	}

	entitlement, err := s.store.GetCurrentEntitlement(ctx, familyID)
	if err != nil {
		return fmt.Errorf("fetching entitlement: %w", err)
	}
	if entitlement == nil {
		return domain.ErrEntitlementNotFound
	}

	if err := s.cache.Cache(ctx, familyID, domain.CachedEntitlementRecord{
		Entitlement: *entitlement,
		ValidatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("caching entitlement: %w", err)
	}

	s.logger.Info("entitlement preloaded", "family_id", familyID)
	return nil
}

// ClearOfflineData wipes the cache, offline-grace markers, and sync state.
func (s *OfflineEntitlementService) ClearOfflineData(ctx context.Context) error {
	if err := s.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}

	s.mutate(func(snap *OfflineSnapshot) {
		snap.IsInOfflineMode = false
		snap.OfflineGraceDaysRemaining = 0
		snap.LastSyncDate = nil
		snap.SyncStatus = SyncIdle
	})

	s.logger.Info("offline data cleared")
	return nil
}
