package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aminenidae/screentime-entitlements/internal/domain"
	"go.etcd.io/bbolt"
)

const (
	entitlementsBucket = "entitlements"
	syncBucket         = "sync"
	lastSyncKey        = "last_sync"
)

// BoltCache is the on-device entitlement cache. It keeps one validated
// record per family plus the last successful sync timestamp, and survives
// process restarts and network loss.
type BoltCache struct {
	db *bbolt.DB
}

// Open opens the cache database at the given path, creating it if needed.
func Open(path string) (*BoltCache, error) {
	if path == "" {
		return nil, fmt.Errorf("cache path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	c := &BoltCache{db: db}
	if err := c.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return c, nil
}

func (c *BoltCache) Close() error {
	return c.db.Close()
}

func (c *BoltCache) ensureBuckets() error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(entitlementsBucket)); err != nil {
			return fmt.Errorf("creating entitlements bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(syncBucket)); err != nil {
			return fmt.Errorf("creating sync bucket: %w", err)
		}
		return nil
	})
}

// Cache stores a validated record for the family. Writes are
// last-validated-wins: a record validated earlier than the one already
// cached is silently dropped, so concurrent validations cannot roll the
// cache backwards.
func (c *BoltCache) Cache(ctx context.Context, familyID string, rec domain.CachedEntitlementRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if familyID == "" {
		return fmt.Errorf("family id is required")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling cached entitlement: %w", err)
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entitlementsBucket))

		if existing := bucket.Get([]byte(familyID)); existing != nil {
			var cur domain.CachedEntitlementRecord
			if err := json.Unmarshal(existing, &cur); err == nil && cur.ValidatedAt.After(rec.ValidatedAt) {
				return nil
			}
		}

		return bucket.Put([]byte(familyID), payload)
	})
}

// Get returns the family's cached record, or nil when the family has never
// been cached.
func (c *BoltCache) Get(ctx context.Context, familyID string) (*domain.CachedEntitlementRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *domain.CachedEntitlementRecord
	err := c.db.View(func(tx *bbolt.Tx) error {
		payload := tx.Bucket([]byte(entitlementsBucket)).Get([]byte(familyID))
		if payload == nil {
			return nil
		}
		var r domain.CachedEntitlementRecord
		if err := json.Unmarshal(payload, &r); err != nil {
			return fmt.Errorf("unmarshaling cached entitlement: %w", err)
		}
		rec = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetAll returns every cached record keyed by family ID.
func (c *BoltCache) GetAll(ctx context.Context) (map[string]domain.CachedEntitlementRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := map[string]domain.CachedEntitlementRecord{}
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(entitlementsBucket)).ForEach(func(k, v []byte) error {
			var r domain.CachedEntitlementRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshaling cached entitlement %s: %w", k, err)
			}
			records[string(k)] = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Remove drops the family's cached record. Removing an uncached family is
// not an error.
func (c *BoltCache) Remove(ctx context.Context, familyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(entitlementsBucket)).Delete([]byte(familyID))
	})
}

// Clear drops every cached record and the sync timestamp.
func (c *BoltCache) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{entitlementsBucket, syncBucket} {
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return fmt.Errorf("deleting %s bucket: %w", name, err)
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return fmt.Errorf("recreating %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// MarkOfflineGraceStart stamps the start of the family's offline spell. An
// already-stamped record keeps its original start so the offline window
// measures one continuous disconnection.
func (c *BoltCache) MarkOfflineGraceStart(ctx context.Context, familyID string, start time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entitlementsBucket))
		payload := bucket.Get([]byte(familyID))
		if payload == nil {
			return nil
		}

		var rec domain.CachedEntitlementRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("unmarshaling cached entitlement: %w", err)
		}
		if rec.OfflineGracePeriodStart != nil {
			return nil
		}

		rec.OfflineGracePeriodStart = &start
		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling cached entitlement: %w", err)
		}
		return bucket.Put([]byte(familyID), updated)
	})
}

// ClearOfflineGraceStart resets the family's offline spell after a
// successful online validation.
func (c *BoltCache) ClearOfflineGraceStart(ctx context.Context, familyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entitlementsBucket))
		payload := bucket.Get([]byte(familyID))
		if payload == nil {
			return nil
		}

		var rec domain.CachedEntitlementRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("unmarshaling cached entitlement: %w", err)
		}
		if rec.OfflineGracePeriodStart == nil {
			return nil
		}

		rec.OfflineGracePeriodStart = nil
		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling cached entitlement: %w", err)
		}
		return bucket.Put([]byte(familyID), updated)
	})
}

// LastSyncDate returns the time of the last successful server sync, or nil
// when the cache has never synced.
func (c *BoltCache) LastSyncDate(ctx context.Context) (*time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var synced *time.Time
	err := c.db.View(func(tx *bbolt.Tx) error {
		payload := tx.Bucket([]byte(syncBucket)).Get([]byte(lastSyncKey))
		if payload == nil {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, string(payload))
		if err != nil {
			return fmt.Errorf("parsing last sync date: %w", err)
		}
		synced = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return synced, nil
}

func (c *BoltCache) SetLastSyncDate(ctx context.Context, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(syncBucket)).Put([]byte(lastSyncKey), []byte(t.Format(time.RFC3339Nano)))
	})
}
