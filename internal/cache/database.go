package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/evanigwilo/meet-up-sub001/internal/models"
)

// DatabaseStore implements the cache Store interface using the primary SQL database.
// Hashes are stored as a JSON object in the entry value.
type DatabaseStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDatabaseStore constructs a database-backed Store.
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	if db == nil {
		return nil
	}
	return &DatabaseStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Set upserts the value for a given key with expiry.
func (s *DatabaseStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s == nil {
		return ErrNotInitialised
	}
	return s.upsert(s.db.WithContext(ctx), key, value, s.expiry(ttl))
}

// IncrementWithTTL increments the counter at key inside a transaction. An absent
// or expired counter restarts at 1 with a fresh window; the window end is never
// extended by later hits.
func (s *DatabaseStore) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if s == nil {
		return 0, 0, ErrNotInitialised
	}
	if window <= 0 {
		window = time.Minute
	}
	now := s.now()

	var (
		count  int64
		expiry time.Time
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx
		// sqlite serialises writers and has no row locks
		if tx.Dialector.Name() != "sqlite" {
			query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var entry models.CacheEntry
		err := query.Take(&entry, "key = ?", key).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			count, expiry = 1, now.Add(window)
		case err != nil:
			return err
		case entry.ExpiresAt.IsZero() || !now.Before(entry.ExpiresAt):
			count, expiry = 1, now.Add(window)
		default:
			current, _ := strconv.ParseInt(string(entry.Value), 10, 64)
			count, expiry = current+1, entry.ExpiresAt
		}
		return s.upsert(tx, key, []byte(strconv.FormatInt(count, 10)), expiry)
	})
	if err != nil {
		return 0, 0, err
	}
	return count, expiry.Sub(now), nil
}

// Get retrieves a value by key, respecting expiry.
func (s *DatabaseStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, ErrNotInitialised
	}

	entry, ok, err := s.load(s.db.WithContext(ctx), key)
	if err != nil || !ok {
		return nil, false, err
	}
	return entry.Value, true, nil
}

// Delete removes keys from the store.
func (s *DatabaseStore) Delete(ctx context.Context, keys ...string) error {
	if s == nil {
		return ErrNotInitialised
	}
	if len(keys) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("key IN ?", keys).Delete(&models.CacheEntry{}).Error
}

// Expire resets the TTL of a live key. It reports false when the key is absent or already expired.
func (s *DatabaseStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if s == nil {
		return false, ErrNotInitialised
	}

	now := s.now()
	res := s.db.WithContext(ctx).
		Model(&models.CacheEntry{}).
		Where("key = ? AND (expires_at IS NULL OR expires_at = ? OR expires_at > ?)", key, time.Time{}, now).
		Updates(map[string]any{"expires_at": s.expiry(ttl), "updated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// HSet merges fields into the hash stored at key, keeping its current expiry.
func (s *DatabaseStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if s == nil {
		return ErrNotInitialised
	}
	if len(fields) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, ok, err := s.load(tx, key)
		if err != nil {
			return err
		}

		hash := map[string]string{}
		var expiry time.Time
		if ok {
			expiry = entry.ExpiresAt
			if len(entry.Value) > 0 {
				if err := json.Unmarshal(entry.Value, &hash); err != nil {
					return errors.New("cache: value at key is not a hash")
				}
			}
		}
		for field, value := range fields {
			hash[field] = value
		}

		encoded, err := json.Marshal(hash)
		if err != nil {
			return err
		}
		return s.upsert(tx, key, encoded, expiry)
	})
}

// HGetAll returns every field of the hash at key, or an empty map when absent.
func (s *DatabaseStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if s == nil {
		return nil, ErrNotInitialised
	}

	entry, ok, err := s.load(s.db.WithContext(ctx), key)
	if err != nil {
		return nil, err
	}
	hash := map[string]string{}
	if !ok || len(entry.Value) == 0 {
		return hash, nil
	}
	if err := json.Unmarshal(entry.Value, &hash); err != nil {
		return nil, errors.New("cache: value at key is not a hash")
	}
	return hash, nil
}

// PurgeExpired deletes entries whose expiry is before now and returns the number removed.
func (s *DatabaseStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	if s == nil {
		return 0, ErrNotInitialised
	}
	res := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <> ? AND expires_at < ?", time.Time{}, now).
		Delete(&models.CacheEntry{})
	return res.RowsAffected, res.Error
}

func (s *DatabaseStore) load(tx *gorm.DB, key string) (models.CacheEntry, bool, error) {
	var entry models.CacheEntry
	err := tx.Take(&entry, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}

	if !entry.ExpiresAt.IsZero() && s.now().After(entry.ExpiresAt) {
		_ = tx.Where("key = ?", key).Delete(&models.CacheEntry{}).Error
		return entry, false, nil
	}
	return entry, true, nil
}

func (s *DatabaseStore) upsert(tx *gorm.DB, key string, value []byte, expiry time.Time) error {
	entry := models.CacheEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: expiry,
	}

	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&entry).Error
}

func (s *DatabaseStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}
