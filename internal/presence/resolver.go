package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/evanigwilo/meet-up-sub001/internal/cache"
	"github.com/evanigwilo/meet-up-sub001/internal/models"
	"github.com/evanigwilo/meet-up-sub001/pkg/logger"
	"github.com/evanigwilo/meet-up-sub001/pkg/metrics"
)

// Presence states other than a last-seen timestamp.
const (
	StateOnline = "ONLINE"
	StateTyping = "TYPING"
	StateNone   = "NONE"
)

const (
	DefaultCacheTTL  = 5 * time.Minute
	DefaultTypingTTL = 3 * time.Second
)

// Snapshot is the resolved presence of a user. State is ONLINE, TYPING, NONE or
// the last-seen time as epoch milliseconds.
type Snapshot struct {
	ID    string `json:"id"`
	State string `json:"online"`
}

// LiveChecker reports whether a user has an open, unexpired connection.
type LiveChecker interface {
	HasOpen(userID string) bool
}

// ActivityStore reads and writes the persisted last-seen time.
type ActivityStore interface {
	LastActive(ctx context.Context, userID string) (*time.Time, error)
	SetLastActive(ctx context.Context, userID string, at time.Time) error
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithCacheTTL sets how long resolved last-seen values stay cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithTypingTTL sets the lifetime of typing flags.
func WithTypingTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.typingTTL = ttl
		}
	}
}

// Resolver answers presence queries using live connections, a short lived cache
// and the persisted last-seen time, in that order.
type Resolver struct {
	live      LiveChecker
	cache     cache.Store
	store     ActivityStore
	cacheTTL  time.Duration
	typingTTL time.Duration
	log       *zap.Logger
}

// NewResolver constructs a presence resolver.
func NewResolver(live LiveChecker, store cache.Store, activity ActivityStore, opts ...Option) (*Resolver, error) {
	if live == nil || store == nil || activity == nil {
		return nil, errors.New("presence: live checker, cache and activity store are required")
	}
	r := &Resolver{
		live:      live,
		cache:     store,
		store:     activity,
		cacheTTL:  DefaultCacheTTL,
		typingTTL: DefaultTypingTTL,
		log:       logger.WithModule("presence"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve returns the presence of userID.
func (r *Resolver) Resolve(ctx context.Context, userID string) Snapshot {
	snapshot := Snapshot{ID: userID}

	if r.live.HasOpen(userID) {
		snapshot.State = StateOnline
		if _, typing, err := r.cache.Get(ctx, typingKey(userID)); err == nil && typing {
			snapshot.State = StateTyping
		}
		metrics.PresenceLookups.WithLabelValues("live").Inc()
		return snapshot
	}

	if cached, ok, err := r.cache.Get(ctx, lastSeenKey(userID)); err == nil && ok {
		snapshot.State = string(cached)
		metrics.PresenceLookups.WithLabelValues("cache").Inc()
		return snapshot
	} else if err != nil {
		r.log.Warn("last seen cache read failed", zap.String("user_id", userID), zap.Error(err))
	}

	active, err := r.store.LastActive(ctx, userID)
	if err != nil {
		r.log.Error("last seen lookup failed", zap.String("user_id", userID), zap.Error(err))
		metrics.PresenceLookups.WithLabelValues("error").Inc()
		snapshot.State = StateNone
		return snapshot
	}

	snapshot.State = formatLastSeen(active)
	if err := r.cache.Set(ctx, lastSeenKey(userID), []byte(snapshot.State), r.cacheTTL); err != nil {
		r.log.Warn("last seen cache write failed", zap.String("user_id", userID), zap.Error(err))
	}
	metrics.PresenceLookups.WithLabelValues("store").Inc()
	return snapshot
}

// MarkOffline persists at as the user's last-seen time and overwrites the cached value.
func (r *Resolver) MarkOffline(ctx context.Context, userID string, at time.Time) error {
	if err := r.store.SetLastActive(ctx, userID, at); err != nil {
		return fmt.Errorf("presence: persist last seen: %w", err)
	}
	if err := r.cache.Set(ctx, lastSeenKey(userID), []byte(formatLastSeen(&at)), r.cacheTTL); err != nil {
		return fmt.Errorf("presence: cache last seen: %w", err)
	}
	return nil
}

// SetTyping flags userID as typing for the typing TTL.
func (r *Resolver) SetTyping(ctx context.Context, userID string) error {
	return r.cache.Set(ctx, typingKey(userID), []byte("1"), r.typingTTL)
}

func formatLastSeen(at *time.Time) string {
	if at == nil || at.IsZero() {
		return StateNone
	}
	return strconv.FormatInt(at.UnixMilli(), 10)
}

func lastSeenKey(userID string) string { return "presence:last-seen:" + userID }
func typingKey(userID string) string   { return "presence:typing:" + userID }

// UserActivityStore reads and writes users.active through gorm.
type UserActivityStore struct {
	db *gorm.DB
}

// NewUserActivityStore constructs a gorm backed ActivityStore.
func NewUserActivityStore(db *gorm.DB) *UserActivityStore {
	return &UserActivityStore{db: db}
}

// LastActive returns the persisted last-seen time, or nil when the user is unknown or never went offline.
func (s *UserActivityStore) LastActive(ctx context.Context, userID string) (*time.Time, error) {
	var user models.User
	err := s.db.WithContext(ctx).Select("id", "active").Take(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user.Active, nil
}

// SetLastActive stores at as the user's last-seen time.
func (s *UserActivityStore) SetLastActive(ctx context.Context, userID string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("active", at).Error
}
