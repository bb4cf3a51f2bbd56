package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/evanigwilo/meet-up-sub001/internal/eventbus"
	"github.com/evanigwilo/meet-up-sub001/internal/models"
	apperrors "github.com/evanigwilo/meet-up-sub001/pkg/errors"
	"github.com/evanigwilo/meet-up-sub001/pkg/logger"
	"github.com/evanigwilo/meet-up-sub001/pkg/metrics"
)

const (
	DefaultPageSize     = 20
	DefaultPaceInterval = 100 * time.Millisecond
	maxUnreadPage       = 100
)

// broadcastTypes are fanned out to every follower of the actor.
var broadcastTypes = map[string]struct{}{
	models.NotificationPostCreate: {},
}

// IsBroadcast reports whether notifications of this type are fanned out to followers.
func IsBroadcast(notificationType string) bool {
	_, ok := broadcastTypes[notificationType]
	return ok
}

// DispatchInput describes a domain event that produces notifications.
// ToID is ignored for broadcast types.
type DispatchInput struct {
	FromID     string         `json:"from" validate:"required"`
	ToID       string         `json:"to"`
	Type       string         `json:"type" validate:"required,max=64"`
	Identifier string         `json:"identifier" validate:"max=128"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// BroadcastResult summarises one fan-out run.
type BroadcastResult struct {
	Inserted  int64
	Published int
	Pages     int
}

// Pacer blocks for d between broadcast pages.
type Pacer func(ctx context.Context, d time.Duration)

// NotificationOption customises a NotificationService.
type NotificationOption func(*NotificationService)

// WithPageSize sets the broadcast and unread page size.
func WithPageSize(size int) NotificationOption {
	return func(s *NotificationService) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

// WithPaceInterval sets the pause between broadcast pages.
func WithPaceInterval(d time.Duration) NotificationOption {
	return func(s *NotificationService) {
		if d >= 0 {
			s.paceInterval = d
		}
	}
}

// WithPacer replaces the pause implementation.
func WithPacer(p Pacer) NotificationOption {
	return func(s *NotificationService) {
		if p != nil {
			s.pacer = p
		}
	}
}

// WithNotificationClock sets the clock used for timestamps and the default pacer.
func WithNotificationClock(clock clockwork.Clock) NotificationOption {
	return func(s *NotificationService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NotificationService persists notifications and publishes one event per row.
type NotificationService struct {
	db           *gorm.DB
	bus          eventbus.Publisher
	pageSize     int
	paceInterval time.Duration
	pacer        Pacer
	clock        clockwork.Clock
	log          *zap.Logger
	inflight     sync.WaitGroup
}

// NewNotificationService constructs a NotificationService.
func NewNotificationService(db *gorm.DB, bus eventbus.Publisher, opts ...NotificationOption) (*NotificationService, error) {
	if db == nil {
		return nil, errors.New("notification service: db is required")
	}
	if bus == nil {
		return nil, errors.New("notification service: event bus is required")
	}

	s := &NotificationService{
		db:           db,
		bus:          bus,
		pageSize:     DefaultPageSize,
		paceInterval: DefaultPaceInterval,
		clock:        clockwork.NewRealClock(),
		log:          logger.WithModule("notifications"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pacer == nil {
		s.pacer = func(ctx context.Context, d time.Duration) {
			select {
			case <-s.clock.After(d):
			case <-ctx.Done():
			}
		}
	}
	return s, nil
}

// Dispatch routes input to Broadcast or Notify by type. Broadcasts run detached
// from ctx cancellation and cannot be stopped once started.
func (s *NotificationService) Dispatch(ctx context.Context, input DispatchInput) error {
	ctx = ensureContext(ctx)
	input.Type = strings.TrimSpace(input.Type)
	if err := validateInput(input); err != nil {
		return err
	}

	if !IsBroadcast(input.Type) {
		_, err := s.Notify(ctx, input)
		return err
	}

	detached := context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if _, err := s.Broadcast(detached, input); err != nil {
			s.log.Error("broadcast failed",
				zap.String("from", input.FromID),
				zap.String("type", input.Type),
				zap.String("identifier", input.Identifier),
				zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until detached broadcasts have finished.
func (s *NotificationService) Wait() {
	s.inflight.Wait()
}

// Notify stores a single notification and publishes it.
func (s *NotificationService) Notify(ctx context.Context, input DispatchInput) (*models.Notification, error) {
	ctx = ensureContext(ctx)
	if err := validateInput(input); err != nil {
		return nil, err
	}
	input.ToID = strings.TrimSpace(input.ToID)
	if input.ToID == "" {
		return nil, apperrors.NewBadRequest("to is required")
	}
	if input.ToID == input.FromID {
		return nil, apperrors.NewBadRequest("cannot notify yourself")
	}

	payload, err := encodePayload(input.Payload)
	if err != nil {
		return nil, err
	}

	notification := models.Notification{
		FromID:     input.FromID,
		ToID:       input.ToID,
		Type:       input.Type,
		Identifier: input.Identifier,
		Payload:    payload,
		CreatedAt:  s.clock.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		return nil, apperrors.Persistence(fmt.Errorf("notification service: create notification: %w", err))
	}

	if s.publish(ctx, notification) {
		metrics.FanoutPublished.WithLabelValues("direct").Inc()
	}
	return &notification, nil
}

// Broadcast inserts one notification per follower of input.FromID with a single
// set based statement, then publishes the rows of that run page by page, pausing after
// every non-empty page. A failed page read stops publishing; rows already inserted
// stay available through ListUnread.
func (s *NotificationService) Broadcast(ctx context.Context, input DispatchInput) (BroadcastResult, error) {
	var result BroadcastResult
	ctx = ensureContext(ctx)
	if err := validateInput(input); err != nil {
		return result, err
	}

	payload, err := encodePayload(input.Payload)
	if err != nil {
		return result, err
	}

	db := s.db.WithContext(ctx)

	var payloadArg any
	if len(payload) > 0 {
		payloadArg = payload
	}

	batchID := uuid.NewString()
	insert := db.Exec(
		`INSERT INTO notifications (from_id, to_id, type, identifier, seen, payload, batch_id, created_at)
		 SELECT ?, follower_id, ?, ?, ?, ?, ?, ? FROM follows WHERE following_id = ? AND follower_id <> ?`,
		input.FromID, input.Type, input.Identifier, false, payloadArg, batchID, s.clock.Now().UTC(), input.FromID, input.FromID,
	)
	if insert.Error != nil {
		return result, apperrors.Persistence(fmt.Errorf("notification service: fan-out insert: %w", insert.Error))
	}
	result.Inserted = insert.RowsAffected

	var cursor uint64
	for {
		var page []models.Notification
		if err := db.
			Where("batch_id = ? AND id > ?", batchID, cursor).
			Order("id ASC").
			Limit(s.pageSize).
			Find(&page).Error; err != nil {
			s.log.Warn("fan-out page read failed, stopping",
				zap.String("from", input.FromID),
				zap.String("batch", batchID),
				zap.Uint64("cursor", cursor),
				zap.Error(err))
			return result, nil
		}
		if len(page) == 0 {
			return result, nil
		}

		for _, notification := range page {
			if s.publish(ctx, notification) {
				result.Published++
				metrics.FanoutPublished.WithLabelValues("broadcast").Inc()
			}
			cursor = notification.ID
		}
		result.Pages++
		metrics.FanoutPages.Inc()
		s.pacer(ctx, s.paceInterval)

		if len(page) < s.pageSize {
			return result, nil
		}
	}
}

// ListUnread returns unseen notifications for userID with ids greater than afterID.
func (s *NotificationService) ListUnread(ctx context.Context, userID string, limit int, afterID uint64) ([]models.Notification, error) {
	ctx = ensureContext(ctx)
	if strings.TrimSpace(userID) == "" {
		return nil, apperrors.NewBadRequest("user id is required")
	}
	if limit <= 0 {
		limit = s.pageSize
	}
	if limit > maxUnreadPage {
		limit = maxUnreadPage
	}

	var rows []models.Notification
	if err := s.db.WithContext(ctx).
		Where("to_id = ? AND seen = ? AND id > ?", userID, false, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, apperrors.Persistence(fmt.Errorf("notification service: list unread: %w", err))
	}
	return rows, nil
}

// MarkSeen flags the given notifications of userID as seen. No ids marks all of them.
func (s *NotificationService) MarkSeen(ctx context.Context, userID string, ids ...uint64) (int64, error) {
	ctx = ensureContext(ctx)
	if strings.TrimSpace(userID) == "" {
		return 0, apperrors.NewBadRequest("user id is required")
	}

	query := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("to_id = ? AND seen = ?", userID, false)
	if len(ids) > 0 {
		query = query.Where("id IN ?", ids)
	}
	result := query.Update("seen", true)
	if result.Error != nil {
		return 0, apperrors.Persistence(fmt.Errorf("notification service: mark seen: %w", result.Error))
	}
	return result.RowsAffected, nil
}

func (s *NotificationService) publish(ctx context.Context, notification models.Notification) bool {
	event := eventbus.NotificationEvent{
		ID:         notification.ID,
		From:       notification.FromID,
		To:         notification.ToID,
		Type:       notification.Type,
		Identifier: notification.Identifier,
		Seen:       notification.Seen,
		CreatedAt:  notification.CreatedAt,
	}
	if len(notification.Payload) > 0 {
		event.Payload = json.RawMessage(notification.Payload)
	}
	if err := s.bus.Publish(ctx, eventbus.TopicNotification, event); err != nil {
		s.log.Warn("publish notification failed", zap.Uint64("id", notification.ID), zap.Error(err))
		return false
	}
	return true
}

func encodePayload(payload map[string]any) (datatypes.JSON, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewBadRequest("payload must be valid JSON")
	}
	return datatypes.JSON(data), nil
}
