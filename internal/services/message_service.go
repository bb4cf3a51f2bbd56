package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/evanigwilo/meet-up-sub001/internal/eventbus"
	"github.com/evanigwilo/meet-up-sub001/internal/models"
	apperrors "github.com/evanigwilo/meet-up-sub001/pkg/errors"
	"github.com/evanigwilo/meet-up-sub001/pkg/logger"
)

// SendMessageInput carries a new direct message.
type SendMessageInput struct {
	FromID string `json:"from" validate:"required"`
	ToID   string `json:"to" validate:"required,nefield=FromID"`
	Body   string `json:"body" validate:"required,notblank,max=4000"`
}

// MessageService persists direct messages and keeps the per-pair conversation row current.
// Every write is committed before the matching events are published.
type MessageService struct {
	db  *gorm.DB
	bus eventbus.Publisher
	log *zap.Logger
}

// NewMessageService constructs a MessageService.
func NewMessageService(db *gorm.DB, bus eventbus.Publisher) (*MessageService, error) {
	if db == nil {
		return nil, errors.New("message service: db is required")
	}
	if bus == nil {
		return nil, errors.New("message service: event bus is required")
	}
	return &MessageService{db: db, bus: bus, log: logger.WithModule("messages")}, nil
}

// Send stores a message from one user to another.
func (s *MessageService) Send(ctx context.Context, input SendMessageInput) (*models.Message, error) {
	ctx = ensureContext(ctx)
	input.FromID = strings.TrimSpace(input.FromID)
	input.ToID = strings.TrimSpace(input.ToID)
	if err := validateInput(input); err != nil {
		return nil, err
	}

	message := models.Message{FromID: input.FromID, ToID: input.ToID, Body: input.Body}
	if err := s.store(ctx, &message, eventbus.MessageNew); err != nil {
		return nil, err
	}
	return &message, nil
}

// SendMissedCall records an unanswered call from caller to callee.
func (s *MessageService) SendMissedCall(ctx context.Context, callerID, calleeID string) (*models.Message, error) {
	ctx = ensureContext(ctx)
	if callerID == "" || calleeID == "" {
		return nil, errors.New("message service: caller and callee are required")
	}

	message := models.Message{FromID: callerID, ToID: calleeID, Body: models.MissedCallBody, Missed: true}
	if err := s.store(ctx, &message, eventbus.MessageMissedCall); err != nil {
		return nil, err
	}
	return &message, nil
}

// Delete soft deletes a message sent by userID.
func (s *MessageService) Delete(ctx context.Context, userID, messageID string) error {
	ctx = ensureContext(ctx)

	var message models.Message
	if err := s.db.WithContext(ctx).
		Where("id = ? AND from_id = ?", messageID, userID).
		Take(&message).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrNotFound
		}
		return apperrors.Persistence(fmt.Errorf("message service: load message: %w", err))
	}
	if message.Deleted {
		return nil
	}

	if err := s.db.WithContext(ctx).Model(&message).Update("deleted", true).Error; err != nil {
		return apperrors.Persistence(fmt.Errorf("message service: delete message: %w", err))
	}
	message.Deleted = true

	s.publish(ctx, eventbus.TopicMessage, messageEvent(message, eventbus.MessageDeleted))
	return nil
}

// MarkSeen marks the conversation last sent by peerID to userID as seen. It returns
// false when there was nothing to update, in which case nothing is published.
func (s *MessageService) MarkSeen(ctx context.Context, userID, peerID string) (bool, error) {
	ctx = ensureContext(ctx)
	if userID == "" || peerID == "" || userID == peerID {
		return false, apperrors.NewBadRequest("a different peer is required")
	}

	result := s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("pair_key = ? AND from_id = ? AND to_id = ? AND seen = ?", models.PairKey(userID, peerID), peerID, userID, false).
		Update("seen", true)
	if result.Error != nil {
		return false, apperrors.Persistence(fmt.Errorf("message service: mark seen: %w", result.Error))
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	var conversation models.Conversation
	if err := s.db.WithContext(ctx).Take(&conversation, "pair_key = ?", models.PairKey(userID, peerID)).Error; err != nil {
		return true, apperrors.Persistence(fmt.Errorf("message service: load conversation: %w", err))
	}

	s.publish(ctx, eventbus.TopicConversationUpdate, eventbus.ConversationEvent{
		From:         conversation.FromID,
		To:           conversation.ToID,
		MessageID:    conversation.MessageID,
		Seen:         true,
		UnseenCount:  s.unseenCount(ctx, userID),
		IsUpdateOnly: true,
	})
	return true, nil
}

// Conversation returns the conversation row between a and b.
func (s *MessageService) Conversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	var conversation models.Conversation
	err := s.db.WithContext(ensureContext(ctx)).Take(&conversation, "pair_key = ?", models.PairKey(a, b)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

// store inserts message then upserts the pair's conversation row so the latest
// sender becomes FromID.
func (s *MessageService) store(ctx context.Context, message *models.Message, kind eventbus.MessageKind) error {
	conversation := models.Conversation{
		PairKey: models.PairKey(message.FromID, message.ToID),
		FromID:  message.FromID,
		ToID:    message.ToID,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(message).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		conversation.MessageID = message.ID
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pair_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"from_id", "to_id", "message_id", "seen", "updated_at"}),
		}).Create(&conversation).Error
	})
	if err != nil {
		return apperrors.Persistence(fmt.Errorf("message service: %w", err))
	}

	s.publish(ctx, eventbus.TopicMessage, messageEvent(*message, kind))
	s.publish(ctx, eventbus.TopicConversationUpdate, eventbus.ConversationEvent{
		From:        conversation.FromID,
		To:          conversation.ToID,
		MessageID:   message.ID,
		UnseenCount: s.unseenCount(ctx, conversation.ToID),
	})
	return nil
}

func (s *MessageService) unseenCount(ctx context.Context, userID string) int64 {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("to_id = ? AND seen = ?", userID, false).
		Count(&count).Error; err != nil {
		s.log.Warn("count unseen conversations", zap.String("user_id", userID), zap.Error(err))
	}
	return count
}

func (s *MessageService) publish(ctx context.Context, topic string, payload any) {
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		s.log.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func messageEvent(message models.Message, kind eventbus.MessageKind) eventbus.MessageEvent {
	return eventbus.MessageEvent{
		Kind:      kind,
		ID:        message.ID,
		From:      message.FromID,
		To:        message.ToID,
		Body:      message.Body,
		Missed:    message.Missed,
		CreatedAt: message.CreatedAt,
	}
}
