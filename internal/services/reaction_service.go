package services

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/evanigwilo/meet-up-sub001/internal/eventbus"
	"github.com/evanigwilo/meet-up-sub001/internal/models"
	"github.com/evanigwilo/meet-up-sub001/pkg/logger"
)

// ReactionInput describes a reaction from one user to content owned by another.
type ReactionInput struct {
	FromID     string `json:"from" validate:"required"`
	ToID       string `json:"to" validate:"required"`
	Identifier string `json:"identifier" validate:"required,max=128"`
	Reaction   string `json:"reaction" validate:"required,max=32"`
}

// ReactionService publishes reactions and notifies the content owner.
type ReactionService struct {
	bus           eventbus.Publisher
	notifications *NotificationService
	log           *zap.Logger
}

// NewReactionService constructs a ReactionService. notifications may be nil.
func NewReactionService(bus eventbus.Publisher, notifications *NotificationService) (*ReactionService, error) {
	if bus == nil {
		return nil, errors.New("reaction service: event bus is required")
	}
	return &ReactionService{bus: bus, notifications: notifications, log: logger.WithModule("reactions")}, nil
}

// React publishes the reaction. Reactions to someone else's content also create a POST_LIKE notification.
func (s *ReactionService) React(ctx context.Context, input ReactionInput) error {
	ctx = ensureContext(ctx)
	input.Reaction = strings.ToUpper(strings.TrimSpace(input.Reaction))
	if err := validateInput(input); err != nil {
		return err
	}

	if err := s.bus.Publish(ctx, eventbus.TopicReaction, eventbus.ReactionEvent{
		From:       input.FromID,
		To:         input.ToID,
		Identifier: input.Identifier,
		Reaction:   input.Reaction,
	}); err != nil {
		return err
	}

	if s.notifications == nil || input.FromID == input.ToID {
		return nil
	}
	if _, err := s.notifications.Notify(ctx, DispatchInput{
		FromID:     input.FromID,
		ToID:       input.ToID,
		Type:       models.NotificationPostLike,
		Identifier: input.Identifier,
		Payload:    map[string]any{"reaction": input.Reaction},
	}); err != nil {
		s.log.Warn("reaction notification failed", zap.String("identifier", input.Identifier), zap.Error(err))
	}
	return nil
}
