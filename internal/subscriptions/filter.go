package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/evanigwilo/meet-up-sub001/internal/auth"
	"github.com/evanigwilo/meet-up-sub001/internal/eventbus"
	"github.com/evanigwilo/meet-up-sub001/pkg/logger"
	"github.com/evanigwilo/meet-up-sub001/pkg/metrics"
)

// Allowed decides whether delivery may reach the subscriber holding session at now.
// Every topic is denied once the session is missing or expired.
func Allowed(session *auth.Session, now time.Time, delivery eventbus.Delivery) bool {
	if session == nil || session.Expired(now) {
		return false
	}
	userID := session.UserID

	switch delivery.Topic {
	case eventbus.TopicNotification:
		var event eventbus.NotificationEvent
		return delivery.Decode(&event) == nil && event.To == userID
	case eventbus.TopicConversationUpdate:
		var event eventbus.ConversationEvent
		return delivery.Decode(&event) == nil && event.To == userID
	case eventbus.TopicReaction:
		var event eventbus.ReactionEvent
		return delivery.Decode(&event) == nil && (event.From == userID || event.To == userID)
	case eventbus.TopicMessage:
		var event eventbus.MessageEvent
		if delivery.Decode(&event) != nil {
			return false
		}
		switch event.Kind {
		case eventbus.MessageNew, eventbus.MessageMissedCall:
			return event.To == userID
		case eventbus.MessageDeleted:
			return event.From == userID || event.To == userID
		}
	}
	return false
}

// Subscriber is the subscribing half of the event bus.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan eventbus.Delivery, error)
}

// Filter gates bus deliveries per subscriber.
type Filter struct {
	bus   Subscriber
	clock clockwork.Clock
	log   *zap.Logger
}

// NewFilter constructs a Filter over bus.
func NewFilter(bus Subscriber, clock clockwork.Clock) (*Filter, error) {
	if bus == nil {
		return nil, errors.New("subscriptions: event bus is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Filter{bus: bus, clock: clock, log: logger.WithModule("subscriptions")}, nil
}

// Stream merges the requested topics and invokes emit for every delivery the
// session may see. Predicates are evaluated per delivery, so a session that
// expires mid-stream silently stops receiving. Stream returns when ctx is done
// or emit fails.
func (f *Filter) Stream(ctx context.Context, session *auth.Session, emit func(eventbus.Delivery) error, topics ...string) error {
	if len(topics) == 0 {
		topics = eventbus.Topics
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)
	merged := make(chan eventbus.Delivery)

	for _, topic := range topics {
		deliveries, err := f.bus.Subscribe(gctx, topic)
		if err != nil {
			return fmt.Errorf("subscriptions: %w", err)
		}
		group.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case delivery, ok := <-deliveries:
					if !ok {
						return nil
					}
					select {
					case merged <- delivery:
					case <-gctx.Done():
						return nil
					}
				}
			}
		})
	}

	group.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case delivery := <-merged:
				if !Allowed(session, f.clock.Now(), delivery) {
					metrics.SubscriptionDeliveries.WithLabelValues(delivery.Topic, "dropped").Inc()
					continue
				}
				metrics.SubscriptionDeliveries.WithLabelValues(delivery.Topic, "delivered").Inc()
				if err := emit(delivery); err != nil {
					return err
				}
			}
		}
	})

	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		f.log.Debug("subscription stream ended", zap.Error(err))
	}
	return err
}
