package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestBusDeliversToEverySubscriber(t *testing.T) {
	bus, err := New(Config{Backend: BackendMemory}, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := bus.Subscribe(ctx, TopicNotification)
	require.NoError(t, err)
	second, err := bus.Subscribe(ctx, TopicNotification)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, TopicNotification, NotificationEvent{ID: 7, From: "a", To: "b", Type: "POST_LIKE"}))

	for _, ch := range []<-chan Delivery{first, second} {
		select {
		case delivery := <-ch:
			require.Equal(t, TopicNotification, delivery.Topic)
			var event NotificationEvent
			require.NoError(t, delivery.Decode(&event))
			require.EqualValues(t, 7, event.ID)
			require.Equal(t, "b", event.To)
		case <-time.After(2 * time.Second):
			t.Fatal("expected delivery")
		}
	}
}

func TestBusIsolatesTopics(t *testing.T) {
	bus, err := New(Config{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reactions, err := bus.Subscribe(ctx, TopicReaction)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, TopicMessage, MessageEvent{Kind: MessageNew, From: "a", To: "b"}))
	require.NoError(t, bus.Publish(ctx, TopicReaction, ReactionEvent{From: "a", To: "b", Reaction: "LIKE"}))

	select {
	case delivery := <-reactions:
		require.Equal(t, TopicReaction, delivery.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("expected reaction delivery")
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	bus, err := New(Config{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, TopicMessage)
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	_, err := New(Config{Backend: "kafka"}, nil, nil)
	require.Error(t, err)

	_, err = New(Config{Backend: BackendRedis}, nil, nil)
	require.Error(t, err)
}

func TestZapAdapterForwardsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	adapter := NewZapAdapter(zap.New(core)).With(watermill.LogFields{"topic": "message"})

	adapter.Info("subscribed", watermill.LogFields{"subscriber": 1})
	adapter.Error("publish failed", context.Canceled, nil)
	adapter.Trace("trace", nil)

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, "message", entries[0].ContextMap()["topic"])
	require.EqualValues(t, 1, entries[0].ContextMap()["subscriber"])
	require.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	require.Equal(t, zapcore.DebugLevel, entries[2].Level)
}
