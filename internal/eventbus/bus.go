package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Backends supported by New.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config selects and tunes the bus transport.
type Config struct {
	Backend      string
	BufferSize   int64
	StreamPrefix string
	BlockTime    time.Duration
}

// Delivery is one event read from a topic.
type Delivery struct {
	Topic   string
	Payload json.RawMessage
}

// Decode unmarshals the delivery payload into v.
func (d Delivery) Decode(v any) error {
	return json.Unmarshal(d.Payload, v)
}

// Publisher is the publishing half of the bus used by services.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Bus is a topic based publish/subscribe channel backed by watermill.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	prefix string
	log    *zap.Logger
}

// New constructs a bus. The redis backend requires client and fans every message out
// to all subscribers without a consumer group.
func New(cfg Config, client redis.UniversalClient, log *zap.Logger) (*Bus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	adapter := NewZapAdapter(log.Named("watermill"))

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		buffer := cfg.BufferSize
		if buffer <= 0 {
			buffer = 256
		}
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: buffer}, adapter)
		return &Bus{pub: ch, sub: ch, log: log}, nil
	case BackendRedis:
		if client == nil {
			return nil, errors.New("eventbus: redis backend requires a client")
		}
		marshaler := rstream.DefaultMarshallerUnmarshaller{}
		pub, err := rstream.NewPublisher(rstream.PublisherConfig{
			Client:     client,
			Marshaller: marshaler,
		}, adapter)
		if err != nil {
			return nil, fmt.Errorf("eventbus: redis publisher: %w", err)
		}
		sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
			Client:       client,
			Unmarshaller: marshaler,
			BlockTime:    cfg.BlockTime,
		}, adapter)
		if err != nil {
			_ = pub.Close()
			return nil, fmt.Errorf("eventbus: redis subscriber: %w", err)
		}
		return &Bus{pub: pub, sub: sub, prefix: cfg.StreamPrefix, log: log}, nil
	default:
		return nil, fmt.Errorf("eventbus: unsupported backend %q", cfg.Backend)
	}
}

// NewWithPubSub builds a bus over existing watermill implementations.
func NewWithPubSub(pub message.Publisher, sub message.Subscriber, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{pub: pub, sub: sub, log: log}
}

// Publish encodes payload as JSON and publishes it on topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: encode %s: %w", topic, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	if err := b.pub.Publish(b.prefix+topic, msg); err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe streams deliveries for topic until ctx is done. Each message is acked
// once handed to the consumer.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan Delivery, error) {
	messages, err := b.sub.Subscribe(ctx, b.prefix+topic)
	if err != nil {
		return nil, fmt.Errorf("eventbus: subscribe %s: %w", topic, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- Delivery{Topic: topic, Payload: json.RawMessage(msg.Payload)}:
					msg.Ack()
				case <-ctx.Done():
					msg.Nack()
					return
				}
			}
		}
	}()
	return out, nil
}

// Close shuts down the publisher and subscriber.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var err error
	err = multierr.Append(err, b.pub.Close())
	if any(b.sub) != any(b.pub) {
		err = multierr.Append(err, b.sub.Close())
	}
	return err
}
