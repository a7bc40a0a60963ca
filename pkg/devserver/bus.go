package devserver

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/newschat/pkg/logging"
)

// RedisSettings holds the Redis Streams configuration for the stream bus.
type RedisSettings struct {
	Enabled  bool
	Addr     string
	Group    string
	Consumer string
}

func DefaultRedisSettings() RedisSettings {
	return RedisSettings{
		Addr:     "localhost:6379",
		Group:    "newschat",
		Consumer: "devserver-1",
	}
}

const metadataSessionID = "session_id"

func topicForSession(sessionID string) string {
	return "newschat.session." + sessionID
}

// Bus carries encoded push frames from the reply streamers to the room fan-out.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	closers    []func() error

	redis *redis.Client
	group string
}

// NewMemoryBus returns an in-process bus. Publishing blocks until every room subscriber acked the
// frame, which keeps frames of one session in order.
func NewMemoryBus() *Bus {
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, logging.NewWatermill(log.Logger))
	return &Bus{
		publisher:  pubsub,
		subscriber: pubsub,
		closers:    []func() error{pubsub.Close},
	}
}

// NewBus builds a Redis Streams bus when enabled and an in-memory one otherwise.
func NewBus(s RedisSettings) (*Bus, error) {
	if !s.Enabled {
		return NewMemoryBus(), nil
	}
	if s.Addr == "" {
		return nil, errors.New("devserver: redis address is empty")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := logging.NewWatermill(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "devserver: redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "devserver: redis subscriber")
	}
	return &Bus{
		publisher:  pub,
		subscriber: sub,
		closers:    []func() error{sub.Close, pub.Close, client.Close},
		redis:      client,
		group:      s.Group,
	}, nil
}

// prepare makes sure a fresh room does not replay frames published before it existed.
func (b *Bus) prepare(ctx context.Context, sessionID string) error {
	if b.redis == nil || b.group == "" {
		return nil
	}
	stream := topicForSession(sessionID)
	err := b.redis.XGroupCreateMkStream(ctx, stream, b.group, "$").Err()
	if err != nil {
		// BUSYGROUP means the group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "devserver: create consumer group for %s", stream)
	}
	log.Debug().Str("component", "devserver").Str("stream", stream).Str("group", b.group).Msg("created redis consumer group at tail")
	return nil
}

// PublishFrame publishes one encoded frame on the session topic.
func (b *Bus) PublishFrame(sessionID string, frame []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), frame)
	msg.Metadata.Set(metadataSessionID, sessionID)
	if err := b.publisher.Publish(topicForSession(sessionID), msg); err != nil {
		return errors.Wrapf(err, "devserver: publish to session %s", sessionID)
	}
	return nil
}

func (b *Bus) Subscriber() message.Subscriber {
	return b.subscriber
}

func (b *Bus) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}
