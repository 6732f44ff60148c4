package redisstream

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

	"github.com/go-go-golems/chatsync/pkg/logging"
)

// PubSub bundles the publisher and subscriber of one backend.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// InProcess is true for the gochannel fallback.
	InProcess bool

	client redis.UniversalClient
}

// Close closes both sides and the redis client.
func (p *PubSub) Close() error {
	var first error
	if p.Publisher != nil {
		if err := p.Publisher.Close(); err != nil {
			first = err
		}
	}
	if p.Subscriber != nil && !p.InProcess {
		if err := p.Subscriber.Close(); err != nil && first == nil {
			first = err
		}
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewInProcess returns a gochannel pub/sub. Publishing blocks until subscribers ack, which
// keeps the events of one channel in order.
func NewInProcess(logger watermill.LoggerAdapter) *PubSub {
	gc := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	return &PubSub{Publisher: gc, Subscriber: gc, InProcess: true}
}

// BuildPubSub constructs a Redis Streams publisher and subscriber when enabled.
// If settings.Enabled is false, it returns an in-memory gochannel pub/sub.
func BuildPubSub(s Settings) (*PubSub, error) {
	logger := logging.NewWatermill(log.Logger)
	if !s.Enabled {
		return NewInProcess(logger), nil
	}
	s = s.WithDefaults()

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis publisher")
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
		return nil, errors.Wrap(err, "redis subscriber")
	}
	log.Info().Str("addr", s.Addr).Str("group", s.Group).Str("consumer", s.Consumer).Msg("redis streams pub/sub ready")
	return &PubSub{
		Publisher:  pub,
		Subscriber: &tailSubscriber{Subscriber: sub, client: client, group: s.Group},
		client:     client,
	}, nil
}

// tailSubscriber creates the consumer group at the stream tail before subscribing, so a new
// group only sees events published from now on.
type tailSubscriber struct {
	message.Subscriber
	client redis.UniversalClient
	group  string
}

func (t *tailSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if err := ensureGroupAtTail(ctx, t.client, topic, t.group); err != nil {
		return nil, err
	}
	return t.Subscriber.Subscribe(ctx, topic)
}

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given consumer group/name.
func BuildGroupSubscriber(addr, group, consumer string) (message.Subscriber, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logging.NewWatermill(log.Logger))
	if err != nil {
		return nil, errors.Wrapf(err, "redis subscriber for group %s", group)
	}
	return sub, nil
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	return ensureGroupAtTail(ctx, client, stream, group)
}

func ensureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if isBusyGroup(err) {
			return nil
		}
		return errors.Wrapf(err, "create group %s on %s", group, stream)
	}
	log.Debug().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
