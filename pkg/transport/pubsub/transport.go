// Package pubsub implements chatsync.Transport on top of a watermill subscriber. Channels map
// one to one onto topics, so the same transport works in process (gochannel) and across
// processes (redis streams).
package pubsub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
	"github.com/go-go-golems/chatsync/pkg/transport"
	"github.com/go-go-golems/chatsync/pkg/wire"
)

var ErrClosed = errors.New("pubsub transport is closed")

type Option func(*Transport)

func WithLogger(l zerolog.Logger) Option { return func(t *Transport) { t.log = l } }

// Transport consumes one topic per joined channel, each from its own goroutine.
type Transport struct {
	sub message.Subscriber
	reg *transport.Registry
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	mu        sync.Mutex
	consumers map[string]*consumer
}

// consumer is one Join of a channel. A rejoin gets a new consumer, so events still in flight
// on the old one are dropped before they reach listeners registered since.
type consumer struct {
	channel string
	ctx     context.Context
	cancel  context.CancelFunc
}

var _ chatsync.Transport = (*Transport)(nil)

func New(sub message.Subscriber, opts ...Option) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		sub:       sub,
		reg:       transport.NewRegistry(),
		log:       log.With().Str("component", "pubsub_transport").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		consumers: map[string]*consumer{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Connected() bool { return t.sub != nil && !t.closed.Load() }

func (t *Transport) Join(channel string) error {
	if !t.Connected() {
		return ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.consumers[channel]; ok {
		return nil
	}
	ctx, cancel := context.WithCancel(t.ctx)
	msgs, err := t.sub.Subscribe(ctx, channel)
	if err != nil {
		cancel()
		return errors.Wrapf(err, "subscribe %s", channel)
	}
	c := &consumer{channel: channel, ctx: ctx, cancel: cancel}
	t.consumers[channel] = c
	t.wg.Add(1)
	go t.consume(c, msgs)
	t.log.Debug().Str("channel", channel).Msg("joined")
	return nil
}

// Leave cancels the consumer of channel and returns without waiting for it.
func (t *Transport) Leave(channel string) error {
	t.mu.Lock()
	c, ok := t.consumers[channel]
	delete(t.consumers, channel)
	t.mu.Unlock()
	if ok {
		c.cancel()
	}
	return nil
}

func (t *Transport) On(channel, event string, h chatsync.EventHandler) func() {
	return t.reg.On(channel, event, h)
}

// Close stops every consumer and waits for them. It does not close the subscriber.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.cancel()
	t.wg.Wait()
	t.reg.Clear()
	return nil
}

func (t *Transport) consume(c *consumer, msgs <-chan *message.Message) {
	defer t.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			t.handle(c, msg)
			msg.Ack()
		}
	}
}

// current reports whether c is still the live consumer of its channel.
func (t *Transport) current(c *consumer) bool {
	if c.ctx.Err() != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consumers[c.channel] == c
}

func (t *Transport) handle(c *consumer, msg *message.Message) {
	channel := c.channel
	if !t.current(c) {
		return
	}
	f, err := wire.DecodeEvent(msg.Payload)
	if err != nil {
		t.log.Warn().Err(err).Str("channel", channel).Str("message_id", msg.UUID).Msg("dropping undecodable message")
		return
	}
	if ev := msg.Metadata.Get(wire.MetadataEvent); ev != "" && ev != f.Event {
		t.log.Debug().Str("channel", channel).Str("metadata_event", ev).Str("event", f.Event).Msg("event metadata disagrees with payload, using payload")
	}
	if !t.current(c) {
		t.log.Debug().Str("channel", channel).Str("event", f.Event).Msg("dropping event from a consumer that was left")
		return
	}
	t.reg.Dispatch(channel, f.Event, f.Data)
}

// Publish sends one event frame on channel.
func Publish(pub message.Publisher, channel, event string, payload any) error {
	f, err := wire.NewEvent(channel, event, payload)
	if err != nil {
		return err
	}
	b, err := f.Encode()
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set(wire.MetadataEvent, event)
	if err := pub.Publish(channel, msg); err != nil {
		return errors.Wrapf(err, "publish %s on %s", event, channel)
	}
	return nil
}
