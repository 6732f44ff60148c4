package chatsync

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrSubscriptionActive is returned when a conversation is subscribed while the handle of a
// different conversation is still active on the same manager.
var ErrSubscriptionActive = errors.New("subscription for another conversation is still active")

// Handlers maps event names to handlers registered for one subscription.
type Handlers map[string]EventHandler

// Subscription is the handle of one joined conversation channel.
type Subscription struct {
	ConversationID string
	Channel        string

	transport Transport
	active    atomic.Bool
	joined    bool

	mu   sync.Mutex
	offs []func()
}

// Active reports whether the subscription still receives live events.
func (s *Subscription) Active() bool {
	if s == nil {
		return false
	}
	return s.active.Load()
}

// SubscriptionManager owns join/leave of per-conversation channels. It keeps at most one
// subscription at a time.
type SubscriptionManager struct {
	transport Transport
	log       zerolog.Logger

	mu      sync.Mutex
	current *Subscription
}

// NewSubscriptionManager returns a manager over t with no subscription.
func NewSubscriptionManager(t Transport, logger zerolog.Logger) *SubscriptionManager {
	return &SubscriptionManager{transport: t, log: logger}
}

// Subscribe joins the channel of conversationID and registers handlers on it.
//
// A disconnected transport or a failed join does not produce an error: the returned handle is
// inactive and the caller continues without live updates.
func (m *SubscriptionManager) Subscribe(conversationID string, handlers Handlers) (*Subscription, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.current; cur != nil && cur.Active() {
		if cur.ConversationID != conversationID {
			return nil, errors.Wrapf(ErrSubscriptionActive, "subscribe %s while %s is active", conversationID, cur.ConversationID)
		}
		return cur, nil
	}

	sub := &Subscription{
		ConversationID: conversationID,
		Channel:        ChannelName(conversationID),
		transport:      m.transport,
	}
	m.current = sub

	subLog := m.log.With().Str("conv_id", conversationID).Str("channel", sub.Channel).Logger()
	if m.transport == nil || !m.transport.Connected() {
		subLog.Warn().Msg("transport not connected, continuing without live updates")
		return sub, nil
	}

	// Listeners go in before the join so nothing emitted right after joining is missed.
	sub.active.Store(true)
	for event, h := range handlers {
		if h == nil {
			continue
		}
		h := h
		off := m.transport.On(sub.Channel, event, func(data json.RawMessage) {
			if !sub.active.Load() {
				return
			}
			h(data)
		})
		sub.offs = append(sub.offs, off)
	}
	if err := m.transport.Join(sub.Channel); err != nil {
		subLog.Warn().Err(err).Msg("join failed, continuing without live updates")
		sub.release()
		return sub, nil
	}
	sub.mu.Lock()
	sub.joined = true
	sub.mu.Unlock()
	subLog.Debug().Int("listeners", len(sub.offs)).Msg("subscribed")
	return sub, nil
}

// Unsubscribe leaves the channel and removes every listener registered through the handle.
// Calling it more than once is a no-op.
func (m *SubscriptionManager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	if m.current == sub {
		m.current = nil
	}
	m.mu.Unlock()

	wasJoined := sub.release()
	if wasJoined && sub.transport != nil {
		if err := sub.transport.Leave(sub.Channel); err != nil {
			m.log.Warn().Err(err).Str("conv_id", sub.ConversationID).Str("channel", sub.Channel).Msg("leave failed")
		}
	}
}

// Current returns the most recent subscription, active or not.
func (m *SubscriptionManager) Current() *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// release deactivates the handle and drops its listeners. It reports whether the channel was
// joined and still needs to be left.
func (s *Subscription) release() bool {
	s.active.Store(false)
	s.mu.Lock()
	offs := s.offs
	s.offs = nil
	joined := s.joined
	s.joined = false
	s.mu.Unlock()
	for _, off := range offs {
		if off != nil {
			off()
		}
	}
	return joined
}
