package chatsync

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotOpen        = errors.New("no conversation is open")
	ErrStale          = errors.New("conversation is no longer open")
	ErrEmptyMessage   = errors.New("message content is empty")
	ErrUnknownMessage = errors.New("message not found in timeline")
)

// State is the lifecycle state of the synchronizer's conversation.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	// StateStreaming is a sub-state of StateOpen around one assistant reply.
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Snapshot is a copy of everything a view renders.
type Snapshot struct {
	ConversationID string
	State          State
	Timeline       []Message
	PartialText    string
	IsStreaming    bool
	// LiveUpdates is false when the channel could not be joined and only history is shown.
	LiveUpdates bool
	HistoryErr  error
}

type Option func(*Synchronizer)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Synchronizer) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) {
		if now != nil {
			s.now = now
		}
	}
}

// Synchronizer orchestrates subscription, stream accumulation and timeline reconciliation for
// one open conversation at a time.
type Synchronizer struct {
	api  API
	subs *SubscriptionManager
	log  zerolog.Logger
	now  func() time.Time

	mu               sync.Mutex
	phase            State
	convID           string
	epoch            uint64
	sub              *Subscription
	acc              *Accumulator
	timeline         *Timeline
	streamingLocalID string
	historyErr       error

	watchMu  sync.Mutex
	watchers map[int]chan struct{}
	nextW    int
}

func New(api API, transport Transport, opts ...Option) (*Synchronizer, error) {
	if api == nil {
		return nil, errors.New("chatsync: api is nil")
	}
	s := &Synchronizer{
		api:      api,
		log:      log.With().Str("component", "chatsync").Logger(),
		now:      time.Now,
		watchers: map[int]chan struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.subs = NewSubscriptionManager(transport, s.log)
	return s, nil
}

// OpenConversation makes id the open conversation. A different open conversation is closed
// first; reopening the current one is a no-op.
//
// A history failure leaves the conversation open with an empty timeline and is returned as
// well as recorded in Snapshot.HistoryErr. ErrStale means another open or close superseded
// this call before history arrived.
func (s *Synchronizer) OpenConversation(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("conversation id is empty")
	}

	s.mu.Lock()
	if s.phase != StateClosed && s.convID == id {
		s.mu.Unlock()
		return nil
	}
	if s.phase != StateClosed {
		s.closeLocked("switch")
	}
	s.epoch++
	epoch := s.epoch
	convLog := s.log.With().Str("conv_id", id).Logger()
	s.convID = id
	s.phase = StateOpening
	s.acc = NewAccumulator(id, convLog)
	s.timeline = NewTimeline(id, convLog, s.now)
	s.historyErr = nil
	s.streamingLocalID = ""

	sub, err := s.subs.Subscribe(id, s.handlersFor(epoch))
	if err != nil {
		s.resetLocked()
		s.mu.Unlock()
		s.notify()
		return errors.Wrap(err, "subscribe")
	}
	s.sub = sub
	s.mu.Unlock()
	convLog.Info().Bool("live", sub.Active()).Msg("opening conversation")
	s.notify()

	return s.loadHistory(ctx, id, epoch)
}

// RetryHistory fetches and seeds history again for the open conversation.
func (s *Synchronizer) RetryHistory(ctx context.Context) error {
	s.mu.Lock()
	if s.phase == StateClosed {
		s.mu.Unlock()
		return ErrNotOpen
	}
	id, epoch := s.convID, s.epoch
	s.mu.Unlock()
	return s.loadHistory(ctx, id, epoch)
}

func (s *Synchronizer) loadHistory(ctx context.Context, id string, epoch uint64) error {
	history, err := s.api.FetchHistory(ctx, id)

	s.mu.Lock()
	if !s.currentLocked(epoch) {
		s.mu.Unlock()
		s.log.Debug().Str("conv_id", id).Msg("discarding history response for conversation no longer open")
		return ErrStale
	}
	s.phase = StateOpen
	if err != nil {
		s.historyErr = err
		s.mu.Unlock()
		s.log.Warn().Err(err).Str("conv_id", id).Msg("history fetch failed")
		s.notify()
		return errors.Wrap(err, "fetch history")
	}
	s.historyErr = nil
	s.timeline.Seed(history)
	n := s.timeline.Len()
	s.mu.Unlock()
	s.log.Debug().Str("conv_id", id).Int("messages", n).Msg("history seeded")
	s.notify()
	return nil
}

// CloseConversation discards any in-flight reply, unsubscribes and clears the timeline.
func (s *Synchronizer) CloseConversation() {
	s.mu.Lock()
	closed := s.closeLocked("close")
	s.mu.Unlock()
	if closed {
		s.notify()
	}
}

// closeLocked runs the CLOSED path. The epoch moves on so responses tagged for the closed
// conversation are dropped even if it is reopened.
func (s *Synchronizer) closeLocked(reason string) bool {
	if s.phase == StateClosed {
		return false
	}
	if s.acc != nil {
		s.acc.Cancel()
	}
	s.subs.Unsubscribe(s.sub)
	s.log.Info().Str("conv_id", s.convID).Str("reason", reason).Msg("closing conversation")
	s.resetLocked()
	return true
}

func (s *Synchronizer) resetLocked() {
	if s.timeline != nil {
		s.timeline.Reset()
	}
	s.epoch++
	s.sub = nil
	s.acc = nil
	s.timeline = nil
	s.streamingLocalID = ""
	s.historyErr = nil
	s.convID = ""
	s.phase = StateClosed
}

// Send appends text optimistically and persists it. With no conversation open, a conversation
// is created and opened first.
//
// A persistence failure leaves the message visible with StatusFailed and is also returned.
func (s *Synchronizer) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.phase == StateClosed {
		epoch := s.epoch
		s.mu.Unlock()
		if err := s.createAndOpen(ctx, text, epoch); err != nil {
			return err
		}
		s.mu.Lock()
	}
	if s.phase != StateOpen {
		s.mu.Unlock()
		return ErrNotOpen
	}
	localID := s.timeline.AppendOptimistic(text, SenderUser)
	convID, epoch := s.convID, s.epoch
	s.mu.Unlock()
	s.notify()

	return s.persist(ctx, convID, epoch, localID, text)
}

func (s *Synchronizer) createAndOpen(ctx context.Context, text string, epoch uint64) error {
	conv, err := s.api.CreateConversation(ctx, text)
	if err != nil {
		return errors.Wrap(err, "create conversation")
	}
	s.mu.Lock()
	superseded := s.epoch != epoch
	s.mu.Unlock()
	if superseded {
		s.log.Debug().Str("conv_id", conv.ID).Msg("conversation created after another open, not opening it")
		return ErrStale
	}
	err = s.OpenConversation(ctx, conv.ID)
	if errors.Is(err, ErrStale) {
		return err
	}
	if err != nil {
		// History of a fresh conversation is optional; the send can still go through.
		s.log.Warn().Err(err).Str("conv_id", conv.ID).Msg("opening new conversation reported an error")
	}
	s.mu.Lock()
	current := s.phase != StateClosed && s.convID == conv.ID
	s.mu.Unlock()
	if !current {
		return ErrStale
	}
	return nil
}

// Retry re-sends a failed message.
func (s *Synchronizer) Retry(ctx context.Context, localID string) error {
	s.mu.Lock()
	if s.phase == StateClosed {
		s.mu.Unlock()
		return ErrNotOpen
	}
	m, ok := s.timeline.Find(localID)
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrUnknownMessage, "retry %s", localID)
	}
	if !s.timeline.MarkPending(localID) {
		s.mu.Unlock()
		return errors.Errorf("message %s is %s, only failed messages can be retried", localID, m.Status)
	}
	convID, epoch := s.convID, s.epoch
	s.mu.Unlock()
	s.notify()

	return s.persist(ctx, convID, epoch, localID, m.Content)
}

func (s *Synchronizer) persist(ctx context.Context, convID string, epoch uint64, localID, text string) error {
	created, err := s.api.CreateMessage(ctx, convID, text, localID)

	s.mu.Lock()
	if !s.currentLocked(epoch) {
		s.mu.Unlock()
		s.log.Debug().Str("conv_id", convID).Str("local_id", localID).Msg("discarding send result for conversation no longer open")
		return ErrStale
	}
	if err != nil {
		s.timeline.MarkFailed(localID)
		s.mu.Unlock()
		s.log.Warn().Err(err).Str("conv_id", convID).Str("local_id", localID).Msg("send failed")
		s.notify()
		return errors.Wrap(err, "create message")
	}
	s.timeline.Confirm(localID, created)
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Synchronizer) handlersFor(epoch uint64) Handlers {
	return Handlers{
		EventStreamingStart: func(data json.RawMessage) { s.onStreamStart(epoch) },
		EventStreamingChunk: func(data json.RawMessage) { s.onStreamChunk(epoch, data) },
		EventStreamingEnd:   func(data json.RawMessage) { s.onStreamEnd(epoch, data) },
		EventMessageCreated: func(data json.RawMessage) { s.onMessageCreated(epoch, data) },
	}
}

func (s *Synchronizer) onStreamStart(epoch uint64) {
	s.mu.Lock()
	if !s.currentLocked(epoch) {
		s.mu.Unlock()
		s.log.Debug().Str("event", EventStreamingStart).Msg("stale event ignored")
		return
	}
	s.acc.OnStreamStart()
	if s.streamingLocalID != "" {
		s.timeline.Discard(s.streamingLocalID)
	}
	s.streamingLocalID = s.timeline.BeginStreamingPlaceholder(SenderAssistant)
	s.mu.Unlock()
	s.notify()
}

func (s *Synchronizer) onStreamChunk(epoch uint64, data json.RawMessage) {
	var p StreamChunkPayload
	if err := decodePayload(data, &p); err != nil {
		s.log.Warn().Err(err).Str("event", EventStreamingChunk).Msg("malformed event discarded")
		return
	}
	s.mu.Lock()
	if !s.currentLocked(epoch) {
		s.mu.Unlock()
		s.log.Debug().Str("event", EventStreamingChunk).Msg("stale event ignored")
		return
	}
	if !s.acc.OnChunk(p.Chunk) {
		convID := s.convID
		s.mu.Unlock()
		s.log.Debug().Str("conv_id", convID).Str("event", EventStreamingChunk).Msg("chunk without active stream discarded")
		return
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Synchronizer) onStreamEnd(epoch uint64, data json.RawMessage) {
	var p StreamEndPayload
	if err := decodePayload(data, &p); err != nil {
		// The end signal still matters even when its payload is unreadable.
		s.log.Warn().Err(err).Str("event", EventStreamingEnd).Msg("malformed payload, finalizing from accumulated text")
		p = StreamEndPayload{}
	}
	s.mu.Lock()
	if !s.currentLocked(epoch) {
		s.mu.Unlock()
		s.log.Debug().Str("event", EventStreamingEnd).Msg("stale event ignored")
		return
	}
	text, ok := s.acc.OnStreamEnd(p.Content)
	if !ok {
		convID := s.convID
		s.mu.Unlock()
		s.log.Debug().Str("conv_id", convID).Str("event", EventStreamingEnd).Msg("stream end without active stream discarded")
		return
	}
	s.timeline.FinalizeStreaming(s.streamingLocalID, text, p.MessageID)
	s.streamingLocalID = ""
	s.mu.Unlock()
	s.notify()
}

func (s *Synchronizer) onMessageCreated(epoch uint64, data json.RawMessage) {
	var p MessageCreatedPayload
	if err := decodePayload(data, &p); err != nil {
		s.log.Warn().Err(err).Str("event", EventMessageCreated).Msg("malformed event discarded")
		return
	}
	s.mu.Lock()
	if !s.currentLocked(epoch) || (p.Message.ConversationID != "" && p.Message.ConversationID != s.convID) {
		s.mu.Unlock()
		s.log.Debug().Str("event", EventMessageCreated).Msg("stale event ignored")
		return
	}
	if p.Message.ID == "" && p.Message.LocalID == "" {
		s.mu.Unlock()
		s.log.Warn().Str("event", EventMessageCreated).Msg("pushed message without identity discarded")
		return
	}
	s.timeline.Merge(p.Message)
	s.mu.Unlock()
	s.notify()
}

func (s *Synchronizer) currentLocked(epoch uint64) bool {
	return s.phase != StateClosed && s.epoch == epoch
}

func (s *Synchronizer) stateLocked() State {
	if s.phase != StateClosed && s.acc != nil && s.acc.Active() {
		return StateStreaming
	}
	return s.phase
}

// State returns the current lifecycle state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// ConversationID returns the open conversation, or "" when closed.
func (s *Synchronizer) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

// Snapshot returns a copy of the view state.
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ConversationID: s.convID,
		State:          s.stateLocked(),
		HistoryErr:     s.historyErr,
		LiveUpdates:    s.sub.Active(),
	}
	if s.timeline != nil {
		snap.Timeline = s.timeline.Messages()
	}
	if s.acc != nil {
		snap.PartialText = s.acc.CurrentPartialText()
		snap.IsStreaming = s.acc.Active()
	}
	return snap
}

// Watch returns a channel that receives a value after every change. Signals coalesce: a
// slow reader sees one pending signal, never a backlog. The returned func stops the watch.
func (s *Synchronizer) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.watchMu.Lock()
	id := s.nextW
	s.nextW++
	s.watchers[id] = ch
	s.watchMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, id)
			s.watchMu.Unlock()
		})
	}
}

func (s *Synchronizer) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// WaitFor blocks until pred holds for a snapshot or ctx is done.
func (s *Synchronizer) WaitFor(ctx context.Context, pred func(Snapshot) bool) (Snapshot, error) {
	ch, stop := s.Watch()
	defer stop()
	for {
		snap := s.Snapshot()
		if pred(snap) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ch:
		}
	}
}
