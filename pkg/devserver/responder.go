package devserver

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
	"github.com/go-go-golems/chatsync/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatsync/pkg/transport/pubsub"
)

// ReplyFunc produces the assistant reply to a user message.
type ReplyFunc func(userText string) string

// EchoReply is the default scripted reply.
func EchoReply(userText string) string {
	return "You said: " + strings.TrimSpace(userText)
}

// SplitWords cuts text into chunks that keep their trailing whitespace, so joining the chunks
// gives back text.
func SplitWords(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == ' ' || text[i] == '\n' {
			out = append(out, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

type replyJob struct {
	user       chatsync.Message
	enqueuedAt time.Time
}

type replyQueue struct {
	queue   []replyJob
	running bool
}

// Responder streams one assistant reply per stored user message. Replies of one conversation
// run one at a time, in the order their messages were stored.
type Responder struct {
	store             chatstore.MessageStore
	pub               message.Publisher
	reply             ReplyFunc
	chunkDelay        time.Duration
	endCarriesContent bool
	metrics           *Metrics
	log               zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*replyQueue
}

func NewResponder(store chatstore.MessageStore, pub message.Publisher, opts Options, metrics *Metrics, logger zerolog.Logger) *Responder {
	ctx, cancel := context.WithCancel(context.Background())
	reply := opts.Reply
	if reply == nil {
		reply = EchoReply
	}
	return &Responder{
		store:             store,
		pub:               pub,
		reply:             reply,
		chunkDelay:        opts.ChunkDelay,
		endCarriesContent: opts.EndCarriesContent,
		metrics:           metrics,
		log:               logger,
		ctx:               ctx,
		cancel:            cancel,
		queues:            map[string]*replyQueue{},
	}
}

// Announce publishes message_created for a stored message.
func (r *Responder) Announce(m chatsync.Message) error {
	return pubsub.Publish(r.pub, chatsync.ChannelName(m.ConversationID), chatsync.EventMessageCreated,
		chatsync.MessageCreatedPayload{Message: m})
}

// Enqueue schedules a reply to user. It returns the queue position, 1 meaning next.
func (r *Responder) Enqueue(user chatsync.Message) int {
	if r.ctx.Err() != nil {
		return -1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[user.ConversationID]
	if !ok {
		q = &replyQueue{}
		r.queues[user.ConversationID] = q
	}
	q.queue = append(q.queue, replyJob{user: user, enqueuedAt: time.Now()})
	pos := len(q.queue)
	if !q.running {
		q.running = true
		r.wg.Add(1)
		go r.drain(user.ConversationID, q)
	}
	return pos
}

// Close cancels pending replies and waits for running ones to stop.
func (r *Responder) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Responder) dequeue(convID string, q *replyQueue) (replyJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(q.queue) == 0 || r.ctx.Err() != nil {
		q.running = false
		delete(r.queues, convID)
		return replyJob{}, false
	}
	j := q.queue[0]
	q.queue = q.queue[1:]
	return j, true
}

func (r *Responder) drain(convID string, q *replyQueue) {
	defer r.wg.Done()
	for {
		j, ok := r.dequeue(convID, q)
		if !ok {
			return
		}
		r.log.Debug().Str("conv_id", convID).Dur("waited", time.Since(j.enqueuedAt)).Msg("reply started")
		if err := r.respond(r.ctx, j.user); err != nil {
			r.log.Warn().Err(err).Str("conv_id", convID).Str("message_id", j.user.ID).Msg("reply failed")
		}
	}
}

func (r *Responder) publish(convID, event string, payload any) error {
	return pubsub.Publish(r.pub, chatsync.ChannelName(convID), event, payload)
}

func (r *Responder) respond(ctx context.Context, user chatsync.Message) error {
	convID := user.ConversationID
	text := r.reply(user.Content)
	log := r.log.With().Str("conv_id", convID).Str("reply_to", user.ID).Logger()

	if err := r.publish(convID, chatsync.EventStreamingStart, map[string]any{}); err != nil {
		return err
	}
	for _, chunk := range SplitWords(text) {
		if r.chunkDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.chunkDelay):
			}
		}
		if err := r.publish(convID, chatsync.EventStreamingChunk, chatsync.StreamChunkPayload{Chunk: chunk}); err != nil {
			return err
		}
		r.metrics.ChunksPublished.Inc()
	}

	stored, _, err := r.store.AppendMessage(ctx, chatsync.Message{
		LocalID:        "reply-" + user.ID,
		ConversationID: convID,
		SenderType:     chatsync.SenderAssistant,
		Content:        text,
	})
	if err != nil {
		return err
	}
	r.metrics.MessagesStored.WithLabelValues(string(chatsync.SenderAssistant)).Inc()

	end := chatsync.StreamEndPayload{MessageID: stored.ID}
	if r.endCarriesContent {
		end.Content = stored.Content
	}
	if err := r.publish(convID, chatsync.EventStreamingEnd, end); err != nil {
		return err
	}
	if err := r.Announce(stored); err != nil {
		return err
	}
	r.metrics.RepliesStreamed.Inc()
	log.Debug().Str("message_id", stored.ID).Int("len", len(text)).Msg("reply streamed")
	return nil
}
