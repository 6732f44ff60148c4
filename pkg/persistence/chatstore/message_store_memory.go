package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
)

// InMemoryMessageStore is a size-limited, in-memory MessageStore implementation.
// It mirrors the ordering semantics of the SQLite store.
type InMemoryMessageStore struct {
	mu                 sync.Mutex
	maxMessagesPerConv int
	now                func() time.Time
	convs              map[string]*inMemConversation
}

type inMemConversation struct {
	record   ConversationRecord
	messages []chatsync.Message
	byLocal  map[string]int
}

var _ MessageStore = &InMemoryMessageStore{}

func NewInMemoryMessageStore(maxMessagesPerConv int) *InMemoryMessageStore {
	if maxMessagesPerConv <= 0 {
		maxMessagesPerConv = 5000
	}
	return &InMemoryMessageStore{
		maxMessagesPerConv: maxMessagesPerConv,
		now:                time.Now,
		convs:              map[string]*inMemConversation{},
	}
}

func (s *InMemoryMessageStore) Close() error { return nil }

func (s *InMemoryMessageStore) CreateConversation(_ context.Context, title string) (chatsync.Conversation, error) {
	if s == nil {
		return chatsync.Conversation{}, errors.New("in-memory message store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := newConversation(title, s.now())
	s.convs[conv.ID] = &inMemConversation{
		record:  ConversationRecord{Conversation: conv, LastActivity: conv.CreatedAt},
		byLocal: map[string]int{},
	}
	return conv, nil
}

func (s *InMemoryMessageStore) GetConversation(_ context.Context, convID string) (ConversationRecord, bool, error) {
	if s == nil {
		return ConversationRecord{}, false, errors.New("in-memory message store: nil store")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return ConversationRecord{}, false, errors.New("in-memory message store: convID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return ConversationRecord{}, false, nil
	}
	return c.record, true, nil
}

func (s *InMemoryMessageStore) ListConversations(_ context.Context, limit int) ([]ConversationRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory message store: nil store")
	}
	if limit <= 0 {
		limit = 200
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]ConversationRecord, 0, len(s.convs))
	for _, c := range s.convs {
		records = append(records, c.record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastActivity.Equal(records[j].LastActivity) {
			return records[i].ID < records[j].ID
		}
		return records[i].LastActivity.After(records[j].LastActivity)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *InMemoryMessageStore) AppendMessage(_ context.Context, m chatsync.Message) (chatsync.Message, bool, error) {
	if s == nil {
		return chatsync.Message{}, false, errors.New("in-memory message store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := normalizeMessage(m, s.now())
	if err != nil {
		return chatsync.Message{}, false, errors.Wrap(err, "in-memory message store")
	}
	c, ok := s.convs[m.ConversationID]
	if !ok {
		return chatsync.Message{}, false, errors.Wrapf(ErrConversationNotFound, "append to %s", m.ConversationID)
	}
	if m.LocalID != "" {
		if idx, ok := c.byLocal[m.LocalID]; ok {
			return c.messages[idx], false, nil
		}
	}

	c.messages = append(c.messages, m)
	if len(c.messages) > s.maxMessagesPerConv {
		c.messages = append([]chatsync.Message(nil), c.messages[len(c.messages)-s.maxMessagesPerConv:]...)
		c.reindex()
	} else if m.LocalID != "" {
		c.byLocal[m.LocalID] = len(c.messages) - 1
	}
	c.record.MessageCount = len(c.messages)
	if m.CreatedAt.After(c.record.LastActivity) {
		c.record.LastActivity = m.CreatedAt
	}
	return m, true, nil
}

func (s *InMemoryMessageStore) ListMessages(_ context.Context, convID string, limit int) ([]chatsync.Message, error) {
	if s == nil {
		return nil, errors.New("in-memory message store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[strings.TrimSpace(convID)]
	if !ok {
		return nil, errors.Wrapf(ErrConversationNotFound, "list %s", convID)
	}
	msgs := c.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]chatsync.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (c *inMemConversation) reindex() {
	c.byLocal = make(map[string]int, len(c.messages))
	for i, m := range c.messages {
		if m.LocalID != "" {
			c.byLocal[m.LocalID] = i
		}
	}
}
