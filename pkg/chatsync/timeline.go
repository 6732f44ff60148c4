package chatsync

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Timeline is the ordered, de-duplicated message list of one conversation.
//
// Two entries are the same message when their LocalID matches or both carry the same ID.
// It is not safe for concurrent use; the Synchronizer serializes access.
type Timeline struct {
	conversationID string
	log            zerolog.Logger
	now            func() time.Time
	newID          func() string

	messages []Message
}

// NewTimeline returns an empty timeline for conversationID. A nil now uses time.Now.
func NewTimeline(conversationID string, logger zerolog.Logger, now func() time.Time) *Timeline {
	if now == nil {
		now = time.Now
	}
	return &Timeline{
		conversationID: conversationID,
		log:            logger,
		now:            now,
		newID:          uuid.NewString,
	}
}

// Seed replaces the timeline with server history.
//
// Local entries that no history entry matches by local id or server id stay at the tail, in
// their order, whatever their status. History can lag behind live events, so a reply that
// finished before the response arrived is kept even though the response lacks it.
func (t *Timeline) Seed(history []Message) {
	next := make([]Message, 0, len(history)+len(t.messages))
	for _, m := range history {
		m = t.normalizeServer(m)
		if indexOf(next, m) >= 0 {
			t.log.Debug().Str("conv_id", t.conversationID).Str("id", m.ID).Msg("duplicate message in history, skipping")
			continue
		}
		next = append(next, m)
	}
	for _, m := range t.messages {
		if indexOf(next, m) >= 0 {
			continue
		}
		next = append(next, m)
	}
	t.messages = next
}

// AppendOptimistic adds a pending message at the tail and returns its local id.
func (t *Timeline) AppendOptimistic(content string, sender SenderType) string {
	localID := t.newID()
	t.messages = append(t.messages, Message{
		LocalID:        localID,
		ConversationID: t.conversationID,
		SenderType:     sender,
		Content:        content,
		CreatedAt:      t.now(),
		Status:         StatusPending,
	})
	return localID
}

// Confirm applies the server's canonical fields to the optimistic message with localID.
// Confirmations for unknown local ids are dropped and reported as false.
func (t *Timeline) Confirm(localID string, server Message) bool {
	idx := t.indexByLocalID(localID)
	if idx < 0 {
		t.log.Debug().Str("conv_id", t.conversationID).Str("local_id", localID).Msg("confirmation for unknown message dropped")
		return false
	}
	if server.ID != "" {
		idx = t.removeOthersWithID(server.ID, idx)
	}
	m := &t.messages[idx]
	m.ID = server.ID
	if !server.CreatedAt.IsZero() {
		m.CreatedAt = server.CreatedAt
	}
	if server.Content != "" {
		m.Content = server.Content
	}
	m.Status = StatusConfirmed
	return true
}

// BeginStreamingPlaceholder adds an empty streaming message at the tail. Any other streaming
// entry is dropped first: a timeline holds at most one.
func (t *Timeline) BeginStreamingPlaceholder(sender SenderType) string {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].Status == StatusStreaming {
			t.log.Warn().Str("conv_id", t.conversationID).Str("local_id", t.messages[i].LocalID).Msg("dropping unfinished streaming placeholder")
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
		}
	}
	localID := t.newID()
	t.messages = append(t.messages, Message{
		LocalID:        localID,
		ConversationID: t.conversationID,
		SenderType:     sender,
		CreatedAt:      t.now(),
		Status:         StatusStreaming,
	})
	return localID
}

// FinalizeStreaming turns the placeholder into a confirmed message with finalText. serverID is
// optional; when set, a server-pushed copy with the same id is folded into the placeholder.
func (t *Timeline) FinalizeStreaming(localID, finalText, serverID string) bool {
	idx := t.indexByLocalID(localID)
	if idx < 0 || t.messages[idx].Status != StatusStreaming {
		return false
	}
	if serverID != "" {
		idx = t.removeOthersWithID(serverID, idx)
		t.messages[idx].ID = serverID
	}
	t.messages[idx].Content = finalText
	t.messages[idx].Status = StatusConfirmed
	return true
}

// Discard removes the entry with localID.
func (t *Timeline) Discard(localID string) bool {
	idx := t.indexByLocalID(localID)
	if idx < 0 {
		return false
	}
	t.messages = append(t.messages[:idx], t.messages[idx+1:]...)
	return true
}

// MarkFailed flags a pending send as failed. The message stays visible.
func (t *Timeline) MarkFailed(localID string) bool {
	return t.transition(localID, StatusPending, StatusFailed)
}

// MarkPending moves a failed send back to pending before a retry.
func (t *Timeline) MarkPending(localID string) bool {
	return t.transition(localID, StatusFailed, StatusPending)
}

// Merge folds a server-pushed message into the timeline and returns its local id. A message
// that matches an existing entry updates it in place; anything else is appended.
func (t *Timeline) Merge(server Message) (string, bool) {
	server = t.normalizeServer(server)
	if idx := indexOf(t.messages, server); idx >= 0 {
		existing := &t.messages[idx]
		if existing.Status == StatusStreaming {
			return existing.LocalID, false
		}
		if server.ID != "" {
			idx = t.removeOthersWithID(server.ID, idx)
			existing = &t.messages[idx]
			existing.ID = server.ID
		}
		if !server.CreatedAt.IsZero() {
			existing.CreatedAt = server.CreatedAt
		}
		if server.Content != "" {
			existing.Content = server.Content
		}
		existing.Status = StatusConfirmed
		return existing.LocalID, false
	}
	t.messages = append(t.messages, server)
	return server.LocalID, true
}

// Find returns a copy of the entry with localID.
func (t *Timeline) Find(localID string) (Message, bool) {
	idx := t.indexByLocalID(localID)
	if idx < 0 {
		return Message{}, false
	}
	return t.messages[idx], true
}

// Messages returns a copy of the ordered entries.
func (t *Timeline) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of entries.
func (t *Timeline) Len() int { return len(t.messages) }

// Reset drops every entry.
func (t *Timeline) Reset() { t.messages = nil }

func (t *Timeline) transition(localID string, from, to Status) bool {
	idx := t.indexByLocalID(localID)
	if idx < 0 || t.messages[idx].Status != from {
		return false
	}
	t.messages[idx].Status = to
	return true
}

func (t *Timeline) indexByLocalID(localID string) int {
	if localID == "" {
		return -1
	}
	for i := range t.messages {
		if t.messages[i].LocalID == localID {
			return i
		}
	}
	return -1
}

// removeOthersWithID removes every entry other than keep that carries id, returning the new
// index of keep.
func (t *Timeline) removeOthersWithID(id string, keep int) int {
	out := t.messages[:0]
	newKeep := keep
	for i, m := range t.messages {
		if i != keep && m.ID == id {
			t.log.Debug().Str("conv_id", t.conversationID).Str("id", id).Msg("folding duplicate copy of message")
			if i < keep {
				newKeep--
			}
			continue
		}
		out = append(out, m)
	}
	t.messages = out
	return newKeep
}

func (t *Timeline) normalizeServer(m Message) Message {
	if m.LocalID == "" {
		if m.ID != "" {
			m.LocalID = "srv-" + m.ID
		} else {
			m.LocalID = t.newID()
		}
	}
	if m.ConversationID == "" {
		m.ConversationID = t.conversationID
	}
	m.Status = StatusConfirmed
	return m
}

func indexOf(messages []Message, m Message) int {
	for i := range messages {
		if messages[i].SameAs(m) {
			return i
		}
	}
	return -1
}
