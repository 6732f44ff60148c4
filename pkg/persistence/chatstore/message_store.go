// Package chatstore persists conversations and their messages for the reference chat server.
package chatstore

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRecord is a stored conversation with its activity timestamp.
type ConversationRecord struct {
	chatsync.Conversation
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
}

// MessageStore keeps conversations and their ordered messages.
//
// AppendMessage is idempotent on (conversation, local id): re-sending a message with the same
// local id returns the stored copy with created == false.
type MessageStore interface {
	CreateConversation(ctx context.Context, title string) (chatsync.Conversation, error)
	GetConversation(ctx context.Context, convID string) (ConversationRecord, bool, error)
	ListConversations(ctx context.Context, limit int) ([]ConversationRecord, error)
	AppendMessage(ctx context.Context, m chatsync.Message) (stored chatsync.Message, created bool, err error)
	ListMessages(ctx context.Context, convID string, limit int) ([]chatsync.Message, error)
	Close() error
}

// normalizeMessage validates m and fills the server-owned fields.
func normalizeMessage(m chatsync.Message, now time.Time) (chatsync.Message, error) {
	m.ConversationID = strings.TrimSpace(m.ConversationID)
	if m.ConversationID == "" {
		return chatsync.Message{}, errors.New("message conversation id is empty")
	}
	switch m.SenderType {
	case chatsync.SenderUser, chatsync.SenderAssistant:
	case "":
		m.SenderType = chatsync.SenderUser
	default:
		return chatsync.Message{}, errors.Errorf("unknown sender type %q", m.SenderType)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.Status = ""
	return m, nil
}

func newConversation(title string, now time.Time) chatsync.Conversation {
	return chatsync.Conversation{
		ID:        uuid.NewString(),
		Title:     strings.TrimSpace(title),
		CreatedAt: now.UTC(),
	}
}
