package chatsync

import (
	"context"
	"encoding/json"
)

// EventHandler receives the raw data of one named event.
type EventHandler func(data json.RawMessage)

// Transport is a persistent channel with joinable named channels and named events.
//
// Implementations must deliver the events of one channel from a single goroutine, in the order
// they were received, and must not block in Leave waiting for in-flight handlers.
type Transport interface {
	Connected() bool
	Join(channel string) error
	Leave(channel string) error
	On(channel, event string, h EventHandler) (off func())
}

// API is the REST collaborator used for history and persistence.
type API interface {
	FetchHistory(ctx context.Context, conversationID string) ([]Message, error)
	CreateMessage(ctx context.Context, conversationID, content, localID string) (Message, error)
	CreateConversation(ctx context.Context, initialContent string) (Conversation, error)
}
