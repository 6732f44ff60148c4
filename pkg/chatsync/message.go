package chatsync

import "time"

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderUser      SenderType = "user"
	SenderAssistant SenderType = "assistant"
)

// Status is the lifecycle status of a message in the timeline.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusStreaming Status = "streaming"
	StatusFailed    Status = "failed"
)

// Message is one conversational turn.
//
// ID is empty until the server confirms the message. LocalID is always set and is the
// de-duplication key until ID is known.
type Message struct {
	ID             string     `json:"id,omitempty"`
	LocalID        string     `json:"local_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	SenderType     SenderType `json:"sender_type"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	Status         Status     `json:"status,omitempty"`
}

// SameAs reports whether m and o denote the same logical message: either their local ids
// match, or both carry the same server id.
func (m Message) SameAs(o Message) bool {
	if m.LocalID != "" && m.LocalID == o.LocalID {
		return true
	}
	return m.ID != "" && m.ID == o.ID
}

// Conversation is the REST representation of a conversation.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChannelName returns the transport channel carrying events for a conversation.
func ChannelName(conversationID string) string { return "conversation:" + conversationID }
