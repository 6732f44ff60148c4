package chatsync

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Inbound event names on a conversation channel.
const (
	EventStreamingStart = "streaming_start"
	EventStreamingChunk = "streaming_chunk"
	EventStreamingEnd   = "streaming_end"
	EventMessageCreated = "message_created"
)

// StreamChunkPayload is the data of a streaming_chunk event.
type StreamChunkPayload struct {
	Chunk string `json:"chunk"`
}

// StreamEndPayload is the data of a streaming_end event. Both fields are optional; some
// backends only signal completion.
type StreamEndPayload struct {
	Content   string `json:"content,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// MessageCreatedPayload carries a server-pushed copy of a stored message.
type MessageCreatedPayload struct {
	Message Message `json:"message"`
}

// decodePayload decodes event data into v. Empty and null payloads leave v untouched.
func decodePayload(data json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return errors.Wrap(err, "decode event payload")
	}
	return nil
}
