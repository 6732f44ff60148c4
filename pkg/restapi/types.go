// Package restapi is the REST surface of the chat backend: request/response bodies shared by
// the client and the reference server, and an HTTP client implementing chatsync.API.
package restapi

import "github.com/go-go-golems/chatsync/pkg/chatsync"

type CreateMessageRequest struct {
	Content string `json:"content"`
	LocalID string `json:"local_id,omitempty"`
}

type CreateConversationRequest struct {
	Title string `json:"title,omitempty"`
}

type MessagesResponse struct {
	Messages []chatsync.Message `json:"messages"`
}

type ConversationsResponse struct {
	Conversations []chatsync.Conversation `json:"conversations"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// TitleFromContent derives a conversation title from the first message.
func TitleFromContent(content string) string {
	const max = 48
	r := []rune(content)
	for i, c := range r {
		if c == '\n' {
			r = r[:i]
			break
		}
	}
	if len(r) > max {
		return string(r[:max]) + "…"
	}
	return string(r)
}
