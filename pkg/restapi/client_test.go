package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestClient_FetchHistory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/conversations/42/messages", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(MessagesResponse{Messages: []chatsync.Message{
			{ID: "1", SenderType: chatsync.SenderUser, Content: "hi"},
		}})
	}, WithToken("secret"))

	msgs, err := c.FetchHistory(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hi", msgs[0].Content)
}

func TestClient_CreateMessageSendsLocalID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req CreateMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "how are you", req.Content)
		require.Equal(t, "l-1", req.LocalID)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(chatsync.Message{ID: "2", LocalID: req.LocalID, Content: req.Content, SenderType: chatsync.SenderUser})
	})

	m, err := c.CreateMessage(context.Background(), "42", "how are you", "l-1")
	require.NoError(t, err)
	require.Equal(t, "2", m.ID)
	require.Equal(t, "l-1", m.LocalID)
}

func TestClient_CreateConversationUsesTitle(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/conversations", r.URL.Path)
		var req CreateConversationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "first line", req.Title)
		_ = json.NewEncoder(w).Encode(chatsync.Conversation{ID: "c9", Title: req.Title})
	})

	conv, err := c.CreateConversation(context.Background(), "first line\nsecond line")
	require.NoError(t, err)
	require.Equal(t, "c9", conv.ID)
}

func TestClient_StatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "conversation not found"})
	})

	_, err := c.FetchHistory(context.Background(), "missing")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusNotFound, se.StatusCode)
	require.Equal(t, "conversation not found", se.Message)
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithTimeout(20*time.Millisecond))
	defer close(release)

	_, err := c.FetchHistory(context.Background(), "42")
	require.Error(t, err)
}

func TestNew_RejectsRelativeURL(t *testing.T) {
	_, err := New("/api")
	require.Error(t, err)
}

func TestTitleFromContent(t *testing.T) {
	require.Equal(t, "hello", TitleFromContent("hello"))
	long := "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyz"
	require.Equal(t, long[:48]+"…", TitleFromContent(long))
}
