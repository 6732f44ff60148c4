package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
	"github.com/go-go-golems/chatsync/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
	"github.com/go-go-golems/chatsync/pkg/restapi"
	"github.com/go-go-golems/chatsync/pkg/transport/pubsub"
	"github.com/go-go-golems/chatsync/pkg/transport/wsclient"
)

type testEnv struct {
	srv   *Server
	http  *httptest.Server
	store chatstore.MessageStore
	ps    *redisstream.PubSub
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	nop := zerolog.Nop()
	store := chatstore.NewInMemoryMessageStore(0)
	ps := redisstream.NewInProcess(watermill.NopLogger{})
	opts := Options{
		Store:             store,
		Publisher:         ps.Publisher,
		Subscriber:        ps.Subscriber,
		EndCarriesContent: true,
		SendRPS:           100,
		SendBurst:         100,
		Logger:            &nop,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := New(opts)
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
		_ = ps.Close()
	})
	return &testEnv{srv: srv, http: hs, store: store, ps: ps}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.http.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func settled(want int) func(chatsync.Snapshot) bool {
	return func(s chatsync.Snapshot) bool {
		if len(s.Timeline) != want || s.IsStreaming {
			return false
		}
		for _, m := range s.Timeline {
			if m.Status != chatsync.StatusConfirmed {
				return false
			}
		}
		return true
	}
}

func TestServer_WebsocketRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conv, err := env.store.CreateConversation(ctx, "greeting")
	require.NoError(t, err)

	ws, err := wsclient.Dial(ctx, env.wsURL(), wsclient.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()
	api, err := restapi.New(env.http.URL, restapi.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	s, err := chatsync.New(api, ws, chatsync.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	require.NoError(t, s.OpenConversation(ctx, conv.ID))
	channel := chatsync.ChannelName(conv.ID)
	require.Eventually(t, func() bool { return env.srv.Hub().Subscribers(channel) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Send(ctx, "hello there world"))
	snap, err := s.WaitFor(ctx, settled(2))
	require.NoError(t, err)
	require.Equal(t, chatsync.StateOpen, snap.State)
	require.True(t, snap.LiveUpdates)
	require.Equal(t, chatsync.SenderUser, snap.Timeline[0].SenderType)
	require.Equal(t, "hello there world", snap.Timeline[0].Content)
	require.Equal(t, chatsync.SenderAssistant, snap.Timeline[1].SenderType)
	require.Equal(t, "You said: hello there world", snap.Timeline[1].Content)

	stored, err := env.store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Equal(t, stored[0].ID, snap.Timeline[0].ID)
	require.Equal(t, stored[1].ID, snap.Timeline[1].ID)

	// Reopening from history gives the same conversation.
	s.CloseConversation()
	require.Eventually(t, func() bool { return env.srv.Hub().Subscribers(channel) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.OpenConversation(ctx, conv.ID))
	again := s.Snapshot()
	require.Len(t, again.Timeline, 2)
	require.Equal(t, snap.Timeline[0].ID, again.Timeline[0].ID)
	require.Equal(t, snap.Timeline[1].Content, again.Timeline[1].Content)
}

func TestServer_InProcessTransportWithoutEndContent(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.EndCarriesContent = false
		o.ChunkDelay = time.Millisecond
		o.Reply = func(string) string { return "one two three" }
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tr := pubsub.New(env.ps.Subscriber, pubsub.WithLogger(zerolog.Nop()))
	defer func() { _ = tr.Close() }()
	api, err := restapi.New(env.http.URL, restapi.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	s, err := chatsync.New(api, tr, chatsync.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	// No conversation yet: the first send creates one.
	require.NoError(t, s.Send(ctx, "start"))
	require.NotEmpty(t, s.ConversationID())
	snap, err := s.WaitFor(ctx, settled(2))
	require.NoError(t, err)
	require.Equal(t, "one two three", snap.Timeline[1].Content)
	require.NotEmpty(t, snap.Timeline[1].ID)

	convs, err := api.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, "start", convs[0].Title)
}

func TestServer_CreateMessageStatuses(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.SendRPS = 0.001
		o.SendBurst = 2
		o.Reply = func(string) string { return "ok" }
	})
	conv, err := env.store.CreateConversation(context.Background(), "")
	require.NoError(t, err)
	path := "/api/conversations/" + conv.ID + "/messages"

	resp := env.post(t, "/api/conversations/missing/messages", restapi.CreateMessageRequest{Content: "x"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.post(t, path, restapi.CreateMessageRequest{Content: "   "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.post(t, path, restapi.CreateMessageRequest{Content: "hi", LocalID: "l1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first chatsync.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))
	require.NotEmpty(t, first.ID)
	require.Equal(t, "l1", first.LocalID)

	resp = env.post(t, path, restapi.CreateMessageRequest{Content: "hi", LocalID: "l1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again chatsync.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&again))
	require.Equal(t, first.ID, again.ID)

	resp = env.post(t, path, restapi.CreateMessageRequest{Content: "more"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestServer_ListMessagesAndHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.http.URL + "/api/conversations/nope/messages")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.post(t, "/api/conversations", restapi.CreateConversationRequest{Title: "t"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var conv chatsync.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conv))
	require.NotEmpty(t, conv.ID)

	resp, err = http.Get(env.http.URL + "/api/conversations/" + conv.ID + "/messages")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"messages":[]}`, string(b))

	h, err := http.Get(env.http.URL + "/healthz")
	require.NoError(t, err)
	_ = h.Body.Close()
	require.Equal(t, http.StatusOK, h.StatusCode)
}

func TestServer_MetricsExposed(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Reply = func(string) string { return "a b" } })
	ctx := context.Background()
	conv, err := env.store.CreateConversation(ctx, "")
	require.NoError(t, err)
	resp := env.post(t, "/api/conversations/"+conv.ID+"/messages", restapi.CreateMessageRequest{Content: "hi"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Eventually(t, func() bool {
		msgs, _ := env.store.ListMessages(ctx, conv.ID, 0)
		return len(msgs) == 2
	}, 5*time.Second, 10*time.Millisecond)

	m, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = m.Body.Close() }()
	b, err := io.ReadAll(m.Body)
	require.NoError(t, err)
	require.Contains(t, string(b), `chatsync_messages_stored_total{sender="user"} 1`)
	require.Contains(t, string(b), "chatsync_chunks_published_total 2")
}
