package wsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/wire"
)

// echoServer acknowledges every join by sending the given frames on the joined channel.
func echoServer(t *testing.T, onJoin func(channel string) []wire.EventFrame) (*httptest.Server, chan wire.ControlFrame) {
	t.Helper()
	controls := make(chan wire.ControlFrame, 16)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := wire.DecodeControl(data)
			if err != nil {
				continue
			}
			controls <- f
			if f.Op != wire.OpJoin || onJoin == nil {
				continue
			}
			for _, ev := range onJoin(f.Channel) {
				b, _ := ev.Encode()
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, controls
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_JoinReceivesOrderedEvents(t *testing.T) {
	srv, controls := echoServer(t, func(channel string) []wire.EventFrame {
		var out []wire.EventFrame
		for _, c := range []string{"Hel", "lo, ", "world"} {
			f, _ := wire.NewEvent(channel, "streaming_chunk", map[string]string{"chunk": c})
			out = append(out, f)
		}
		// Events for other channels are not delivered.
		stray, _ := wire.NewEvent("conversation:other", "streaming_chunk", map[string]string{"chunk": "x"})
		return append(out, stray)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, wsURL(srv), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	require.True(t, c.Connected())

	got := make(chan string, 8)
	c.On("conversation:42", "streaming_chunk", func(data json.RawMessage) {
		var p struct {
			Chunk string `json:"chunk"`
		}
		_ = json.Unmarshal(data, &p)
		got <- p.Chunk
	})
	c.On("conversation:other", "streaming_chunk", func(json.RawMessage) { got <- "stray" })
	require.NoError(t, c.Join("conversation:42"))

	select {
	case f := <-controls:
		require.Equal(t, wire.ControlFrame{Op: wire.OpJoin, Channel: "conversation:42"}, f)
	case <-ctx.Done():
		t.Fatal("timeout waiting for join frame")
	}

	var chunks []string
	for len(chunks) < 3 {
		select {
		case s := <-got:
			chunks = append(chunks, s)
		case <-ctx.Done():
			t.Fatal("timeout waiting for chunks")
		}
	}
	require.Equal(t, []string{"Hel", "lo, ", "world"}, chunks)

	require.NoError(t, c.Leave("conversation:42"))
	select {
	case f := <-controls:
		require.Equal(t, wire.OpLeave, f.Op)
	case <-ctx.Done():
		t.Fatal("timeout waiting for leave frame")
	}
}

func TestClient_CloseDisconnects(t *testing.T) {
	srv, _ := echoServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, wsURL(srv), WithLogger(zerolog.Nop()), WithPingInterval(0))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.False(t, c.Connected())
	require.NoError(t, c.Err())
	require.ErrorIs(t, c.Join("conversation:1"), ErrClosed)
	require.NoError(t, c.Close())
}

func TestClient_ServerGoneMarksDisconnected(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Hang up without a close handshake.
		_ = conn.Close()
	}))
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, wsURL(srv), WithLogger(zerolog.Nop()), WithPingInterval(0))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("timeout waiting for read loop to stop")
	}
	require.False(t, c.Connected())
	require.Error(t, c.Err())
}

func TestDial_BadURL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/ws", WithLogger(zerolog.Nop()))
	require.Error(t, err)
}
