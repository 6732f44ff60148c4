package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
	"github.com/go-go-golems/chatsync/pkg/wire"
)

func newGoChannel(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	gc := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            16,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NopLogger{})
	t.Cleanup(func() { _ = gc.Close() })
	return gc
}

func recvChunk(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return ""
	}
}

func TestTransport_DeliversInOrder(t *testing.T) {
	gc := newGoChannel(t)
	tr := New(gc, WithLogger(zerolog.Nop()))
	defer func() { _ = tr.Close() }()

	channel := chatsync.ChannelName("42")
	got := make(chan string, 8)
	tr.On(channel, chatsync.EventStreamingChunk, func(data json.RawMessage) {
		var p chatsync.StreamChunkPayload
		_ = json.Unmarshal(data, &p)
		got <- p.Chunk
	})
	require.True(t, tr.Connected())
	require.NoError(t, tr.Join(channel))
	require.NoError(t, tr.Join(channel))

	for _, c := range []string{"Hel", "lo, ", "world"} {
		require.NoError(t, Publish(gc, channel, chatsync.EventStreamingChunk, chatsync.StreamChunkPayload{Chunk: c}))
	}
	require.Equal(t, "Hel", recvChunk(t, got))
	require.Equal(t, "lo, ", recvChunk(t, got))
	require.Equal(t, "world", recvChunk(t, got))
}

func TestTransport_UndecodableMessageIsSkipped(t *testing.T) {
	gc := newGoChannel(t)
	tr := New(gc, WithLogger(zerolog.Nop()))
	defer func() { _ = tr.Close() }()

	channel := chatsync.ChannelName("1")
	got := make(chan string, 4)
	tr.On(channel, chatsync.EventStreamingStart, func(json.RawMessage) { got <- "start" })
	require.NoError(t, tr.Join(channel))

	require.NoError(t, gc.Publish(channel, message.NewMessage(watermill.NewUUID(), []byte("garbage"))))
	require.NoError(t, Publish(gc, channel, chatsync.EventStreamingStart, nil))
	require.Equal(t, "start", recvChunk(t, got))
}

func TestTransport_LeaveStopsDelivery(t *testing.T) {
	gc := newGoChannel(t)
	tr := New(gc, WithLogger(zerolog.Nop()))
	defer func() { _ = tr.Close() }()

	channel := chatsync.ChannelName("1")
	got := make(chan string, 4)
	tr.On(channel, chatsync.EventStreamingStart, func(json.RawMessage) { got <- "start" })
	require.NoError(t, tr.Join(channel))
	require.NoError(t, tr.Leave(channel))

	done := make(chan error, 1)
	go func() { done <- Publish(gc, channel, chatsync.EventStreamingStart, nil) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked after leave")
	}
	select {
	case <-got:
		t.Fatal("event delivered after leave")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransport_RejoinDropsEventsFromOldConsumer(t *testing.T) {
	gc := newGoChannel(t)
	tr := New(gc, WithLogger(zerolog.Nop()))
	defer func() { _ = tr.Close() }()

	channel := chatsync.ChannelName("1")
	require.NoError(t, tr.Join(channel))
	tr.mu.Lock()
	old := tr.consumers[channel]
	tr.mu.Unlock()
	require.NoError(t, tr.Leave(channel))
	require.NoError(t, tr.Join(channel))
	tr.mu.Lock()
	fresh := tr.consumers[channel]
	tr.mu.Unlock()
	require.NotSame(t, old, fresh)

	var got []string
	tr.On(channel, chatsync.EventStreamingChunk, func(data json.RawMessage) {
		var p chatsync.StreamChunkPayload
		_ = json.Unmarshal(data, &p)
		got = append(got, p.Chunk)
	})
	frame := func(chunk string) *message.Message {
		f, err := wire.NewEvent(channel, chatsync.EventStreamingChunk, chatsync.StreamChunkPayload{Chunk: chunk})
		require.NoError(t, err)
		b, err := f.Encode()
		require.NoError(t, err)
		return message.NewMessage(watermill.NewUUID(), b)
	}

	// An event the old consumer was still holding when the channel was left and joined again.
	tr.handle(old, frame("stale"))
	tr.handle(fresh, frame("live"))
	require.Equal(t, []string{"live"}, got)
}

func TestTransport_ClosedRejectsJoin(t *testing.T) {
	tr := New(newGoChannel(t), WithLogger(zerolog.Nop()))
	require.NoError(t, tr.Close())
	require.False(t, tr.Connected())
	require.ErrorIs(t, tr.Join("conversation:1"), ErrClosed)
	require.NoError(t, tr.Close())

	require.False(t, New(nil).Connected())
}

func TestTransport_DrivesSynchronizer(t *testing.T) {
	gc := newGoChannel(t)
	tr := New(gc, WithLogger(zerolog.Nop()))
	defer func() { _ = tr.Close() }()

	s, err := chatsync.New(stubAPI{}, tr, chatsync.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.OpenConversation(ctx, "7"))

	channel := chatsync.ChannelName("7")
	require.NoError(t, Publish(gc, channel, chatsync.EventStreamingStart, nil))
	require.NoError(t, Publish(gc, channel, chatsync.EventStreamingChunk, chatsync.StreamChunkPayload{Chunk: "Hello"}))
	require.NoError(t, Publish(gc, channel, chatsync.EventStreamingEnd, chatsync.StreamEndPayload{MessageID: "a1"}))

	snap, err := s.WaitFor(ctx, func(sn chatsync.Snapshot) bool {
		return len(sn.Timeline) == 1 && sn.Timeline[0].Status == chatsync.StatusConfirmed
	})
	require.NoError(t, err)
	require.Equal(t, "Hello", snap.Timeline[0].Content)
	require.Equal(t, "a1", snap.Timeline[0].ID)
}

type stubAPI struct{}

func (stubAPI) FetchHistory(context.Context, string) ([]chatsync.Message, error) { return nil, nil }

func (stubAPI) CreateMessage(_ context.Context, convID, content, localID string) (chatsync.Message, error) {
	return chatsync.Message{ID: "m-" + localID, LocalID: localID, ConversationID: convID, Content: content}, nil
}

func (stubAPI) CreateConversation(context.Context, string) (chatsync.Conversation, error) {
	return chatsync.Conversation{ID: "new"}, nil
}
