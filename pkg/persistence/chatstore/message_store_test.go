package chatstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
)

func storesUnderTest(t *testing.T) map[string]MessageStore {
	t.Helper()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	sqlite, err := NewSQLiteMessageStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]MessageStore{
		"memory": NewInMemoryMessageStore(0),
		"sqlite": sqlite,
	}
}

func TestMessageStore_AppendAndList(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, err := s.CreateConversation(ctx, "  hello  ")
			require.NoError(t, err)
			require.NotEmpty(t, conv.ID)
			require.Equal(t, "hello", conv.Title)

			first, created, err := s.AppendMessage(ctx, chatsync.Message{
				ConversationID: conv.ID, LocalID: "l1", SenderType: chatsync.SenderUser, Content: "hi",
			})
			require.NoError(t, err)
			require.True(t, created)
			require.NotEmpty(t, first.ID)
			require.False(t, first.CreatedAt.IsZero())

			_, _, err = s.AppendMessage(ctx, chatsync.Message{
				ConversationID: conv.ID, SenderType: chatsync.SenderAssistant, Content: "hello back",
				CreatedAt: first.CreatedAt.Add(time.Second),
			})
			require.NoError(t, err)

			msgs, err := s.ListMessages(ctx, conv.ID, 0)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			require.Equal(t, "hi", msgs[0].Content)
			require.Equal(t, "l1", msgs[0].LocalID)
			require.Equal(t, chatsync.SenderAssistant, msgs[1].SenderType)

			last, err := s.ListMessages(ctx, conv.ID, 1)
			require.NoError(t, err)
			require.Len(t, last, 1)
			require.Equal(t, "hello back", last[0].Content)

			rec, ok, err := s.GetConversation(ctx, conv.ID)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, 2, rec.MessageCount)
		})
	}
}

func TestMessageStore_IdempotentOnLocalID(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, err := s.CreateConversation(ctx, "")
			require.NoError(t, err)

			in := chatsync.Message{ConversationID: conv.ID, LocalID: "retry-me", Content: "once"}
			first, created, err := s.AppendMessage(ctx, in)
			require.NoError(t, err)
			require.True(t, created)

			again, created, err := s.AppendMessage(ctx, in)
			require.NoError(t, err)
			require.False(t, created)
			require.Equal(t, first.ID, again.ID)

			msgs, err := s.ListMessages(ctx, conv.ID, 0)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
		})
	}
}

func TestMessageStore_Errors(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _, err := s.AppendMessage(ctx, chatsync.Message{ConversationID: "missing", Content: "x"})
			require.True(t, errors.Is(err, ErrConversationNotFound))

			_, _, err = s.AppendMessage(ctx, chatsync.Message{Content: "x"})
			require.Error(t, err)

			conv, err := s.CreateConversation(ctx, "t")
			require.NoError(t, err)
			_, _, err = s.AppendMessage(ctx, chatsync.Message{ConversationID: conv.ID, SenderType: "robot"})
			require.Error(t, err)

			_, err = s.ListMessages(ctx, "missing", 0)
			require.True(t, errors.Is(err, ErrConversationNotFound))

			_, ok, err := s.GetConversation(ctx, "missing")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestMessageStore_ListConversationsByActivity(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			older, err := s.CreateConversation(ctx, "older")
			require.NoError(t, err)
			newer, err := s.CreateConversation(ctx, "newer")
			require.NoError(t, err)

			_, _, err = s.AppendMessage(ctx, chatsync.Message{
				ConversationID: older.ID, Content: "bump", CreatedAt: time.Now().Add(time.Hour),
			})
			require.NoError(t, err)

			records, err := s.ListConversations(ctx, 10)
			require.NoError(t, err)
			require.Len(t, records, 2)
			require.Equal(t, older.ID, records[0].ID)
			require.Equal(t, newer.ID, records[1].ID)

			one, err := s.ListConversations(ctx, 1)
			require.NoError(t, err)
			require.Len(t, one, 1)
		})
	}
}

func TestInMemoryMessageStore_LimitKeepsNewest(t *testing.T) {
	s := NewInMemoryMessageStore(2)
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, "")
	require.NoError(t, err)
	for _, c := range []string{"a", "b", "c"} {
		_, _, err := s.AppendMessage(ctx, chatsync.Message{ConversationID: conv.ID, LocalID: "l-" + c, Content: c})
		require.NoError(t, err)
	}
	msgs, err := s.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, []string{msgs[0].Content, msgs[1].Content})

	// The local id index follows the trim.
	got, created, err := s.AppendMessage(ctx, chatsync.Message{ConversationID: conv.ID, LocalID: "l-c", Content: "c"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, msgs[1].ID, got.ID)
}

func TestSQLiteDSNForFile(t *testing.T) {
	_, err := SQLiteDSNForFile("")
	require.Error(t, err)
	dsn, err := SQLiteDSNForFile("/tmp/x.db")
	require.NoError(t, err)
	require.Contains(t, dsn, "_journal_mode=WAL")
	dsn, err = SQLiteDSNForFile("file::memory:?cache=shared")
	require.NoError(t, err)
	require.Equal(t, "file::memory:?cache=shared", dsn)
}
