package cmds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
)

func newSendCommand(a *app) *cobra.Command {
	var (
		conversationID string
		timeout        time.Duration
		noWait         bool
	)
	cmd := &cobra.Command{
		Use:   "send TEXT...",
		Short: "Send one message and print the streamed reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if conversationID != "" {
				if err := s.sync.OpenConversation(ctx, conversationID); err != nil {
					return err
				}
			}
			before := len(s.sync.Snapshot().Timeline)
			if err := s.sync.Send(ctx, strings.Join(args, " ")); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if noWait {
				_, _ = fmt.Fprintln(out, s.sync.ConversationID())
				return nil
			}

			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			reply, err := waitForReply(waitCtx, s.sync, before)
			if err != nil {
				return errors.Wrap(err, "waiting for reply")
			}
			_, _ = fmt.Fprintln(out, reply.Content)
			return nil
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "conversation to send to (a new one is created otherwise)")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long to wait for the reply")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "print the conversation id and exit once the message is stored")
	return cmd
}

// replyAfter reports the first settled assistant message past index from.
func replyAfter(snap chatsync.Snapshot, from int) (chatsync.Message, bool) {
	if snap.IsStreaming {
		return chatsync.Message{}, false
	}
	for i := from; i < len(snap.Timeline); i++ {
		m := snap.Timeline[i]
		if m.SenderType == chatsync.SenderAssistant && m.Status == chatsync.StatusConfirmed {
			return m, true
		}
	}
	return chatsync.Message{}, false
}

// waitForReply watches live events when there are any and polls history otherwise.
func waitForReply(ctx context.Context, s *chatsync.Synchronizer, from int) (chatsync.Message, error) {
	if s.Snapshot().LiveUpdates {
		snap, err := s.WaitFor(ctx, func(snap chatsync.Snapshot) bool {
			_, ok := replyAfter(snap, from)
			return ok
		})
		if err != nil {
			return chatsync.Message{}, err
		}
		m, _ := replyAfter(snap, from)
		return m, nil
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m, ok := replyAfter(s.Snapshot(), from); ok {
			return m, nil
		}
		select {
		case <-ctx.Done():
			return chatsync.Message{}, ctx.Err()
		case <-ticker.C:
			if err := s.RetryHistory(ctx); err != nil && !errors.Is(err, chatsync.ErrStale) {
				return chatsync.Message{}, err
			}
		}
	}
}
