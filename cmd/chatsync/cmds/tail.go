package cmds

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
)

var (
	userColor      = color.New(color.FgCyan, color.Bold)
	assistantColor = color.New(color.FgMagenta, color.Bold)
	failedColor    = color.New(color.FgRed)
	dimColor       = color.New(color.Faint)
)

func newTailCommand(a *app) *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the messages of a conversation as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			updates, stop := s.sync.Watch()
			defer stop()
			if err := s.sync.OpenConversation(ctx, conversationID); err != nil {
				return err
			}
			p := newTailPrinter(cmd.OutOrStdout())
			if !s.sync.Snapshot().LiveUpdates {
				_, _ = dimColor.Fprintln(p.w, "(no live transport, showing history only)")
			}
			for {
				p.print(s.sync.Snapshot())
				select {
				case <-ctx.Done():
					return nil
				case <-updates:
				}
			}
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "conversation to follow")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

// tailPrinter prints each message once, when it settles.
type tailPrinter struct {
	w         io.Writer
	printed   map[string]chatsync.Status
	streaming bool
}

func newTailPrinter(w io.Writer) *tailPrinter {
	return &tailPrinter{w: w, printed: map[string]chatsync.Status{}}
}

func (p *tailPrinter) print(snap chatsync.Snapshot) {
	for _, m := range snap.Timeline {
		key := m.ID
		if key == "" {
			key = m.LocalID
		}
		switch m.Status {
		case chatsync.StatusConfirmed, chatsync.StatusFailed:
		default:
			continue
		}
		seen := p.printed[key] == m.Status || p.printed[m.LocalID] == m.Status
		p.printed[key] = m.Status
		p.printed[m.LocalID] = m.Status
		if !seen {
			p.line(m)
		}
	}
	if snap.IsStreaming && !p.streaming {
		_, _ = dimColor.Fprintln(p.w, "assistant is typing…")
	}
	p.streaming = snap.IsStreaming
}

func (p *tailPrinter) line(m chatsync.Message) {
	who := userColor.Sprint("you")
	if m.SenderType == chatsync.SenderAssistant {
		who = assistantColor.Sprint("assistant")
	}
	ts := dimColor.Sprint(m.CreatedAt.Local().Format("15:04:05"))
	if m.Status == chatsync.StatusFailed {
		_, _ = fmt.Fprintf(p.w, "%s %s: %s %s\n", ts, who, m.Content, failedColor.Sprint("(not sent)"))
		return
	}
	_, _ = fmt.Fprintf(p.w, "%s %s: %s\n", ts, who, m.Content)
}
