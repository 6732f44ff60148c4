package cmds

import (
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/go-go-golems/chatsync/pkg/ui"
)

func newChatCommand(a *app) *cobra.Command {
	var (
		conversationID string
		plain          bool
	)
	cmd := &cobra.Command{
		Use:         "chat",
		Short:       "Interactive chat in the terminal",
		Annotations: map[string]string{annotationTUI: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("chat needs a terminal; use send or tail instead")
			}
			ctx := cmd.Context()
			s, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			if conversationID != "" {
				// A failed history load still opens the conversation; the UI offers a reload.
				if err := s.sync.OpenConversation(ctx, conversationID); err != nil {
					log.Warn().Err(err).Str("conv_id", conversationID).Msg("open conversation")
				}
			}
			var opts []ui.Option
			if !plain {
				opts = append(opts, ui.WithMarkdown(ui.GlamourMarkdown()))
			}
			return ui.Run(ctx, s.sync, opts...)
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "conversation to open (a new one is created on first send otherwise)")
	cmd.Flags().BoolVar(&plain, "plain", false, "show replies as plain text instead of rendered markdown")
	return cmd
}
