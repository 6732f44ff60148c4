package cmds

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/restapi"
)

func newConversationsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations on the server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := restapi.New(a.cfg.Client.ServerURL,
				restapi.WithToken(a.cfg.Client.Token),
				restapi.WithTimeout(a.cfg.Client.RequestTimeout))
			if err != nil {
				return err
			}
			convs, err := api.ListConversations(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tCREATED\tTITLE")
			for _, c := range convs {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.CreatedAt.Local().Format("2006-01-02 15:04"), c.Title)
			}
			return tw.Flush()
		},
	}
}
