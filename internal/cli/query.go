package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/Chachamaru127/harness-mem/internal/feed"
	"github.com/Chachamaru127/harness-mem/internal/models"
	"github.com/Chachamaru127/harness-mem/internal/search"
)

type filterFlags struct {
	project        string
	sessionID      string
	eventType      string
	includePrivate bool
	limit          int
}

func (ff *filterFlags) register(cmd *cobra.Command, defaultLimit int) {
	cmd.Flags().StringVarP(&ff.project, "project", "p", "", "Filter by project")
	cmd.Flags().StringVarP(&ff.sessionID, "session", "s", "", "Filter by session id")
	cmd.Flags().StringVarP(&ff.eventType, "type", "t", "", "Filter by event type")
	cmd.Flags().BoolVar(&ff.includePrivate, "include-private", false, "Include private observations")
	cmd.Flags().IntVarP(&ff.limit, "limit", "l", defaultLimit, "Max results")
}

func (ff *filterFlags) filter() models.Filter {
	return models.Filter{
		Project:        ff.project,
		SessionID:      ff.sessionID,
		EventType:      ff.eventType,
		IncludePrivate: ff.includePrivate,
	}
}

func newSearchCmd(f *rootFlags) *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Hybrid search over observations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := f.openLocal(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.Search(cmd.Context(), search.Query{
				Text:   strings.Join(args, " "),
				Filter: ff.filter(),
				Limit:  ff.limit,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), models.NewResponse(res.Items, res.Meta, nil))
		},
	}
	ff.register(cmd, search.DefaultLimit)
	return cmd
}

func newFeedCmd(f *rootFlags) *cobra.Command {
	var ff filterFlags
	var cursor string
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "List observations newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := f.openLocal(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			page, err := svc.Feed(cmd.Context(), feed.FeedQuery{
				Cursor: cursor,
				Limit:  ff.limit,
				Filter: ff.filter(),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), models.NewResponse(page.Items, page.Meta, nil))
		},
	}
	ff.register(cmd, feed.DefaultFeedLimit)
	cmd.Flags().StringVar(&cursor, "cursor", "", "Cursor from a previous page's next_cursor")
	return cmd
}
