package cli

import (
	"github.com/spf13/cobra"

	"github.com/Chachamaru127/harness-mem/internal/models"
)

func newReindexCmd(f *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Re-embed observations missing current vectors and rebuild the lexical index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := f.openLocal(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.Reindex(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), models.NewResponse(res, nil, nil))
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "Max observations to re-embed (default 500)")
	return cmd
}

func newRetryCmd(f *rootFlags) *cobra.Command {
	retry := &cobra.Command{
		Use:   "retry",
		Short: "Inspect and replay the retry queue",
	}
	retry.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Replay every due retry row once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := f.openLocal(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			stats, err := svc.DrainRetries(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), models.NewResponse(stats, nil, nil))
		},
	})
	return retry
}
