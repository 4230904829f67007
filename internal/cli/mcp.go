package cli

import (
	"github.com/spf13/cobra"

	"github.com/Chachamaru127/harness-mem/internal/mcp"
)

func newMCPCmd(f *rootFlags) *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the MCP stdio tool server",
		Long:  "Serves memory tools over MCP on stdin/stdout, forwarding calls to a running harness-mem server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.loadConfig()
			if err != nil {
				return err
			}
			if serverURL == "" {
				serverURL = cfg.MemoryServerURL
			}
			// stdout carries the protocol; logs go to stderr.
			logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)

			srv := mcp.NewServer(serverURL, mcp.Options{
				APIKey:  cfg.APIKey,
				Version: f.version,
				Logger:  logger,
			})
			return srv.Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&serverURL, "url", "", "Memory server URL (default: $MEMORY_SERVER_URL)")
	return cmd
}
