// Package cli implements the harness-mem commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Chachamaru127/harness-mem/internal/config"
	"github.com/Chachamaru127/harness-mem/internal/memory"
)

type rootFlags struct {
	configPath string
	dbPath     string
	version    string
}

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	f := &rootFlags{version: version}
	root := &cobra.Command{
		Use:           "harness-mem",
		Short:         "Persistent memory for coding-agent sessions",
		Long:          "Records agent session events into SQLite and serves hybrid search, feeds and live streams over HTTP and MCP.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "YAML config file (default: $HARNESS_MEM_CONFIG)")
	root.PersistentFlags().StringVarP(&f.dbPath, "db", "d", "", "Database path (default: $HARNESS_MEM_DB or ~/.harness-mem/harness-mem.db)")

	root.AddCommand(
		newServeCmd(f),
		newMCPCmd(f),
		newSearchCmd(f),
		newFeedCmd(f),
		newReindexCmd(f),
		newRetryCmd(f),
		newVersionCmd(f),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context, version string) int {
	if err := NewRootCmd(version).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func (f *rootFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.dbPath != "" {
		cfg.DBPath = f.dbPath
	}
	return cfg, nil
}

// newLogger builds the JSON logger for level (debug|info|warn|error).
func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}

// openLocal opens the service for one-shot commands. Logs go to stderr at
// warn so stdout stays machine-readable.
func (f *rootFlags) openLocal(cmd *cobra.Command) (*memory.Service, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if level != "debug" {
		level = "warn"
	}
	svc, err := memory.Open(cmd.Context(), cfg, newLogger(cmd.ErrOrStderr(), level))
	if err != nil {
		return nil, fmt.Errorf("open service: %w", err)
	}
	return svc, nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func newVersionCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "harness-mem", f.version)
			return err
		},
	}
}
