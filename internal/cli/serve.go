package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Chachamaru127/harness-mem/internal/api"
	"github.com/Chachamaru127/harness-mem/internal/memory"
)

func newServeCmd(f *rootFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP memory server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.loadConfig()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Port = port
			}

			logger := newLogger(cmd.OutOrStdout(), cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := memory.Open(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("open service: %w", err)
			}
			svc.Start()

			router := api.NewRouter(svc, api.Options{
				APIKey:       cfg.APIKey,
				RateLimitRPM: cfg.RateLimitRPM,
				Logger:       logger,
			})

			addr := fmt.Sprintf(":%d", cfg.Port)
			srv := &http.Server{
				Addr:         addr,
				Handler:      router,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 60 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				logger.Info("memory server starting", "addr", addr, "db_path", cfg.DBPath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
			case serveErr = <-errc:
			}
			logger.Info("shutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown error", "error", err)
			}
			if err := svc.Close(); err != nil {
				logger.Error("close service", "error", err)
			}

			logger.Info("server stopped")
			return serveErr
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (default: $PORT or 37888)")
	return cmd
}
