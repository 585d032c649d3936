package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dimhist/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Start the HTTP API: version queries, run bookkeeping, snapshot and
event ingestion, CSV export and Prometheus metrics.

Example:
  dimhist serve --config ./configs/config.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, rootOpts)
		},
	}
	return cmd
}

func runServe(cmd *cobra.Command, opts *RootOptions) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	app, err := loadApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.store.Ping(ctx); err != nil {
		return fmt.Errorf("store is not reachable: %w", err)
	}

	api := server.New(
		app.cfg.Dimension.Name,
		app.classifier,
		app.store,
		app.engine,
		app.ingest,
		app.exporter,
		app.logger,
		server.WithAllowedOrigins(app.cfg.Server.AllowedOrigins),
	)

	httpServer := &http.Server{
		Addr:         app.cfg.Server.Addr(),
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // exports stream large bodies
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info().Str("addr", httpServer.Addr).Str("dimension", app.cfg.Dimension.Name).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-quit:
		app.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	app.logger.Info().Msg("server exited")
	return nil
}
