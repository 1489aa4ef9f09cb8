package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinyes/pairsync/pkg/snapshot"
	"github.com/shinyes/pairsync/pkg/transport/wsrelay"
)

const shutdownTimeout = 5 * time.Second

// serve runs handler on addr until ctx is cancelled.
func serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newRelayCmd(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the websocket session relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if listen != "" {
				cfg.Relay.Listen = listen
			}
			logger := opts.logger.With("component", "relay")

			relay := wsrelay.NewServer(
				wsrelay.WithRateLimit(cfg.Relay.Rate, cfg.Relay.Burst),
				wsrelay.WithServerLogger(logger),
			)
			defer relay.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return serve(ctx, cfg.Relay.Listen, relay, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides relay.listen)")
	return cmd
}

func newSnapshotdCmd(opts *rootOptions) *cobra.Command {
	var listen, driver, dsn string

	cmd := &cobra.Command{
		Use:   "snapshotd",
		Short: "Run the reference snapshot service over SQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if listen != "" {
				cfg.Snapshot.Listen = listen
			}
			if driver != "" {
				cfg.Snapshot.Driver = driver
			}
			if dsn != "" {
				cfg.Snapshot.DSN = dsn
			}
			logger := opts.logger.With("component", "snapshotd")

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			store, err := snapshot.OpenSQL(ctx, cfg.Snapshot.Driver, cfg.Snapshot.DSN)
			if err != nil {
				return err
			}
			defer store.Close()

			return serve(ctx, cfg.Snapshot.Listen, snapshot.NewHandler(store, logger), logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides snapshot.listen)")
	cmd.Flags().StringVar(&driver, "driver", "", "sqlite or pgx (overrides snapshot.driver)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "database DSN (overrides snapshot.dsn)")
	return cmd
}
