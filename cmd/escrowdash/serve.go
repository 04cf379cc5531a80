package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"escrowdash/internal/idempotency"
	"escrowdash/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dashboard HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := buildRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		store, err := idempotency.Open(ctx, idempotency.Options{
			PostgresDSN: rt.cfg.Service.IdempotencyPostgresDSN,
			FilePath:    rt.cfg.Service.IdempotencyStorePath,
		})
		if err != nil {
			return err
		}
		if pg, ok := store.(*idempotency.PostgresStore); ok {
			defer pg.Close()
			if n, err := pg.Purge(ctx); err != nil {
				rt.log.Warn("purge expired replays", zap.Error(err))
			} else if n > 0 {
				rt.log.Info("purged expired replays", zap.Int64("rows", n))
			}
		}

		if rt.provider != nil {
			if err := rt.connect(ctx); err != nil {
				rt.log.Warn("initial wallet connect failed", zap.Error(err))
			}
		}

		apiServer := server.NewServer(rt.cfg, rt.app, store, rt.metrics, rt.log)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		rt.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Service.ShutdownTimeout)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	},
}
