package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/costbook/internal/app"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and the job scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address; overrides server.host and server.port",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			addr := cfg.Server.Addr()
			if v := cmd.String("addr"); v != "" {
				addr = v
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.Build(ctx, cfg, logger, version)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(context.Background()); err != nil {
					logger.Error("close_failed", slog.Any("error", err))
				}
			}()

			if err := a.Orchestrator.Start(ctx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           a.Handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("server_listening", slog.String("addr", addr), slog.String("version", version))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("listen %s: %w", addr, err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting_down")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				err := srv.Shutdown(shutdownCtx)
				drain(shutdownCtx, logger, a.Orchestrator.Stop)
				return err
			})
			return g.Wait()
		},
	}
}

// drain runs stop and waits for it until ctx expires. Jobs still running
// after that are failed by recovery on the next start.
func drain(ctx context.Context, logger *slog.Logger, stop func()) {
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("scheduler_stopped")
	case <-ctx.Done():
		logger.Warn("shutdown_timeout", slog.String("detail", "jobs still running will be recovered on next start"))
	}
}
