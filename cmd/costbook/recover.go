package main

import (
	"context"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/petrijr/costbook/internal/app"
)

func recoverCmd() *cli.Command {
	return &cli.Command{
		Name:        "recover",
		Usage:       "Fail jobs interrupted by a previous process and exit",
		Description: "Run only while no serve process uses the same database and jobs directory.",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			a, err := app.Build(ctx, cfg, logger, version)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			n, err := a.Orchestrator.Recover(ctx)
			if err != nil {
				return err
			}
			logger.Info("recovered_interrupted_jobs", slog.Int("count", n))
			return nil
		},
	}
}
