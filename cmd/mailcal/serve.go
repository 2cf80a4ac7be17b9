package main

import (
	"context"
	"time"

	"mailcal/internal/scheduler"
	"mailcal/internal/server"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the polling scheduler and the status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		db, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info().Str("driver", db.DriverName()).Msg("Database connection established successfully")

		proc, cleanup, err := buildProcessor(ctx, cfg, db, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		srv := server.New(cfg, db, logger)
		srv.Initialize()
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error().Err(err).Msg("Server stopped")
			}
		}()

		scheduler.Run(ctx, cfg.PollInterval, func(ctx context.Context) error {
			defer srv.Invalidate()
			_, err := proc.RunCycle(ctx)
			return err
		}, logger)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Server shutdown did not complete")
		}
		logger.Info().Msg("Stopped")
		return nil
	},
}
