package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single ingestion cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		db, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		proc, cleanup, err := buildProcessor(ctx, cfg, db, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		run, err := proc.RunCycle(ctx)
		fmt.Fprintln(cmd.OutOrStdout(), formatRun(run))
		return err
	},
}
