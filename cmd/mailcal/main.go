package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mailcal/internal/config"
	"mailcal/internal/database"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	logger       zerolog.Logger
	backfillFlag bool
)

var rootCmd = &cobra.Command{
	Use:           "mailcal",
	Short:         "mailcal - keep a calendar in step with announcement emails",
	Long:          "mailcal polls a mailbox, extracts dated events from new messages, reconciles them into a timeline and mirrors it to a CalDAV calendar.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		logger = cfg.SetupLogger()
		if cmd.Flags().Changed("backfill") {
			cfg.Backfill = backfillFlag
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mailcal version %s\n", cfg.Version)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		logger.Info().Str("driver", db.DriverName()).Msg("Schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&backfillFlag, "backfill", false, "process every unseen message instead of only the latest (overrides BACKFILL)")
	rootCmd.AddCommand(serveCmd, onceCmd, eventsCmd, migrateCmd, versionCmd)
}

// openStore connects to DATABASE_URL and applies the schema
func openStore(ctx context.Context) (*sqlx.DB, error) {
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
