// Package cli provides the genqueued command-line interface.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/mohans/genqueue/genqueue"
	"github.com/mohans/genqueue/internal/config"
	"github.com/mohans/genqueue/internal/generation"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	envFile string

	// Initialized by PersistentPreRunE
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func() error
	db         *sql.DB
	jobStore   *genqueue.SQLStore
	jobGateway *genqueue.Gateway
)

var rootCmd = &cobra.Command{
	Use:   "genqueued",
	Short: "Background queue for AI question generation",
	Long: `genqueued accepts batches of question-generation requests, persists them
as job items and drains each user's queue one question at a time.

Configuration is read from the environment and an optional .env file.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(envFile)
		if err != nil {
			return err
		}
		logger, closeLog = config.SetupLogger(cfg.LogOptions())
		slog.SetDefault(logger)

		db, err = openDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		jobStore = genqueue.NewSQLStore(db, genqueue.WithDialect(genqueue.DialectForDriver(cfg.DBDriver)))
		jobGateway = genqueue.NewGateway(jobStore, logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if db != nil {
			if err := db.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
			}
		}
		if closeLog != nil {
			_ = closeLog()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to an optional .env file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}

// Execute runs the root command until it returns or the process is signalled.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	conn, err := sql.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if genqueue.DialectForDriver(cfg.DBDriver) == genqueue.DialectSQLite {
		// SQLite allows a single writer.
		conn.SetMaxOpenConns(1)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return conn, nil
}

func migrate(ctx context.Context) error {
	if err := genqueue.Migrate(ctx, db); err != nil {
		return err
	}
	return generation.Migrate(ctx, db)
}
