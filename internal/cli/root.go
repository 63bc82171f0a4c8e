package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/jobusage/pkg/cache"
	"github.com/malbeclabs/jobusage/pkg/duck"
	"github.com/malbeclabs/jobusage/pkg/logger"
	"github.com/malbeclabs/jobusage/pkg/usage"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1

	defaultDBPath = ".tmp/jobusage/usage.duckdb"
)

func Run() ExitCode {
	_ = godotenv.Load()

	if err := NewRootCmd(os.Stdout).Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

func NewRootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "usage-cli",
		Short: "Query and ingest hourly job usage.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}
	rootCmd.SetOut(out)

	dbPath := defaultDBPath
	if v := os.Getenv("JOBUSAGE_DB_PATH"); v != "" {
		dbPath = v
	}
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "set debug logging level")
	rootCmd.PersistentFlags().String("db-path", dbPath, "Path to the DuckDB database file (or set JOBUSAGE_DB_PATH env var)")

	rootCmd.AddCommand(
		NewClustersCmd().Command(),
		NewUsersCmd().Command(),
		NewReportCmd().Command(),
		NewIngestCmd().Command(),
	)
	return rootCmd
}

// env is what every subcommand needs: a logger and the opened database.
type env struct {
	log *slog.Logger
	db  duck.DB
}

func openEnv(ctx context.Context, cmd *cobra.Command) (*env, error) {
	verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
	if err != nil {
		return nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	dbPath, err := cmd.Root().PersistentFlags().GetString("db-path")
	if err != nil {
		return nil, fmt.Errorf("failed to get db-path flag: %w", err)
	}

	log := logger.New(cmd.ErrOrStderr(), verbose)
	db, err := duck.NewDB(ctx, dbPath, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}
	if err := usage.CreateSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &env{log: log, db: db}, nil
}

func (e *env) Close() {
	if err := e.db.Close(); err != nil {
		e.log.Error("failed to close database", "error", err)
	}
}

// engine builds a query engine over the database. A CLI process answers
// one query, so the cache only coalesces loads within it.
func (e *env) engine() (*usage.Engine, func(), error) {
	qc, err := usage.NewQueryCache(cache.Config{
		Logger: e.log,
		Clock:  clockwork.NewRealClock(),
		Name:   "cli",
	})
	if err != nil {
		return nil, nil, err
	}
	engine, err := usage.NewEngine(usage.EngineConfig{
		Logger: e.log,
		Store:  usage.NewDBStore(e.log, e.db),
		Cache:  qc,
	})
	if err != nil {
		qc.Close()
		return nil, nil, err
	}
	return engine, qc.Close, nil
}
