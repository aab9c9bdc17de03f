package main

import (
	"context"
	"fmt"
	"os"

	"LendLedger/internal/config"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list migrations and whether they are applied")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  LEND_CONFIG          - optional TOML config file")
	fmt.Println("  LEND_POSTGRES_DSN    - Postgres connection string")
	fmt.Println("  LEND_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load(os.Getenv("LEND_CONFIG"))
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx := context.Background()
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, cfg.Persistence.MigrationsDir, logger)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}

	case "status":
		status, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration status")
		}
		for _, s := range status {
			mark := "pending"
			if s.Applied {
				mark = "applied"
			}
			fmt.Printf("%-8s %s\n", mark, s.Filename)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
