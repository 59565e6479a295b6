package main

import (
	"PointSwap/internal/observability"
	"PointSwap/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	_ "github.com/lib/pq"
)

type migrateConfig struct {
	PostgresDSN   string `env:"POINTSWAP_POSTGRES_DSN,required"`
	MigrationsDir string `env:"POINTSWAP_MIGRATIONS_DIR" envDefault:"migrations"`
}

func usage() {
	fmt.Println("Usage: migrate <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list applied migrations")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  POINTSWAP_POSTGRES_DSN    - Postgres connection string (required)")
	fmt.Println("  POINTSWAP_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	var cfg migrateConfig
	if err := env.Parse(&cfg); err != nil {
		logger.Fatal().Err(err).Msg("parse env")
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}

	case "status":
		files, err := migrator.Applied(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, f := range files {
			fmt.Println(f)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
