package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aokitashipro/pre-next-dify/internal/config"
	"github.com/aokitashipro/pre-next-dify/internal/logging"
	"github.com/aokitashipro/pre-next-dify/internal/repository/postgres"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	steps := flag.Int("steps", 1, "number of migrations to roll back with -down")
	down := flag.Bool("down", false, "roll back instead of applying")
	version := flag.Bool("version", false, "print the current schema version and exit")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if _, err := logging.Setup(cfg.Logging, cfg.IsProduction()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	dsn := cfg.Database.DSN()
	log.Info().Str("host", cfg.Database.Host).Int("port", cfg.Database.Port).Msg("Connecting to database")

	switch {
	case *version:
		v, dirty, err := postgres.MigrationVersion(dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read schema version")
		}
		fmt.Printf("version %d (dirty: %t)\n", v, dirty)
	case *down:
		if err := postgres.RollbackMigrations(dsn, *steps); err != nil {
			log.Fatal().Err(err).Int("steps", *steps).Msg("Rollback failed")
		}
	default:
		if err := postgres.RunMigrations(dsn); err != nil {
			log.Fatal().Err(err).Msg("Migration failed")
		}
	}
}
