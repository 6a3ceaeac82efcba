package repository

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies pending schema migrations and returns how many ran.
func (s *PostgresStore) Migrate(ctx context.Context, logger *log.Logger) (int, error) {
	migrations, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return 0, fmt.Errorf("open migrations: %w", err)
	}

	// shares the pool; released by Close
	db := stdlib.OpenDBFromPool(s.pool)

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
	if err != nil {
		return 0, fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}
	for _, result := range results {
		if logger != nil {
			logger.Printf("migration applied version=%d source=%s duration=%s", result.Source.Version, result.Source.Path, result.Duration)
		}
	}
	return len(results), nil
}
