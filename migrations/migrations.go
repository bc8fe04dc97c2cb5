// Package migrations holds the Postgres schema of the reward ledger and the challenge pool.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed *.sql
var files embed.FS

// Apply runs every migration file not yet recorded in schema_migrations, in file name order.
func Apply(ctx context.Context, db *pgxpool.Pool) error {
	const createTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	filename    TEXT PRIMARY KEY,
	executed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

	if _, err := db.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := apply(ctx, db, name); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}

	return nil
}

func apply(ctx context.Context, db *pgxpool.Pool, name string) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1) ON CONFLICT DO NOTHING`, name)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return nil
	}

	b, err := files.ReadFile(name)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, string(b)); err != nil {
		return err
	}

	slog.InfoContext(ctx, "migration applied", "file", name)
	return tx.Commit(ctx)
}
