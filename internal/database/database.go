// Package database owns the pgx pool and the schema bootstrap.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the chapters table if needed. Keeping the migration
// in code keeps the stack self-contained for docker-compose bootstrap.
// The unique index on (series_id, chapter_number) is what turns a
// concurrent duplicate upload into a detectable 23505 instead of two
// published chapters.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS chapters (
	id TEXT PRIMARY KEY,
	series_id TEXT NOT NULL,
	chapter_number DOUBLE PRECISION NOT NULL,
	title TEXT NOT NULL,
	pages TEXT[] NOT NULL,
	total_pages INT NOT NULL,
	cover_image_key TEXT NOT NULL DEFAULT '',
	ordering_confidence DOUBLE PRECISION NOT NULL,
	requires_manual_reorder BOOLEAN NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_chapters_series_number ON chapters(series_id, chapter_number);
CREATE INDEX IF NOT EXISTS idx_chapters_manual_reorder ON chapters(requires_manual_reorder) WHERE requires_manual_reorder;`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
