// Package repository wraps all SQL used by the API and the worker.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mangrove/internal/ingest"
	"mangrove/internal/model"
)

// ErrNotFound is returned when a chapter id does not exist.
var ErrNotFound = errors.New("chapter not found")

// uniqueViolation is the Postgres error code for a unique constraint hit.
const uniqueViolation = "23505"

// ChapterRepository implements the chapter store against Postgres.
type ChapterRepository struct {
	pool *pgxpool.Pool
}

// NewChapterRepository constructs a repository.
func NewChapterRepository(pool *pgxpool.Pool) *ChapterRepository {
	return &ChapterRepository{pool: pool}
}

// ChapterExists reports whether a chapter with this series/number pair is
// already published. Used as the fast pre-check; the unique index remains
// the authority under races.
func (r *ChapterRepository) ChapterExists(ctx context.Context, seriesID string, number float64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chapters WHERE series_id=$1 AND chapter_number=$2)`,
		seriesID, number,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check chapter exists: %w", err)
	}
	return exists, nil
}

// CreateChapter inserts the published chapter row. A lost uniqueness race
// is reported as ingest.ErrDuplicateChapter so the pipeline compensates
// and surfaces it distinctly.
func (r *ChapterRepository) CreateChapter(ctx context.Context, ch *model.Chapter) (*model.Chapter, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO chapters
			(id, series_id, chapter_number, title, pages, total_pages, cover_image_key, ordering_confidence, requires_manual_reorder, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, ch.ID, ch.SeriesID, ch.Number, ch.Title, ch.Pages, ch.TotalPages, ch.CoverImageKey, ch.OrderingConfidence, ch.RequiresManualReorder, ch.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("insert chapter: %w", ingest.ErrDuplicateChapter)
		}
		return nil, fmt.Errorf("insert chapter: %w", err)
	}
	return ch, nil
}

// DeleteChapter removes a chapter row wholesale (compensation path).
func (r *ChapterRepository) DeleteChapter(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM chapters WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete chapter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetChapter returns a chapter by id.
func (r *ChapterRepository) GetChapter(ctx context.Context, id string) (*model.Chapter, error) {
	var ch model.Chapter
	row := r.pool.QueryRow(ctx, `
		SELECT id, series_id, chapter_number, title, pages, total_pages, cover_image_key, ordering_confidence, requires_manual_reorder, created_at
		FROM chapters WHERE id=$1
	`, id)
	err := row.Scan(&ch.ID, &ch.SeriesID, &ch.Number, &ch.Title, &ch.Pages, &ch.TotalPages, &ch.CoverImageKey, &ch.OrderingConfidence, &ch.RequiresManualReorder, &ch.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select chapter: %w", err)
	}
	return &ch, nil
}
