package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mangrove/internal/model"
)

// BlobStore is the outbound page-object interface. Keys are
// caller-supplied and deterministic; implementations must be atomic
// per key.
type BlobStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	DeleteObject(ctx context.Context, key string) error
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// StagedStore is implemented by filesystem-backed stores whose writes land
// in a staging area and become visible only after an atomic directory
// swap. Object stores do not implement it.
type StagedStore interface {
	CommitStaging(ctx context.Context, chapterPrefix string) error
	DiscardStaging(ctx context.Context, chapterPrefix string) error
}

// ChapterStore is the outbound database interface.
type ChapterStore interface {
	ChapterExists(ctx context.Context, seriesID string, number float64) (bool, error)
	CreateChapter(ctx context.Context, ch *model.Chapter) (*model.Chapter, error)
	DeleteChapter(ctx context.Context, id string) error
}

// JobControl is the slice of the progress tracker the pipeline needs:
// phase updates and the cooperative abort flag.
type JobControl interface {
	SetPhase(jobID string, status model.JobStatus, percent int, message string)
	SetPageProgress(jobID string, currentFile string, done, total int)
	Aborted(jobID string) bool
}

// ChapterMeta is the validated chapter metadata handed to the pipeline by
// the request-accepting layer.
type ChapterMeta struct {
	SeriesID   string
	SeriesSlug string
	Number     float64
	Title      string
}

// Orchestrator drives the two-phase publish: extract and order the
// archive, write page objects, create the chapter record, and compensate
// (delete everything written in this job) if any later step fails. Once
// the database row exists the chapter is published; post-commit side
// effects never roll it back.
type Orchestrator struct {
	extractor *Extractor
	blobs     BlobStore
	chapters  ChapterStore
	jobs      JobControl
	log       *slog.Logger
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(extractor *Extractor, blobs BlobStore, chapters ChapterStore, jobs JobControl, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		extractor: extractor,
		blobs:     blobs,
		chapters:  chapters,
		jobs:      jobs,
		log:       log,
	}
}

// Run processes one upload job to completion. Cancellation is cooperative:
// the abort flag is checked at phase boundaries only, so a cancel costs at
// most one phase of latency and always takes the same compensation path as
// a failure.
func (o *Orchestrator) Run(ctx context.Context, jobID string, archive io.ReaderAt, size int64, meta ChapterMeta) (*model.Chapter, error) {
	if o.jobs.Aborted(jobID) {
		return nil, fmt.Errorf("before extraction: %w", ErrCancelled)
	}
	o.jobs.SetPhase(jobID, model.StatusExtracting, 30, "extracting archive")
	entries, err := o.extractor.Extract(ctx, archive, size)
	if err != nil {
		// Nothing has been written yet; no compensation needed.
		return nil, err
	}

	if o.jobs.Aborted(jobID) {
		return nil, fmt.Errorf("before processing: %w", ErrCancelled)
	}
	o.jobs.SetPhase(jobID, model.StatusProcessing, 60, "ordering and storing pages")
	result := InferOrder(entries)
	prefix := ChapterKeyPrefix(meta.SeriesSlug, meta.Number)

	written := make([]string, 0, len(result.Pages))
	for i := range result.Pages {
		page := &result.Pages[i]
		page.StorageKey = PageKey(meta.SeriesSlug, meta.Number, page.Position, page.Entry.Format)
		o.jobs.SetPageProgress(jobID, page.Entry.Name, i+1, len(result.Pages))
		if err := o.blobs.PutObject(ctx, page.StorageKey, page.Entry.Payload, imageContentType(page.Entry.Format)); err != nil {
			o.compensate(ctx, jobID, written, prefix)
			return nil, &Error{Kind: KindStoreWriteFailed, Message: fmt.Sprintf("store page %d: %v", page.Position, err), Hint: "the chapter could not be stored"}
		}
		written = append(written, page.StorageKey)
	}

	if o.jobs.Aborted(jobID) {
		o.compensate(ctx, jobID, written, prefix)
		return nil, fmt.Errorf("before finalizing: %w", ErrCancelled)
	}
	o.jobs.SetPhase(jobID, model.StatusFinalizing, 90, "creating chapter record")
	if staged, ok := o.blobs.(StagedStore); ok {
		if err := staged.CommitStaging(ctx, prefix); err != nil {
			o.compensate(ctx, jobID, written, prefix)
			return nil, err
		}
	}

	keys := make([]string, len(result.Pages))
	for i, p := range result.Pages {
		keys[i] = p.StorageKey
	}
	chapter := &model.Chapter{
		ID:                    uuid.NewString(),
		SeriesID:              meta.SeriesID,
		Number:                meta.Number,
		Title:                 meta.Title,
		Pages:                 keys,
		TotalPages:            len(keys),
		CoverImageKey:         keys[0],
		OrderingConfidence:    result.Confidence,
		RequiresManualReorder: result.RequiresManualReorder,
		CreatedAt:             time.Now().UTC(),
	}
	created, err := o.chapters.CreateChapter(ctx, chapter)
	if err != nil {
		o.compensate(ctx, jobID, written, prefix)
		if errors.Is(err, ErrDuplicateChapter) {
			// The caller pre-checked, so this is a lost race against a
			// concurrent upload for the same chapter number.
			return nil, &Error{Kind: KindDuplicateChapter, Message: fmt.Sprintf("series %s chapter %s: %v", meta.SeriesID, FormatChapterNumber(meta.Number), err), Hint: "please choose a different chapter number", Err: err}
		}
		return nil, &Error{Kind: KindStoreWriteFailed, Message: fmt.Sprintf("create chapter record: %v", err), Hint: "the chapter could not be published", Err: err}
	}

	o.jobs.SetPhase(jobID, model.StatusComplete, 100, "chapter published")
	o.log.Info("chapter published",
		"jobId", jobID, "chapterId", created.ID, "series", meta.SeriesID,
		"chapter", FormatChapterNumber(meta.Number), "pages", created.TotalPages,
		"confidence", result.Confidence, "manualReorder", result.RequiresManualReorder)
	return created, nil
}

// compensate deletes every key this job wrote. It runs even when ctx was
// cancelled, since the cancellation itself is what triggered the cleanup.
func (o *Orchestrator) compensate(ctx context.Context, jobID string, keys []string, prefix string) {
	cleanupCtx := context.WithoutCancel(ctx)
	for _, key := range keys {
		if err := o.blobs.DeleteObject(cleanupCtx, key); err != nil {
			o.log.Error("compensation delete failed", "jobId", jobID, "key", key, "error", err)
		}
	}
	if staged, ok := o.blobs.(StagedStore); ok {
		if err := staged.DiscardStaging(cleanupCtx, prefix); err != nil {
			o.log.Error("staging discard failed", "jobId", jobID, "prefix", prefix, "error", err)
		}
	}
	if len(keys) > 0 {
		o.log.Info("compensated partial chapter write", "jobId", jobID, "deleted", len(keys))
	}
	// Verify nothing under the chapter prefix survived the cleanup.
	if remaining, err := o.blobs.ListObjects(cleanupCtx, prefix); err == nil && len(remaining) > 0 {
		o.log.Error("orphaned page objects after compensation", "jobId", jobID, "prefix", prefix, "count", len(remaining))
	}
}

func imageContentType(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	case "avif":
		return "image/avif"
	case "bmp":
		return "image/bmp"
	case "tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}
