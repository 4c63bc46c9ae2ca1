// Package worker plugs the ingestion pipeline into the asynq worker loop.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"mangrove/internal/ingest"
	"mangrove/internal/metrics"
	"mangrove/internal/model"
	"mangrove/internal/progress"
	"mangrove/internal/queue"
)

// ArchiveStore is the raw-archive side of the blob backend.
type ArchiveStore interface {
	FetchArchive(ctx context.Context, key string) ([]byte, error)
	DeleteArchive(ctx context.Context, key string) error
}

// Processor handles chapter ingestion tasks.
type Processor struct {
	orch     *ingest.Orchestrator
	archives ArchiveStore
	tracker  *progress.Tracker
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(orch *ingest.Orchestrator, archives ArchiveStore, tracker *progress.Tracker, m *metrics.Metrics, log *slog.Logger) *Processor {
	return &Processor{orch: orch, archives: archives, tracker: tracker, metrics: m, log: log}
}

// Handler registers the chapter ingestion task handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeProcessChapter, p.handleProcess)
	return mux
}

func (p *Processor) handleProcess(ctx context.Context, task *asynq.Task) error {
	var payload queue.ProcessChapterPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	p.metrics.JobsStarted.Inc()
	p.metrics.ActiveJobs.Inc()
	start := time.Now()
	defer func() {
		p.metrics.ActiveJobs.Dec()
		p.metrics.JobDuration.Observe(time.Since(start).Seconds())
		// The raw archive is only needed for this run; losing the delete
		// is harmless and must not affect the job outcome.
		if err := p.archives.DeleteArchive(context.WithoutCancel(ctx), payload.ArchiveKey); err != nil {
			p.log.Warn("raw archive cleanup failed", "jobId", payload.JobID, "key", payload.ArchiveKey, "error", err)
		}
	}()

	data, err := p.archives.FetchArchive(ctx, payload.ArchiveKey)
	if err != nil {
		p.failJob(payload.JobID, err)
		return fmt.Errorf("fetch archive for job %s: %w", payload.JobID, err)
	}

	chapter, err := p.orch.Run(ctx, payload.JobID, bytes.NewReader(data), int64(len(data)), ingest.ChapterMeta{
		SeriesID:   payload.SeriesID,
		SeriesSlug: payload.SeriesSlug,
		Number:     payload.ChapterNumber,
		Title:      payload.Title,
	})
	if err != nil {
		p.failJob(payload.JobID, err)
		return fmt.Errorf("process chapter for job %s: %w", payload.JobID, err)
	}

	p.metrics.JobsCompleted.Inc()
	p.metrics.PagesPerChapter.Observe(float64(chapter.TotalPages))
	p.tracker.Update(payload.JobID, progress.Patch{ChapterID: &chapter.ID})
	return nil
}

// failJob marks the tracker entry failed with only the user-safe hint.
// Internal detail goes to the log, never to the job record.
func (p *Processor) failJob(jobID string, err error) {
	kind, tagged := ingest.KindOf(err)
	if !tagged {
		kind = "internal"
	}
	p.metrics.JobsFailed.WithLabelValues(string(kind)).Inc()
	p.log.Error("chapter ingestion failed", "jobId", jobID, "kind", kind, "error", err)

	message := ingest.HintOf(err)
	if errors.Is(err, ingest.ErrCancelled) {
		message = "upload cancelled"
	}
	if job, ok := p.tracker.Get(jobID); ok && job.Status == model.StatusError {
		// Already force-failed (stall watchdog); keep its message.
		return
	}
	status := model.StatusError
	p.tracker.Update(jobID, progress.Patch{Status: &status, Message: &message})
}
