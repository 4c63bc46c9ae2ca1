// Package progress owns the process-local upload job map. All mutation
// goes through the tracker so concurrent status polls never see torn
// state, and every update is pushed to the notification sink.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mangrove/internal/model"
)

const (
	sweepInterval     = time.Minute
	jobTTL            = time.Hour
	terminalRetention = 5 * time.Minute
	stallTimeout      = 10 * time.Minute
)

// Notifier receives a ProgressEvent for every tracker update.
type Notifier interface {
	Notify(jobID string, event model.ProgressEvent)
}

// Patch is a partial job update; nil fields are left unchanged.
type Patch struct {
	Status        *model.JobStatus
	Progress      *int
	Message       *string
	CurrentFile   *string
	TotalFiles    *int
	BytesUploaded *int64
	ChapterID     *string
}

// Tracker holds the job map behind an RWMutex. Jobs are garbage-collected
// by a background sweep: hard TTL after one hour, terminal jobs five
// minutes after completion, and non-terminal jobs without a heartbeat for
// ten minutes are force-failed.
type Tracker struct {
	mu       sync.RWMutex
	jobs     map[string]*model.UploadJob
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
}

// New constructs a Tracker.
func New(notifier Notifier, log *slog.Logger) *Tracker {
	return &Tracker{
		jobs:     make(map[string]*model.UploadJob),
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// Start launches the sweep goroutine, which runs until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sweep(t.now())
			}
		}
	}()
}

// Init registers a new job in the Initializing state.
func (t *Tracker) Init(jobID, seriesID string, chapterNumber float64) {
	now := t.now().UTC()
	job := &model.UploadJob{
		ID:            jobID,
		SeriesID:      seriesID,
		ChapterNumber: chapterNumber,
		Status:        model.StatusInitializing,
		Message:       "upload accepted",
		StartTime:     now,
		LastHeartbeat: now,
	}
	t.mu.Lock()
	t.jobs[jobID] = job
	event := eventFor(job)
	t.mu.Unlock()
	t.notifier.Notify(jobID, event)
}

// Update merges a partial patch into the job, recomputes derived fields,
// and notifies. It reports false for unknown jobs.
func (t *Tracker) Update(jobID string, patch Patch) bool {
	t.mu.Lock()
	job, ok := t.jobs[jobID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	applyPatch(job, patch)
	now := t.now().UTC()
	job.LastHeartbeat = now
	recomputeDerived(job, now)
	event := eventFor(job)
	t.mu.Unlock()
	t.notifier.Notify(jobID, event)
	return true
}

// Get returns a snapshot of the job.
func (t *Tracker) Get(jobID string) (model.UploadJob, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[jobID]
	if !ok {
		return model.UploadJob{}, false
	}
	return *job, true
}

// Cancel requests cooperative cancellation. It reports false when the job
// is unknown or already terminal.
func (t *Tracker) Cancel(jobID string) bool {
	t.mu.Lock()
	job, ok := t.jobs[jobID]
	if !ok || job.Status.Terminal() {
		t.mu.Unlock()
		return false
	}
	job.Cancelled = true
	job.Message = "cancellation requested"
	job.LastHeartbeat = t.now().UTC()
	event := eventFor(job)
	t.mu.Unlock()
	t.notifier.Notify(jobID, event)
	return true
}

// SetPhase implements ingest.JobControl.
func (t *Tracker) SetPhase(jobID string, status model.JobStatus, percent int, message string) {
	t.Update(jobID, Patch{Status: &status, Progress: &percent, Message: &message})
}

// SetPageProgress implements ingest.JobControl, interpolating the overall
// percentage across the page-write span of the processing phase.
func (t *Tracker) SetPageProgress(jobID, currentFile string, done, total int) {
	patch := Patch{CurrentFile: &currentFile, TotalFiles: &total}
	if total > 0 {
		percent := 60 + 30*done/total
		patch.Progress = &percent
	}
	t.Update(jobID, patch)
}

// Aborted implements ingest.JobControl: true when the job was cancelled or
// force-failed (for example by the stall watchdog).
func (t *Tracker) Aborted(jobID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[jobID]
	if !ok {
		return true
	}
	return job.Cancelled || job.Status == model.StatusError
}

// sweep enforces retention and the stall watchdog.
func (t *Tracker) sweep(now time.Time) {
	type stalled struct {
		id    string
		event model.ProgressEvent
	}
	var notify []stalled

	t.mu.Lock()
	for id, job := range t.jobs {
		age := now.Sub(job.StartTime)
		switch {
		case age > jobTTL:
			delete(t.jobs, id)
		case job.Status.Terminal() && now.Sub(job.LastHeartbeat) > terminalRetention:
			delete(t.jobs, id)
		case !job.Status.Terminal() && now.Sub(job.LastHeartbeat) > stallTimeout:
			job.Status = model.StatusError
			job.Message = "timed out due to inactivity"
			notify = append(notify, stalled{id: id, event: eventFor(job)})
		}
	}
	t.mu.Unlock()

	for _, s := range notify {
		t.log.Warn("upload job stalled", "jobId", s.id)
		t.notifier.Notify(s.id, s.event)
	}
}

func applyPatch(job *model.UploadJob, patch Patch) {
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.Message != nil {
		job.Message = *patch.Message
	}
	if patch.CurrentFile != nil {
		job.CurrentFile = *patch.CurrentFile
	}
	if patch.TotalFiles != nil {
		job.TotalFiles = *patch.TotalFiles
	}
	if patch.BytesUploaded != nil {
		job.BytesUploaded = *patch.BytesUploaded
	}
	if patch.ChapterID != nil {
		job.ChapterID = *patch.ChapterID
	}
}

func recomputeDerived(job *model.UploadJob, now time.Time) {
	elapsed := now.Sub(job.StartTime).Seconds()
	if elapsed <= 0 || job.BytesUploaded <= 0 {
		return
	}
	job.SpeedMBps = float64(job.BytesUploaded) / elapsed / (1 << 20)
	if job.Progress > 0 && job.Progress < 100 {
		remaining := elapsed * float64(100-job.Progress) / float64(job.Progress)
		job.ETASeconds = int(remaining)
	} else {
		job.ETASeconds = 0
	}
}

func eventFor(job *model.UploadJob) model.ProgressEvent {
	return model.ProgressEvent{
		Status:      job.Status,
		Progress:    job.Progress,
		Message:     job.Message,
		CurrentFile: job.CurrentFile,
		TotalFiles:  job.TotalFiles,
		SpeedMBps:   job.SpeedMBps,
		ETASeconds:  job.ETASeconds,
	}
}
