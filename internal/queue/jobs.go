// Package queue defines the asynq tasks that hand uploads off to the
// background pipeline.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TypeProcessChapter is scheduled once per accepted chapter upload.
	TypeProcessChapter = "chapter:process"

	// processTimeout caps one ingestion run; the heartbeat watchdog fires
	// well before this, so the timeout is a backstop.
	processTimeout = 30 * time.Minute
)

// ProcessChapterPayload is serialized into the task so the worker knows
// which raw archive to fetch and which chapter to publish.
type ProcessChapterPayload struct {
	JobID         string  `json:"job_id"`
	SeriesID      string  `json:"series_id"`
	SeriesSlug    string  `json:"series_slug"`
	ChapterNumber float64 `json:"chapter_number"`
	Title         string  `json:"title"`
	ArchiveKey    string  `json:"archive_key"`
}

// Client wraps the asynq client behind the one method the API needs.
type Client struct {
	inner *asynq.Client
}

// NewClient constructs a Client.
func NewClient(inner *asynq.Client) *Client {
	return &Client{inner: inner}
}

// EnqueueProcessChapter enqueues a chapter ingestion job. Retries are
// disabled: the pipeline compensates its own partial writes, and a blind
// re-run after a DuplicateChapter or security rejection cannot succeed.
func (c *Client) EnqueueProcessChapter(ctx context.Context, payload ProcessChapterPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(TypeProcessChapter, data)
	if _, err := c.inner.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.Timeout(processTimeout)); err != nil {
		return fmt.Errorf("enqueue chapter task: %w", err)
	}
	return nil
}
