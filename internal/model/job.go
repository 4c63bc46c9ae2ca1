// Package model contains struct definitions shared across packages.
package model

import "time"

// JobStatus describes the upload job lifecycle.
type JobStatus string

const (
	StatusInitializing JobStatus = "initializing"
	StatusUploading    JobStatus = "uploading"
	StatusExtracting   JobStatus = "extracting"
	StatusProcessing   JobStatus = "processing"
	StatusFinalizing   JobStatus = "finalizing"
	StatusComplete     JobStatus = "complete"
	StatusError        JobStatus = "error"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// UploadJob is the process-local state of one chapter upload. It is owned by
// the progress tracker; everything else reads snapshots and writes through
// the tracker's update path.
type UploadJob struct {
	ID            string    `json:"id"`
	SeriesID      string    `json:"seriesId"`
	ChapterNumber float64   `json:"chapterNumber"`
	Status        JobStatus `json:"status"`
	Progress      int       `json:"progressPercent"`
	Message       string    `json:"message,omitempty"`
	CurrentFile   string    `json:"currentFile,omitempty"`
	TotalFiles    int       `json:"totalFiles,omitempty"`
	BytesUploaded int64     `json:"bytesUploaded,omitempty"`
	SpeedMBps     float64   `json:"speedMBps,omitempty"`
	ETASeconds    int       `json:"etaSeconds,omitempty"`
	Cancelled     bool      `json:"cancelled,omitempty"`
	ChapterID     string    `json:"chapterId,omitempty"`
	StartTime     time.Time `json:"startTime"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// ProgressEvent is pushed to the notification sink on every tracker update.
type ProgressEvent struct {
	Status      JobStatus `json:"status"`
	Progress    int       `json:"progressPercent"`
	Message     string    `json:"message,omitempty"`
	CurrentFile string    `json:"currentFile,omitempty"`
	TotalFiles  int       `json:"totalFiles,omitempty"`
	SpeedMBps   float64   `json:"speedMBps,omitempty"`
	ETASeconds  int       `json:"etaSeconds,omitempty"`
}
