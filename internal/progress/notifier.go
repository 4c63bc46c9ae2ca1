package progress

import (
	"log/slog"

	"mangrove/internal/model"
)

// SlogNotifier is the default notification sink: it writes every progress
// event to the structured log. Real-time broadcast (websockets, SSE) plugs
// in by implementing Notifier instead.
type SlogNotifier struct {
	log *slog.Logger
}

// NewSlogNotifier constructs a SlogNotifier.
func NewSlogNotifier(log *slog.Logger) *SlogNotifier {
	return &SlogNotifier{log: log}
}

// Notify implements Notifier.
func (n *SlogNotifier) Notify(jobID string, event model.ProgressEvent) {
	n.log.Debug("upload progress",
		"jobId", jobID,
		"status", event.Status,
		"percent", event.Progress,
		"message", event.Message,
		"currentFile", event.CurrentFile,
	)
}
