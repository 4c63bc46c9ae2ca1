package ingest

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Committer publishes a fully-prepared staging directory into its final
// location with a backup-swap-cleanup protocol. Staging and final must
// share a volume so the swap is a single atomic rename; an external reader
// never observes a partially-written final directory.
//
// Object-store backends do not need this: their keys are atomic
// individually and the multi-key chapter atomicity is handled by the
// orchestrator's compensation.
type Committer struct {
	log *slog.Logger

	// renameFn exists for fault injection in tests.
	renameFn func(oldpath, newpath string) error
}

// NewCommitter constructs a Committer.
func NewCommitter(log *slog.Logger) *Committer {
	return &Committer{log: log, renameFn: os.Rename}
}

// Commit swaps stagingDir into finalDir's place. An existing finalDir
// (republish) is moved aside to a timestamped backup first, never deleted
// in place, and restored on failure. A failed restore is the one fatal
// inconsistency in the pipeline: it is logged at error level and surfaced
// as KindCommitInconsistency for operator intervention, never retried
// silently.
func (c *Committer) Commit(stagingDir, finalDir string) error {
	if err := os.MkdirAll(filepath.Dir(finalDir), 0o755); err != nil {
		return &Error{Kind: KindStoreWriteFailed, Message: fmt.Sprintf("prepare publish root: %v", err), Hint: "the chapter could not be published"}
	}

	backup := ""
	if _, err := os.Stat(finalDir); err == nil {
		backup = fmt.Sprintf("%s.backup-%d", finalDir, time.Now().UnixNano())
		if err := c.renameFn(finalDir, backup); err != nil {
			return &Error{Kind: KindStoreWriteFailed, Message: fmt.Sprintf("back up existing chapter dir: %v", err), Hint: "the chapter could not be published"}
		}
	}

	if err := c.renameFn(stagingDir, finalDir); err != nil {
		if backup != "" {
			if restoreErr := c.renameFn(backup, finalDir); restoreErr != nil {
				c.log.Error("chapter publish rollback failed; filesystem may be inconsistent with the database",
					"final", finalDir, "backup", backup, "swapError", err, "restoreError", restoreErr)
				return &Error{
					Kind:    KindCommitInconsistency,
					Message: fmt.Sprintf("swap failed (%v) and backup restore failed (%v); backup left at %s", err, restoreErr, backup),
					Hint:    "publishing failed; contact an operator",
				}
			}
		}
		return &Error{Kind: KindStoreWriteFailed, Message: fmt.Sprintf("swap staging into place: %v", err), Hint: "the chapter could not be published"}
	}

	if backup != "" {
		if err := os.RemoveAll(backup); err != nil {
			// The publish itself succeeded; a lingering backup only wastes
			// disk and is safe to clean up manually.
			c.log.Warn("failed to remove chapter backup", "backup", backup, "error", err)
		}
	}
	return nil
}
