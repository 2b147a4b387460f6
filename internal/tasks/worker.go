// Package tasks runs background jobs from the SQLite job queue: cache
// pruning after writes and full-text indexing of freshly cached PDFs.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/stacks/internal/cache"
	"github.com/kalambet/stacks/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Pruner evicts cached files down to the byte budget.
type Pruner interface {
	Prune(ctx context.Context) error
}

// TextIndexer extracts and stores searchable text for one attachment.
type TextIndexer interface {
	IndexItem(libraryID int64, key string) error
}

// Worker processes prune_cache and index_fulltext jobs.
type Worker struct {
	store   JobStore
	pruner  Pruner
	indexer TextIndexer
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, pruner Pruner, indexer TextIndexer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		pruner:  pruner,
		indexer: indexer,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{cache.JobPruneCache, cache.JobIndexFulltext})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type indexPayload struct {
	LibraryID int64  `json:"libraryID"`
	Key       string `json:"key"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case cache.JobPruneCache:
		return w.pruner.Prune(ctx)

	case cache.JobIndexFulltext:
		var payload indexPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		if payload.Key == "" {
			return fmt.Errorf("index job without key")
		}
		return w.indexer.IndexItem(payload.LibraryID, payload.Key)

	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}
