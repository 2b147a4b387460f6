package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"

	"github.com/kalambet/stacks/internal/storage"
)

// ErrSyncInProgress is returned when a sync for the same library is already
// running.
var ErrSyncInProgress = errors.New("sync already in progress for this library")

// Summary reports one full sync run.
type Summary struct {
	LibraryID   int64      `json:"libraryID"`
	Collections PullResult `json:"collections"`
	Items       PullResult `json:"items"`
}

// Notifier receives sync lifecycle events. One summary event fires per run;
// per-batch details stay in the log to avoid notification storms.
type Notifier interface {
	SyncStarted(libraryID int64)
	SyncFinished(libraryID int64, summary Summary, err error)
}

// Coordinator runs one sync per library at a time: bootstrap the library
// row, pull collections, then items (items reference collections, so
// collections must land first).
type Coordinator struct {
	store    *storage.Store
	puller   *Puller
	notifier Notifier
	logger   *slog.Logger

	mu         gosync.Mutex
	inProgress map[int64]bool
}

// NewCoordinator creates a Coordinator. notifier may be nil.
func NewCoordinator(store *storage.Store, puller *Puller, notifier Notifier) *Coordinator {
	return &Coordinator{
		store:      store,
		puller:     puller,
		notifier:   notifier,
		logger:     slog.Default(),
		inProgress: make(map[int64]bool),
	}
}

// Sync runs a full pull for one library. Concurrent calls for the same
// library fail fast with ErrSyncInProgress; different libraries may sync
// concurrently.
func (c *Coordinator) Sync(ctx context.Context, lib storage.Library) (Summary, error) {
	if !c.begin(lib.ID) {
		return Summary{}, ErrSyncInProgress
	}
	defer c.end(lib.ID)

	summary := Summary{LibraryID: lib.ID}
	if c.notifier != nil {
		c.notifier.SyncStarted(lib.ID)
	}

	err := c.run(ctx, lib, &summary)
	if c.notifier != nil {
		c.notifier.SyncFinished(lib.ID, summary, err)
	}
	return summary, err
}

func (c *Coordinator) run(ctx context.Context, lib storage.Library, summary *Summary) error {
	// First sync of a library creates its row with zero cursors.
	if err := c.store.CreateLibrary(lib); err != nil {
		return fmt.Errorf("ensuring library %d: %w", lib.ID, err)
	}

	var err error
	summary.Collections, err = c.puller.Pull(ctx, lib, storage.KindCollections)
	if err != nil {
		return fmt.Errorf("pulling collections: %w", err)
	}

	summary.Items, err = c.puller.Pull(ctx, lib, storage.KindItems)
	if err != nil {
		return fmt.Errorf("pulling items: %w", err)
	}

	return nil
}

// InProgress reports whether a sync is currently running for the library.
func (c *Coordinator) InProgress(libraryID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress[libraryID]
}

func (c *Coordinator) begin(libraryID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inProgress[libraryID] {
		return false
	}
	c.inProgress[libraryID] = true
	return true
}

func (c *Coordinator) end(libraryID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inProgress, libraryID)
}
