// Package sync pulls incremental changes from the remote library into the
// local replica: a versioned diff per entity kind plus a coordinator that
// runs collections and items in dependency order.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/kalambet/stacks/internal/remote"
	"github.com/kalambet/stacks/internal/storage"
)

// DefaultBatchSize bounds how many keys travel in one fetch request. The
// remote rejects longer key lists (URL length limit).
const DefaultBatchSize = 50

// RemoteAPI is the slice of the remote client the puller needs.
type RemoteAPI interface {
	ListVersions(ctx context.Context, lib remote.Library, kind string, since int64) (remote.VersionMap, error)
	FetchByKeys(ctx context.Context, lib remote.Library, kind string, keys []string) ([]remote.Record, error)
	ListDeletedSince(ctx context.Context, lib remote.Library, since int64) (remote.Deletions, error)
}

// PullResult counts what one pull applied.
type PullResult struct {
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// Puller applies the versioned diff algorithm for one entity kind:
// read cursor, diff versions, fetch and upsert changed records in batches,
// apply remote deletions (with parent cascade for items), advance cursor.
type Puller struct {
	store     *storage.Store
	api       RemoteAPI
	batchSize int
	logger    *slog.Logger
}

// NewPuller creates a Puller. batchSize <= 0 selects DefaultBatchSize.
func NewPuller(store *storage.Store, api RemoteAPI, batchSize int) *Puller {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Puller{
		store:     store,
		api:       api,
		batchSize: batchSize,
		logger:    slog.Default(),
	}
}

// Pull syncs one kind for one library. The cursor only advances after all
// upserts and deletions applied cleanly; a failure part-way leaves the old
// cursor in place so the next run re-diffs and re-applies idempotently.
func (p *Puller) Pull(ctx context.Context, lib storage.Library, kind string) (PullResult, error) {
	var result PullResult

	localVersion, err := p.cursor(lib, kind)
	if err != nil {
		return result, err
	}

	ref := remote.Library{ID: lib.ID, Type: lib.Type}
	vm, err := p.api.ListVersions(ctx, ref, kind, localVersion)
	if err != nil {
		return result, fmt.Errorf("listing %s versions: %w", kind, err)
	}

	// Nothing changed remotely since the cursor: zero writes, cursor stays.
	if vm.HeaderVersion <= localVersion {
		return result, nil
	}

	keys := make([]string, 0, len(vm.Versions))
	for k := range vm.Versions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for start := 0; start < len(keys); start += p.batchSize {
		end := start + p.batchSize
		if end > len(keys) {
			end = len(keys)
		}
		n, err := p.applyBatch(ctx, lib, kind, keys[start:end])
		if err != nil {
			// Committed batches stay committed; the old cursor makes the
			// next run re-fetch the remainder.
			return result, fmt.Errorf("applying %s batch: %w", kind, err)
		}
		result.Updated += n
	}

	// The very first sync has no meaningful deletion horizon.
	if localVersion > 0 {
		deleted, err := p.applyDeletions(ctx, lib, kind, localVersion)
		if err != nil {
			return result, fmt.Errorf("applying %s deletions: %w", kind, err)
		}
		result.Deleted = deleted
	}

	if err := p.store.SetLibraryVersion(lib.ID, kind, vm.HeaderVersion); err != nil {
		return result, fmt.Errorf("advancing %s cursor: %w", kind, err)
	}

	p.logger.Info("pull applied",
		"library", lib.ID, "kind", kind,
		"updated", result.Updated, "deleted", result.Deleted,
		"cursor", vm.HeaderVersion)
	return result, nil
}

func (p *Puller) cursor(lib storage.Library, kind string) (int64, error) {
	stored, err := p.store.GetLibrary(lib.ID)
	if err != nil {
		return 0, fmt.Errorf("reading library %d: %w", lib.ID, err)
	}
	switch kind {
	case storage.KindCollections:
		return stored.CollectionVersion, nil
	case storage.KindItems:
		return stored.ItemVersion, nil
	default:
		return 0, fmt.Errorf("unknown kind %q", kind)
	}
}

// applyBatch fetches full records for one key batch, normalizes them, and
// writes the batch in one transaction. Records that fail to normalize are
// skipped with a warning rather than failing the batch.
func (p *Puller) applyBatch(ctx context.Context, lib storage.Library, kind string, keys []string) (int, error) {
	ref := remote.Library{ID: lib.ID, Type: lib.Type}
	records, err := p.api.FetchByKeys(ctx, ref, kind, keys)
	if err != nil {
		return 0, err
	}

	switch kind {
	case storage.KindCollections:
		cols := make([]storage.Collection, 0, len(records))
		for _, rec := range records {
			c, err := normalizeCollection(lib.ID, rec)
			if err != nil {
				p.logger.Warn("skipping malformed collection record", "library", lib.ID, "key", rec.Key, "error", err)
				continue
			}
			cols = append(cols, c)
		}
		if err := p.store.UpsertCollections(cols); err != nil {
			return 0, err
		}
		return len(cols), nil

	case storage.KindItems:
		items := make([]storage.Item, 0, len(records))
		for _, rec := range records {
			it, err := normalizeItem(lib.ID, rec)
			if err != nil {
				p.logger.Warn("skipping malformed item record", "library", lib.ID, "key", rec.Key, "error", err)
				continue
			}
			items = append(items, it)
		}
		if err := p.store.UpsertItems(items); err != nil {
			return 0, err
		}
		return len(items), nil

	default:
		return 0, fmt.Errorf("unknown kind %q", kind)
	}
}

// applyDeletions removes remotely-deleted keys. For items the deletion
// cascades: all descendants of a deleted parent go in the same transaction.
func (p *Puller) applyDeletions(ctx context.Context, lib storage.Library, kind string, since int64) (int, error) {
	ref := remote.Library{ID: lib.ID, Type: lib.Type}
	del, err := p.api.ListDeletedSince(ctx, ref, since)
	if err != nil {
		return 0, err
	}

	switch kind {
	case storage.KindCollections:
		if len(del.Collections) == 0 {
			return 0, nil
		}
		if err := p.store.DeleteCollections(lib.ID, del.Collections); err != nil {
			return 0, err
		}
		return len(del.Collections), nil

	case storage.KindItems:
		if len(del.Items) == 0 {
			return 0, nil
		}
		victims, err := p.cascadeKeys(lib.ID, del.Items)
		if err != nil {
			return 0, err
		}
		if err := p.store.DeleteItems(lib.ID, victims); err != nil {
			return 0, err
		}
		return len(victims), nil

	default:
		return 0, fmt.Errorf("unknown kind %q", kind)
	}
}

// cascadeKeys expands deleted item keys with all their descendants. The
// parent index only links one level (annotations hang off attachments,
// attachments off regular items), so the lookup iterates until no new
// children turn up.
func (p *Puller) cascadeKeys(libraryID int64, deleted []string) ([]string, error) {
	seen := make(map[string]bool, len(deleted))
	var victims []string

	frontier := deleted
	for {
		var fresh []string
		for _, k := range frontier {
			if !seen[k] {
				seen[k] = true
				victims = append(victims, k)
				fresh = append(fresh, k)
			}
		}
		if len(fresh) == 0 {
			return victims, nil
		}
		children, err := p.store.ChildItemKeys(libraryID, fresh)
		if err != nil {
			return nil, fmt.Errorf("collecting cascade children: %w", err)
		}
		frontier = children
	}
}
