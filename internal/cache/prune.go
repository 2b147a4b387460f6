package cache

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/stacks/internal/storage"
)

// Prune evicts cached files, least recently accessed first, until the
// total size fits the byte budget. A zero budget means unlimited and never
// prunes.
func (c *Cache) Prune(ctx context.Context) error {
	if c.maxBytes <= 0 {
		return nil
	}

	stats, err := c.store.GetCacheStats()
	if err != nil {
		return fmt.Errorf("reading cache stats: %w", err)
	}
	if stats.TotalBytes <= c.maxBytes {
		return nil
	}

	files, err := c.store.CachedFilesByAccess()
	if err != nil {
		return fmt.Errorf("listing cached files: %w", err)
	}

	var victims []storage.CachedFileInfo
	remaining := stats.TotalBytes
	for _, f := range files {
		if remaining <= c.maxBytes {
			break
		}
		victims = append(victims, f)
		remaining -= f.Size
	}

	if err := c.store.DeleteCachedFiles(victims); err != nil {
		return fmt.Errorf("deleting cache victims: %w", err)
	}

	c.logger.Info("cache pruned", "evicted", len(victims), "freed", stats.TotalBytes-remaining, "remaining", remaining)
	return nil
}

// Warm pre-fetches a set of attachments with bounded concurrency. Failures
// are logged per key; Warm returns how many payloads ended up available.
func (c *Cache) Warm(ctx context.Context, lib storage.Library, keys []string, concurrency int) (int, error) {
	if concurrency <= 0 {
		concurrency = 4
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	results := make([]bool, len(keys))
	for i, key := range keys {
		g.Go(func() error {
			blob, err := c.GetBlob(ctx, lib, key)
			if err != nil {
				c.logger.Warn("warm fetch failed", "library", lib.ID, "key", key, "error", err)
				return nil
			}
			results[i] = blob != nil
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	n := 0
	for _, ok := range results {
		if ok {
			n++
		}
	}
	return n, nil
}

// Stats reports the current cache size against the configured budget.
func (c *Cache) Stats() (storage.CacheStats, int64, error) {
	stats, err := c.store.GetCacheStats()
	return stats, c.maxBytes, err
}
