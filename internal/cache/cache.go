// Package cache implements the attachment cache: get-or-fetch of binary
// attachment payloads with per-key request coalescing, MD5 integrity
// checking, and LRU pruning against a byte budget.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/stacks/internal/remote"
	"github.com/kalambet/stacks/internal/storage"
)

// Attachment link modes from the remote data model.
const (
	linkModeImportedFile = "imported_file"
	linkModeImportedURL  = "imported_url"
	linkModeLinkedFile   = "linked_file"
)

// Job types the cache enqueues after a write.
const (
	JobPruneCache    = "prune_cache"
	JobIndexFulltext = "index_fulltext"
)

// Downloader is the remote-API download capability.
type Downloader interface {
	DownloadAttachment(ctx context.Context, lib remote.Library, key string) ([]byte, error)
}

// ArchiveDownloader is the WebDAV fallback download capability.
type ArchiveDownloader interface {
	DownloadArchive(ctx context.Context, key string) ([]byte, error)
}

// JobQueue accepts background jobs enqueued after cache writes.
type JobQueue interface {
	EnqueueJob(job storage.Job) error
}

// Blob is a fetched attachment payload with its metadata.
type Blob struct {
	Data     []byte
	MimeType string
	FileName string
	MD5      string
}

// Config controls caching behavior. MaxBytes 0 means unlimited.
type Config struct {
	Enabled  bool
	MaxBytes int64
}

// Cache serves attachment payloads from the local store, downloading and
// verifying them on miss. Concurrent requests for the same key share one
// underlying fetch.
type Cache struct {
	store    *storage.Store
	api      Downloader
	webdav   ArchiveDownloader // nil when WebDAV is not configured
	jobs     JobQueue          // nil disables background jobs
	enabled  bool
	maxBytes int64
	flight   singleflight.Group
	logger   *slog.Logger
}

// New creates a Cache. webdav and jobs may be nil.
func New(store *storage.Store, api Downloader, webdav ArchiveDownloader, jobs JobQueue, cfg Config) *Cache {
	return &Cache{
		store:    store,
		api:      api,
		webdav:   webdav,
		jobs:     jobs,
		enabled:  cfg.Enabled,
		maxBytes: cfg.MaxBytes,
		logger:   slog.Default(),
	}
}

// attachmentMeta is the slice of an attachment item's raw data the cache
// needs: how to fetch it and what hash the remote claims.
type attachmentMeta struct {
	LinkMode    string `json:"linkMode"`
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
	MD5         string `json:"md5"`
}

// GetBlob returns the payload of an attachment item, fetching and caching
// it if needed. Returns (nil, nil) when the item is missing, is not an
// attachment, or uses an unsupported link mode; a nil blob with an error
// means all download paths failed.
func (c *Cache) GetBlob(ctx context.Context, lib storage.Library, key string) (*Blob, error) {
	// Coalesce concurrent requests: at most one fetch per key is in
	// flight; everyone waiting gets the same result. The flight entry is
	// dropped when the fetch settles, so later calls can retry.
	v, err, _ := c.flight.Do(flightKey(lib.ID, key), func() (any, error) {
		return c.getBlob(ctx, lib, key)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*Blob), nil
}

func (c *Cache) getBlob(ctx context.Context, lib storage.Library, key string) (*Blob, error) {
	item, err := c.store.GetItem(lib.ID, key)
	if errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn("attachment metadata not in replica", "library", lib.ID, "key", key)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading item %s: %w", key, err)
	}
	if item.ItemType != "attachment" {
		return nil, nil
	}

	var meta attachmentMeta
	if err := json.Unmarshal([]byte(item.Raw), &meta); err != nil {
		return nil, fmt.Errorf("parsing attachment metadata for %s: %w", key, err)
	}

	// Fast path: a cached payload that is unverifiable (no remote MD5) or
	// matches the remote MD5 is served directly. The access-time bump does
	// not block the caller.
	if c.enabled {
		f, err := c.store.GetCachedFile(lib.ID, key)
		if err == nil && (meta.MD5 == "" || strings.EqualFold(f.MD5, meta.MD5)) {
			go c.touch(lib.ID, key)
			return &Blob{Data: f.Blob, MimeType: f.MimeType, FileName: f.FileName, MD5: f.MD5}, nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("reading cached file %s: %w", key, err)
		}
	}

	return c.download(ctx, lib, key, meta)
}

// download fetches the payload by link mode, verifies it, and persists it.
func (c *Cache) download(ctx context.Context, lib storage.Library, key string, meta attachmentMeta) (*Blob, error) {
	if meta.LinkMode == linkModeLinkedFile {
		// Linked files live outside the library; there is nothing to fetch.
		return nil, nil
	}

	data, fromWebDAV, err := c.fetchBytes(ctx, lib, key)
	if err != nil {
		return nil, err
	}

	// Hash before anything is persisted or returned as verified.
	sum := md5.Sum(data)
	computed := hex.EncodeToString(sum[:])

	switch {
	case meta.MD5 == "":
		// Remote record is unverifiable; trust the download.
	case computed == strings.ToLower(meta.MD5):
		// Verified.
	case fromWebDAV:
		// WebDAV bytes with the API path unavailable: availability wins,
		// but the disagreement is worth surfacing.
		c.logger.Warn("integrity mismatch on WebDAV download",
			"library", lib.ID, "key", key, "stated", meta.MD5, "computed", computed)
	default:
		// The live API download is authoritative; the stale stated hash is
		// auto-repaired by persisting the computed one.
		c.logger.Info("integrity mismatch auto-repaired from primary download",
			"library", lib.ID, "key", key, "stated", meta.MD5, "computed", computed)
	}

	blob := &Blob{Data: data, MimeType: meta.ContentType, FileName: meta.Filename, MD5: computed}

	if c.enabled {
		f := storage.CachedFile{
			LibraryID:      lib.ID,
			Key:            key,
			Blob:           data,
			MimeType:       meta.ContentType,
			FileName:       meta.Filename,
			MD5:            computed,
			Size:           int64(len(data)),
			LastAccessedAt: time.Now().UTC(),
		}
		if err := c.store.PutCachedFile(f); err != nil {
			return nil, fmt.Errorf("persisting cached file %s: %w", key, err)
		}
		c.enqueue(JobPruneCache, "{}")
		if meta.ContentType == "application/pdf" {
			payload, _ := json.Marshal(map[string]any{"libraryID": lib.ID, "key": key})
			c.enqueue(JobIndexFulltext, string(payload))
		}
	}

	return blob, nil
}

// fetchBytes tries the remote API first, then WebDAV when configured.
// The bool reports whether the returned bytes came from WebDAV.
func (c *Cache) fetchBytes(ctx context.Context, lib storage.Library, key string) ([]byte, bool, error) {
	ref := remote.Library{ID: lib.ID, Type: lib.Type}
	data, apiErr := c.api.DownloadAttachment(ctx, ref, key)
	if apiErr == nil {
		return data, false, nil
	}

	if c.webdav == nil {
		return nil, false, fmt.Errorf("downloading attachment %s: %w", key, apiErr)
	}

	c.logger.Warn("primary download failed, trying WebDAV", "library", lib.ID, "key", key, "error", apiErr)
	data, davErr := c.webdav.DownloadArchive(ctx, key)
	if davErr != nil {
		return nil, false, fmt.Errorf("downloading attachment %s: api: %v; webdav: %w", key, apiErr, davErr)
	}
	return data, true, nil
}

// touch bumps the access time after a cache hit. Failures only get logged;
// a stale access time is not worth failing a read for.
func (c *Cache) touch(libraryID int64, key string) {
	if err := c.store.TouchCachedFile(libraryID, key, time.Now().UTC()); err != nil {
		c.logger.Warn("bumping cache access time failed", "library", libraryID, "key", key, "error", err)
	}
}

// enqueue adds a background job, logging instead of propagating failures:
// the caller's request already succeeded.
func (c *Cache) enqueue(jobType, payload string) {
	if c.jobs == nil {
		return
	}
	job := storage.Job{ID: uuid.New().String(), Type: jobType, PayloadJSON: payload}
	if err := c.jobs.EnqueueJob(job); err != nil {
		c.logger.Warn("enqueueing job failed", "type", jobType, "error", err)
	}
}

func flightKey(libraryID int64, key string) string {
	return fmt.Sprintf("%d/%s", libraryID, key)
}
