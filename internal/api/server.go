// Package api exposes the replica over a local HTTP API and an MCP server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/stacks/internal/annot"
	"github.com/kalambet/stacks/internal/cache"
	"github.com/kalambet/stacks/internal/storage"
	"github.com/kalambet/stacks/internal/sync"
)

const maxRequestBodySize = 16 << 20 // 16MB; annotation snapshots carry inline images

// Syncer runs a full pull for one library.
type Syncer interface {
	Sync(ctx context.Context, lib storage.Library) (sync.Summary, error)
	InProgress(libraryID int64) bool
}

// BlobSource serves attachment payloads and manages the cache.
type BlobSource interface {
	GetBlob(ctx context.Context, lib storage.Library, key string) (*cache.Blob, error)
	Warm(ctx context.Context, lib storage.Library, keys []string, concurrency int) (int, error)
	Prune(ctx context.Context) error
	Stats() (storage.CacheStats, int64, error)
}

// Reconciler applies editor annotation snapshots.
type Reconciler interface {
	Reconcile(ctx context.Context, libraryID int64, attachmentKey string, snapshots []annot.Snapshot, deletedIDs []string) (annot.Result, error)
}

type AppDeps struct {
	Store      *storage.Store
	Syncer     Syncer
	Blobs      BlobSource
	Reconciler Reconciler
	Token      string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/libraries", handleListLibraries(deps))
		r.Post("/libraries/{libraryID}/sync", handleSync(deps))
		r.Get("/libraries/{libraryID}/collections", handleListCollections(deps))
		r.Get("/libraries/{libraryID}/items", handleSearchItems(deps))
		r.Get("/libraries/{libraryID}/items/{key}", handleGetItem(deps))
		r.Get("/libraries/{libraryID}/items/{key}/children", handleItemChildren(deps))
		r.Get("/libraries/{libraryID}/attachments/{key}", handleGetAttachment(deps))
		r.Post("/libraries/{libraryID}/attachments/{key}/annotations", handleReconcile(deps))
		r.Post("/libraries/{libraryID}/cache/warm", handleCacheWarm(deps))
		r.Get("/cache/stats", handleCacheStats(deps))
		r.Post("/cache/prune", handleCachePrune(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// libraryFromRequest resolves the {libraryID} path segment against the
// store, falling back to a user library for IDs not yet synced.
func libraryFromRequest(deps AppDeps, r *http.Request) (storage.Library, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "libraryID"), 10, 64)
	if err != nil {
		return storage.Library{}, fmt.Errorf("invalid library id")
	}
	lib, err := deps.Store.GetLibrary(id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Library{ID: id, Type: storage.LibraryTypeUser}, nil
	}
	if err != nil {
		return storage.Library{}, err
	}
	return lib, nil
}

type syncRequest struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

func handleSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lib, err := libraryFromRequest(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		// An optional body overrides library type and name on first sync.
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req syncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			if req.Type != "" {
				lib.Type = req.Type
			}
			if req.Name != "" {
				lib.Name = req.Name
			}
		}

		summary, err := deps.Syncer.Sync(r.Context(), lib)
		if errors.Is(err, sync.ErrSyncInProgress) {
			httpError(w, http.StatusConflict, "sync_in_progress", "sync already running for library %d", lib.ID)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "sync failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summary)
	}
}

func handleListLibraries(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		libs, err := deps.Store.ListLibraries()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list libraries: %v", err)
			return
		}
		if libs == nil {
			libs = []storage.Library{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(libs)
	}
}

func handleListCollections(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lib, err := libraryFromRequest(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		cols, err := deps.Store.ListCollections(lib.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list collections: %v", err)
			return
		}
		if cols == nil {
			cols = []storage.Collection{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cols)
	}
}

func handleSearchItems(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lib, err := libraryFromRequest(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		items, err := deps.Store.SearchItems(lib.ID, query, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		if items == nil {
			items = []storage.Item{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(items)
	}
}

func handleGetItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lib, err := libraryFromRequest(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		item, err := deps.Store.GetItem(lib.ID, chi.URLParam(r, "key"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get item: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(item)
	}
}

func handleItemChildren(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lib, err := libraryFromRequest(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		items, err := deps.Store.ItemsByParent(lib.ID, chi.URLParam(r, "key"), r.URL.Query().Get("type"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list children: %v", err)
			return
		}
		if items == nil {
			items = []storage.Item{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(items)
	}
}

func handleGetAttachment(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lib, err := libraryFromRequest(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		key := chi.URLParam(r, "key")
		blob, err := deps.Blobs.GetBlob(r.Context(), lib, key)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to fetch attachment: %v", err)
			return
		}
		if blob == nil {
			httpError(w, http.StatusNotFound, "not_found", "attachment %s has no downloadable payload", key)
			return
		}

		contentType := blob.MimeType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		if blob.FileName != "" {
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", blob.FileName))
		}
		w.Header().Set("ETag", `"`+blob.MD5+`"`)
		w.Write(blob.Data)
	}
}

type reconcileRequest struct {
	Annotations []annot.Snapshot `json:"annotations"`
	DeletedIDs  []string         `json:"deletedIds"`
}

func handleReconcile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lib, err := libraryFromRequest(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req reconcileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		result, err := deps.Reconciler.Reconcile(r.Context(), lib.ID, chi.URLParam(r, "key"), req.Annotations, req.DeletedIDs)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reconcile failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

type warmRequest struct {
	Keys        []string `json:"keys"`
	Concurrency int      `json:"concurrency"`
}

func handleCacheWarm(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lib, err := libraryFromRequest(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req warmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Keys) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "keys is required")
			return
		}

		n, err := deps.Blobs.Warm(r.Context(), lib, req.Keys, req.Concurrency)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "warm failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"requested": len(req.Keys), "available": n})
	}
}

func handleCacheStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, budget, err := deps.Blobs.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read cache stats: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"files":      stats.Files,
			"totalBytes": stats.TotalBytes,
			"maxBytes":   budget,
		})
	}
}

func handleCachePrune(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Blobs.Prune(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "prune failed: %v", err)
			return
		}

		stats, budget, err := deps.Blobs.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read cache stats: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"files":      stats.Files,
			"totalBytes": stats.TotalBytes,
			"maxBytes":   budget,
		})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
