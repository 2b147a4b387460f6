package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalambet/stacks/internal/annot"
	"github.com/kalambet/stacks/internal/cache"
	"github.com/kalambet/stacks/internal/storage"
	"github.com/kalambet/stacks/internal/sync"
)

const testToken = "test-token"

// --- mocks ---

type mockSyncer struct {
	syncFn     func(ctx context.Context, lib storage.Library) (sync.Summary, error)
	inProgress bool
}

func (m *mockSyncer) Sync(ctx context.Context, lib storage.Library) (sync.Summary, error) {
	if m.syncFn != nil {
		return m.syncFn(ctx, lib)
	}
	return sync.Summary{LibraryID: lib.ID}, nil
}

func (m *mockSyncer) InProgress(int64) bool { return m.inProgress }

type mockBlobs struct {
	getBlobFn func(ctx context.Context, lib storage.Library, key string) (*cache.Blob, error)
	warmFn    func(ctx context.Context, lib storage.Library, keys []string, concurrency int) (int, error)
	stats     storage.CacheStats
	maxBytes  int64
	pruned    bool
}

func (m *mockBlobs) GetBlob(ctx context.Context, lib storage.Library, key string) (*cache.Blob, error) {
	if m.getBlobFn != nil {
		return m.getBlobFn(ctx, lib, key)
	}
	return nil, nil
}

func (m *mockBlobs) Warm(ctx context.Context, lib storage.Library, keys []string, concurrency int) (int, error) {
	if m.warmFn != nil {
		return m.warmFn(ctx, lib, keys, concurrency)
	}
	return len(keys), nil
}

func (m *mockBlobs) Prune(context.Context) error {
	m.pruned = true
	return nil
}

func (m *mockBlobs) Stats() (storage.CacheStats, int64, error) {
	return m.stats, m.maxBytes, nil
}

type mockReconciler struct {
	reconcileFn func(ctx context.Context, libraryID int64, attachmentKey string, snapshots []annot.Snapshot, deletedIDs []string) (annot.Result, error)
}

func (m *mockReconciler) Reconcile(ctx context.Context, libraryID int64, attachmentKey string, snapshots []annot.Snapshot, deletedIDs []string) (annot.Result, error) {
	if m.reconcileFn != nil {
		return m.reconcileFn(ctx, libraryID, attachmentKey, snapshots, deletedIDs)
	}
	return annot.Result{}, nil
}

// --- helpers ---

func newTestDeps(t *testing.T) (AppDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return AppDeps{
		Store:      store,
		Syncer:     &mockSyncer{},
		Blobs:      &mockBlobs{},
		Reconciler: &mockReconciler{},
		Token:      testToken,
	}, store
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func seedLibraryWithItem(t *testing.T, store *storage.Store) {
	t.Helper()
	if err := store.CreateLibrary(storage.Library{ID: 1, Type: storage.LibraryTypeUser, Name: "mine"}); err != nil {
		t.Fatalf("CreateLibrary: %v", err)
	}
	it := storage.Item{
		LibraryID:    1,
		Key:          "ITEM1",
		Version:      4,
		ItemType:     "journalArticle",
		Title:        "Consensus in Distributed Systems",
		DateAdded:    time.Now().UTC(),
		DateModified: time.Now().UTC(),
		SyncStatus:   storage.SyncStatusSynced,
		Raw:          `{"key":"ITEM1","itemType":"journalArticle","title":"Consensus in Distributed Systems"}`,
	}
	if err := store.UpsertItems([]storage.Item{it}); err != nil {
		t.Fatalf("UpsertItems: %v", err)
	}
}

// --- tests ---

func TestHealthNoAuth(t *testing.T) {
	deps, _ := newTestDeps(t)
	handler := NewAppHandler(deps)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	deps, _ := newTestDeps(t)
	handler := NewAppHandler(deps)

	req := httptest.NewRequest(http.MethodGet, "/libraries", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/libraries", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}
}

func TestSyncEndpoint(t *testing.T) {
	deps, _ := newTestDeps(t)
	var gotLib storage.Library
	deps.Syncer = &mockSyncer{syncFn: func(_ context.Context, lib storage.Library) (sync.Summary, error) {
		gotLib = lib
		return sync.Summary{LibraryID: lib.ID, Items: sync.PullResult{Updated: 3}}, nil
	}}
	handler := NewAppHandler(deps)

	rec := doRequest(t, handler, http.MethodPost, "/libraries/7/sync", map[string]string{"type": "group", "name": "lab"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if gotLib.ID != 7 || gotLib.Type != "group" || gotLib.Name != "lab" {
		t.Errorf("synced library = %+v", gotLib)
	}

	var summary sync.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if summary.Items.Updated != 3 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestSyncConflictWhenInProgress(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Syncer = &mockSyncer{syncFn: func(context.Context, storage.Library) (sync.Summary, error) {
		return sync.Summary{}, sync.ErrSyncInProgress
	}}
	handler := NewAppHandler(deps)

	rec := doRequest(t, handler, http.MethodPost, "/libraries/1/sync", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestSearchItemsEndpoint(t *testing.T) {
	deps, store := newTestDeps(t)
	seedLibraryWithItem(t, store)
	handler := NewAppHandler(deps)

	rec := doRequest(t, handler, http.MethodGet, "/libraries/1/items?q=consensus", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var items []storage.Item
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decoding items: %v", err)
	}
	if len(items) != 1 || items[0].Key != "ITEM1" {
		t.Errorf("items = %+v", items)
	}

	rec = doRequest(t, handler, http.MethodGet, "/libraries/1/items", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing q: status = %d, want 400", rec.Code)
	}
}

func TestGetItemEndpoint(t *testing.T) {
	deps, store := newTestDeps(t)
	seedLibraryWithItem(t, store)
	handler := NewAppHandler(deps)

	rec := doRequest(t, handler, http.MethodGet, "/libraries/1/items/ITEM1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/libraries/1/items/NOPE", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing item: status = %d, want 404", rec.Code)
	}
}

func TestGetAttachmentEndpoint(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Blobs = &mockBlobs{getBlobFn: func(_ context.Context, _ storage.Library, key string) (*cache.Blob, error) {
		if key == "GONE" {
			return nil, nil
		}
		if key == "BROKEN" {
			return nil, fmt.Errorf("all download paths failed")
		}
		return &cache.Blob{Data: []byte("%PDF-1.7"), MimeType: "application/pdf", FileName: "paper.pdf", MD5: "abc123"}, nil
	}}
	handler := NewAppHandler(deps)

	rec := doRequest(t, handler, http.MethodGet, "/libraries/1/attachments/ATT1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Body.String() != "%PDF-1.7" {
		t.Errorf("body = %q", rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodGet, "/libraries/1/attachments/GONE", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("no payload: status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/libraries/1/attachments/BROKEN", nil)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("failed download: status = %d, want 502", rec.Code)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	deps, _ := newTestDeps(t)
	var gotKey string
	var gotSnaps []annot.Snapshot
	var gotDeleted []string
	deps.Reconciler = &mockReconciler{reconcileFn: func(_ context.Context, _ int64, key string, snaps []annot.Snapshot, deleted []string) (annot.Result, error) {
		gotKey, gotSnaps, gotDeleted = key, snaps, deleted
		return annot.Result{Changed: true, Created: 1}, nil
	}}
	handler := NewAppHandler(deps)

	body := map[string]any{
		"annotations": []map[string]any{{"id": "AN1", "type": "highlight", "text": "quoted"}},
		"deletedIds":  []string{"AN9"},
	}
	rec := doRequest(t, handler, http.MethodPost, "/libraries/1/attachments/ATT1/annotations", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if gotKey != "ATT1" || len(gotSnaps) != 1 || gotSnaps[0].ID != "AN1" || len(gotDeleted) != 1 {
		t.Errorf("reconcile called with key=%q snaps=%+v deleted=%v", gotKey, gotSnaps, gotDeleted)
	}

	var result annot.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if !result.Changed || result.Created != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestCacheEndpoints(t *testing.T) {
	deps, _ := newTestDeps(t)
	blobs := &mockBlobs{stats: storage.CacheStats{Files: 2, TotalBytes: 1024}, maxBytes: 4096}
	deps.Blobs = blobs
	handler := NewAppHandler(deps)

	rec := doRequest(t, handler, http.MethodGet, "/cache/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var stats map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats["files"] != 2 || stats["totalBytes"] != 1024 || stats["maxBytes"] != 4096 {
		t.Errorf("stats = %v", stats)
	}

	rec = doRequest(t, handler, http.MethodPost, "/cache/prune", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("prune status = %d", rec.Code)
	}
	if !blobs.pruned {
		t.Error("prune endpoint did not call Prune")
	}
}

func TestCacheWarmEndpoint(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Blobs = &mockBlobs{warmFn: func(_ context.Context, _ storage.Library, keys []string, _ int) (int, error) {
		return len(keys) - 1, nil
	}}
	handler := NewAppHandler(deps)

	rec := doRequest(t, handler, http.MethodPost, "/libraries/1/cache/warm", map[string]any{"keys": []string{"A", "B", "C"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["requested"] != 3 || resp["available"] != 2 {
		t.Errorf("response = %v", resp)
	}

	rec = doRequest(t, handler, http.MethodPost, "/libraries/1/cache/warm", map[string]any{"keys": []string{}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty keys: status = %d, want 400", rec.Code)
	}
}

func TestListLibrariesAndCollections(t *testing.T) {
	deps, store := newTestDeps(t)
	seedLibraryWithItem(t, store)
	if err := store.UpsertCollections([]storage.Collection{{LibraryID: 1, Key: "COL1", Version: 2, Name: "Papers"}}); err != nil {
		t.Fatalf("UpsertCollections: %v", err)
	}
	handler := NewAppHandler(deps)

	rec := doRequest(t, handler, http.MethodGet, "/libraries", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("libraries status = %d", rec.Code)
	}
	var libs []storage.Library
	if err := json.Unmarshal(rec.Body.Bytes(), &libs); err != nil {
		t.Fatalf("decoding libraries: %v", err)
	}
	if len(libs) != 1 || libs[0].ID != 1 {
		t.Errorf("libraries = %+v", libs)
	}

	rec = doRequest(t, handler, http.MethodGet, "/libraries/1/collections", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("collections status = %d", rec.Code)
	}
	var cols []storage.Collection
	if err := json.Unmarshal(rec.Body.Bytes(), &cols); err != nil {
		t.Fatalf("decoding collections: %v", err)
	}
	if len(cols) != 1 || cols[0].Key != "COL1" {
		t.Errorf("collections = %+v", cols)
	}
}
