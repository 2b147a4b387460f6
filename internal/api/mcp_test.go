package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/stacks/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Store:  store,
		Syncer: &mockSyncer{},
		Blobs:  &mockBlobs{},
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPSearchLibrary(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedLibraryWithItem(t, store)

	handler := mcpSearchLibrary(deps)
	result, err := handler(context.Background(), makeCallToolRequest("search_library", map[string]interface{}{
		"library": float64(1),
		"query":   "consensus",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var results []map[string]string
	if err := json.Unmarshal([]byte(toolText(t, result)), &results); err != nil {
		t.Fatalf("decoding results: %v", err)
	}
	if len(results) != 1 || results[0]["key"] != "ITEM1" {
		t.Errorf("results = %v", results)
	}
}

func TestMCPSearchLibraryMissingArgs(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpSearchLibrary(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search_library", map[string]interface{}{
		"library": float64(1),
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing query")
	}
}

func TestMCPGetItemReturnsRaw(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedLibraryWithItem(t, store)

	handler := mcpGetItem(deps)
	result, err := handler(context.Background(), makeCallToolRequest("get_item", map[string]interface{}{
		"library": float64(1),
		"key":     "ITEM1",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &raw); err != nil {
		t.Fatalf("decoding raw item: %v", err)
	}
	if raw["itemType"] != "journalArticle" {
		t.Errorf("raw = %v", raw)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("get_item", map[string]interface{}{
		"library": float64(1),
		"key":     "NOPE",
	}))
	if !result.IsError {
		t.Error("expected tool error for missing item")
	}
}

func TestMCPListCollections(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedLibraryWithItem(t, store)
	if err := store.UpsertCollections([]storage.Collection{
		{LibraryID: 1, Key: "COL1", Version: 2, Name: "Papers"},
		{LibraryID: 1, Key: "COL2", Version: 2, Name: "Drafts", ParentCollection: "COL1"},
	}); err != nil {
		t.Fatalf("UpsertCollections: %v", err)
	}

	handler := mcpListCollections(deps)
	result, err := handler(context.Background(), makeCallToolRequest("list_collections", map[string]interface{}{
		"library": float64(1),
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}

	var cols []map[string]string
	if err := json.Unmarshal([]byte(toolText(t, result)), &cols); err != nil {
		t.Fatalf("decoding collections: %v", err)
	}
	if len(cols) != 2 {
		t.Errorf("collections = %v", cols)
	}
}

func TestMCPGetAttachmentText(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedLibraryWithItem(t, store)
	if err := store.SetItemFulltext(1, "ATT1", "extracted body text"); err != nil {
		t.Fatalf("SetItemFulltext: %v", err)
	}

	handler := mcpGetAttachmentText(deps)
	result, err := handler(context.Background(), makeCallToolRequest("get_attachment_text", map[string]interface{}{
		"library": float64(1),
		"key":     "ATT1",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if toolText(t, result) != "extracted body text" {
		t.Errorf("text = %q", toolText(t, result))
	}
}

func TestMCPSyncLibrary(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpSyncLibrary(deps)

	result, err := handler(context.Background(), makeCallToolRequest("sync_library", map[string]interface{}{
		"library": float64(5),
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var summary map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &summary); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if summary["libraryID"] != float64(5) {
		t.Errorf("summary = %v", summary)
	}
}

func TestMCPResourceLibraries(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedLibraryWithItem(t, store)
	if err := store.SetLibraryVersion(1, storage.KindItems, 42); err != nil {
		t.Fatalf("SetLibraryVersion: %v", err)
	}

	handler := mcpResourceLibraries(deps)
	contents, err := handler(context.Background(), makeReadResourceRequest("stacks://libraries"))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %d entries", len(contents))
	}

	text := contents[0].(mcp.TextResourceContents).Text
	var statuses []map[string]any
	if err := json.Unmarshal([]byte(text), &statuses); err != nil {
		t.Fatalf("decoding statuses: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("statuses = %v", statuses)
	}
	if statuses[0]["itemVersion"] != float64(42) || statuses[0]["items"] != float64(1) {
		t.Errorf("status = %v", statuses[0])
	}
}

func TestTruncateTextPreservesUTF8(t *testing.T) {
	long := ""
	for len(long) < maxToolTextBytes+10 {
		long += "é"
	}
	got := truncateText(long)
	if len(got) > maxToolTextBytes+len("\n[truncated]") {
		t.Errorf("truncated length = %d", len(got))
	}
	if got[len(got)-len("[truncated]"):] != "[truncated]" {
		t.Error("missing truncation marker")
	}
}
