package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/stacks/internal/storage"
)

// maxToolTextBytes caps extracted attachment text returned from a tool call.
const maxToolTextBytes = 256 << 10

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  *storage.Store
	Syncer Syncer
	Blobs  BlobSource
}

// NewMCPServer creates an MCP server exposing the replica to agents.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"stacks",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("stacks — local replica of a remote reference library: search items, browse collections, and read cached attachment text."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("search_library",
			mcp.WithDescription("Search the local library replica by title, creators, tags, and attachment full text."),
			mcp.WithNumber("library", mcp.Description("Library ID"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchLibrary(deps),
	)

	s.AddTool(
		mcp.NewTool("get_item",
			mcp.WithDescription("Return the full metadata record of one library item."),
			mcp.WithNumber("library", mcp.Description("Library ID"), mcp.Required()),
			mcp.WithString("key", mcp.Description("Item key"), mcp.Required()),
		),
		mcpGetItem(deps),
	)

	s.AddTool(
		mcp.NewTool("list_collections",
			mcp.WithDescription("List the collections of a library."),
			mcp.WithNumber("library", mcp.Description("Library ID"), mcp.Required()),
		),
		mcpListCollections(deps),
	)

	s.AddTool(
		mcp.NewTool("get_attachment_text",
			mcp.WithDescription("Return the extracted full text of a cached attachment, fetching the payload first if needed."),
			mcp.WithNumber("library", mcp.Description("Library ID"), mcp.Required()),
			mcp.WithString("key", mcp.Description("Attachment item key"), mcp.Required()),
		),
		mcpGetAttachmentText(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_library",
			mcp.WithDescription("Pull the latest changes for a library from the remote service."),
			mcp.WithNumber("library", mcp.Description("Library ID"), mcp.Required()),
		),
		mcpSyncLibrary(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"stacks://libraries",
			"Library Status",
			mcp.WithResourceDescription("Synced libraries with their version cursors and item counts"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceLibraries(deps),
	)

	return s
}

func mcpSearchLibrary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		libraryID, err := req.RequireInt("library")
		if err != nil {
			return mcpError("library is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		items, err := deps.Store.SearchItems(int64(libraryID), query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(items) == 0 {
			return mcpText("[]"), nil
		}

		type itemResult struct {
			Key      string `json:"key"`
			ItemType string `json:"itemType"`
			Title    string `json:"title"`
			Parent   string `json:"parent,omitempty"`
		}

		results := make([]itemResult, len(items))
		for i, it := range items {
			results[i] = itemResult{
				Key:      it.Key,
				ItemType: it.ItemType,
				Title:    it.Title,
				Parent:   it.ParentItem,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetItem(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		libraryID, err := req.RequireInt("library")
		if err != nil {
			return mcpError("library is required"), nil
		}
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}

		item, err := deps.Store.GetItem(int64(libraryID), key)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("item %s not found", key)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get item: %v", err)), nil
		}

		// The raw record is the remote's own JSON; return it verbatim.
		return mcpText(item.Raw), nil
	}
}

func mcpListCollections(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		libraryID, err := req.RequireInt("library")
		if err != nil {
			return mcpError("library is required"), nil
		}

		cols, err := deps.Store.ListCollections(int64(libraryID))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list collections: %v", err)), nil
		}
		if len(cols) == 0 {
			return mcpText("[]"), nil
		}

		type colResult struct {
			Key    string `json:"key"`
			Name   string `json:"name"`
			Parent string `json:"parent,omitempty"`
		}

		results := make([]colResult, len(cols))
		for i, c := range cols {
			results[i] = colResult{Key: c.Key, Name: c.Name, Parent: c.ParentCollection}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal collections: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetAttachmentText(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		libraryID, err := req.RequireInt("library")
		if err != nil {
			return mcpError("library is required"), nil
		}
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}

		text, err := deps.Store.GetItemFulltext(int64(libraryID), key)
		if err == nil {
			return mcpText(truncateText(text)), nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("failed to read attachment text: %v", err)), nil
		}

		// Not indexed yet. Fetch the payload so the background indexer picks
		// it up, and tell the caller to retry.
		lib, err := deps.Store.GetLibrary(int64(libraryID))
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("library %d not synced", libraryID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get library: %v", err)), nil
		}

		blob, err := deps.Blobs.GetBlob(ctx, lib, key)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to fetch attachment: %v", err)), nil
		}
		if blob == nil {
			return mcpError(fmt.Sprintf("attachment %s has no downloadable payload", key)), nil
		}
		return mcpText("attachment fetched; text extraction queued, retry shortly"), nil
	}
}

func mcpSyncLibrary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		libraryID, err := req.RequireInt("library")
		if err != nil {
			return mcpError("library is required"), nil
		}

		lib, err := deps.Store.GetLibrary(int64(libraryID))
		if errors.Is(err, storage.ErrNotFound) {
			lib = storage.Library{ID: int64(libraryID), Type: storage.LibraryTypeUser}
		} else if err != nil {
			return mcpError(fmt.Sprintf("failed to get library: %v", err)), nil
		}

		summary, err := deps.Syncer.Sync(ctx, lib)
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}

		b, err := json.Marshal(summary)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal summary: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceLibraries(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		libs, err := deps.Store.ListLibraries()
		if err != nil {
			return nil, fmt.Errorf("failed to list libraries: %w", err)
		}

		type libStatus struct {
			ID                int64  `json:"id"`
			Type              string `json:"type"`
			Name              string `json:"name"`
			CollectionVersion int64  `json:"collectionVersion"`
			ItemVersion       int64  `json:"itemVersion"`
			Items             int64  `json:"items"`
			Collections       int64  `json:"collections"`
			Syncing           bool   `json:"syncing"`
		}

		statuses := make([]libStatus, len(libs))
		for i, lib := range libs {
			items, err := deps.Store.CountItems(lib.ID)
			if err != nil {
				return nil, fmt.Errorf("counting items for library %d: %w", lib.ID, err)
			}
			cols, err := deps.Store.CountCollections(lib.ID)
			if err != nil {
				return nil, fmt.Errorf("counting collections for library %d: %w", lib.ID, err)
			}
			statuses[i] = libStatus{
				ID:                lib.ID,
				Type:              lib.Type,
				Name:              lib.Name,
				CollectionVersion: lib.CollectionVersion,
				ItemVersion:       lib.ItemVersion,
				Items:             items,
				Collections:       cols,
				Syncing:           deps.Syncer.InProgress(lib.ID),
			}
		}

		b, err := json.Marshal(statuses)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal library status: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func truncateText(text string) string {
	if len(text) <= maxToolTextBytes {
		return text
	}
	cut := text[:maxToolTextBytes]
	for !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "\n[truncated]"
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
