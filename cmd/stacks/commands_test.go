package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestSyncCommandRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /libraries/12345/sync": `{"libraryID":12345,"collections":{"updated":3,"deleted":1},"items":{"updated":7,"deleted":0}}`,
	})

	client := ts.client()

	body := map[string]string{"type": "group", "name": "Lab Shared"}
	resp, err := client.post(ctx, "/libraries/12345/sync", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var summary struct {
		LibraryID int64 `json:"libraryID"`
		Items     struct {
			Updated int `json:"updated"`
		} `json:"items"`
	}
	if err := decodeJSON(resp, &summary); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if summary.LibraryID != 12345 {
		t.Errorf("libraryID = %d, want 12345", summary.LibraryID)
	}
	if summary.Items.Updated != 7 {
		t.Errorf("items.updated = %d, want 7", summary.Items.Updated)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}

	r := ts.requests[0]
	if r.Method != "POST" {
		t.Errorf("method = %q, want POST", r.Method)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var sent map[string]string
	if err := json.Unmarshal([]byte(r.Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sent["type"] != "group" {
		t.Errorf("body.type = %q, want group", sent["type"])
	}
	if sent["name"] != "Lab Shared" {
		t.Errorf("body.name = %q, want Lab Shared", sent["name"])
	}
}

func TestSyncCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"sync"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q, want it to mention args", err.Error())
	}
}

func TestSearchCommand_URLEncoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /libraries/1/items": `[]`,
	})

	client := ts.client()
	query := "raft & paxos consensus"
	path := fmt.Sprintf("/libraries/1/items?q=%s&limit=20", url.QueryEscape(query))
	resp, err := client.get(ctx, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}

	reqPath := ts.requests[0].Path
	if strings.Contains(reqPath, "& paxos") {
		t.Errorf("query not URL-encoded: %q", reqPath)
	}
	if !strings.Contains(reqPath, "q=raft+%26+paxos+consensus") {
		t.Errorf("unexpected encoded path: %q", reqPath)
	}
}

func TestSearchCommandResults(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /libraries/1/items": `[{"Key":"AB12CD34","ItemType":"journalArticle","Title":"Consensus in Distributed Systems"}]`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/libraries/1/items?q=consensus&limit=20")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var items []struct {
		Key   string `json:"Key"`
		Title string `json:"Title"`
	}
	if err := decodeJSON(resp, &items); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Key != "AB12CD34" {
		t.Errorf("key = %q, want AB12CD34", items[0].Key)
	}
}

func TestCacheWarmRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /libraries/1/cache/warm": `{"requested":3,"available":2}`,
	})

	client := ts.client()
	body := map[string]any{"keys": []string{"A1", "B2", "C3"}, "concurrency": 4}
	resp, err := client.post(ctx, "/libraries/1/cache/warm", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Requested int `json:"requested"`
		Available int `json:"available"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if result.Requested != 3 || result.Available != 2 {
		t.Errorf("result = %+v, want requested=3 available=2", result)
	}

	var sent map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	keys, ok := sent["keys"].([]any)
	if !ok || len(keys) != 3 {
		t.Errorf("body.keys = %v, want 3 keys", sent["keys"])
	}
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	_, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/libraries")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 * 1024 * 1024 * 1024, "3.0 GiB"},
	}
	for _, tt := range tests {
		got := formatBytes(tt.n)
		if got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
