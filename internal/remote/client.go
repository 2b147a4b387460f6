// Package remote implements the client for the Zotero-compatible web API
// the replica syncs against. It only covers the read side: version diffs,
// record fetches, deletion lists, and attachment downloads.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the remote reports 404 for a resource.
var ErrNotFound = errors.New("remote: not found")

// maxAttachmentSize caps a single attachment download (64MB).
const maxAttachmentSize = 64 << 20

// Library identifies a remote library: a user library or a group library.
type Library struct {
	ID   int64
	Type string // "user" or "group"
}

func (l Library) prefix() string {
	if l.Type == "group" {
		return fmt.Sprintf("groups/%d", l.ID)
	}
	return fmt.Sprintf("users/%d", l.ID)
}

// VersionMap is the result of a versions-since diff query: the set of keys
// changed since the cursor, each with its current remote version, plus the
// server's header version (the value the cursor advances to once applied).
type VersionMap struct {
	Versions      map[string]int64
	HeaderVersion int64
}

// Record is one remote collection or item. Data carries the raw "data"
// object; the sync layer normalizes it into the replica shape.
type Record struct {
	Key     string          `json:"key"`
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Deletions lists keys deleted on the remote since a given version.
type Deletions struct {
	Collections []string `json:"collections"`
	Items       []string `json:"items"`
}

// Client talks to a Zotero-compatible API server over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client for the given API base URL and key.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *Client) newRequest(ctx context.Context, path string, query url.Values) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Zotero-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("remote returned %d for %s: %s", resp.StatusCode, req.URL.Path, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// ListVersions returns the key->version map of records changed since the
// given version, along with the server header version.
func (c *Client) ListVersions(ctx context.Context, lib Library, kind string, since int64) (VersionMap, error) {
	q := url.Values{}
	q.Set("format", "versions")
	q.Set("since", strconv.FormatInt(since, 10))

	req, err := c.newRequest(ctx, fmt.Sprintf("/%s/%s", lib.prefix(), kind), q)
	if err != nil {
		return VersionMap{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return VersionMap{}, err
	}
	defer resp.Body.Close()

	header, err := parseHeaderVersion(resp)
	if err != nil {
		return VersionMap{}, err
	}

	versions := make(map[string]int64)
	if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
		return VersionMap{}, fmt.Errorf("decoding versions response: %w", err)
	}

	return VersionMap{Versions: versions, HeaderVersion: header}, nil
}

// FetchByKeys returns the full records for the given keys. The caller is
// responsible for batching keys to the configured size limit; the joined
// key list travels in a single query parameter.
func (c *Client) FetchByKeys(ctx context.Context, lib Library, kind string, keys []string) ([]Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	q := url.Values{}
	switch kind {
	case "collections":
		q.Set("collectionKey", strings.Join(keys, ","))
	case "items":
		q.Set("itemKey", strings.Join(keys, ","))
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}

	req, err := c.newRequest(ctx, fmt.Sprintf("/%s/%s", lib.prefix(), kind), q)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", kind, err)
	}
	return records, nil
}

// ListDeletedSince returns the keys deleted on the remote since the given
// version, for all kinds at once.
func (c *Client) ListDeletedSince(ctx context.Context, lib Library, since int64) (Deletions, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))

	req, err := c.newRequest(ctx, fmt.Sprintf("/%s/deleted", lib.prefix()), q)
	if err != nil {
		return Deletions{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return Deletions{}, err
	}
	defer resp.Body.Close()

	var del Deletions
	if err := json.NewDecoder(resp.Body).Decode(&del); err != nil {
		return Deletions{}, fmt.Errorf("decoding deleted response: %w", err)
	}
	return del, nil
}

// DownloadAttachment fetches the binary payload of an attachment item.
func (c *Client) DownloadAttachment(ctx context.Context, lib Library, key string) ([]byte, error) {
	req, err := c.newRequest(ctx, fmt.Sprintf("/%s/items/%s/file", lib.prefix(), key), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading attachment %s: %w", key, err)
	}
	if len(data) > maxAttachmentSize {
		return nil, fmt.Errorf("attachment %s exceeds size limit", key)
	}
	return data, nil
}

func parseHeaderVersion(resp *http.Response) (int64, error) {
	raw := resp.Header.Get("Last-Modified-Version")
	if raw == "" {
		return 0, fmt.Errorf("response missing Last-Modified-Version header")
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing Last-Modified-Version %q: %w", raw, err)
	}
	return v, nil
}
