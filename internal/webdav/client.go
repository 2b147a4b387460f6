// Package webdav implements the fallback attachment transport: a WebDAV
// share where each attachment is stored as {key}.zip with the payload as
// the archive's single meaningful entry.
package webdav

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
)

// ErrNoPayload is returned when an archive contains no usable entry.
var ErrNoPayload = errors.New("webdav: archive has no payload entry")

// maxArchiveSize caps a single archive download (64MB).
const maxArchiveSize = 64 << 20

// Client downloads attachment archives from a WebDAV share.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// New creates a Client for the given WebDAV base URL. Credentials may be
// empty for unauthenticated shares.
func New(baseURL, username, password string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// DownloadArchive fetches {key}.zip and returns the decompressed payload
// bytes of the archive's single meaningful entry.
func (c *Client) DownloadArchive(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s.zip", c.baseURL, key), nil)
	if err != nil {
		return nil, err
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching archive %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webdav returned %d for %s.zip", resp.StatusCode, key)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading archive %s: %w", key, err)
	}
	if len(data) > maxArchiveSize {
		return nil, fmt.Errorf("archive %s exceeds size limit", key)
	}

	return extractPayload(data)
}

// extractPayload picks the payload entry out of an attachment archive.
// Directories, hidden entries, and .prop metadata files are not payloads.
func extractPayload(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Base(f.Name)
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".prop") {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening entry %s: %w", f.Name, err)
		}
		payload, err := io.ReadAll(io.LimitReader(rc, maxArchiveSize))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading entry %s: %w", f.Name, err)
		}
		return payload, nil
	}

	return nil, ErrNoPayload
}
