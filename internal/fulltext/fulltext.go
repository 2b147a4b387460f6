// Package fulltext extracts searchable text from cached attachment
// payloads and stores it alongside the replica.
package fulltext

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/stacks/internal/storage"
)

// maxIndexedBytes caps how much extracted text is persisted per item.
const maxIndexedBytes = 2 << 20

// Indexer extracts text from cached files and writes it to the store.
type Indexer struct {
	store  *storage.Store
	logger *slog.Logger
}

func NewIndexer(store *storage.Store) *Indexer {
	return &Indexer{store: store, logger: slog.Default()}
}

// IndexItem extracts text from the cached payload of an attachment and
// persists it for search. Items without a cached payload or with an
// unsupported content type are skipped silently.
func (ix *Indexer) IndexItem(libraryID int64, key string) error {
	f, err := ix.store.GetCachedFile(libraryID, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading cached file %s: %w", key, err)
	}

	var text string
	switch {
	case f.MimeType == "application/pdf":
		text, err = ExtractPDF(f.Blob)
		if err != nil {
			return fmt.Errorf("extracting pdf text for %s: %w", key, err)
		}
	case strings.HasPrefix(f.MimeType, "text/"):
		text = string(f.Blob)
	default:
		return nil
	}

	text = normalize(text)
	if text == "" {
		return nil
	}
	if len(text) > maxIndexedBytes {
		cut := text[:maxIndexedBytes]
		// Do not split a multi-byte rune at the cap.
		for !utf8.ValidString(cut) {
			cut = cut[:len(cut)-1]
		}
		text = cut
	}

	if err := ix.store.SetItemFulltext(libraryID, key, text); err != nil {
		return fmt.Errorf("storing fulltext for %s: %w", key, err)
	}
	ix.logger.Debug("indexed attachment text", "library", libraryID, "key", key, "bytes", len(text))
	return nil
}

// ExtractPDF pulls the plain text out of a PDF payload.
func ExtractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	var buf strings.Builder
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}

// normalize collapses whitespace runs so LIKE queries match across line
// breaks in the original layout.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
