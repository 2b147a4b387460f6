package storage

import (
	"database/sql"
	"time"
)

// SetItemFulltext stores (or replaces) extracted text for an attachment.
func (s *Store) SetItemFulltext(libraryID int64, key, content string) error {
	_, err := s.db.Exec(`
		INSERT INTO item_fulltext (library_id, key, content, indexed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(library_id, key) DO UPDATE SET
			content = excluded.content,
			indexed_at = excluded.indexed_at`,
		libraryID, key, content, formatTime(time.Now().UTC()),
	)
	return err
}

// GetItemFulltext returns the extracted text for an attachment.
func (s *Store) GetItemFulltext(libraryID int64, key string) (string, error) {
	var content string
	err := s.db.QueryRow(
		`SELECT content FROM item_fulltext WHERE library_id = ? AND key = ?`,
		libraryID, key,
	).Scan(&content)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return content, err
}
