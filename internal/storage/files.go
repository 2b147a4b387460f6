package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// GetCachedFile returns the cached attachment payload for an item key.
func (s *Store) GetCachedFile(libraryID int64, key string) (CachedFile, error) {
	var f CachedFile
	var accessed string
	err := s.db.QueryRow(`
		SELECT library_id, key, blob, mime_type, file_name, md5, size, last_accessed_at
		FROM cached_files WHERE library_id = ? AND key = ?`, libraryID, key,
	).Scan(&f.LibraryID, &f.Key, &f.Blob, &f.MimeType, &f.FileName, &f.MD5, &f.Size, &accessed)
	if err == sql.ErrNoRows {
		return CachedFile{}, ErrNotFound
	}
	if err != nil {
		return CachedFile{}, err
	}
	f.LastAccessedAt = parseTime(accessed)
	return f, nil
}

// PutCachedFile inserts or overwrites a cached attachment payload.
func (s *Store) PutCachedFile(f CachedFile) error {
	accessed := f.LastAccessedAt
	if accessed.IsZero() {
		accessed = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO cached_files (library_id, key, blob, mime_type, file_name, md5, size, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(library_id, key) DO UPDATE SET
			blob = excluded.blob,
			mime_type = excluded.mime_type,
			file_name = excluded.file_name,
			md5 = excluded.md5,
			size = excluded.size,
			last_accessed_at = excluded.last_accessed_at`,
		f.LibraryID, f.Key, f.Blob, f.MimeType, f.FileName, f.MD5, f.Size, formatTime(accessed),
	)
	return err
}

// TouchCachedFile bumps last_accessed_at for LRU ordering.
func (s *Store) TouchCachedFile(libraryID int64, key string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE cached_files SET last_accessed_at = ? WHERE library_id = ? AND key = ?`,
		formatTime(at), libraryID, key,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCachedFile removes one cached payload.
func (s *Store) DeleteCachedFile(libraryID int64, key string) error {
	_, err := s.db.Exec(`DELETE FROM cached_files WHERE library_id = ? AND key = ?`, libraryID, key)
	return err
}

// CachedFilesByAccess lists all cached files without payloads, least
// recently accessed first. Pruning walks this order.
func (s *Store) CachedFilesByAccess() ([]CachedFileInfo, error) {
	rows, err := s.db.Query(`
		SELECT library_id, key, size, last_accessed_at
		FROM cached_files ORDER BY last_accessed_at ASC, key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []CachedFileInfo
	for rows.Next() {
		var f CachedFileInfo
		var accessed string
		if err := rows.Scan(&f.LibraryID, &f.Key, &f.Size, &accessed); err != nil {
			return nil, err
		}
		f.LastAccessedAt = parseTime(accessed)
		results = append(results, f)
	}
	return results, rows.Err()
}

// DeleteCachedFiles removes a victim set in one transaction.
func (s *Store) DeleteCachedFiles(victims []CachedFileInfo) error {
	if len(victims) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning prune transaction: %w", err)
	}
	defer tx.Rollback()

	for _, v := range victims {
		if _, err := tx.Exec(`DELETE FROM cached_files WHERE library_id = ? AND key = ?`, v.LibraryID, v.Key); err != nil {
			return fmt.Errorf("deleting cached file %d/%s: %w", v.LibraryID, v.Key, err)
		}
	}

	return tx.Commit()
}

// GetCacheStats returns the file count and total payload bytes.
func (s *Store) GetCacheStats() (CacheStats, error) {
	var st CacheStats
	err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cached_files`).Scan(&st.Files, &st.TotalBytes)
	return st, err
}
