package storage

import (
	"database/sql"
	"fmt"
)

// UpsertCollections writes a batch of collections inside one transaction.
// Existing rows keyed by (library_id, key) are overwritten.
func (s *Store) UpsertCollections(cols []Collection) error {
	if len(cols) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO collections (library_id, key, version, name, parent_collection, trashed, sync_status, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(library_id, key) DO UPDATE SET
			version = excluded.version,
			name = excluded.name,
			parent_collection = excluded.parent_collection,
			trashed = excluded.trashed,
			sync_status = excluded.sync_status,
			raw = excluded.raw`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range cols {
		status := c.SyncStatus
		if status == "" {
			status = SyncStatusSynced
		}
		if _, err := stmt.Exec(c.LibraryID, c.Key, c.Version, c.Name, c.ParentCollection, c.Trashed, status, c.Raw); err != nil {
			return fmt.Errorf("upserting collection %s: %w", c.Key, err)
		}
	}

	return tx.Commit()
}

// DeleteCollections removes the given collection keys in one transaction.
// Missing keys are ignored.
func (s *Store) DeleteCollections(libraryID int64, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`DELETE FROM collections WHERE library_id = ? AND key = ?`)
	if err != nil {
		return fmt.Errorf("preparing delete: %w", err)
	}
	defer stmt.Close()

	for _, k := range keys {
		if _, err := stmt.Exec(libraryID, k); err != nil {
			return fmt.Errorf("deleting collection %s: %w", k, err)
		}
	}

	return tx.Commit()
}

// GetCollection returns one collection by compound key.
func (s *Store) GetCollection(libraryID int64, key string) (Collection, error) {
	var c Collection
	err := s.db.QueryRow(`
		SELECT library_id, key, version, name, parent_collection, trashed, sync_status, raw
		FROM collections WHERE library_id = ? AND key = ?`, libraryID, key,
	).Scan(&c.LibraryID, &c.Key, &c.Version, &c.Name, &c.ParentCollection, &c.Trashed, &c.SyncStatus, &c.Raw)
	if err == sql.ErrNoRows {
		return Collection{}, ErrNotFound
	}
	return c, err
}

// ListCollections returns all collections of a library ordered by name.
func (s *Store) ListCollections(libraryID int64) ([]Collection, error) {
	rows, err := s.db.Query(`
		SELECT library_id, key, version, name, parent_collection, trashed, sync_status, raw
		FROM collections WHERE library_id = ? ORDER BY name ASC`, libraryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Collection
	for rows.Next() {
		var c Collection
		if err := rows.Scan(&c.LibraryID, &c.Key, &c.Version, &c.Name, &c.ParentCollection, &c.Trashed, &c.SyncStatus, &c.Raw); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// CountCollections returns the number of collections in a library.
func (s *Store) CountCollections(libraryID int64) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM collections WHERE library_id = ?`, libraryID).Scan(&n)
	return n, err
}
