package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const itemColumns = `library_id, key, item_type, parent_item, version, trashed, collections,
	date_added, date_modified, title, search_creators, search_tags, sync_status, annotation_is_external, raw`

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var it Item
	var collections, dateAdded, dateModified string
	err := row.Scan(
		&it.LibraryID, &it.Key, &it.ItemType, &it.ParentItem, &it.Version, &it.Trashed,
		&collections, &dateAdded, &dateModified, &it.Title,
		&it.SearchCreators, &it.SearchTags, &it.SyncStatus, &it.AnnotationIsExternal, &it.Raw,
	)
	if err != nil {
		return Item{}, err
	}
	if collections != "" {
		if err := json.Unmarshal([]byte(collections), &it.Collections); err != nil {
			return Item{}, fmt.Errorf("parsing collections for item %s: %w", it.Key, err)
		}
	}
	it.DateAdded = parseTime(dateAdded)
	it.DateModified = parseTime(dateModified)
	return it, nil
}

func upsertItemTx(tx *sql.Tx, it Item) error {
	collections := "[]"
	if len(it.Collections) > 0 {
		data, err := json.Marshal(it.Collections)
		if err != nil {
			return fmt.Errorf("encoding collections for item %s: %w", it.Key, err)
		}
		collections = string(data)
	}
	status := it.SyncStatus
	if status == "" {
		status = SyncStatusSynced
	}
	creators := it.SearchCreators
	if creators == "" {
		creators = "[]"
	}
	tags := it.SearchTags
	if tags == "" {
		tags = "[]"
	}

	_, err := tx.Exec(`
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(library_id, key) DO UPDATE SET
			item_type = excluded.item_type,
			parent_item = excluded.parent_item,
			version = excluded.version,
			trashed = excluded.trashed,
			collections = excluded.collections,
			date_added = excluded.date_added,
			date_modified = excluded.date_modified,
			title = excluded.title,
			search_creators = excluded.search_creators,
			search_tags = excluded.search_tags,
			sync_status = excluded.sync_status,
			annotation_is_external = excluded.annotation_is_external,
			raw = excluded.raw`,
		it.LibraryID, it.Key, it.ItemType, it.ParentItem, it.Version, it.Trashed,
		collections, formatTime(it.DateAdded), formatTime(it.DateModified), it.Title,
		creators, tags, status, it.AnnotationIsExternal, it.Raw,
	)
	if err != nil {
		return fmt.Errorf("upserting item %s: %w", it.Key, err)
	}
	return nil
}

// UpsertItems writes a batch of items inside one transaction. Existing rows
// keyed by (library_id, key) are overwritten, which makes re-applying a
// batch after a failed run harmless.
func (s *Store) UpsertItems(items []Item) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	for _, it := range items {
		if err := upsertItemTx(tx, it); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// DeleteItems removes the given item keys and their cached files and
// full-text rows in one transaction. Callers are responsible for including
// child keys (cascade) in the key set; ChildItemKeys collects them.
func (s *Store) DeleteItems(libraryID int64, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	for _, k := range keys {
		if _, err := tx.Exec(`DELETE FROM items WHERE library_id = ? AND key = ?`, libraryID, k); err != nil {
			return fmt.Errorf("deleting item %s: %w", k, err)
		}
		if _, err := tx.Exec(`DELETE FROM cached_files WHERE library_id = ? AND key = ?`, libraryID, k); err != nil {
			return fmt.Errorf("deleting cached file for %s: %w", k, err)
		}
		if _, err := tx.Exec(`DELETE FROM item_fulltext WHERE library_id = ? AND key = ?`, libraryID, k); err != nil {
			return fmt.Errorf("deleting fulltext for %s: %w", k, err)
		}
	}

	return tx.Commit()
}

// GetItem returns one item by compound key.
func (s *Store) GetItem(libraryID int64, key string) (Item, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE library_id = ? AND key = ?`, libraryID, key)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return Item{}, ErrNotFound
	}
	return it, err
}

// ChildItemKeys returns the keys of all items whose parent_item is one of
// the given keys. Used for the deletion cascade.
func (s *Store) ChildItemKeys(libraryID int64, parentKeys []string) ([]string, error) {
	if len(parentKeys) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat(",?", len(parentKeys)-1)
	args := make([]any, 0, len(parentKeys)+1)
	args = append(args, libraryID)
	for _, k := range parentKeys {
		args = append(args, k)
	}

	rows, err := s.db.Query(
		`SELECT key FROM items WHERE library_id = ? AND parent_item IN (?`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ItemsByParent returns the children of an item, optionally filtered by
// item type (empty string matches all types).
func (s *Store) ItemsByParent(libraryID int64, parentKey, itemType string) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE library_id = ? AND parent_item = ?`
	args := []any{libraryID, parentKey}
	if itemType != "" {
		query += ` AND item_type = ?`
		args = append(args, itemType)
	}
	query += ` ORDER BY key ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, it)
	}
	return results, rows.Err()
}

// SearchItems matches items whose title, creators, tags, or extracted
// attachment full text contain the query substring. Annotations are
// excluded; they are edits, not documents.
func (s *Store) SearchItems(libraryID int64, query string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"

	rows, err := s.db.Query(`
		SELECT DISTINCT i.library_id, i.key, i.item_type, i.parent_item, i.version, i.trashed, i.collections,
			i.date_added, i.date_modified, i.title, i.search_creators, i.search_tags, i.sync_status, i.annotation_is_external, i.raw
		FROM items i
		LEFT JOIN item_fulltext ft ON ft.library_id = i.library_id AND ft.key = i.key
		WHERE i.library_id = ? AND i.item_type != 'annotation' AND i.trashed = 0
			AND (i.title LIKE ? OR i.search_creators LIKE ? OR i.search_tags LIKE ? OR ft.content LIKE ?)
		ORDER BY i.date_modified DESC
		LIMIT ?`,
		libraryID, pattern, pattern, pattern, pattern, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, it)
	}
	return results, rows.Err()
}

// CountItems returns the number of items in a library.
func (s *Store) CountItems(libraryID int64) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM items WHERE library_id = ?`, libraryID).Scan(&n)
	return n, err
}

// ApplyItemChanges applies a reconciliation batch in a single transaction:
// upserts first, then soft deletes (mark trashed + sync_status deleted,
// preserving the row as a tombstone for push), then hard deletes.
func (s *Store) ApplyItemChanges(libraryID int64, upserts []Item, softDeleteKeys, hardDeleteKeys []string) error {
	if len(upserts) == 0 && len(softDeleteKeys) == 0 && len(hardDeleteKeys) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning change transaction: %w", err)
	}
	defer tx.Rollback()

	for _, it := range upserts {
		if err := upsertItemTx(tx, it); err != nil {
			return err
		}
	}

	for _, k := range softDeleteKeys {
		if _, err := tx.Exec(
			`UPDATE items SET trashed = 1, sync_status = ? WHERE library_id = ? AND key = ?`,
			SyncStatusDeleted, libraryID, k,
		); err != nil {
			return fmt.Errorf("soft-deleting item %s: %w", k, err)
		}
	}

	for _, k := range hardDeleteKeys {
		if _, err := tx.Exec(`DELETE FROM items WHERE library_id = ? AND key = ?`, libraryID, k); err != nil {
			return fmt.Errorf("hard-deleting item %s: %w", k, err)
		}
	}

	return tx.Commit()
}
