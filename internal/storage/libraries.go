package storage

import (
	"database/sql"
	"fmt"
)

// GetLibrary returns the library row with the given remote ID.
func (s *Store) GetLibrary(id int64) (Library, error) {
	var l Library
	err := s.db.QueryRow(`
		SELECT id, type, name, collection_version, item_version
		FROM libraries WHERE id = ?`, id,
	).Scan(&l.ID, &l.Type, &l.Name, &l.CollectionVersion, &l.ItemVersion)
	if err == sql.ErrNoRows {
		return Library{}, ErrNotFound
	}
	return l, err
}

// CreateLibrary inserts a library row with zero version cursors. It is a
// no-op if the row already exists, so first-sync bootstrap can call it
// unconditionally.
func (s *Store) CreateLibrary(l Library) error {
	if l.Type != LibraryTypeUser && l.Type != LibraryTypeGroup {
		return fmt.Errorf("invalid library type %q", l.Type)
	}
	_, err := s.db.Exec(`
		INSERT INTO libraries (id, type, name, collection_version, item_version)
		VALUES (?, ?, ?, 0, 0)
		ON CONFLICT(id) DO NOTHING`,
		l.ID, l.Type, l.Name,
	)
	return err
}

// ListLibraries returns all tracked libraries ordered by ID.
func (s *Store) ListLibraries() ([]Library, error) {
	rows, err := s.db.Query(`
		SELECT id, type, name, collection_version, item_version
		FROM libraries ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Library
	for rows.Next() {
		var l Library
		if err := rows.Scan(&l.ID, &l.Type, &l.Name, &l.CollectionVersion, &l.ItemVersion); err != nil {
			return nil, err
		}
		results = append(results, l)
	}
	return results, rows.Err()
}

// SetLibraryVersion advances the version cursor for the given kind. Cursors
// never move backwards: an update with a smaller version is rejected.
func (s *Store) SetLibraryVersion(id int64, kind string, version int64) error {
	var column string
	switch kind {
	case KindCollections:
		column = "collection_version"
	case KindItems:
		column = "item_version"
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}

	res, err := s.db.Exec(
		`UPDATE libraries SET `+column+` = ? WHERE id = ? AND `+column+` <= ?`,
		version, id, version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the library is missing or the stored cursor is newer.
		if _, gerr := s.GetLibrary(id); gerr != nil {
			return gerr
		}
		return fmt.Errorf("refusing to move %s cursor backwards for library %d", kind, id)
	}
	return nil
}
