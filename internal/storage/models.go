package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Sync status values for collections and items. "synced" means the local
// row matches what the remote last reported; the other values mark local
// changes a future push layer would upload. "ignore" marks records that
// must never be pushed (annotations embedded in externally-authored files).
const (
	SyncStatusSynced  = "synced"
	SyncStatusCreated = "created"
	SyncStatusUpdated = "updated"
	SyncStatusDeleted = "deleted"
	SyncStatusIgnore  = "ignore"
)

// Library kinds as reported by the remote.
const (
	LibraryTypeUser  = "user"
	LibraryTypeGroup = "group"
)

// Entity kinds the versioned puller operates on.
const (
	KindCollections = "collections"
	KindItems       = "items"
)

// Library is one remote library the replica tracks. CollectionVersion and
// ItemVersion are the version cursors: the last remote version fully applied
// for each kind. They only ever move forward.
type Library struct {
	ID                int64
	Type              string
	Name              string
	CollectionVersion int64
	ItemVersion       int64
}

// Collection is a replica row keyed by (LibraryID, Key).
type Collection struct {
	LibraryID        int64
	Key              string
	Version          int64
	Name             string
	ParentCollection string
	Trashed          bool
	SyncStatus       string
	Raw              string // remote data object as JSON
}

// Item is a replica row keyed by (LibraryID, Key). Regular bibliographic
// items, notes, attachments, and annotations all share this shape; the
// subtype lives in ItemType and subtype-specific fields stay in Raw.
type Item struct {
	LibraryID            int64
	Key                  string
	ItemType             string
	ParentItem           string
	Version              int64
	Trashed              bool
	Collections          []string
	DateAdded            time.Time
	DateModified         time.Time
	Title                string
	SearchCreators       string // JSON array stored as text
	SearchTags           string // JSON array stored as text
	SyncStatus           string
	AnnotationIsExternal bool
	Raw                  string // remote data object as JSON
}

// CachedFile is one downloaded attachment payload. LastAccessedAt orders
// LRU pruning and is bumped on every cache hit.
type CachedFile struct {
	LibraryID      int64
	Key            string
	Blob           []byte
	MimeType       string
	FileName       string
	MD5            string
	Size           int64
	LastAccessedAt time.Time
}

// CachedFileInfo is a CachedFile without its payload, used when listing
// rows for pruning and stats.
type CachedFileInfo struct {
	LibraryID      int64
	Key            string
	Size           int64
	LastAccessedAt time.Time
}

// CacheStats summarizes the cached_files table.
type CacheStats struct {
	Files      int64
	TotalBytes int64
}

// Job is one unit of background work in the jobs table.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
