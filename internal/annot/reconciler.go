// Package annot reconciles editor-produced annotation snapshots against
// the local replica: it diffs the full snapshot to a minimal set of
// create/update/soft-delete/hard-delete mutations, applied in a single
// transaction.
package annot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/stacks/internal/storage"
)

// Annotation types whose snapshots carry an inline image payload.
const (
	TypeImage = "image"
	TypeInk   = "ink"
)

// Snapshot is one annotation as reported by the in-session editor. The
// editor always sends the full set for an attachment; the reconciler works
// out the difference.
type Snapshot struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Comment    string          `json:"comment"`
	Color      string          `json:"color"`
	PageLabel  string          `json:"pageLabel"`
	SortIndex  string          `json:"sortIndex"`
	Text       string          `json:"text"`
	Position   json.RawMessage `json:"position"`
	IsExternal bool            `json:"isExternal"`
	Image      []byte          `json:"image,omitempty"` // inline payload for image/ink types
}

// record is the annotation shape stored in an item's raw data.
type record struct {
	ItemType            string          `json:"itemType"`
	ParentItem          string          `json:"parentItem"`
	AnnotationType      string          `json:"annotationType"`
	AnnotationComment   string          `json:"annotationComment"`
	AnnotationColor     string          `json:"annotationColor"`
	AnnotationPageLabel string          `json:"annotationPageLabel"`
	AnnotationSortIndex string          `json:"annotationSortIndex"`
	AnnotationText      string          `json:"annotationText"`
	AnnotationPosition  json.RawMessage `json:"annotationPosition,omitempty"`
}

// ImageStore persists the rendered image payload of visual annotations.
type ImageStore interface {
	SaveAnnotationImage(ctx context.Context, libraryID int64, key string, data []byte) error
	DeleteAnnotationImage(ctx context.Context, libraryID int64, key string) error
}

// Notifier is told when a reconcile changed anything, so downstream note
// regeneration can be scheduled (debouncing happens there, not here).
type Notifier interface {
	AnnotationsChanged(libraryID int64, attachmentKey string)
}

// Result reports what one reconcile call did.
type Result struct {
	Changed     bool `json:"changed"`
	Created     int  `json:"created"`
	Updated     int  `json:"updated"`
	SoftDeleted int  `json:"softDeleted"`
	HardDeleted int  `json:"hardDeleted"`
}

// Reconciler diffs annotation snapshots against the replica.
type Reconciler struct {
	store    *storage.Store
	images   ImageStore // nil disables image persistence
	notifier Notifier   // nil disables change signals
	logger   *slog.Logger
}

// New creates a Reconciler. images and notifier may be nil.
func New(store *storage.Store, images ImageStore, notifier Notifier) *Reconciler {
	return &Reconciler{
		store:    store,
		images:   images,
		notifier: notifier,
		logger:   slog.Default(),
	}
}

type imageOp struct {
	key    string
	data   []byte // nil means delete
	delete bool
}

// Reconcile applies an editor snapshot for one attachment. snapshots is
// the editor's full current set; deletedIDs lists annotations the editor
// removed this session. All store mutations land in one transaction; image
// payload persistence runs after the transaction commits.
func (r *Reconciler) Reconcile(ctx context.Context, libraryID int64, attachmentKey string, snapshots []Snapshot, deletedIDs []string) (Result, error) {
	var result Result
	var upserts []storage.Item
	var softDelete, hardDelete []string
	var imageOps []imageOp

	present := make(map[string]bool, len(snapshots))
	for _, snap := range snapshots {
		present[snap.ID] = true
	}

	for _, snap := range snapshots {
		if snap.ID == "" {
			return Result{}, fmt.Errorf("snapshot annotation without id")
		}

		existing, err := r.store.GetItem(libraryID, snap.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			it, err := newAnnotationItem(libraryID, attachmentKey, snap)
			if err != nil {
				return Result{}, err
			}
			upserts = append(upserts, it)
			result.Created++
			if hasImagePayload(snap) {
				imageOps = append(imageOps, imageOp{key: snap.ID, data: snap.Image})
			}

		case err != nil:
			return Result{}, fmt.Errorf("loading annotation %s: %w", snap.ID, err)

		case snap.IsExternal:
			// External annotations are never edited through us; leave the
			// local record alone.

		default:
			updated, changed, err := updatedAnnotationItem(existing, snap)
			if err != nil {
				return Result{}, err
			}
			if !changed {
				continue
			}
			upserts = append(upserts, updated)
			result.Updated++
			if hasImagePayload(snap) {
				imageOps = append(imageOps, imageOp{key: snap.ID, data: snap.Image})
			}
		}
	}

	for _, id := range deletedIDs {
		if present[id] {
			continue
		}
		existing, err := r.store.GetItem(libraryID, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("loading annotation %s: %w", id, err)
		}

		switch existing.SyncStatus {
		case storage.SyncStatusCreated, storage.SyncStatusIgnore:
			// Never reached the remote (created) or must never reach it
			// (external): no tombstone, the row just goes.
			hardDelete = append(hardDelete, id)
			result.HardDeleted++
		default:
			softDelete = append(softDelete, id)
			result.SoftDeleted++
		}

		var rec record
		if err := json.Unmarshal([]byte(existing.Raw), &rec); err == nil && isVisual(rec.AnnotationType) {
			imageOps = append(imageOps, imageOp{key: id, delete: true})
		}
	}

	result.Changed = result.Created+result.Updated+result.SoftDeleted+result.HardDeleted > 0
	if !result.Changed {
		return result, nil
	}

	if err := r.store.ApplyItemChanges(libraryID, upserts, softDelete, hardDelete); err != nil {
		return Result{}, fmt.Errorf("applying annotation changes: %w", err)
	}

	r.applyImageOps(ctx, libraryID, imageOps)

	if r.notifier != nil {
		r.notifier.AnnotationsChanged(libraryID, attachmentKey)
	}
	return result, nil
}

// applyImageOps runs image saves and deletes after the store transaction.
// Image payload failures are logged, not fatal; the annotation records are
// already consistent.
func (r *Reconciler) applyImageOps(ctx context.Context, libraryID int64, ops []imageOp) {
	if r.images == nil {
		return
	}
	for _, op := range ops {
		var err error
		if op.delete {
			err = r.images.DeleteAnnotationImage(ctx, libraryID, op.key)
		} else {
			err = r.images.SaveAnnotationImage(ctx, libraryID, op.key, op.data)
		}
		if err != nil {
			r.logger.Warn("annotation image operation failed", "library", libraryID, "key", op.key, "delete", op.delete, "error", err)
		}
	}
}

func hasImagePayload(snap Snapshot) bool {
	return isVisual(snap.Type) && len(snap.Image) > 0
}

func isVisual(annotationType string) bool {
	return annotationType == TypeImage || annotationType == TypeInk
}

func snapshotRecord(attachmentKey string, snap Snapshot) record {
	return record{
		ItemType:            "annotation",
		ParentItem:          attachmentKey,
		AnnotationType:      snap.Type,
		AnnotationComment:   snap.Comment,
		AnnotationColor:     snap.Color,
		AnnotationPageLabel: snap.PageLabel,
		AnnotationSortIndex: snap.SortIndex,
		AnnotationText:      snap.Text,
		AnnotationPosition:  snap.Position,
	}
}

func newAnnotationItem(libraryID int64, attachmentKey string, snap Snapshot) (storage.Item, error) {
	raw, err := json.Marshal(snapshotRecord(attachmentKey, snap))
	if err != nil {
		return storage.Item{}, fmt.Errorf("encoding annotation %s: %w", snap.ID, err)
	}

	status := storage.SyncStatusCreated
	if snap.IsExternal {
		// Originated inside an externally-authored file: never pushed.
		status = storage.SyncStatusIgnore
	}

	now := time.Now().UTC()
	return storage.Item{
		LibraryID:            libraryID,
		Key:                  snap.ID,
		ItemType:             "annotation",
		ParentItem:           attachmentKey,
		DateAdded:            now,
		DateModified:         now,
		Title:                snap.Text,
		SyncStatus:           status,
		AnnotationIsExternal: snap.IsExternal,
		Raw:                  string(raw),
	}, nil
}

// updatedAnnotationItem compares the mutable fields of an existing
// annotation against the snapshot. The bool reports whether anything
// actually differs.
func updatedAnnotationItem(existing storage.Item, snap Snapshot) (storage.Item, bool, error) {
	var current record
	if err := json.Unmarshal([]byte(existing.Raw), &current); err != nil {
		return storage.Item{}, false, fmt.Errorf("parsing stored annotation %s: %w", existing.Key, err)
	}

	next := snapshotRecord(existing.ParentItem, snap)
	if current.AnnotationType == next.AnnotationType &&
		current.AnnotationComment == next.AnnotationComment &&
		current.AnnotationColor == next.AnnotationColor &&
		current.AnnotationPageLabel == next.AnnotationPageLabel &&
		current.AnnotationSortIndex == next.AnnotationSortIndex &&
		current.AnnotationText == next.AnnotationText &&
		samePosition(current.AnnotationPosition, next.AnnotationPosition) {
		return storage.Item{}, false, nil
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return storage.Item{}, false, fmt.Errorf("encoding annotation %s: %w", existing.Key, err)
	}

	it := existing
	it.Title = snap.Text
	it.DateModified = time.Now().UTC()
	it.Raw = string(raw)
	// A never-yet-synced annotation stays "created"; anything the remote
	// has seen becomes "updated".
	if existing.SyncStatus != storage.SyncStatusCreated {
		it.SyncStatus = storage.SyncStatusUpdated
	}
	return it, true, nil
}

// samePosition compares position blobs structurally, tolerating whitespace
// differences between the editor's and our own encoding.
func samePosition(a, b json.RawMessage) bool {
	ca, err1 := compactJSON(a)
	cb, err2 := compactJSON(b)
	if err1 != nil || err2 != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca, cb)
}

func compactJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
