package sync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/stacks/internal/remote"
	"github.com/kalambet/stacks/internal/storage"
)

// optionalKey handles fields the remote encodes as either a key string or
// the literal false (meaning "no parent").
type optionalKey string

func (k *optionalKey) UnmarshalJSON(data []byte) error {
	if string(data) == "false" || string(data) == "null" {
		*k = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*k = optionalKey(s)
	return nil
}

type collectionData struct {
	Name             string      `json:"name"`
	ParentCollection optionalKey `json:"parentCollection"`
	Deleted          bool        `json:"deleted"`
}

type creator struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Name      string `json:"name"`
}

func (c creator) display() string {
	if c.Name != "" {
		return c.Name
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

type tag struct {
	Tag string `json:"tag"`
}

type itemData struct {
	ItemType     string    `json:"itemType"`
	Title        string    `json:"title"`
	ParentItem   string    `json:"parentItem"`
	Collections  []string  `json:"collections"`
	Deleted      int       `json:"deleted"`
	DateAdded    string    `json:"dateAdded"`
	DateModified string    `json:"dateModified"`
	Creators     []creator `json:"creators"`
	Tags         []tag     `json:"tags"`

	// attachment fields
	LinkMode    string `json:"linkMode"`
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
	MD5         string `json:"md5"`

	// annotation fields
	AnnotationType string `json:"annotationType"`
	AnnotationText string `json:"annotationText"`
}

// normalizeCollection converts a remote collection record into the replica
// shape. Records without a data object are malformed.
func normalizeCollection(libraryID int64, rec remote.Record) (storage.Collection, error) {
	if rec.Key == "" {
		return storage.Collection{}, fmt.Errorf("collection record without key")
	}
	var data collectionData
	if err := json.Unmarshal(rec.Data, &data); err != nil {
		return storage.Collection{}, fmt.Errorf("parsing collection %s: %w", rec.Key, err)
	}

	return storage.Collection{
		LibraryID:        libraryID,
		Key:              rec.Key,
		Version:          rec.Version,
		Name:             data.Name,
		ParentCollection: string(data.ParentCollection),
		Trashed:          data.Deleted,
		SyncStatus:       storage.SyncStatusSynced,
		Raw:              string(rec.Data),
	}, nil
}

// normalizeItem converts a remote item record into the replica shape.
// Subtypes (note, attachment, annotation) are matched explicitly; anything
// else is a regular bibliographic item.
func normalizeItem(libraryID int64, rec remote.Record) (storage.Item, error) {
	if rec.Key == "" {
		return storage.Item{}, fmt.Errorf("item record without key")
	}
	var data itemData
	if err := json.Unmarshal(rec.Data, &data); err != nil {
		return storage.Item{}, fmt.Errorf("parsing item %s: %w", rec.Key, err)
	}
	if data.ItemType == "" {
		return storage.Item{}, fmt.Errorf("item %s has no itemType", rec.Key)
	}

	it := storage.Item{
		LibraryID:    libraryID,
		Key:          rec.Key,
		ItemType:     data.ItemType,
		ParentItem:   data.ParentItem,
		Version:      rec.Version,
		Trashed:      data.Deleted != 0,
		Collections:  data.Collections,
		DateAdded:    parseRemoteTime(data.DateAdded),
		DateModified: parseRemoteTime(data.DateModified),
		Title:        data.Title,
		SyncStatus:   storage.SyncStatusSynced,
		Raw:          string(rec.Data),
	}

	switch data.ItemType {
	case "annotation":
		if data.ParentItem == "" {
			return storage.Item{}, fmt.Errorf("annotation %s has no parent item", rec.Key)
		}
		if it.Title == "" {
			it.Title = data.AnnotationText
		}
	case "attachment":
		if it.Title == "" {
			it.Title = data.Filename
		}
	case "note":
		// Notes carry their content only in Raw; nothing extra to index.
	default:
		it.SearchCreators = encodeStrings(creatorNames(data.Creators))
		it.SearchTags = encodeStrings(tagNames(data.Tags))
	}

	return it, nil
}

func creatorNames(creators []creator) []string {
	var names []string
	for _, c := range creators {
		if n := c.display(); n != "" {
			names = append(names, n)
		}
	}
	return names
}

func tagNames(tags []tag) []string {
	var names []string
	for _, t := range tags {
		if t.Tag != "" {
			names = append(names, t.Tag)
		}
	}
	return names
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func parseRemoteTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
