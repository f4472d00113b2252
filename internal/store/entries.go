package store

import (
	"context"
	"strings"
	"time"
)

// Standard entry field names addressable by placeholders.
const (
	FieldTitle    = "Title"
	FieldURL      = "URL"
	FieldUsername = "UserName"
	FieldNotes    = "Notes"
)

// Entry is a record whose URL or title identifies a site.
type Entry struct {
	ID       string
	Title    string
	URL      string
	Username string
	Notes    string
	// Fields holds custom string fields keyed by name.
	Fields map[string]string
	// IconRef is the content hash of the assigned icon, empty when none.
	IconRef  string
	Modified time.Time
}

// Key returns the entry ID.
func (e Entry) Key() string { return e.ID }

// ReadURLField returns the raw URL field.
func (e Entry) ReadURLField() string { return e.URL }

// ReadTitleField returns the raw title field.
func (e Entry) ReadTitleField() string { return e.Title }

// HasExistingIcon reports whether an icon is already assigned.
func (e Entry) HasExistingIcon() bool { return e.IconRef != "" }

// CurrentIconHash returns the assigned icon hash.
func (e Entry) CurrentIconHash() string { return e.IconRef }

// Field looks up a standard or custom field. Standard names match
// case-insensitively; custom names match exactly first.
func (e Entry) Field(name string) (string, bool) {
	if v, ok := e.Fields[name]; ok {
		return v, true
	}
	switch strings.ToLower(name) {
	case "title":
		return e.Title, true
	case "url":
		return e.URL, true
	case "username":
		return e.Username, true
	case "notes":
		return e.Notes, true
	}
	for k, v := range e.Fields {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Icon is a stored icon blob keyed by content hash.
type Icon struct {
	Hash    string
	Name    string
	Data    []byte
	Created time.Time
}

// EntryRepository stores entries and the icons assigned to them.
type EntryRepository interface {
	// PutEntry inserts or replaces an entry.
	PutEntry(ctx context.Context, entry Entry) error
	// GetEntry returns ErrNotFound for unknown IDs.
	GetEntry(ctx context.Context, id string) (Entry, error)
	// ListEntries returns every entry ordered by ID.
	ListEntries(ctx context.Context) ([]Entry, error)
	// AssignIcon stores the icon under hash, if new, and points the entry at it.
	AssignIcon(ctx context.Context, entryID, hash string, data []byte) error
	// SetIconName names a stored icon.
	SetIconName(ctx context.Context, hash, name string) error
	// Touch updates the entry modification time.
	Touch(ctx context.Context, entryID string, at time.Time) error
	// GetIcon returns ErrNotFound for unknown hashes.
	GetIcon(ctx context.Context, hash string) (Icon, error)
}
