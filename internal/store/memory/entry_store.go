package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/icon-resolver/internal/store"
)

// EntryStore keeps entries and icons in memory.
type EntryStore struct {
	mu      sync.RWMutex
	entries map[string]store.Entry
	icons   map[string]store.Icon
	now     func() time.Time
}

var _ store.EntryRepository = (*EntryStore)(nil)

// NewEntryStore seeds the store with entries.
func NewEntryStore(entries ...store.Entry) *EntryStore {
	s := &EntryStore{
		entries: make(map[string]store.Entry, len(entries)),
		icons:   make(map[string]store.Icon),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, e := range entries {
		s.entries[e.ID] = cloneEntry(e)
	}
	return s
}

// PutEntry inserts or replaces an entry.
func (s *EntryStore) PutEntry(_ context.Context, entry store.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = cloneEntry(entry)
	return nil
}

// GetEntry returns a copy of the entry.
func (s *EntryStore) GetEntry(_ context.Context, id string) (store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return store.Entry{}, store.ErrNotFound
	}
	return cloneEntry(e), nil
}

// ListEntries returns copies ordered by ID.
func (s *EntryStore) ListEntries(context.Context) ([]store.Entry, error) {
	s.mu.RLock()
	out := make([]store.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, cloneEntry(e))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AssignIcon stores data under hash when new and points the entry at it.
func (s *EntryStore) AssignIcon(_ context.Context, entryID, hash string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return store.ErrNotFound
	}
	if _, exists := s.icons[hash]; !exists {
		s.icons[hash] = store.Icon{
			Hash:    hash,
			Data:    append([]byte(nil), data...),
			Created: s.now(),
		}
	}
	e.IconRef = hash
	s.entries[entryID] = e
	return nil
}

// SetIconName names a stored icon.
func (s *EntryStore) SetIconName(_ context.Context, hash, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	icon, ok := s.icons[hash]
	if !ok {
		return store.ErrNotFound
	}
	icon.Name = name
	s.icons[hash] = icon
	return nil
}

// Touch sets the entry modification time.
func (s *EntryStore) Touch(_ context.Context, entryID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return store.ErrNotFound
	}
	e.Modified = at
	s.entries[entryID] = e
	return nil
}

// GetIcon returns a copy of the icon stored under hash.
func (s *EntryStore) GetIcon(_ context.Context, hash string) (store.Icon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	icon, ok := s.icons[hash]
	if !ok {
		return store.Icon{}, store.ErrNotFound
	}
	icon.Data = append([]byte(nil), icon.Data...)
	return icon, nil
}

func cloneEntry(e store.Entry) store.Entry {
	if e.Fields != nil {
		e.Fields = maps.Clone(e.Fields)
	}
	return e
}
