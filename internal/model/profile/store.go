package profile

// Store exposes profile retrieval for handlers and the bridge.
type Store interface {
	List() []Profile
	FindByID(id string) (Profile, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Profile
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied profiles.
func NewMemoryStore(items []Profile) *MemoryStore {
	return &MemoryStore{items: append([]Profile(nil), items...)}
}

// List returns the configured profiles.
func (s *MemoryStore) List() []Profile {
	return append([]Profile(nil), s.items...)
}

// FindByID looks up a profile by identifier.
func (s *MemoryStore) FindByID(id string) (Profile, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Profile{}, false
}

// Resolve returns the profile with id, falling back to DefaultID and then the first entry.
func Resolve(store Store, id string) (Profile, bool) {
	if store == nil {
		return Profile{}, false
	}
	if id != "" {
		if p, ok := store.FindByID(id); ok {
			return p, true
		}
	}
	if p, ok := store.FindByID(DefaultID); ok {
		return p, true
	}
	items := store.List()
	if len(items) == 0 {
		return Profile{}, false
	}
	return items[0], true
}
