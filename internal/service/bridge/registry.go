package bridge

import (
	"errors"
	"sort"
	"sync"

	sessionmodel "github.com/zhouzirui/voicebridge/backend/internal/model/session"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already connected")
)

// Registry 记录当前在线的会话，供观察接口查询。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s. A second live session with the same id is rejected.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID()]; ok {
		return ErrSessionExists
	}
	r.sessions[s.ID()] = s
	return nil
}

// Remove drops s if it is still the registered session for its id.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[s.ID()]; ok && current == s {
		delete(r.sessions, s.ID())
	}
}

// Get retrieves a live session by identifier.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns snapshots of all live sessions, oldest first.
func (r *Registry) List() []sessionmodel.Info {
	r.mu.RLock()
	infos := make([]sessionmodel.Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}
