package thread

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	threadmodel "github.com/zhouzirui/voicebridge/backend/internal/model/thread"
)

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrThreadExists   = errors.New("thread already exists")
	ErrThreadID       = errors.New("thread id is required")
)

// Store 持久化会话线程。实现必须保证 Create 对同一 id 只成功一次。
type Store interface {
	Get(ctx context.Context, id string) (threadmodel.Thread, error)
	Create(ctx context.Context, t threadmodel.Thread) error
	Touch(ctx context.Context, id string, at time.Time) (threadmodel.Thread, error)
	Append(ctx context.Context, id string, u threadmodel.Utterance) error
	List(ctx context.Context) ([]threadmodel.Summary, error)
	Close() error
}

// MemoryStore keeps threads in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]threadmodel.Thread
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]threadmodel.Thread)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (threadmodel.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return threadmodel.Thread{}, ErrThreadNotFound
	}
	return cloneThread(t), nil
}

func (s *MemoryStore) Create(_ context.Context, t threadmodel.Thread) error {
	if t.ID == "" {
		return ErrThreadID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ID]; ok {
		return ErrThreadExists
	}
	s.threads[t.ID] = cloneThread(t)
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) (threadmodel.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return threadmodel.Thread{}, ErrThreadNotFound
	}
	t.LastSeen = at
	t.Sessions++
	s.threads[id] = t
	return cloneThread(t), nil
}

func (s *MemoryStore) Append(_ context.Context, id string, u threadmodel.Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return ErrThreadNotFound
	}
	t.Utterances = append(t.Utterances, u)
	if u.At.After(t.LastSeen) {
		t.LastSeen = u.At
	}
	s.threads[id] = t
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]threadmodel.Summary, error) {
	s.mu.RLock()
	out := make([]threadmodel.Summary, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t.Summarize())
	}
	s.mu.RUnlock()
	sortSummaries(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneThread(t threadmodel.Thread) threadmodel.Thread {
	t.Utterances = append([]threadmodel.Utterance(nil), t.Utterances...)
	return t
}

func sortSummaries(items []threadmodel.Summary) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].LastSeen.After(items[j].LastSeen)
	})
}
