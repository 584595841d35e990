package thread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	threadmodel "github.com/zhouzirui/voicebridge/backend/internal/model/thread"
)

// Binding 是会话与线程的绑定结果，会话存续期间不可变。
type Binding struct {
	ThreadID string
	Resumed  bool
}

// Manager 把外部提供的会话标识映射到持久线程。重复绑定同一标识是幂等的。
type Manager struct {
	store Store
	group singleflight.Group
	now   func() time.Time
}

// NewManager creates a continuity manager over store.
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Store exposes the underlying thread store.
func (m *Manager) Store() Store {
	return m.store
}

// Bind 绑定 externalID 对应的线程；为空时分配新标识并创建线程。
func (m *Manager) Bind(ctx context.Context, externalID string) (Binding, error) {
	id := strings.TrimSpace(externalID)
	if id == "" {
		id = uuid.NewString()
	}

	// 共享的绑定不随首个调用方取消；只有执行者可能看到新建的线程。
	leader := false
	v, err, _ := m.group.Do(id, func() (any, error) {
		leader = true
		return m.bind(context.WithoutCancel(ctx), id)
	})
	if err != nil {
		return Binding{}, err
	}
	b := v.(Binding)
	if !leader {
		b.Resumed = true
	}
	return b, nil
}

func (m *Manager) bind(ctx context.Context, id string) (Binding, error) {
	now := m.now().UTC()

	if _, err := m.store.Touch(ctx, id, now); err == nil {
		log.Printf("[thread] resumed thread=%s", id)
		return Binding{ThreadID: id, Resumed: true}, nil
	} else if !errors.Is(err, ErrThreadNotFound) {
		return Binding{}, fmt.Errorf("touch thread %s: %w", id, err)
	}

	err := m.store.Create(ctx, threadmodel.Thread{ID: id, CreatedAt: now, LastSeen: now, Sessions: 1})
	switch {
	case err == nil:
		log.Printf("[thread] created thread=%s", id)
		return Binding{ThreadID: id}, nil
	case errors.Is(err, ErrThreadExists):
		// 另一个进程抢先创建，按恢复处理。
		if _, err := m.store.Touch(ctx, id, now); err != nil {
			return Binding{}, fmt.Errorf("touch thread %s: %w", id, err)
		}
		return Binding{ThreadID: id, Resumed: true}, nil
	default:
		return Binding{}, fmt.Errorf("create thread %s: %w", id, err)
	}
}

// Record attributes an utterance to the thread.
func (m *Manager) Record(ctx context.Context, threadID string, u threadmodel.Utterance) error {
	if strings.TrimSpace(u.Text) == "" {
		return nil
	}
	if u.At.IsZero() {
		u.At = m.now().UTC()
	}
	return m.store.Append(ctx, threadID, u)
}

// History returns the last limit utterances of the thread, oldest first.
func (m *Manager) History(ctx context.Context, threadID string, limit int) ([]threadmodel.Utterance, error) {
	t, err := m.store.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	items := t.Utterances
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items, nil
}

// ParseMetadata 从参与者元数据中读取线程标识：可以是裸字符串，也可以是 {"thread_id": "..."}。
func ParseMetadata(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "{") {
		return raw
	}

	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return ""
	}
	for _, key := range []string{"thread_id", "threadId", "conversation_id", "conversationId"} {
		if v, ok := meta[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
