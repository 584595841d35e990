package thread

import "time"

// Role 标识一条话语的说话方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Utterance 是归属于某个线程的一条话语。
type Utterance struct {
	Role   Role      `json:"role" msgpack:"role"`
	Text   string    `json:"text" msgpack:"text"`
	TurnID uint64    `json:"turnId" msgpack:"turn_id"`
	At     time.Time `json:"at" msgpack:"at"`
}

// Thread 跨越多次连接持续存在的会话线程，桥接层从不删除它。
type Thread struct {
	ID         string      `json:"id" msgpack:"id"`
	CreatedAt  time.Time   `json:"createdAt" msgpack:"created_at"`
	LastSeen   time.Time   `json:"lastSeen" msgpack:"last_seen"`
	Sessions   int         `json:"sessions" msgpack:"sessions"`
	Utterances []Utterance `json:"utterances,omitempty" msgpack:"utterances"`
}

// Summary is the list view of a thread.
type Summary struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeen   time.Time `json:"lastSeen"`
	Sessions   int       `json:"sessions"`
	Utterances int       `json:"utterances"`
}

// Summarize returns the list view of t.
func (t Thread) Summarize() Summary {
	return Summary{
		ID:         t.ID,
		CreatedAt:  t.CreatedAt,
		LastSeen:   t.LastSeen,
		Sessions:   t.Sessions,
		Utterances: len(t.Utterances),
	}
}
