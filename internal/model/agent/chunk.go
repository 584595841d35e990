package agent

import (
	"encoding/json"
	"time"
)

// ChunkKind 标记流式输出块的种类，每个块只能是两种之一。
type ChunkKind uint8

const (
	// ChunkContent 可朗读的增量文本。
	ChunkContent ChunkKind = iota + 1
	// ChunkSideEvent 不可朗读的结构化事件，例如工具调用通知。
	ChunkSideEvent
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkContent:
		return "content"
	case ChunkSideEvent:
		return "side_event"
	default:
		return "unknown"
	}
}

// SideEvent 是智能体运行时发出的结构化元数据。
type SideEvent struct {
	Type       string          `json:"type"`
	Name       string          `json:"name,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TurnID     uint64          `json:"turnId"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Chunk is one element of the interleaved agent stream.
type Chunk struct {
	Kind  ChunkKind
	Delta string
	Event *SideEvent
	Done  bool
}

// ContentChunk builds a content delta chunk.
func ContentChunk(delta string, done bool) Chunk {
	return Chunk{Kind: ChunkContent, Delta: delta, Done: done}
}

// EventChunk builds a side-event chunk.
func EventChunk(ev SideEvent, done bool) Chunk {
	return Chunk{Kind: ChunkSideEvent, Event: &ev, Done: done}
}

// Request 是发往智能体运行时的一次调用。重试时原样复用。
type Request struct {
	Utterance string `json:"utterance"`
	ThreadID  string `json:"threadId"`
	TurnID    uint64 `json:"turnId"`
	ProfileID string `json:"profileId,omitempty"`
}
