package agent

// Boundary 说明片段为何被截断。
type Boundary string

const (
	BoundarySentence Boundary = "sentence"
	BoundaryCap      Boundary = "cap"
	BoundaryIdle     Boundary = "idle"
	BoundaryEnd      Boundary = "end"
	BoundaryFallback Boundary = "fallback"
)

// Segment 是送往语音合成的一段文本，Seq 在同一轮内严格递增。
type Segment struct {
	Seq        int      `json:"seq"`
	TurnID     uint64   `json:"turnId"`
	Text       string   `json:"text"`
	Terminal   bool     `json:"terminal"`
	Boundary   Boundary `json:"boundary"`
	FirstChunk int      `json:"firstChunk"`
	LastChunk  int      `json:"lastChunk"`
}
