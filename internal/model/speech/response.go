package speech

import "time"

// TranscriptEvent 流式识别结果；同一轮中若干 partial 之后恰好一个 final。
type TranscriptEvent struct {
	TurnID     uint64    `json:"turnId"`
	Text       string    `json:"text"`
	IsFinal    bool      `json:"isFinal"`
	Confidence float64   `json:"confidence"`
	StartTime  int64     `json:"startTime"` // milliseconds from start
	EndTime    int64     `json:"endTime"`   // milliseconds from start
	CreatedAt  time.Time `json:"createdAt"`
}

// AudioFrame 合成输出的一帧音频。
type AudioFrame struct {
	TurnID  uint64 `json:"turnId"`
	Segment int    `json:"segment"`
	Index   int    `json:"index"`
	Format  string `json:"format"`
	Data    []byte `json:"-"`
}
