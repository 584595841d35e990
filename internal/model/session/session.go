package session

import "time"

// Info 是一个媒体会话的只读快照。
type Info struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	ThreadID  string    `json:"threadId"`
	Resumed   bool      `json:"resumed"`
	ProfileID string    `json:"profileId"`
	State     string    `json:"state"`
	TurnID    uint64    `json:"turnId"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventType 区分推送给客户端与观察者的事件。
type EventType string

const (
	EventState      EventType = "state"
	EventTranscript EventType = "transcript"
	EventResponse   EventType = "response"
	EventSideEvent  EventType = "event"
	EventDisplay    EventType = "display"
	EventError      EventType = "error"
	EventClosed     EventType = "closed"
)

// Event 是会话内发生的一件事，不含音频。
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	TurnID    uint64    `json:"turnId"`
	State     string    `json:"state,omitempty"`
	From      string    `json:"from,omitempty"`
	Text      string    `json:"text,omitempty"`
	Final     bool      `json:"final,omitempty"`
	Name      string    `json:"name,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}
