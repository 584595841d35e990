package turn

import (
	"fmt"
	"time"
)

// State 是轮次状态机的状态。
type State int

const (
	Idle State = iota
	Listening
	UserSpeaking
	Thinking
	Speaking
	Interrupted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Listening:
		return "LISTENING"
	case UserSpeaking:
		return "USER_SPEAKING"
	case Thinking:
		return "THINKING"
	case Speaking:
		return "SPEAKING"
	case Interrupted:
		return "INTERRUPTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText 让状态在 JSON 中以名称出现。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// 任何状态都可以进入 IDLE（会话暂停或断开）。
var transitions = map[State][]State{
	Idle:         {Listening},
	Listening:    {UserSpeaking, Thinking, Idle},
	UserSpeaking: {Thinking, Listening, Idle},
	Thinking:     {Speaking, Listening, Interrupted, Idle},
	Speaking:     {Listening, Interrupted, Idle},
	Interrupted:  {UserSpeaking, Idle},
}

// CanTransition reports whether from -> to is an edge of the automaton.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition 记录一次状态变化。
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	TurnID uint64    `json:"turnId"`
	At     time.Time `json:"at"`
}

// ValidPath reports whether transitions form a connected path through the automaton
// starting from IDLE.
func ValidPath(path []Transition) error {
	current := Idle
	for i, tr := range path {
		if tr.From != current {
			return fmt.Errorf("transition %d starts at %s, expected %s", i, tr.From, current)
		}
		if !CanTransition(tr.From, tr.To) {
			return fmt.Errorf("transition %d %s -> %s is not allowed", i, tr.From, tr.To)
		}
		current = tr.To
	}
	return nil
}
