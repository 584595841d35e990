package turn

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/voicebridge/backend/internal/analysis/turnend"
)

// Actions 由协调循环在状态变化时调用，实现方驱动识别、应答与播放。
// 除 Interrupt 外都不应阻塞。
type Actions interface {
	// StartTurn 开始新一轮的识别。
	StartTurn(turnID uint64)
	// FinishAudio 通知识别器音频结束，等待 final。
	FinishAudio(turnID uint64)
	// CommitTurn 以定稿文本启动应答；utterance 为空表示识别失败。
	CommitTurn(turnID uint64, utterance string)
	// Announce 播放开场白。
	Announce(turnID uint64)
	// Interrupt 取消该轮的应答与播放，确认不再产生音频后返回。
	Interrupt(turnID uint64)
	// Idle 释放该轮剩余的识别资源。
	Idle(turnID uint64)
	StateChanged(tr Transition)
}

// Options 是判停阈值。
type Options struct {
	MaxSilence       time.Duration
	MinEndpointDelay time.Duration
	Confidence       float32
	FinalizeTimeout  time.Duration
	ThinkingTimeout  time.Duration
	ClassifyTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxSilence <= 0 {
		o.MaxSilence = 6 * time.Second
	}
	if o.MinEndpointDelay < 0 {
		o.MinEndpointDelay = 0
	}
	if o.Confidence <= 0 {
		o.Confidence = 0.6
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 2 * time.Second
	}
	if o.ThinkingTimeout <= 0 {
		o.ThinkingTimeout = 45 * time.Second
	}
	if o.ClassifyTimeout <= 0 {
		o.ClassifyTimeout = 3 * time.Second
	}
	return o
}

// EventKind 区分协调器收到的事件。
type EventKind int

const (
	EventVoiceStart EventKind = iota
	EventVoiceEnd
	EventPartial
	EventFinal
	EventTranscriptFailed
	EventClassifierVerdict
	EventFirstAudio
	EventPlaybackDone
	EventPause
	EventResume
	EventGreet
	eventTimer
)

type timerKind int

const (
	timerEndpoint timerKind = iota
	timerSilence
	timerFinalize
	timerThinking
)

// Event 是进入协调循环的一条消息。
type Event struct {
	Kind     EventKind
	TurnID   uint64
	Text     string
	Err      error
	Decision turnend.Decision

	timer timerKind
	gen   uint64
}

// speech 是当前 USER_SPEAKING 轮次的判停状态，只在循环内访问。
type speech struct {
	voiceActive bool
	offset      bool
	endpointDue bool
	finishing   bool
	partial     string
	final       string
	hasFinal    bool
	verdict     turnend.Decision
}

// Coordinator 是单个会话的轮次状态机。所有事件经由一个队列串行处理，
// 语音活动与网络回调不会竞争同一次状态变化。
type Coordinator struct {
	actions    Actions
	classifier Classifier
	opts       Options

	queue inbox
	done  chan struct{}

	mu       sync.RWMutex
	state    State
	turnID   uint64
	observed []Transition

	announced      bool
	speech         speech
	gen            uint64
	timers         []*time.Timer
	cancelClassify context.CancelFunc
}

// NewCoordinator creates a coordinator in IDLE. classifier may be nil, in which case
// only a transcript final or the max silence timeout ends a turn.
func NewCoordinator(actions Actions, classifier Classifier, opts Options) *Coordinator {
	return &Coordinator{
		actions:    actions,
		classifier: classifier,
		opts:       opts.withDefaults(),
		queue:      inbox{notify: make(chan struct{}, 1)},
		done:       make(chan struct{}),
	}
}

// Post queues ev for the coordination loop. It never blocks.
func (c *Coordinator) Post(ev Event) {
	c.queue.push(ev)
}

func (c *Coordinator) VoiceStart() { c.Post(Event{Kind: EventVoiceStart}) }
func (c *Coordinator) VoiceEnd()   { c.Post(Event{Kind: EventVoiceEnd}) }
func (c *Coordinator) Pause()      { c.Post(Event{Kind: EventPause}) }
func (c *Coordinator) Resume()     { c.Post(Event{Kind: EventResume}) }
func (c *Coordinator) Greet()      { c.Post(Event{Kind: EventGreet}) }

func (c *Coordinator) Partial(turnID uint64, text string) {
	c.Post(Event{Kind: EventPartial, TurnID: turnID, Text: text})
}

func (c *Coordinator) Final(turnID uint64, text string) {
	c.Post(Event{Kind: EventFinal, TurnID: turnID, Text: text})
}

func (c *Coordinator) TranscriptFailed(turnID uint64, err error) {
	c.Post(Event{Kind: EventTranscriptFailed, TurnID: turnID, Err: err})
}

func (c *Coordinator) FirstAudio(turnID uint64) {
	c.Post(Event{Kind: EventFirstAudio, TurnID: turnID})
}

func (c *Coordinator) PlaybackDone(turnID uint64) {
	c.Post(Event{Kind: EventPlaybackDone, TurnID: turnID})
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// TurnID returns the current turn id.
func (c *Coordinator) TurnID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.turnID
}

// Observed returns every transition taken so far.
func (c *Coordinator) Observed() []Transition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Transition(nil), c.observed...)
}

// Done is closed after Run returns.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Run 处理事件直到 ctx 结束，退出前回到 IDLE 并释放本轮资源。
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.queue.notify:
			for _, ev := range c.queue.drain() {
				if ctx.Err() != nil {
					return nil
				}
				c.handle(ctx, ev)
			}
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventVoiceStart:
		c.onVoiceStart()
	case EventVoiceEnd:
		c.onVoiceEnd()
	case EventPartial:
		c.onPartial(ctx, ev)
	case EventClassifierVerdict:
		c.onVerdict(ev)
	case EventFinal:
		c.onFinal(ev)
	case EventTranscriptFailed:
		if c.State() == UserSpeaking && ev.TurnID == c.turnID {
			log.Printf("[turn] turn=%d transcription failed: %v", ev.TurnID, ev.Err)
			c.commit("", true)
		}
	case EventFirstAudio:
		if c.State() == Thinking && ev.TurnID == c.turnID {
			c.transition(Speaking)
		}
	case EventPlaybackDone:
		if s := c.State(); (s == Thinking || s == Speaking) && ev.TurnID == c.turnID {
			c.transition(Listening)
		}
	case EventPause:
		c.goIdle()
	case EventResume:
		if c.State() == Idle {
			c.transition(Listening)
		}
	case EventGreet:
		c.onGreet()
	case eventTimer:
		if ev.gen == c.gen {
			c.onTimer(ev.timer)
		}
	}
}

func (c *Coordinator) onVoiceStart() {
	switch c.State() {
	case Listening:
		c.beginTurn()
	case UserSpeaking:
		if c.speech.finishing {
			return
		}
		c.speech.voiceActive = true
		c.speech.offset = false
		c.speech.endpointDue = false
		c.resetTimers()
	case Thinking, Speaking:
		turnID := c.turnID
		if !c.transition(Interrupted) {
			return
		}
		log.Printf("[turn] barge-in on turn=%d", turnID)
		c.actions.Interrupt(turnID)
		c.beginTurn()
	}
}

func (c *Coordinator) beginTurn() {
	c.mu.Lock()
	c.turnID++
	c.mu.Unlock()

	c.speech = speech{voiceActive: true}
	if c.transition(UserSpeaking) {
		c.actions.StartTurn(c.turnID)
	}
}

func (c *Coordinator) onVoiceEnd() {
	if c.State() != UserSpeaking || c.speech.finishing || !c.speech.voiceActive {
		return
	}
	c.speech.voiceActive = false
	c.speech.offset = true
	c.speech.endpointDue = false
	c.resetTimers()

	c.after(c.opts.MaxSilence, timerSilence)
	if c.opts.MinEndpointDelay == 0 {
		c.speech.endpointDue = true
		c.maybeEnd()
		return
	}
	c.after(c.opts.MinEndpointDelay, timerEndpoint)
}

func (c *Coordinator) onPartial(ctx context.Context, ev Event) {
	if c.State() != UserSpeaking || ev.TurnID != c.turnID {
		return
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" || text == c.speech.partial {
		return
	}
	c.speech.partial = text
	c.speech.verdict = turnend.Decision{}
	c.classify(ctx, ev.TurnID, text)
}

func (c *Coordinator) classify(ctx context.Context, turnID uint64, text string) {
	if c.classifier == nil {
		return
	}
	c.stopClassify()

	cctx, cancel := context.WithTimeout(ctx, c.opts.ClassifyTimeout)
	c.cancelClassify = cancel
	go func() {
		defer cancel()
		decision, err := c.classifier.Classify(cctx, text)
		if err != nil {
			if cctx.Err() == nil {
				log.Printf("[turn] classify turn=%d: %v", turnID, err)
			}
			return
		}
		c.Post(Event{Kind: EventClassifierVerdict, TurnID: turnID, Text: text, Decision: decision})
	}()
}

func (c *Coordinator) stopClassify() {
	if c.cancelClassify != nil {
		c.cancelClassify()
		c.cancelClassify = nil
	}
}

func (c *Coordinator) onVerdict(ev Event) {
	if c.State() != UserSpeaking || ev.TurnID != c.turnID || ev.Text != c.speech.partial {
		return
	}
	c.speech.verdict = ev.Decision
	c.maybeEnd()
}

func (c *Coordinator) onFinal(ev Event) {
	if c.State() != UserSpeaking || ev.TurnID != c.turnID {
		return
	}
	c.speech.final = strings.TrimSpace(ev.Text)
	c.speech.hasFinal = true
	if c.speech.finishing {
		c.commit(c.speech.final, false)
		return
	}
	c.maybeEnd()
}

// maybeEnd 在语音结束、最短延迟已过、且 final 或判停结论已就绪时结束本轮。
func (c *Coordinator) maybeEnd() {
	s := &c.speech
	if s.finishing || !s.offset || s.voiceActive || !s.endpointDue {
		return
	}
	if s.hasFinal || s.verdict.Complete(c.opts.Confidence) {
		c.endTurn()
	}
}

func (c *Coordinator) endTurn() {
	if c.speech.hasFinal {
		c.commit(c.speech.final, false)
		return
	}
	c.speech.finishing = true
	c.actions.FinishAudio(c.turnID)
	c.after(c.opts.FinalizeTimeout, timerFinalize)
}

// commit 结束 USER_SPEAKING。空文本且非识别失败时视为误触发，直接回到 LISTENING。
func (c *Coordinator) commit(text string, failed bool) {
	turnID := c.turnID
	c.stopClassify()

	if text == "" && !failed {
		if c.transition(Listening) {
			c.actions.Idle(turnID)
		}
		return
	}
	if !c.transition(Thinking) {
		return
	}
	c.after(c.opts.ThinkingTimeout, timerThinking)
	c.actions.CommitTurn(turnID, text)
}

func (c *Coordinator) onGreet() {
	if c.State() != Listening {
		return
	}
	c.mu.Lock()
	if c.announced || c.turnID > 0 {
		c.turnID++
	}
	c.announced = true
	turnID := c.turnID
	c.mu.Unlock()

	if !c.transition(Thinking) {
		return
	}
	c.after(c.opts.ThinkingTimeout, timerThinking)
	c.actions.Announce(turnID)
}

func (c *Coordinator) onTimer(kind timerKind) {
	state := c.State()
	switch kind {
	case timerEndpoint:
		if state == UserSpeaking {
			c.speech.endpointDue = true
			c.maybeEnd()
		}
	case timerSilence:
		if state == UserSpeaking && !c.speech.finishing {
			log.Printf("[turn] turn=%d max silence reached, forcing end of turn", c.turnID)
			c.endTurn()
		}
	case timerFinalize:
		if state == UserSpeaking && c.speech.finishing {
			log.Printf("[turn] turn=%d no final transcript, using last partial", c.turnID)
			c.commit(c.speech.partial, false)
		}
	case timerThinking:
		if state == Thinking {
			turnID := c.turnID
			log.Printf("[turn] turn=%d no audio within %s", turnID, c.opts.ThinkingTimeout)
			c.actions.Interrupt(turnID)
			c.transition(Listening)
		}
	}
}

func (c *Coordinator) goIdle() {
	state := c.State()
	if state == Idle {
		return
	}
	turnID := c.turnID
	if state == Thinking || state == Speaking {
		c.actions.Interrupt(turnID)
	}
	c.stopClassify()
	c.transition(Idle)
	c.actions.Idle(turnID)
}

func (c *Coordinator) shutdown() {
	c.goIdle()
	c.resetTimers()
}

func (c *Coordinator) transition(to State) bool {
	c.mu.Lock()
	from := c.state
	if !CanTransition(from, to) {
		turnID := c.turnID
		c.mu.Unlock()
		log.Printf("[turn] reject %s -> %s turn=%d", from, to, turnID)
		return false
	}
	c.state = to
	tr := Transition{From: from, To: to, TurnID: c.turnID, At: time.Now()}
	c.observed = append(c.observed, tr)
	c.mu.Unlock()

	c.resetTimers()
	log.Printf("[turn] %s -> %s turn=%d", from, to, tr.TurnID)
	c.actions.StateChanged(tr)
	return true
}

// resetTimers 让所有已排定的计时器失效。
func (c *Coordinator) resetTimers() {
	c.gen++
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = c.timers[:0]
}

func (c *Coordinator) after(d time.Duration, kind timerKind) {
	gen := c.gen
	c.timers = append(c.timers, time.AfterFunc(d, func() {
		c.Post(Event{Kind: eventTimer, timer: kind, gen: gen})
	}))
}

// inbox 是无界事件队列，生产者永不阻塞。
type inbox struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func (q *inbox) push(ev Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *inbox) drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	return events
}
