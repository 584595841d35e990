package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"

	agentmodel "github.com/zhouzirui/voicebridge/backend/internal/model/agent"
	authmodel "github.com/zhouzirui/voicebridge/backend/internal/model/auth"
	"github.com/zhouzirui/voicebridge/backend/internal/model/profile"
	sessionmodel "github.com/zhouzirui/voicebridge/backend/internal/model/session"
	speechmodel "github.com/zhouzirui/voicebridge/backend/internal/model/speech"
	threadmodel "github.com/zhouzirui/voicebridge/backend/internal/model/thread"
	"github.com/zhouzirui/voicebridge/backend/internal/service/agent"
	"github.com/zhouzirui/voicebridge/backend/internal/service/auth"
	"github.com/zhouzirui/voicebridge/backend/internal/service/responder"
	"github.com/zhouzirui/voicebridge/backend/internal/service/speech"
	"github.com/zhouzirui/voicebridge/backend/internal/service/thread"
	"github.com/zhouzirui/voicebridge/backend/internal/service/turn"
)

// prerollFrames 是轮次之间保留的输入音频帧数，新一轮开始时先补发给识别器。
const prerollFrames = 25

// RuntimeFactory 用会话的令牌来源构造智能体运行时。
type RuntimeFactory func(tokens agent.TokenSource) agent.Runtime

// Deps 是所有会话共享的只读依赖。
type Deps struct {
	Threads  *thread.Manager
	Profiles profile.Store
	Runtime  RuntimeFactory

	// Credentials 为空时不创建令牌管理器，运行时收到空令牌。
	Credentials auth.CredentialService
	Auth        auth.Options

	Recognizer speech.Recognizer
	Streamer   speech.SpeechStreamer
	Recognize  speechmodel.RecognizeRequest
	Synthesis  speech.SynthesizerOptions
	AudioQueue int

	Classifier turn.Classifier
	Turn       turn.Options
	Responder  responder.Options
	Greeting   bool
}

// JoinRequest 描述加入会话的参与者。
type JoinRequest struct {
	Identity  string `json:"identity"`
	Metadata  string `json:"metadata"`
	ThreadID  string `json:"threadId"`
	ProfileID string `json:"profile"`
}

// Session 是一条媒体连接对应的桥接会话。它拥有本轮的识别、应答与播放，
// 断开时全部释放；线程在会话结束后保留。
type Session struct {
	id        string
	deps      Deps
	sink      speech.FrameSink
	hub       *Hub
	createdAt time.Time

	// life 保护 Start 发布的字段；观察者可能在 Start 期间并发读取。
	life     sync.RWMutex
	starting bool
	identity string
	profile  profile.Profile
	binding  thread.Binding
	tokens   *auth.Manager

	transcriber *speech.Transcriber
	responder   *responder.Responder
	synth       *speech.Synthesizer
	coord       *turn.Coordinator

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	done     chan struct{}
	doneOnce sync.Once
	err      error

	mu         sync.Mutex
	transcript *speech.TurnTranscript
	accepting  bool
	preroll    [][]byte
	response   *responder.Response
	playback   *speech.Playback
}

// NewSession creates a session that writes synthesized audio to sink.
func NewSession(id string, deps Deps, sink speech.FrameSink) *Session {
	return &Session{
		id:        id,
		deps:      deps,
		sink:      sink,
		hub:       NewHub(id),
		createdAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
}

// Start 绑定线程、获取令牌并启动轮次协调。令牌获取失败是致命错误。
func (s *Session) Start(ctx context.Context, join JoinRequest) error {
	s.life.Lock()
	if s.starting {
		s.life.Unlock()
		return errors.New("session already started")
	}
	s.starting = true
	s.life.Unlock()

	if s.deps.Runtime == nil || s.deps.Threads == nil {
		return errors.New("session dependencies are incomplete")
	}

	identity := strings.TrimSpace(join.Identity)
	prof, _ := profile.Resolve(s.deps.Profiles, join.ProfileID)

	external := strings.TrimSpace(join.ThreadID)
	if external == "" {
		external = thread.ParseMetadata(join.Metadata)
	}
	binding, err := s.deps.Threads.Bind(ctx, external)
	if err != nil {
		return fmt.Errorf("bind thread: %w", err)
	}

	var (
		manager *auth.Manager
		tokens  agent.TokenSource = agent.StaticToken("")
	)
	if s.deps.Credentials != nil {
		opts := s.deps.Auth
		opts.ThreadID = binding.ThreadID
		manager = auth.NewManager(s.deps.Credentials, opts)
		if _, err := manager.Acquire(ctx, authmodel.Conversation); err != nil {
			return err
		}
		tokens = manager.Source(authmodel.Conversation)
	}

	recognize := s.deps.Recognize
	recognize.SessionID = s.id

	synthOpts := s.deps.Synthesis
	synthOpts.SessionID = s.id
	if prof.Language != "" {
		synthOpts.Language = prof.Language
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)
	coord := turn.NewCoordinator(sessionActions{s}, s.deps.Classifier, s.deps.Turn)

	s.life.Lock()
	s.identity, s.profile, s.binding, s.tokens = identity, prof, binding, manager
	s.transcriber = speech.NewTranscriber(s.deps.Recognizer, recognize, s.deps.AudioQueue)
	s.synth = speech.NewSynthesizer(s.deps.Streamer, synthOpts)
	s.responder = responder.New(s.deps.Runtime(tokens), s.deps.Responder)
	s.coord = coord
	s.ctx, s.cancel, s.group = gctx, cancel, group
	s.life.Unlock()

	group.Go(func() error {
		return coord.Run(gctx)
	})
	if manager != nil {
		group.Go(func() error {
			if err := manager.Run(gctx); err != nil {
				s.hub.Publish(sessionmodel.Event{Type: sessionmodel.EventError, Name: "auth", Text: err.Error()})
				return err
			}
			return nil
		})
	}
	go func() {
		err := group.Wait()
		cancel()
		s.finish(err)
	}()

	log.Printf("[bridge] session=%s joined identity=%s thread=%s resumed=%v profile=%s", s.id, identity, binding.ThreadID, binding.Resumed, prof.ID)

	coord.Resume()
	if s.deps.Greeting && strings.TrimSpace(prof.Greeting) != "" {
		coord.Greet()
	}
	return nil
}

func (s *Session) finish(err error) {
	s.doneOnce.Do(func() {
		s.err = err
		s.hub.Publish(sessionmodel.Event{Type: sessionmodel.EventClosed})
		s.hub.Close()
		close(s.done)
		log.Printf("[bridge] session=%s closed err=%v", s.id, err)
	})
}

// Close tears the session down and waits until every turn resource is released.
func (s *Session) Close() {
	s.life.RLock()
	cancel := s.cancel
	s.life.RUnlock()

	if cancel == nil {
		s.finish(nil)
		return
	}
	cancel()
	<-s.done
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Hub returns the session's event hub.
func (s *Session) Hub() *Hub {
	return s.hub
}

// ThreadID returns the bound thread.
func (s *Session) ThreadID() string {
	s.life.RLock()
	defer s.life.RUnlock()
	return s.binding.ThreadID
}

// coordinator returns nil until Start has published the coordinator.
func (s *Session) coordinator() *turn.Coordinator {
	s.life.RLock()
	defer s.life.RUnlock()
	return s.coord
}

// State returns the current turn state.
func (s *Session) State() turn.State {
	coord := s.coordinator()
	if coord == nil {
		return turn.Idle
	}
	return coord.State()
}

// Observed returns the turn transitions taken so far.
func (s *Session) Observed() []turn.Transition {
	coord := s.coordinator()
	if coord == nil {
		return nil
	}
	return coord.Observed()
}

// Info returns a snapshot for observers.
func (s *Session) Info() sessionmodel.Info {
	s.life.RLock()
	info := sessionmodel.Info{
		ID:        s.id,
		Identity:  s.identity,
		ThreadID:  s.binding.ThreadID,
		Resumed:   s.binding.Resumed,
		ProfileID: s.profile.ID,
		CreatedAt: s.createdAt,
	}
	coord := s.coord
	s.life.RUnlock()

	info.State = turn.Idle.String()
	if coord != nil {
		info.State = coord.State().String()
		info.TurnID = coord.TurnID()
	}
	return info
}

// WriteAudio 把一帧输入音频交给当前轮次，永不阻塞。轮次之间只保留最近一小段。
func (s *Session) WriteAudio(frame []byte) {
	if len(frame) == 0 {
		return
	}

	s.mu.Lock()
	tt := s.transcript
	if tt == nil || !s.accepting {
		s.preroll = append(s.preroll, frame)
		if len(s.preroll) > prerollFrames {
			s.preroll = s.preroll[len(s.preroll)-prerollFrames:]
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	tt.Write(frame)
}

// VoiceActivity forwards a voice-activity onset or offset.
func (s *Session) VoiceActivity(active bool) {
	coord := s.coordinator()
	if coord == nil {
		return
	}
	if active {
		coord.VoiceStart()
	} else {
		coord.VoiceEnd()
	}
}

// Pause stops turn taking until Resume.
func (s *Session) Pause() {
	if coord := s.coordinator(); coord != nil {
		coord.Pause()
	}
}

// Resume re-enables turn taking.
func (s *Session) Resume() {
	if coord := s.coordinator(); coord != nil {
		coord.Resume()
	}
}

func (s *Session) readTranscript(tt *speech.TurnTranscript) {
	turnID := tt.TurnID()
	for {
		ev, err := tt.Next()
		if err == iterator.Done {
			return
		}
		if err != nil {
			s.hub.Publish(sessionmodel.Event{Type: sessionmodel.EventError, TurnID: turnID, Name: "transcription", Text: err.Error()})
			s.coord.TranscriptFailed(turnID, err)
			return
		}

		s.hub.Publish(sessionmodel.Event{Type: sessionmodel.EventTranscript, TurnID: turnID, Text: ev.Text, Final: ev.IsFinal})
		if ev.IsFinal {
			s.coord.Final(turnID, ev.Text)
		} else {
			s.coord.Partial(turnID, ev.Text)
		}
	}
}

func (s *Session) releaseTranscript(turnID uint64) {
	s.mu.Lock()
	tt := s.transcript
	if tt == nil || tt.TurnID() != turnID {
		s.mu.Unlock()
		return
	}
	s.transcript = nil
	s.accepting = false
	s.mu.Unlock()

	tt.Close()
}

// speak 把片段交给合成器；resp 为空时是开场白。
func (s *Session) speak(turnID uint64, segments <-chan agentmodel.Segment, resp *responder.Response, text string) {
	hooks := speech.Hooks{
		FirstAudio: s.coord.FirstAudio,
		DisplayText: func(turnID uint64, seg agentmodel.Segment) {
			s.hub.Publish(sessionmodel.Event{Type: sessionmodel.EventDisplay, TurnID: turnID, Text: seg.Text})
		},
		Done: func(turnID uint64, _ speech.PlaybackResult) {
			s.coord.PlaybackDone(turnID)
		},
	}
	pb := s.synth.Speak(s.ctx, turnID, s.profile.VoiceID, segments, s.sink, hooks)

	s.mu.Lock()
	s.response, s.playback = resp, pb
	s.mu.Unlock()

	if resp != nil {
		s.group.Go(func() error {
			for ev := range resp.Events() {
				s.hub.Publish(sessionmodel.Event{Type: sessionmodel.EventSideEvent, TurnID: turnID, Name: ev.Name, Text: ev.Type, Payload: ev.Payload})
			}
			return nil
		})
	}
	s.group.Go(func() error {
		s.complete(turnID, resp, pb, text)
		return nil
	})
}

func (s *Session) complete(turnID uint64, resp *responder.Response, pb *speech.Playback, text string) {
	<-pb.Done()
	played := pb.Result()
	cancelled := played.Cancelled

	if resp != nil {
		if played.Err != nil {
			// 输出端失败后不再有人读取片段。
			resp.Cancel()
		}
		result := resp.Wait()
		text = result.Text
		cancelled = cancelled || result.Cancelled
		if result.Err != nil {
			s.hub.Publish(sessionmodel.Event{Type: sessionmodel.EventError, TurnID: turnID, Name: "agent", Text: result.Err.Error()})
		}
	}
	if played.Err != nil {
		s.hub.Publish(sessionmodel.Event{Type: sessionmodel.EventError, TurnID: turnID, Name: "synthesis", Text: played.Err.Error()})
	}

	if text != "" {
		s.record(threadmodel.RoleAssistant, text, turnID)
	}
	s.hub.Publish(sessionmodel.Event{Type: sessionmodel.EventResponse, TurnID: turnID, Text: text, Final: !cancelled})
}

func (s *Session) record(role threadmodel.Role, text string, turnID uint64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 5*time.Second)
	defer cancel()

	err := s.deps.Threads.Record(ctx, s.binding.ThreadID, threadmodel.Utterance{
		Role:   role,
		Text:   text,
		TurnID: turnID,
		At:     time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[bridge] session=%s record %s utterance failed: %v", s.id, role, err)
	}
}

// sessionActions 让协调器驱动会话，避免把这些方法暴露在 Session 上。
type sessionActions struct {
	s *Session
}

func (a sessionActions) StartTurn(turnID uint64) {
	s := a.s
	tt := s.transcriber.BeginTurn(s.ctx, turnID)

	s.mu.Lock()
	old := s.transcript
	s.transcript, s.accepting = tt, true
	preroll := s.preroll
	s.preroll = nil
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	for _, frame := range preroll {
		tt.Write(frame)
	}
	s.group.Go(func() error {
		s.readTranscript(tt)
		return nil
	})
}

func (a sessionActions) FinishAudio(turnID uint64) {
	s := a.s
	s.mu.Lock()
	tt := s.transcript
	if tt == nil || tt.TurnID() != turnID {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	tt.Finish()
}

func (a sessionActions) CommitTurn(turnID uint64, utterance string) {
	s := a.s
	s.releaseTranscript(turnID)
	if utterance != "" {
		s.record(threadmodel.RoleUser, utterance, turnID)
	}

	resp := s.responder.Respond(s.ctx, agentmodel.Request{
		Utterance: utterance,
		ThreadID:  s.binding.ThreadID,
		TurnID:    turnID,
		ProfileID: s.profile.ID,
	})
	s.speak(turnID, resp.Segments(), resp, "")
}

func (a sessionActions) Announce(turnID uint64) {
	s := a.s
	text := strings.TrimSpace(s.profile.Greeting)
	segments := make(chan agentmodel.Segment, 1)
	if text != "" {
		segments <- agentmodel.Segment{Seq: 1, TurnID: turnID, Text: text, Terminal: true, Boundary: agentmodel.BoundaryEnd}
	}
	close(segments)
	s.speak(turnID, segments, nil, text)
}

func (a sessionActions) Interrupt(turnID uint64) {
	s := a.s
	s.mu.Lock()
	resp, pb := s.response, s.playback
	s.response, s.playback = nil, nil
	s.mu.Unlock()

	if resp != nil {
		resp.Cancel()
	}
	if pb != nil {
		pb.Cancel()
	}
	log.Printf("[bridge] session=%s turn=%d interrupted", s.id, turnID)
}

func (a sessionActions) Idle(turnID uint64) {
	a.s.releaseTranscript(turnID)
}

func (a sessionActions) StateChanged(tr turn.Transition) {
	a.s.hub.Publish(sessionmodel.Event{
		Type:   sessionmodel.EventState,
		TurnID: tr.TurnID,
		State:  tr.To.String(),
		From:   tr.From.String(),
		At:     tr.At,
	})
}
