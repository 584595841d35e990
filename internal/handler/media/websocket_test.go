package media

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	agentmodel "github.com/zhouzirui/voicebridge/backend/internal/model/agent"
	authmodel "github.com/zhouzirui/voicebridge/backend/internal/model/auth"
	"github.com/zhouzirui/voicebridge/backend/internal/model/profile"
	speechmodel "github.com/zhouzirui/voicebridge/backend/internal/model/speech"
	"github.com/zhouzirui/voicebridge/backend/internal/service/agent"
	"github.com/zhouzirui/voicebridge/backend/internal/service/auth"
	"github.com/zhouzirui/voicebridge/backend/internal/service/bridge"
	"github.com/zhouzirui/voicebridge/backend/internal/service/responder"
	"github.com/zhouzirui/voicebridge/backend/internal/service/speech"
	"github.com/zhouzirui/voicebridge/backend/internal/service/thread"
	"github.com/zhouzirui/voicebridge/backend/internal/service/turn"
)

type phraseStream struct {
	events chan speechmodel.TranscriptEvent
	once   sync.Once
	sent   sync.Once
	closed chan struct{}
}

func (p *phraseStream) Send([]byte) error {
	p.sent.Do(func() { p.events <- speechmodel.TranscriptEvent{Text: "what time is it"} })
	return nil
}

func (p *phraseStream) CloseSend() error {
	p.events <- speechmodel.TranscriptEvent{Text: "what time is it?", IsFinal: true}
	return nil
}

func (p *phraseStream) Recv() (speechmodel.TranscriptEvent, error) {
	select {
	case ev := <-p.events:
		return ev, nil
	case <-p.closed:
		return speechmodel.TranscriptEvent{}, io.EOF
	}
}

func (p *phraseStream) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type phraseRecognizer struct{}

func (phraseRecognizer) OpenStream(context.Context, speechmodel.RecognizeRequest) (speech.RecognizeStream, error) {
	return &phraseStream{events: make(chan speechmodel.TranscriptEvent, 4), closed: make(chan struct{})}, nil
}

type onceStream struct {
	done bool
}

func (s *onceStream) Recv() (agentmodel.Chunk, error) {
	if s.done {
		return agentmodel.Chunk{}, io.EOF
	}
	s.done = true
	return agentmodel.ContentChunk("It is noon.", true), nil
}

func (s *onceStream) Close() error { return nil }

type noonRuntime struct{}

func (noonRuntime) Stream(context.Context, agentmodel.Request) (agent.Stream, error) {
	return &onceStream{}, nil
}

type wordStreamer struct{}

func (wordStreamer) StreamSpeech(ctx context.Context, req speechmodel.TTSRequest, onChunk func([]byte) error) error {
	for _, word := range strings.Fields(req.Text) {
		if err := onChunk([]byte(word)); err != nil {
			return err
		}
	}
	return nil
}

type rejectingCredentials struct{}

func (rejectingCredentials) Login(context.Context, string, string) (authmodel.Token, error) {
	return authmodel.Token{}, errors.New("invalid password")
}

func (rejectingCredentials) OpenConversation(context.Context, authmodel.Token, string) (authmodel.Token, error) {
	return authmodel.Token{}, errors.New("unreachable")
}

func testDeps(greeting bool) bridge.Deps {
	return bridge.Deps{
		Threads:    thread.NewManager(thread.NewMemoryStore()),
		Profiles:   profile.NewMemoryStore(profile.Seed()),
		Runtime:    func(agent.TokenSource) agent.Runtime { return noonRuntime{} },
		Recognizer: phraseRecognizer{},
		Streamer:   wordStreamer{},
		Classifier: turn.HeuristicClassifier{},
		Turn: turn.Options{
			MaxSilence:       time.Second,
			MinEndpointDelay: 10 * time.Millisecond,
			FinalizeTimeout:  300 * time.Millisecond,
			ThinkingTimeout:  2 * time.Second,
		},
		Responder: responder.Options{IdleFlush: 50 * time.Millisecond},
		Greeting:  greeting,
	}
}

func newTestServer(t *testing.T, deps bridge.Deps) (*httptest.Server, *bridge.Registry) {
	t.Helper()
	registry := bridge.NewRegistry()
	r := chi.NewRouter()
	r.Route("/api", func(api chi.Router) {
		New(deps, registry).RegisterRoutes(api)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, registry
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type received struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

func sendJSON(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	payload := map[string]any{"type": msgType}
	if data != nil {
		payload["data"] = data
	}
	if err := conn.WriteJSON(payload); err != nil {
		t.Fatalf("write %s err: %v", msgType, err)
	}
}

// readUntil skips messages until one of msgType satisfies match.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string, match func(json.RawMessage) bool) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg received
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if msg.Type == msgType && (match == nil || match(msg.Data)) {
			return msg
		}
	}
}

func turnOf(raw json.RawMessage) uint64 {
	var v struct {
		TurnID uint64 `json:"turnId"`
	}
	json.Unmarshal(raw, &v)
	return v.TurnID
}

func TestMediaJoinSpeaksGreeting(t *testing.T) {
	srv, registry := newTestServer(t, testDeps(true))
	conn := dial(t, srv, "/api/media/ws/room-1")

	connected := readUntil(t, conn, "connected", nil)
	if connected.SessionID != "room-1" {
		t.Fatalf("expected session room-1, got %s", connected.SessionID)
	}

	sendJSON(t, conn, "join", map[string]string{"identity": "alice", "threadId": "thread-7"})

	joined := readUntil(t, conn, "joined", nil)
	var info struct {
		ThreadID string `json:"threadId"`
		Identity string `json:"identity"`
	}
	if err := json.Unmarshal(joined.Data, &info); err != nil {
		t.Fatalf("decode joined: %v", err)
	}
	if info.ThreadID != "thread-7" || info.Identity != "alice" {
		t.Fatalf("unexpected join info %+v", info)
	}

	readUntil(t, conn, "audio", func(raw json.RawMessage) bool { return turnOf(raw) == 0 })

	if _, err := registry.Get("room-1"); err != nil {
		t.Fatalf("expected registered session, got %v", err)
	}

	sendJSON(t, conn, "leave", nil)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := registry.Get("room-1"); errors.Is(err, bridge.ErrSessionNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session still registered after leave")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMediaTurnProducesTranscriptAndAudio(t *testing.T) {
	srv, _ := newTestServer(t, testDeps(false))
	conn := dial(t, srv, "/api/media/ws/room-2")

	sendJSON(t, conn, "join", map[string]string{"identity": "bob"})
	readUntil(t, conn, "state", func(raw json.RawMessage) bool {
		return strings.Contains(string(raw), `"state":"LISTENING"`)
	})

	sendJSON(t, conn, "vad", map[string]bool{"active": true})
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	sendJSON(t, conn, "vad", map[string]bool{"active": false})

	final := readUntil(t, conn, "transcript", func(raw json.RawMessage) bool {
		return strings.Contains(string(raw), `"final":true`)
	})
	if !strings.Contains(string(final.Data), "what time is it?") {
		t.Fatalf("unexpected final transcript %s", final.Data)
	}

	audio := readUntil(t, conn, "audio", func(raw json.RawMessage) bool { return turnOf(raw) == 1 })
	var frame audioPayload
	if err := json.Unmarshal(audio.Data, &frame); err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if frame.Audio == "" {
		t.Fatal("expected base64 audio payload")
	}
}

func TestMediaRequiresJoin(t *testing.T) {
	srv, _ := newTestServer(t, testDeps(false))
	conn := dial(t, srv, "/api/media/ws/room-3")

	sendJSON(t, conn, "vad", map[string]bool{"active": true})
	msg := readUntil(t, conn, "error", nil)
	if !strings.Contains(string(msg.Data), "join required") {
		t.Fatalf("unexpected error %s", msg.Data)
	}
}

func TestMediaRejectsDuplicateSession(t *testing.T) {
	deps := testDeps(false)
	srv, registry := newTestServer(t, deps)
	if err := registry.Add(bridge.NewSession("taken", deps, nil)); err != nil {
		t.Fatalf("Add err: %v", err)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/media/ws/taken"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %+v", resp)
	}
}

func TestMediaJoinFailureClosesConnection(t *testing.T) {
	deps := testDeps(false)
	deps.Credentials = rejectingCredentials{}
	deps.Auth = auth.Options{Email: "a@b.test", Password: "x", MaxAttempts: 1, BackoffBase: time.Millisecond}
	srv, registry := newTestServer(t, deps)
	conn := dial(t, srv, "/api/media/ws/room-4")

	sendJSON(t, conn, "join", map[string]string{"identity": "carol"})
	msg := readUntil(t, conn, "error", nil)
	if !strings.Contains(string(msg.Data), "join failed") {
		t.Fatalf("unexpected error %s", msg.Data)
	}
	readUntil(t, conn, "closed", nil)

	if _, err := registry.Get("room-4"); err == nil {
		t.Fatal("failed session must not stay registered")
	}
}
