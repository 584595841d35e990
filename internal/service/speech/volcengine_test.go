package speech

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	speechmodel "github.com/zhouzirui/voicebridge/backend/internal/model/speech"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testSpeechConfig() *speechmodel.SpeechConfig {
	return &speechmodel.SpeechConfig{AppID: "app", AccessToken: "token", TTSVoice: "zh_female_vv_uranus_bigtts"}
}

func writeServerJSON(t *testing.T, conn *websocket.Conn, flags MessageFlags, seq int32, v any) {
	t.Helper()
	raw, _ := json.Marshal(v)
	body, err := compress(raw, GzipCompression)
	if err != nil {
		t.Errorf("compress: %v", err)
		return
	}
	msg := &Message{Type: FullServerResponse, Flags: flags, Sequence: seq, Serialization: JSONSerialization, Compression: GzipCompression, Payload: body}
	if err := conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(msg)); err != nil {
		t.Errorf("write: %v", err)
	}
}

func TestASRStreamPartialsThenFinal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-App-Key") != "app" || r.Header.Get("X-Api-Resource-Id") == "" {
			http.Error(w, "missing auth", http.StatusUnauthorized)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		texts := []string{"hello", "hello world"}
		frames := 0
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := DecodeMessage(data)
			if err != nil {
				t.Errorf("decode: %v", err)
				return
			}
			if msg.Type == FullClientRequest {
				continue
			}
			if msg.Final() {
				writeServerJSON(t, conn, NegativeSequenceNumber, -9, map[string]any{
					"result": map[string]any{"text": "hello world.", "utterances": []map[string]any{{"text": "hello world.", "definite": true, "start_time": 0, "end_time": 900}}},
				})
				return
			}
			writeServerJSON(t, conn, PositiveSequenceNumber, int32(frames+2), map[string]any{"result": map[string]any{"text": texts[frames]}})
			frames++
		}
	}))
	defer srv.Close()

	cfg := testSpeechConfig()
	cfg.ASRURL = wsURL(srv)
	client := NewVolcengineASRClient(cfg, DialOptions{MaxAttempts: 1})

	stream, err := client.OpenStream(context.Background(), speechmodel.RecognizeRequest{SessionID: "s1"})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer stream.Close()

	for i, want := range []string{"hello", "hello world"} {
		if err := stream.Send(make([]byte, 320)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		ev, err := stream.Recv()
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if ev.IsFinal || ev.Text != want {
			t.Fatalf("expected partial %q, got %+v", want, ev)
		}
	}

	if err := stream.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	ev, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv final: %v", err)
	}
	if !ev.IsFinal || ev.Text != "hello world." || ev.EndTime != 900 {
		t.Fatalf("unexpected final: %+v", ev)
	}
	if ev.Confidence < 0.9 {
		t.Fatalf("expected high confidence for definite utterance, got %v", ev.Confidence)
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after final, got %v", err)
	}
}

func TestASRRequiresCredentials(t *testing.T) {
	client := NewVolcengineASRClient(&speechmodel.SpeechConfig{}, DialOptions{})
	if _, err := client.OpenStream(context.Background(), speechmodel.RecognizeRequest{}); !errors.Is(err, ErrCredentials) {
		t.Fatalf("expected ErrCredentials, got %v", err)
	}
}

func TestTTSStreamsChunksAndFallsBackOnResourceMismatch(t *testing.T) {
	var (
		mu        sync.Mutex
		resources []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resource := r.Header.Get("X-Api-Resource-Id")
		mu.Lock()
		resources = append(resources, resource)
		mu.Unlock()

		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}

		if resource == "seed-tts-2.0" {
			errFrame := []byte{0x11, byte(ErrorMessage) << 4, 0x10, 0x00, 0x00, 0x00, 0x0B, 0xB8}
			text := []byte(`{"error":"resource ID is mismatched with speaker related resource"}`)
			errFrame = append(errFrame, 0, 0, 0, byte(len(text)))
			errFrame = append(errFrame, text...)
			_ = conn.WriteMessage(websocket.BinaryMessage, errFrame)
			return
		}

		for _, chunk := range [][]byte{{1, 2, 3}, {4, 5}} {
			msg := &Message{Type: AudioOnlyServerResponse, Flags: PositiveSequenceNumber, Sequence: 1, Payload: chunk}
			_ = conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(msg))
		}
		done := &Message{Type: FullServerResponse, Flags: WithEvent, Event: EventTypeSessionFinished, Serialization: JSONSerialization, Payload: []byte(`{}`)}
		_ = conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(done))
	}))
	defer srv.Close()

	cfg := testSpeechConfig()
	cfg.TTSURL = wsURL(srv)
	client := NewVolcengineTTSClient(cfg, DialOptions{MaxAttempts: 1})

	var chunks [][]byte
	err := client.StreamSpeech(context.Background(), speechmodel.TTSRequest{Text: "你好。"}, func(b []byte) error {
		chunks = append(chunks, b)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamSpeech: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"seed-tts-2.0", "volc.service_type.10029"}
	if !reflect.DeepEqual(resources, want) {
		t.Fatalf("resources = %v, want %v", resources, want)
	}
}

func TestTTSCancelStopsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
		msg := &Message{Type: AudioOnlyServerResponse, Payload: []byte{1}}
		_ = conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(msg))
		// never finishes
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	cfg := testSpeechConfig()
	cfg.TTSURL = wsURL(srv)
	client := NewVolcengineTTSClient(cfg, DialOptions{MaxAttempts: 1})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.StreamSpeech(ctx, speechmodel.TTSRequest{Text: "long text"}, func([]byte) error {
			cancel()
			return nil
		})
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("StreamSpeech did not stop after cancel")
	}
}

func TestResolveTTSResourceCandidates(t *testing.T) {
	tests := []struct {
		name  string
		voice string
		want  []string
	}{
		{name: "default voice", voice: "", want: []string{"volc.service_type.10029", "seed-tts-2.0"}},
		{name: "mega clone voice", voice: "S_clone_speaker", want: []string{"volc.megatts.default"}},
		{name: "bigtts voice", voice: "zh_female_vv_uranus_bigtts", want: []string{"seed-tts-2.0", "volc.service_type.10029"}},
		{name: "legacy 1.0 voice", voice: "zh_male_organizer", want: []string{"volc.service_type.10029", "seed-tts-2.0"}},
	}

	for _, tt := range tests {
		got := resolveTTSResourceCandidates(tt.voice)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: resolveTTSResourceCandidates(%q) = %v, want %v", tt.name, tt.voice, got, tt.want)
		}
	}
}

func TestResolveTTSSpeakerCandidates(t *testing.T) {
	tests := []struct {
		name     string
		request  string
		fallback string
		want     []string
	}{
		{name: "request and fallback", request: "profile-voice", fallback: "zh_female_vv_uranus_bigtts", want: []string{"profile-voice", "zh_female_vv_uranus_bigtts"}},
		{name: "request empty", request: "", fallback: "zh_male_M392_conversation_wvae_bigtts", want: []string{"zh_male_M392_conversation_wvae_bigtts"}},
		{name: "duplicates ignored", request: "ZH_voice", fallback: "zh_voice", want: []string{"ZH_voice"}},
		{name: "profile alias", request: "en_default", fallback: "", want: []string{"en_female_amy_jupiter_bigtts"}},
		{name: "nothing configured", request: "", fallback: "", want: []string{"zh_female_vv_uranus_bigtts"}},
	}

	for _, tt := range tests {
		got := resolveTTSSpeakerCandidates(tt.request, tt.fallback)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: resolveTTSSpeakerCandidates(%q, %q) = %v, want %v", tt.name, tt.request, tt.fallback, got, tt.want)
		}
	}
}
