package speech

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	agentmodel "github.com/zhouzirui/voicebridge/backend/internal/model/agent"
	speechmodel "github.com/zhouzirui/voicebridge/backend/internal/model/speech"
)

// fakeStreamer emits one chunk per word of the segment text.
// failText fails before any audio; cutText fails after its first word.
type fakeStreamer struct {
	mu       sync.Mutex
	texts    []string
	failText string
	cutText  string
}

func (f *fakeStreamer) StreamSpeech(ctx context.Context, req speechmodel.TTSRequest, onChunk func([]byte) error) error {
	f.mu.Lock()
	f.texts = append(f.texts, req.Text)
	f.mu.Unlock()

	if req.Text == f.failText {
		return errors.New("voice unavailable")
	}
	for i, word := range strings.Fields(req.Text) {
		if req.Text == f.cutText && i == 1 {
			return errors.New("stream reset")
		}
		if err := onChunk([]byte(word)); err != nil {
			return err
		}
	}
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	frames []speechmodel.AudioFrame
	gate   chan struct{}
}

func (s *recordingSink) WriteFrame(ctx context.Context, frame speechmodel.AudioFrame) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) snapshot() []speechmodel.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]speechmodel.AudioFrame(nil), s.frames...)
}

func segmentsOf(texts ...string) <-chan agentmodel.Segment {
	ch := make(chan agentmodel.Segment, len(texts))
	for i, text := range texts {
		ch <- agentmodel.Segment{Seq: i + 1, TurnID: 1, Text: text, Terminal: true}
	}
	close(ch)
	return ch
}

func waitPlayback(t *testing.T, p *Playback) PlaybackResult {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not finish")
	}
	return p.Result()
}

func TestSpeakPreservesSegmentOrder(t *testing.T) {
	tts := &fakeStreamer{}
	sink := &recordingSink{}
	synth := NewSynthesizer(tts, SynthesizerOptions{Voice: "zh_default", FrameQueue: 2})

	var (
		mu         sync.Mutex
		firstAudio int
		doneCalls  int
	)
	hooks := Hooks{
		FirstAudio: func(uint64) { mu.Lock(); firstAudio++; mu.Unlock() },
		Done:       func(uint64, PlaybackResult) { mu.Lock(); doneCalls++; mu.Unlock() },
	}

	p := synth.Speak(context.Background(), 1, "", segmentsOf("one two", "three four five"), sink, hooks)
	result := waitPlayback(t, p)

	var words []string
	for _, f := range sink.snapshot() {
		words = append(words, string(f.Data))
	}
	if got := strings.Join(words, " "); got != "one two three four five" {
		t.Fatalf("unexpected frame order %q", got)
	}
	frames := sink.snapshot()
	if frames[2].Segment != 2 || frames[2].Index != 0 || frames[4].Index != 2 {
		t.Fatalf("unexpected frame indices %+v", frames)
	}
	if result.Segments != 2 || result.Frames != 5 || result.Cancelled {
		t.Fatalf("unexpected result %+v", result)
	}

	mu.Lock()
	defer mu.Unlock()
	if firstAudio != 1 || doneCalls != 1 {
		t.Fatalf("expected one FirstAudio and one Done, got %d and %d", firstAudio, doneCalls)
	}
}

func TestSpeakFallsBackToDisplayText(t *testing.T) {
	tts := &fakeStreamer{failText: "Broken segment."}
	sink := &recordingSink{}
	synth := NewSynthesizer(tts, SynthesizerOptions{})

	var displayed []string
	hooks := Hooks{
		DisplayText: func(_ uint64, seg agentmodel.Segment) { displayed = append(displayed, seg.Text) },
	}

	p := synth.Speak(context.Background(), 1, "", segmentsOf("Broken segment.", "Fine now."), sink, hooks)
	result := waitPlayback(t, p)

	if len(displayed) != 1 || displayed[0] != "Broken segment." {
		t.Fatalf("expected display fallback for failed segment, got %v", displayed)
	}
	if result.Failed != 1 || result.Displayed != 1 || result.Frames != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSpeakSkipsRestOfSegmentAfterMidStreamFailure(t *testing.T) {
	tts := &fakeStreamer{cutText: "Cut off here."}
	sink := &recordingSink{}
	synth := NewSynthesizer(tts, SynthesizerOptions{})

	var displayed []string
	hooks := Hooks{
		DisplayText: func(_ uint64, seg agentmodel.Segment) { displayed = append(displayed, seg.Text) },
	}

	p := synth.Speak(context.Background(), 1, "", segmentsOf("Cut off here.", "Still talking."), sink, hooks)
	result := waitPlayback(t, p)

	if len(displayed) != 0 {
		t.Fatalf("partially spoken segment must not be displayed, got %v", displayed)
	}
	if result.Failed != 1 || result.Displayed != 0 || result.Frames != 3 {
		t.Fatalf("unexpected result %+v", result)
	}

	frames := sink.snapshot()
	var got []string
	for _, f := range frames {
		got = append(got, string(f.Data))
	}
	if strings.Join(got, " ") != "Cut Still talking." {
		t.Fatalf("unexpected frames %v", got)
	}
	if frames[0].Segment != 1 || frames[1].Segment != 2 || frames[2].Segment != 2 {
		t.Fatalf("unexpected segment numbering %+v", frames)
	}
}

func TestSpeakCancelStopsFrames(t *testing.T) {
	tts := &fakeStreamer{}
	sink := &recordingSink{gate: make(chan struct{})}
	synth := NewSynthesizer(tts, SynthesizerOptions{FrameQueue: 1})

	segments := make(chan agentmodel.Segment, 4)
	segments <- agentmodel.Segment{Seq: 1, TurnID: 3, Text: "a b c d e f g h"}

	var cancelled bool
	hooks := Hooks{Done: func(_ uint64, r PlaybackResult) { cancelled = r.Cancelled }}
	p := synth.Speak(context.Background(), 3, "", segments, sink, hooks)

	// 放行一帧后取消，其余帧被丢弃。
	sink.gate <- struct{}{}
	p.Cancel()

	before := len(sink.snapshot())
	close(sink.gate)
	time.Sleep(20 * time.Millisecond)

	if after := len(sink.snapshot()); after != before {
		t.Fatalf("frames written after Cancel returned: %d -> %d", before, after)
	}
	if before != 1 {
		t.Fatalf("expected exactly one frame before cancel, got %d", before)
	}
	if !cancelled {
		t.Fatal("expected Done hook with Cancelled=true")
	}
}

func TestSpeakBackpressureBoundsSynthesis(t *testing.T) {
	tts := &fakeStreamer{}
	sink := &recordingSink{gate: make(chan struct{})}
	synth := NewSynthesizer(tts, SynthesizerOptions{FrameQueue: 1})

	p := synth.Speak(context.Background(), 1, "", segmentsOf("a b c d e f", "g h"), sink, Hooks{})
	time.Sleep(30 * time.Millisecond)

	tts.mu.Lock()
	started := len(tts.texts)
	tts.mu.Unlock()
	if started != 1 {
		t.Fatalf("expected synthesis to stall on the first segment, started %d", started)
	}

	close(sink.gate)
	result := waitPlayback(t, p)
	if result.Frames != 8 {
		t.Fatalf("expected 8 frames after release, got %d", result.Frames)
	}
}
