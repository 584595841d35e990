package speech

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/iterator"

	speechmodel "github.com/zhouzirui/voicebridge/backend/internal/model/speech"
)

// fakeRecognizeStream answers every received frame with the next scripted event.
type fakeRecognizeStream struct {
	mu       sync.Mutex
	partials []string
	final    string
	noFinal  bool
	failOn   int
	frames   int
	events   chan speechmodel.TranscriptEvent
	errs     chan error
	closed   chan struct{}
	once     sync.Once
	sendDone bool
}

func newFakeRecognizeStream(partials []string, final string) *fakeRecognizeStream {
	return &fakeRecognizeStream{
		partials: partials,
		final:    final,
		events:   make(chan speechmodel.TranscriptEvent, 16),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (f *fakeRecognizeStream) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	if f.failOn > 0 && f.frames == f.failOn {
		f.errs <- errors.New("upstream reset")
		return nil
	}
	if f.frames <= len(f.partials) {
		f.events <- speechmodel.TranscriptEvent{Text: f.partials[f.frames-1]}
	}
	return nil
}

func (f *fakeRecognizeStream) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendDone = true
	if !f.noFinal {
		f.events <- speechmodel.TranscriptEvent{Text: f.final, IsFinal: true}
	}
	close(f.events)
	return nil
}

func (f *fakeRecognizeStream) Recv() (speechmodel.TranscriptEvent, error) {
	select {
	case err := <-f.errs:
		return speechmodel.TranscriptEvent{}, err
	case ev, ok := <-f.events:
		if !ok {
			return speechmodel.TranscriptEvent{}, io.EOF
		}
		return ev, nil
	case <-f.closed:
		return speechmodel.TranscriptEvent{}, errors.New("closed")
	}
}

func (f *fakeRecognizeStream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeRecognizer struct {
	stream *fakeRecognizeStream
	err    error
}

func (r *fakeRecognizer) OpenStream(context.Context, speechmodel.RecognizeRequest) (RecognizeStream, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.stream, nil
}

func nextWithin(t *testing.T, tt *TurnTranscript) (speechmodel.TranscriptEvent, error) {
	t.Helper()
	type result struct {
		ev  speechmodel.TranscriptEvent
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ev, err := tt.Next()
		ch <- result{ev, err}
	}()
	select {
	case r := <-ch:
		return r.ev, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return")
		return speechmodel.TranscriptEvent{}, nil
	}
}

func TestTurnTranscriptPartialsThenSingleFinal(t *testing.T) {
	stream := newFakeRecognizeStream([]string{"what", "what is", "what is"}, "What is the time?")
	tr := NewTranscriber(&fakeRecognizer{stream: stream}, speechmodel.RecognizeRequest{}, 8)

	tt := tr.BeginTurn(context.Background(), 5)
	defer tt.Close()

	for i := 0; i < 3; i++ {
		tt.Write([]byte{byte(i)})
	}

	var partials []string
	for len(partials) < 2 {
		ev, err := nextWithin(t, tt)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ev.IsFinal {
			t.Fatalf("unexpected final %q", ev.Text)
		}
		if ev.TurnID != 5 {
			t.Fatalf("expected turn 5, got %d", ev.TurnID)
		}
		partials = append(partials, ev.Text)
	}
	if partials[0] != "what" || partials[1] != "what is" {
		t.Fatalf("unexpected partials %v", partials)
	}

	tt.Finish()
	ev, err := nextWithin(t, tt)
	if err != nil || !ev.IsFinal || ev.Text != "What is the time?" {
		t.Fatalf("expected final, got %+v err=%v", ev, err)
	}
	if _, err := nextWithin(t, tt); err != iterator.Done {
		t.Fatalf("expected iterator.Done, got %v", err)
	}
	if tt.Write([]byte{9}) {
		t.Fatal("Write after Finish should be refused")
	}
}

func TestTurnTranscriptPromotesLastPartial(t *testing.T) {
	stream := newFakeRecognizeStream([]string{"turn the lights"}, "")
	stream.noFinal = true
	tr := NewTranscriber(&fakeRecognizer{stream: stream}, speechmodel.RecognizeRequest{}, 8)

	tt := tr.BeginTurn(context.Background(), 1)
	defer tt.Close()
	tt.Write([]byte{1})

	if ev, err := nextWithin(t, tt); err != nil || ev.IsFinal {
		t.Fatalf("expected partial, got %+v err=%v", ev, err)
	}
	tt.Finish()

	ev, err := nextWithin(t, tt)
	if err != nil || !ev.IsFinal || ev.Text != "turn the lights" {
		t.Fatalf("expected promoted final, got %+v err=%v", ev, err)
	}
}

func TestTurnTranscriptUpstreamFailure(t *testing.T) {
	stream := newFakeRecognizeStream(nil, "")
	stream.failOn = 1
	tr := NewTranscriber(&fakeRecognizer{stream: stream}, speechmodel.RecognizeRequest{}, 8)

	tt := tr.BeginTurn(context.Background(), 2)
	defer tt.Close()
	tt.Write([]byte{1})

	_, err := nextWithin(t, tt)
	if !errors.Is(err, ErrTranscription) {
		t.Fatalf("expected ErrTranscription, got %v", err)
	}
	if _, err := nextWithin(t, tt); err != iterator.Done {
		t.Fatalf("expected iterator.Done after failure, got %v", err)
	}
}

func TestTurnTranscriptOpenFailure(t *testing.T) {
	tr := NewTranscriber(&fakeRecognizer{err: errors.New("dial refused")}, speechmodel.RecognizeRequest{}, 8)
	tt := tr.BeginTurn(context.Background(), 3)
	defer tt.Close()

	if _, err := nextWithin(t, tt); !errors.Is(err, ErrTranscription) {
		t.Fatalf("expected ErrTranscription, got %v", err)
	}
}

func TestTurnTranscriptWriteNeverBlocks(t *testing.T) {
	blocked := &blockingRecognizer{release: make(chan struct{})}
	tr := NewTranscriber(blocked, speechmodel.RecognizeRequest{}, 2)
	tt := tr.BeginTurn(context.Background(), 1)
	defer func() {
		close(blocked.release)
		tt.Close()
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			tt.Write([]byte{byte(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Write blocked while the recognizer was connecting")
	}
}

type blockingRecognizer struct {
	release chan struct{}
}

func (b *blockingRecognizer) OpenStream(ctx context.Context, _ speechmodel.RecognizeRequest) (RecognizeStream, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil, errors.New("not connected")
}

// silentStream never answers; Recv only returns once the stream is closed.
type silentStream struct {
	closed chan struct{}
	once   sync.Once
}

func (s *silentStream) Send([]byte) error { return nil }
func (s *silentStream) CloseSend() error  { return nil }

func (s *silentStream) Recv() (speechmodel.TranscriptEvent, error) {
	<-s.closed
	return speechmodel.TranscriptEvent{}, errors.New("use of closed connection")
}

func (s *silentStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type silentRecognizer struct {
	stream *silentStream
}

func (r *silentRecognizer) OpenStream(context.Context, speechmodel.RecognizeRequest) (RecognizeStream, error) {
	return r.stream, nil
}

func TestTurnTranscriptCloseReleasesSilentUpstream(t *testing.T) {
	stream := &silentStream{closed: make(chan struct{})}
	tr := NewTranscriber(&silentRecognizer{stream: stream}, speechmodel.RecognizeRequest{}, 4)

	tt := tr.BeginTurn(context.Background(), 2)
	tt.Write([]byte{1, 2})
	time.Sleep(20 * time.Millisecond)
	tt.Close()

	if _, err := nextWithin(t, tt); err != iterator.Done {
		t.Fatalf("expected iterator.Done after Close, got %v", err)
	}
	select {
	case <-stream.closed:
	default:
		t.Fatal("upstream stream was not closed")
	}
}
