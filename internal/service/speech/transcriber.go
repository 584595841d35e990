package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/api/iterator"

	speechmodel "github.com/zhouzirui/voicebridge/backend/internal/model/speech"
)

// ErrTranscription 上游识别失败。轮次协调器据此以空话语结束本轮。
var ErrTranscription = errors.New("transcription error")

// RecognizeStream 是一次流式识别调用。
type RecognizeStream interface {
	Send(frame []byte) error
	CloseSend() error
	Recv() (speechmodel.TranscriptEvent, error)
	Close() error
}

// Recognizer opens streaming recognition calls.
type Recognizer interface {
	OpenStream(ctx context.Context, req speechmodel.RecognizeRequest) (RecognizeStream, error)
}

// Transcriber 为每一轮创建独立的识别序列。
type Transcriber struct {
	recognizer Recognizer
	request    speechmodel.RecognizeRequest
	queue      int
}

// NewTranscriber creates a per-session transcriber. queue bounds buffered audio frames per turn.
func NewTranscriber(recognizer Recognizer, req speechmodel.RecognizeRequest, queue int) *Transcriber {
	if queue <= 0 {
		queue = 256
	}
	return &Transcriber{recognizer: recognizer, request: req, queue: queue}
}

// BeginTurn starts recognition for turnID. The connection is opened in the background
// so Write never waits on the network.
func (t *Transcriber) BeginTurn(ctx context.Context, turnID uint64) *TurnTranscript {
	ctx, cancel := context.WithCancel(ctx)
	tt := &TurnTranscript{
		turnID:   turnID,
		audio:    make(chan []byte, t.queue),
		finished: make(chan struct{}),
		out:      make(chan transcriptItem, 16),
		cancel:   cancel,
	}
	go tt.run(ctx, t.recognizer, t.request)
	return tt
}

type transcriptItem struct {
	event speechmodel.TranscriptEvent
	err   error
}

// TurnTranscript 是一轮的惰性识别序列：若干 partial，恰好一个 final，然后 iterator.Done。
// 序列不可重启。
type TurnTranscript struct {
	turnID   uint64
	audio    chan []byte
	finished chan struct{}
	out      chan transcriptItem
	cancel   context.CancelFunc

	finishOnce sync.Once
	dropped    atomic.Int64
	ended      bool
}

// TurnID returns the turn this transcript belongs to.
func (tt *TurnTranscript) TurnID() uint64 {
	return tt.turnID
}

// Write queues one audio frame. It never blocks; frames are dropped when the queue is full.
func (tt *TurnTranscript) Write(frame []byte) bool {
	select {
	case <-tt.finished:
		return false
	default:
	}
	select {
	case tt.audio <- frame:
		return true
	default:
		if n := tt.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("[ASR] turn=%d audio queue full, dropped %d frames", tt.turnID, n)
		}
		return false
	}
}

// Finish marks the end of audio for this turn; the recognizer then returns its final result.
func (tt *TurnTranscript) Finish() {
	tt.finishOnce.Do(func() { close(tt.finished) })
}

// Close abandons the turn and releases the upstream connection.
func (tt *TurnTranscript) Close() {
	tt.Finish()
	tt.cancel()
}

// Next returns the next transcript event. After the final event it returns iterator.Done.
// Upstream failures are returned once, wrapped in ErrTranscription.
func (tt *TurnTranscript) Next() (speechmodel.TranscriptEvent, error) {
	if tt.ended {
		return speechmodel.TranscriptEvent{}, iterator.Done
	}
	item, ok := <-tt.out
	if !ok {
		tt.ended = true
		return speechmodel.TranscriptEvent{}, iterator.Done
	}
	if item.err != nil || item.event.IsFinal {
		tt.ended = true
	}
	return item.event, item.err
}

func (tt *TurnTranscript) run(ctx context.Context, recognizer Recognizer, req speechmodel.RecognizeRequest) {
	defer close(tt.out)

	stream, err := recognizer.OpenStream(ctx, req)
	if err != nil {
		tt.fail(ctx, err)
		return
	}
	defer stream.Close()
	// 取消时关闭上游，解除阻塞中的 Recv。
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	sendErr := make(chan error, 1)
	go func() {
		err := tt.pump(ctx, stream)
		if err != nil {
			stream.Close()
		}
		sendErr <- err
	}()

	var (
		last speechmodel.TranscriptEvent
		seen bool
	)
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case serr := <-sendErr:
				if serr != nil {
					err = serr
				}
			default:
			}
			tt.fail(ctx, err)
			return
		}

		ev.TurnID = tt.turnID
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now()
		}
		if ev.IsFinal {
			tt.emit(ctx, transcriptItem{event: ev})
			return
		}
		if seen && ev.Text == last.Text {
			continue
		}
		last, seen = ev, true
		if !tt.emit(ctx, transcriptItem{event: ev}) {
			return
		}
	}

	// 上游未给出 final 就结束时，最后一个 partial 提升为 final。
	last.TurnID = tt.turnID
	last.IsFinal = true
	last.CreatedAt = time.Now()
	tt.emit(ctx, transcriptItem{event: last})
}

func (tt *TurnTranscript) pump(ctx context.Context, stream RecognizeStream) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-tt.audio:
			if err := stream.Send(frame); err != nil {
				return err
			}
		case <-tt.finished:
			for {
				select {
				case frame := <-tt.audio:
					if err := stream.Send(frame); err != nil {
						return err
					}
				default:
					return stream.CloseSend()
				}
			}
		}
	}
}

func (tt *TurnTranscript) fail(ctx context.Context, err error) {
	log.Printf("[ASR] turn=%d recognition failed: %v", tt.turnID, err)
	tt.emit(ctx, transcriptItem{err: fmt.Errorf("%w: %v", ErrTranscription, err)})
}

func (tt *TurnTranscript) emit(ctx context.Context, item transcriptItem) bool {
	select {
	case tt.out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}
