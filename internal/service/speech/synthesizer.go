package speech

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	agentmodel "github.com/zhouzirui/voicebridge/backend/internal/model/agent"
	speechmodel "github.com/zhouzirui/voicebridge/backend/internal/model/speech"
)

// ErrSynthesis 单个片段合成失败，跳过该片段剩余音频。
var ErrSynthesis = errors.New("synthesis error")

// SpeechStreamer 把一段文本流式合成为音频块。
type SpeechStreamer interface {
	StreamSpeech(ctx context.Context, req speechmodel.TTSRequest, onChunk func([]byte) error) error
}

// FrameSink 接收输出音频帧；阻塞即为背压。
type FrameSink interface {
	WriteFrame(ctx context.Context, frame speechmodel.AudioFrame) error
}

// Hooks 是播放过程中的回调，均可为空。
type Hooks struct {
	FirstAudio  func(turnID uint64)
	DisplayText func(turnID uint64, seg agentmodel.Segment)
	Done        func(turnID uint64, result PlaybackResult)
}

// SynthesizerOptions 控制合成参数与帧队列深度。
type SynthesizerOptions struct {
	Voice      string
	Format     string
	Language   string
	SessionID  string
	FrameQueue int
}

// Synthesizer 按片段顺序合成音频并写入 FrameSink。
type Synthesizer struct {
	tts  SpeechStreamer
	opts SynthesizerOptions
}

// NewSynthesizer creates a synthesizer over tts.
func NewSynthesizer(tts SpeechStreamer, opts SynthesizerOptions) *Synthesizer {
	if opts.FrameQueue <= 0 {
		opts.FrameQueue = 16
	}
	if opts.Format == "" {
		opts.Format = "pcm"
	}
	return &Synthesizer{tts: tts, opts: opts}
}

// PlaybackResult summarizes one turn's playback.
type PlaybackResult struct {
	Segments  int
	Frames    int
	Failed    int
	Displayed int
	Cancelled bool
	Err       error
}

// Playback 是一轮正在进行的播放。
type Playback struct {
	turnID uint64
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result PlaybackResult
}

// Cancel stops playback and returns once no further frame can reach the sink.
func (p *Playback) Cancel() {
	p.cancel()
	<-p.done
}

// Done is closed when playback finished or was cancelled.
func (p *Playback) Done() <-chan struct{} {
	return p.done
}

// Result returns the playback summary; valid after Done is closed.
func (p *Playback) Result() PlaybackResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Speak consumes segments in order until the channel closes, then signals hooks.Done.
func (s *Synthesizer) Speak(ctx context.Context, turnID uint64, voice string, segments <-chan agentmodel.Segment, sink FrameSink, hooks Hooks) *Playback {
	ctx, cancel := context.WithCancel(ctx)
	p := &Playback{turnID: turnID, cancel: cancel, done: make(chan struct{})}
	if voice == "" {
		voice = s.opts.Voice
	}

	frames := make(chan speechmodel.AudioFrame, s.opts.FrameQueue)
	produced := make(chan PlaybackResult, 1)

	go func() {
		defer close(frames)
		produced <- s.produce(ctx, turnID, voice, segments, frames, hooks)
	}()

	go func() {
		defer close(p.done)
		defer cancel()

		written, err := s.drain(ctx, turnID, frames, sink, hooks)
		if err != nil {
			cancel()
		}
		for range frames {
		}

		result := <-produced
		result.Frames = written
		result.Cancelled = ctx.Err() != nil && err == nil
		if err != nil {
			result.Err = err
		}

		p.mu.Lock()
		p.result = result
		p.mu.Unlock()

		log.Printf("[TTS] turn=%d playback done segments=%d frames=%d failed=%d cancelled=%v", turnID, result.Segments, result.Frames, result.Failed, result.Cancelled)
		if hooks.Done != nil {
			hooks.Done(turnID, result)
		}
	}()
	return p
}

func (s *Synthesizer) produce(ctx context.Context, turnID uint64, voice string, segments <-chan agentmodel.Segment, frames chan<- speechmodel.AudioFrame, hooks Hooks) PlaybackResult {
	var result PlaybackResult
	for {
		var (
			seg agentmodel.Segment
			ok  bool
		)
		select {
		case <-ctx.Done():
			return result
		case seg, ok = <-segments:
			if !ok {
				return result
			}
		}

		result.Segments++
		index := 0
		err := s.tts.StreamSpeech(ctx, speechmodel.TTSRequest{
			SessionID: s.opts.SessionID,
			Text:      seg.Text,
			Voice:     voice,
			Format:    s.opts.Format,
			Language:  s.opts.Language,
		}, func(chunk []byte) error {
			frame := speechmodel.AudioFrame{TurnID: turnID, Segment: seg.Seq, Index: index, Format: s.opts.Format, Data: chunk}
			select {
			case frames <- frame:
				index++
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if ctx.Err() != nil {
			return result
		}
		if err != nil {
			result.Failed++
			log.Printf("[TTS] turn=%d segment=%d: %v", turnID, seg.Seq, fmt.Errorf("%w: %v", ErrSynthesis, err))
		}
		if index == 0 {
			result.Displayed++
			if hooks.DisplayText != nil {
				hooks.DisplayText(turnID, seg)
			}
		}
	}
}

func (s *Synthesizer) drain(ctx context.Context, turnID uint64, frames <-chan speechmodel.AudioFrame, sink FrameSink, hooks Hooks) (int, error) {
	written := 0
	for {
		select {
		case <-ctx.Done():
			return written, nil
		case frame, ok := <-frames:
			if !ok {
				return written, nil
			}
			if ctx.Err() != nil {
				return written, nil
			}
			if written == 0 && hooks.FirstAudio != nil {
				hooks.FirstAudio(turnID)
			}
			if err := sink.WriteFrame(ctx, frame); err != nil {
				if ctx.Err() != nil {
					return written, nil
				}
				log.Printf("[TTS] turn=%d sink rejected frame: %v", turnID, err)
				return written, err
			}
			written++
		}
	}
}
