package responder

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	agentmodel "github.com/zhouzirui/voicebridge/backend/internal/model/agent"
	"github.com/zhouzirui/voicebridge/backend/internal/service/agent"
)

const (
	DefaultApology       = "Sorry, an error occurred."
	DefaultUnavailable   = "I'm having trouble connecting right now."
	DefaultClarification = "Sorry, I didn't catch that. Could you say it again?"
)

// DefaultRetries 是未设置 Options.Retries 时的重试次数；NoRetry 关闭重试。
const (
	DefaultRetries = 1
	NoRetry        = -1
)

// RetryCount 把配置中的重试次数转换为 Options.Retries，0 表示不重试。
func RetryCount(n int) int {
	if n <= 0 {
		return NoRetry
	}
	return n
}

// Options 控制分段与失败回退。
type Options struct {
	MaxSegmentRunes int
	IdleFlush       time.Duration
	Retries         int
	SegmentQueue    int
	EventQueue      int
	Apology         string
	Unavailable     string
	Clarification   string
}

func (o Options) withDefaults() Options {
	if o.MaxSegmentRunes <= 0 {
		o.MaxSegmentRunes = DefaultMaxSegmentRunes
	}
	if o.IdleFlush <= 0 {
		o.IdleFlush = 300 * time.Millisecond
	}
	switch {
	case o.Retries == 0:
		o.Retries = DefaultRetries
	case o.Retries < 0:
		o.Retries = 0
	}
	if o.SegmentQueue <= 0 {
		o.SegmentQueue = 4
	}
	if o.EventQueue <= 0 {
		o.EventQueue = 32
	}
	if o.Apology == "" {
		o.Apology = DefaultApology
	}
	if o.Unavailable == "" {
		o.Unavailable = DefaultUnavailable
	}
	if o.Clarification == "" {
		o.Clarification = DefaultClarification
	}
	return o
}

// Responder 调用智能体运行时，把交错的输出拆成片段通道与旁路事件通道。
type Responder struct {
	runtime agent.Runtime
	opts    Options
}

// New creates a Responder over runtime.
func New(runtime agent.Runtime, opts Options) *Responder {
	return &Responder{runtime: runtime, opts: opts.withDefaults()}
}

// Result summarizes one finished turn.
type Result struct {
	Text      string
	Segments  int
	Fallback  bool
	Cancelled bool
	Err       error
}

// Response 是一轮正在进行的回复。
type Response struct {
	turnID   uint64
	segments chan agentmodel.Segment
	events   chan agentmodel.SideEvent
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	result  Result
	dropped int
}

// Segments is closed once the turn's output has ended or the turn was cancelled.
func (r *Response) Segments() <-chan agentmodel.Segment {
	return r.segments
}

// Events carries side-events. When nobody drains it the oldest entries are dropped.
func (r *Response) Events() <-chan agentmodel.SideEvent {
	return r.events
}

// Cancel stops consuming agent output. Pending text is discarded.
func (r *Response) Cancel() {
	r.cancel()
}

// Done is closed when the turn finished.
func (r *Response) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the turn finished and returns its result.
func (r *Response) Wait() Result {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// TurnID returns the turn this response belongs to.
func (r *Response) TurnID() uint64 {
	return r.turnID
}

// Respond starts streaming the agent's answer to req.
func (rs *Responder) Respond(ctx context.Context, req agentmodel.Request) *Response {
	ctx, cancel := context.WithCancel(ctx)
	resp := &Response{
		turnID:   req.TurnID,
		segments: make(chan agentmodel.Segment, rs.opts.SegmentQueue),
		events:   make(chan agentmodel.SideEvent, rs.opts.EventQueue),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(resp.done)
		defer cancel()
		defer close(resp.events)
		defer close(resp.segments)

		result := rs.run(ctx, resp, req)
		resp.mu.Lock()
		resp.result = result
		resp.mu.Unlock()
	}()
	return resp
}

func (rs *Responder) run(ctx context.Context, resp *Response, req agentmodel.Request) Result {
	seg := NewSegmenter(req.TurnID, rs.opts.MaxSegmentRunes)

	if strings.TrimSpace(req.Utterance) == "" {
		log.Printf("[responder] turn=%d empty utterance, asking to repeat", req.TurnID)
		return rs.fallback(ctx, resp, seg, rs.opts.Clarification, nil)
	}
	req.Utterance = strings.TrimSpace(req.Utterance)

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= rs.opts.Retries; attempt++ {
		if attempt > 0 {
			log.Printf("[responder] turn=%d retrying after: %v", req.TurnID, lastErr)
			seg.Discard()
		}

		err := rs.attempt(ctx, resp, req, seg)
		if err == nil {
			log.Printf("[responder] turn=%d completed segments=%d in %s", req.TurnID, seg.Emitted(), time.Since(start).Round(time.Millisecond))
			return Result{Text: seg.Committed(), Segments: seg.Emitted()}
		}
		if ctx.Err() != nil {
			dropped := seg.Discard()
			log.Printf("[responder] turn=%d cancelled, discarded %d runes", req.TurnID, len([]rune(dropped)))
			return Result{Text: seg.Committed(), Segments: seg.Emitted(), Cancelled: true}
		}

		lastErr = err
		// 已有片段送往合成时不重试，避免重复朗读。
		if seg.Emitted() > 0 {
			break
		}
	}

	log.Printf("[responder] turn=%d agent failed: %v", req.TurnID, lastErr)
	seg.Discard()
	text := rs.opts.Apology
	if errors.Is(lastErr, agent.ErrUnreachable) {
		text = rs.opts.Unavailable
	}
	return rs.fallback(ctx, resp, seg, text, lastErr)
}

func (rs *Responder) fallback(ctx context.Context, resp *Response, seg *Segmenter, text string, cause error) Result {
	result := Result{Fallback: true, Err: cause, Text: text}
	if prior := seg.Committed(); prior != "" {
		result.Text = prior + " " + text
	}

	out := seg.Push(text, -1)
	if last, ok := seg.Flush(agentmodel.BoundaryFallback, true); ok {
		out = append(out, last)
	}
	for _, s := range out {
		s.Boundary = agentmodel.BoundaryFallback
		if !resp.send(ctx, s) {
			result.Cancelled = true
			break
		}
	}
	result.Segments = seg.Emitted()
	return result
}

type recvResult struct {
	chunk agentmodel.Chunk
	err   error
}

// attempt 执行一次运行时调用；ctx 取消时返回 ctx.Err()。
func (rs *Responder) attempt(ctx context.Context, resp *Response, req agentmodel.Request, seg *Segmenter) error {
	stream, err := rs.runtime.Stream(ctx, req)
	if err != nil {
		return err
	}

	var closeOnce sync.Once
	closeStream := func() {
		closeOnce.Do(func() { _ = stream.Close() })
	}
	defer closeStream()

	chunks := make(chan recvResult)
	go func() {
		defer close(chunks)
		for {
			chunk, err := stream.Recv()
			select {
			case chunks <- recvResult{chunk: chunk, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil || chunk.Done {
				return
			}
		}
	}()

	idle := time.NewTimer(rs.opts.IdleFlush)
	idle.Stop()
	defer idle.Stop()

	index := 0
	for {
		select {
		case <-ctx.Done():
			closeStream()
			return ctx.Err()

		case <-idle.C:
			if out, ok := seg.Flush(agentmodel.BoundaryIdle, false); ok {
				if !resp.send(ctx, out) {
					return ctx.Err()
				}
			}

		case res, ok := <-chunks:
			if !ok {
				return rs.finish(ctx, resp, seg)
			}
			if errors.Is(res.err, io.EOF) {
				return rs.finish(ctx, resp, seg)
			}
			if res.err != nil {
				return res.err
			}

			chunk := res.chunk
			switch chunk.Kind {
			case agentmodel.ChunkContent:
				for _, out := range seg.Push(chunk.Delta, index) {
					if !resp.send(ctx, out) {
						return ctx.Err()
					}
				}
				if seg.Pending() > 0 {
					idle.Reset(rs.opts.IdleFlush)
				} else {
					idle.Stop()
				}
			case agentmodel.ChunkSideEvent:
				if chunk.Event != nil {
					ev := *chunk.Event
					ev.TurnID = req.TurnID
					resp.publish(ev)
				}
			}
			index++

			if chunk.Done {
				return rs.finish(ctx, resp, seg)
			}
		}
	}
}

func (rs *Responder) finish(ctx context.Context, resp *Response, seg *Segmenter) error {
	if out, ok := seg.Flush(agentmodel.BoundaryEnd, true); ok {
		if !resp.send(ctx, out) {
			return ctx.Err()
		}
	}
	return nil
}

// send 阻塞直到合成侧接收片段，取消时返回 false。
func (r *Response) send(ctx context.Context, seg agentmodel.Segment) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case r.segments <- seg:
		return true
	case <-ctx.Done():
		return false
	}
}

// publish 从不阻塞内容路径：缓冲满时丢弃最旧的事件。
func (r *Response) publish(ev agentmodel.SideEvent) {
	for {
		select {
		case r.events <- ev:
			return
		default:
		}
		select {
		case <-r.events:
			r.mu.Lock()
			r.dropped++
			n := r.dropped
			r.mu.Unlock()
			if n == 1 || n%50 == 0 {
				log.Printf("[responder] turn=%d side-event buffer full, dropped %d", r.turnID, n)
			}
		default:
		}
	}
}
