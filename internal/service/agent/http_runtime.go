package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"

	agentmodel "github.com/zhouzirui/voicebridge/backend/internal/model/agent"
)

// HTTPRuntime 调用远端智能体的 SSE 流式接口。
type HTTPRuntime struct {
	url    string
	client *http.Client
	tokens TokenSource
}

// NewHTTPRuntime creates a runtime posting to baseURL+streamPath.
func NewHTTPRuntime(baseURL, streamPath string, tokens TokenSource, client *http.Client) *HTTPRuntime {
	if client == nil {
		client = &http.Client{}
	}
	if streamPath == "" {
		streamPath = "/chatbot/chat/stream"
	}
	return &HTTPRuntime{
		url:    strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(streamPath, "/"),
		client: client,
		tokens: tokens,
	}
}

type streamMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamRequest struct {
	Messages []streamMessage `json:"messages"`
	ThreadID string          `json:"thread_id,omitempty"`
}

// Stream opens one streaming call. The token is fetched per call so it is never stale.
func (r *HTTPRuntime) Stream(ctx context.Context, req agentmodel.Request) (Stream, error) {
	payload, err := json.Marshal(streamRequest{
		Messages: []streamMessage{{Role: "user", Content: req.Utterance}},
		ThreadID: req.ThreadID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	if r.tokens != nil {
		token, err := r.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrStream, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return newSSEStream(resp.Body, req.TurnID), nil
}

// sseStream 解析 text/event-stream 响应体。
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	turnID  uint64
	done    bool

	closeOnce sync.Once
}

func newSSEStream(body io.ReadCloser, turnID uint64) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &sseStream{body: body, scanner: scanner, turnID: turnID}
}

func (s *sseStream) Recv() (agentmodel.Chunk, error) {
	if s.done {
		return agentmodel.Chunk{}, io.EOF
	}

	var event string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			event = ""
			continue
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
			continue
		case !strings.HasPrefix(line, "data:"):
			continue
		}

		data := strings.TrimSpace(line[len("data:"):])
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			s.done = true
			return agentmodel.Chunk{}, io.EOF
		}

		chunk, ok, err := s.decode(event, data)
		if err != nil {
			s.done = true
			return agentmodel.Chunk{}, err
		}
		if !ok {
			continue
		}
		if chunk.Done {
			s.done = true
		}
		return chunk, nil
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return agentmodel.Chunk{}, fmt.Errorf("%w: read stream: %v", ErrStream, err)
	}
	return agentmodel.Chunk{}, io.EOF
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}

type ssePayload struct {
	Type    string          `json:"type"`
	Name    string          `json:"name"`
	Tool    string          `json:"tool"`
	Content string          `json:"content"`
	Text    string          `json:"text"`
	Done    bool            `json:"done"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func (s *sseStream) decode(event, data string) (agentmodel.Chunk, bool, error) {
	raw := []byte(data)
	var p ssePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		var syntaxErr *json.SyntaxError
		if !errors.As(err, &syntaxErr) {
			log.Printf("[agent] skip undecodable event: %v", err)
			return agentmodel.Chunk{}, false, nil
		}
		repaired, rerr := jsonrepair.JSONRepair(data)
		if rerr != nil {
			log.Printf("[agent] skip malformed event: %v", err)
			return agentmodel.Chunk{}, false, nil
		}
		raw = []byte(repaired)
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Printf("[agent] skip malformed event after repair: %v", err)
			return agentmodel.Chunk{}, false, nil
		}
	}

	if p.Error != "" || event == "error" || p.Type == "error" {
		msg := p.Error
		if msg == "" {
			msg = p.Content
		}
		return agentmodel.Chunk{}, false, fmt.Errorf("%w: %s", ErrStream, msg)
	}

	kind := p.Type
	if kind == "" && event != "" && event != "message" {
		kind = event
	}

	switch kind {
	case "", "message", "content", "say":
		text := p.Content
		if text == "" {
			text = p.Text
		}
		if text == "" && !p.Done {
			return agentmodel.Chunk{}, false, nil
		}
		return agentmodel.ContentChunk(text, p.Done), true, nil
	default:
		name := p.Name
		if name == "" {
			name = p.Tool
		}
		payload := json.RawMessage(raw)
		if len(p.Data) > 0 {
			payload = p.Data
		}
		return agentmodel.EventChunk(agentmodel.SideEvent{
			Type:       kind,
			Name:       name,
			Payload:    append(json.RawMessage(nil), payload...),
			TurnID:     s.turnID,
			ReceivedAt: time.Now(),
		}, p.Done), true, nil
	}
}
