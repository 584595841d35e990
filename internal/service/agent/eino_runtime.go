package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	agentmodel "github.com/zhouzirui/voicebridge/backend/internal/model/agent"
	"github.com/zhouzirui/voicebridge/backend/internal/model/profile"
	threadmodel "github.com/zhouzirui/voicebridge/backend/internal/model/thread"
)

// HistorySource 提供线程内已有的话语，作为进程内智能体的上下文。
type HistorySource interface {
	History(ctx context.Context, threadID string, limit int) ([]threadmodel.Utterance, error)
}

// EinoRuntime runs the agent in-process through an eino chain over the Ark chat model.
type EinoRuntime struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	profiles     profile.Store
	history      HistorySource
	historyLimit int
}

// NewEinoRuntime compiles the prompt → model chain.
func NewEinoRuntime(ctx context.Context, chatModel model.BaseChatModel, profiles profile.Store, history HistorySource, historyLimit int) (*EinoRuntime, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile agent chain: %w", err)
	}

	if historyLimit <= 0 {
		historyLimit = 10
	}

	return &EinoRuntime{
		chain:        runnable,
		profiles:     profiles,
		history:      history,
		historyLimit: historyLimit,
	}, nil
}

// Stream starts a streamed chain run for req.
func (r *EinoRuntime) Stream(ctx context.Context, req agentmodel.Request) (Stream, error) {
	var history []threadmodel.Utterance
	if r.history != nil && req.ThreadID != "" {
		items, err := r.history.History(ctx, req.ThreadID, r.historyLimit)
		if err != nil {
			log.Printf("[agent] load history thread=%s failed: %v", req.ThreadID, err)
		} else {
			history = items
		}
	}

	p, _ := profile.Resolve(r.profiles, req.ProfileID)
	input := map[string]any{
		"system":  BuildSystemPrompt(p),
		"history": buildHistoryMessages(history, req.TurnID),
		"query":   req.Utterance,
	}

	reader, err := r.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStream, err)
	}
	return &einoStream{reader: reader, turnID: req.TurnID}, nil
}

// buildHistoryMessages 转换线程历史；当前轮的用户话语已作为 query 传入，这里跳过。
func buildHistoryMessages(items []threadmodel.Utterance, turnID uint64) []*schema.Message {
	if len(items) == 0 {
		return nil
	}

	history := make([]*schema.Message, 0, len(items))
	for _, u := range items {
		if u.TurnID == turnID && u.Role == threadmodel.RoleUser {
			continue
		}
		switch u.Role {
		case threadmodel.RoleUser:
			history = append(history, schema.UserMessage(u.Text))
		case threadmodel.RoleAssistant:
			history = append(history, schema.AssistantMessage(u.Text, nil))
		}
	}
	return history
}

type einoStream struct {
	reader  *schema.StreamReader[*schema.Message]
	turnID  uint64
	pending []agentmodel.Chunk
}

func (s *einoStream) Recv() (agentmodel.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			return chunk, nil
		}

		msg, err := s.reader.Recv()
		if errors.Is(err, io.EOF) {
			return agentmodel.Chunk{}, io.EOF
		}
		if err != nil {
			return agentmodel.Chunk{}, fmt.Errorf("%w: %v", ErrStream, err)
		}
		if msg == nil {
			continue
		}

		if msg.Content != "" {
			s.pending = append(s.pending, agentmodel.ContentChunk(msg.Content, false))
		}
		for _, call := range msg.ToolCalls {
			if call.Function.Name == "" {
				continue
			}
			payload, _ := json.Marshal(map[string]string{
				"id":        call.ID,
				"arguments": call.Function.Arguments,
			})
			s.pending = append(s.pending, agentmodel.EventChunk(agentmodel.SideEvent{
				Type:       "tool_call",
				Name:       call.Function.Name,
				Payload:    payload,
				TurnID:     s.turnID,
				ReceivedAt: time.Now(),
			}, false))
		}
	}
}

func (s *einoStream) Close() error {
	s.reader.Close()
	return nil
}
