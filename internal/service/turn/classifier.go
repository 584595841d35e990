package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/kaptinlin/jsonrepair"

	"github.com/zhouzirui/voicebridge/backend/internal/analysis/turnend"
)

// Classifier 判断一段转写是否已经说完。
type Classifier interface {
	Classify(ctx context.Context, text string) (turnend.Decision, error)
}

// HeuristicClassifier 使用标点与结尾词规则判停。
type HeuristicClassifier struct{}

// Classify runs the turnend heuristics.
func (HeuristicClassifier) Classify(_ context.Context, text string) (turnend.Decision, error) {
	return turnend.Analyze(text), nil
}

// LLMClassifier 使用大模型做语义判停，失败时回退到启发式规则。
type LLMClassifier struct {
	chain    compose.Runnable[map[string]any, *schema.Message]
	fallback Classifier
}

// NewLLMClassifier 编译判停链。chatModel 可与智能体共用。
func NewLLMClassifier(ctx context.Context, chatModel model.BaseChatModel) (*LLMClassifier, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("turn classifier requires a chat model")
	}

	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(classifierSystemPrompt),
		schema.UserMessage(classifierUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile turn classifier chain: %w", err)
	}
	return &LLMClassifier{chain: runnable, fallback: HeuristicClassifier{}}, nil
}

// Classify asks the model for a verdict. Invalid output falls back to the heuristics.
func (c *LLMClassifier) Classify(ctx context.Context, text string) (turnend.Decision, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return turnend.Decision{Reason: "empty"}, nil
	}

	msg, err := c.chain.Invoke(ctx, map[string]any{"transcript": text})
	if err != nil {
		if ctx.Err() != nil {
			return turnend.Decision{}, ctx.Err()
		}
		log.Printf("[turn] classifier invoke failed, use fallback: %v", err)
		return c.fallback.Classify(ctx, text)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return c.fallback.Classify(ctx, text)
	}

	verdict, err := parseVerdict(msg.Content)
	if err != nil {
		log.Printf("[turn] classifier output parse failed, use fallback: %v", err)
		return c.fallback.Classify(ctx, text)
	}

	p := verdict.Probability
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	if p == 0 && verdict.Complete {
		p = 0.8
	}
	return turnend.Decision{Probability: p, Reason: strings.TrimSpace(verdict.Reason)}, nil
}

type verdictPayload struct {
	Complete    bool    `json:"complete"`
	Probability float32 `json:"probability"`
	Reason      string  `json:"reason"`
}

func parseVerdict(content string) (*verdictPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	raw := trimmed[start : end+1]
	payload := &verdictPayload{}
	if err := json.Unmarshal([]byte(raw), payload); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(repaired), payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

const classifierSystemPrompt = "You decide whether a speaker in a live voice conversation has finished their turn. " +
	"The transcript comes from streaming speech recognition and may lack punctuation. " +
	"Return only a JSON object with fields: complete (boolean), probability (number between 0 and 1 that the speaker is done), reason (short phrase). No other text."

const classifierUserPrompt = "Transcript so far:\n{transcript}"
