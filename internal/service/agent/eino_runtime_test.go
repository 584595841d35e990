package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentmodel "github.com/zhouzirui/voicebridge/backend/internal/model/agent"
	"github.com/zhouzirui/voicebridge/backend/internal/model/profile"
	threadmodel "github.com/zhouzirui/voicebridge/backend/internal/model/thread"
)

type fakeChatModel struct {
	chunks []*schema.Message
	input  []*schema.Message
}

func (m *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.input = input
	return schema.AssistantMessage("unused", nil), nil
}

func (m *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.input = input
	return schema.StreamReaderFromArray(m.chunks), nil
}

type fakeHistory struct {
	items []threadmodel.Utterance
	err   error
}

func (h fakeHistory) History(context.Context, string, int) ([]threadmodel.Utterance, error) {
	return h.items, h.err
}

func TestEinoRuntimeStreamsContentAndToolCalls(t *testing.T) {
	fm := &fakeChatModel{chunks: []*schema.Message{
		{Role: schema.Assistant, Content: "Sure."},
		{Role: schema.Assistant, ToolCalls: []schema.ToolCall{{ID: "c1", Function: schema.FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`}}}},
		{Role: schema.Assistant, Content: " Done."},
	}}

	history := fakeHistory{items: []threadmodel.Utterance{
		{Role: threadmodel.RoleUser, Text: "earlier question", TurnID: 1, At: time.Now()},
		{Role: threadmodel.RoleAssistant, Text: "earlier answer", TurnID: 1, At: time.Now()},
		{Role: threadmodel.RoleUser, Text: "now", TurnID: 2, At: time.Now()},
	}}

	store := profile.NewMemoryStore(profile.Seed())
	rt, err := NewEinoRuntime(context.Background(), fm, store, history, 10)
	require.NoError(t, err)

	stream, err := rt.Stream(context.Background(), agentmodel.Request{Utterance: "now", ThreadID: "t-1", TurnID: 2})
	require.NoError(t, err)
	defer stream.Close()

	chunks, err := drain(t, stream)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, "Sure.", chunks[0].Delta)
	assert.Equal(t, agentmodel.ChunkSideEvent, chunks[1].Kind)
	assert.Equal(t, "lookup", chunks[1].Event.Name)
	assert.Equal(t, uint64(2), chunks[1].Event.TurnID)
	assert.Equal(t, " Done.", chunks[2].Delta)

	// system + two history messages + current query
	require.Len(t, fm.input, 4)
	assert.Equal(t, schema.System, fm.input[0].Role)
	assert.Equal(t, "earlier question", fm.input[1].Content)
	assert.Equal(t, "earlier answer", fm.input[2].Content)
	assert.Equal(t, "now", fm.input[3].Content)
}

func TestEinoRuntimeIgnoresHistoryFailure(t *testing.T) {
	fm := &fakeChatModel{chunks: []*schema.Message{{Role: schema.Assistant, Content: "ok."}}}
	rt, err := NewEinoRuntime(context.Background(), fm, nil, fakeHistory{err: errors.New("disk")}, 0)
	require.NoError(t, err)

	stream, err := rt.Stream(context.Background(), agentmodel.Request{Utterance: "hi", ThreadID: "t-1", TurnID: 1})
	require.NoError(t, err)
	chunks, err := drain(t, stream)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Len(t, fm.input, 2)
}

func TestBuildSystemPromptIncludesProfile(t *testing.T) {
	p := profile.Profile{Name: "Ada", Tone: "warm", Instructions: "Help with travel.", Traits: []string{"patient", "brief"}}
	got := BuildSystemPrompt(p)

	assert.Contains(t, got, "Help with travel.")
	assert.Contains(t, got, "Your name is Ada.")
	assert.Contains(t, got, "patient, brief")
	assert.Contains(t, got, "converted to speech")
}

func TestNewEinoRuntimeRequiresModel(t *testing.T) {
	_, err := NewEinoRuntime(context.Background(), nil, nil, nil, 0)
	require.Error(t, err)
}
