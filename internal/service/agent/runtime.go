package agent

import (
	"context"
	"errors"
	"fmt"

	agentmodel "github.com/zhouzirui/voicebridge/backend/internal/model/agent"
)

var (
	// ErrStream 智能体运行时返回错误或流被异常中断。
	ErrStream = errors.New("agent stream error")
	// ErrUnreachable 无法连接智能体运行时，属于 ErrStream。
	ErrUnreachable = fmt.Errorf("%w: runtime unreachable", ErrStream)
)

// Runtime 是智能体运行时的流式调用契约。
type Runtime interface {
	Stream(ctx context.Context, req agentmodel.Request) (Stream, error)
}

// Stream 逐块返回交错的内容增量与旁路事件，结束时返回 io.EOF。
type Stream interface {
	Recv() (agentmodel.Chunk, error)
	Close() error
}

// TokenSource supplies the bearer credential for each call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same value.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}
