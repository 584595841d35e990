package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	authmodel "github.com/zhouzirui/voicebridge/backend/internal/model/auth"
)

// ErrAuth 令牌获取或刷新耗尽重试次数，对所属会话是致命错误。
var ErrAuth = errors.New("auth error")

// Options 控制刷新策略。
type Options struct {
	Email         string
	Password      string
	ThreadID      string
	RefreshMargin time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	CheckInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.RefreshMargin <= 0 {
		o.RefreshMargin = authmodel.DefaultRefreshMargin
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = 15 * time.Second
	}
	return o
}

// Manager 持有一个会话的令牌集合，负责获取、校验与后台刷新。
// 同一种令牌同时只有一个刷新请求在途，并发调用者共享结果。
type Manager struct {
	creds CredentialService
	opts  Options
	now   func() time.Time

	mu     sync.RWMutex
	tokens map[authmodel.Kind]authmodel.Token

	group singleflight.Group

	fatalOnce sync.Once
	fatal     chan struct{}
	fatalErr  error
}

// NewManager creates a token manager for one session.
func NewManager(creds CredentialService, opts Options) *Manager {
	return &Manager{
		creds:  creds,
		opts:   opts.withDefaults(),
		now:    time.Now,
		tokens: make(map[authmodel.Kind]authmodel.Token, 2),
		fatal:  make(chan struct{}),
	}
}

// Acquire 返回 kind 对应的有效令牌，必要时获取或刷新。
func (m *Manager) Acquire(ctx context.Context, kind authmodel.Kind) (authmodel.Token, error) {
	if tok, ok := m.Current(kind); ok && !tok.NeedsRefresh(m.now()) {
		return tok, nil
	}
	return m.refresh(ctx, kind)
}

// EnsureValid 剩余有效期超过安全边际时原样返回，否则刷新并返回新令牌。
func (m *Manager) EnsureValid(ctx context.Context, tok authmodel.Token) (authmodel.Token, error) {
	if !tok.NeedsRefresh(m.now()) {
		return tok, nil
	}
	return m.refresh(ctx, tok.Kind)
}

// Current returns the stored token of kind without refreshing it.
func (m *Manager) Current(kind authmodel.Kind) (authmodel.Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[kind]
	return tok, ok
}

// ThreadID returns the thread the conversation token is bound to.
func (m *Manager) ThreadID() string {
	return m.opts.ThreadID
}

// Fatal is closed once the background loop hits ErrAuth.
func (m *Manager) Fatal() <-chan struct{} {
	return m.fatal
}

// Err returns the fatal error, if any.
func (m *Manager) Err() error {
	select {
	case <-m.fatal:
		return m.fatalErr
	default:
		return nil
	}
}

// Run 周期性检查已持有的令牌，临近过期时提前刷新；刷新耗尽重试后返回 ErrAuth。
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.check(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				m.fail(err)
				return err
			}
		}
	}
}

func (m *Manager) check(ctx context.Context) error {
	for _, kind := range []authmodel.Kind{authmodel.Identity, authmodel.Conversation} {
		tok, ok := m.Current(kind)
		if !ok || !tok.NeedsRefresh(m.now()) {
			continue
		}
		log.Printf("[auth] %s token expires in %s, refreshing", kind, tok.Remaining(m.now()).Round(time.Second))
		if _, err := m.refresh(ctx, kind); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) fail(err error) {
	m.fatalOnce.Do(func() {
		m.fatalErr = err
		close(m.fatal)
		log.Printf("[auth] fatal: %v", err)
	})
}

func (m *Manager) refresh(ctx context.Context, kind authmodel.Kind) (authmodel.Token, error) {
	ch := m.group.DoChan(string(kind), func() (any, error) {
		// 等待期间可能已有其他调用者完成刷新。
		if tok, ok := m.Current(kind); ok && !tok.NeedsRefresh(m.now()) {
			return tok, nil
		}
		return m.fetchWithRetry(context.WithoutCancel(ctx), kind)
	})

	select {
	case <-ctx.Done():
		return authmodel.Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return authmodel.Token{}, res.Err
		}
		return res.Val.(authmodel.Token), nil
	}
}

func (m *Manager) fetchWithRetry(ctx context.Context, kind authmodel.Kind) (authmodel.Token, error) {
	var (
		result   authmodel.Token
		attempts int
	)

	backoff := retry.WithMaxRetries(uint64(m.opts.MaxAttempts-1), retry.NewExponential(m.opts.BackoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		tok, err := m.fetch(ctx, kind)
		if err != nil {
			if errors.Is(err, ErrAuth) {
				return err
			}
			log.Printf("[auth] %s attempt %d/%d failed: %v", kind, attempts, m.opts.MaxAttempts, err)
			return retry.RetryableError(err)
		}
		if tok.Expired(m.now()) {
			return retry.RetryableError(fmt.Errorf("%s token already expired at %s", kind, tok.ExpiresAt.Format(time.RFC3339)))
		}
		result = tok.WithMargin(m.opts.RefreshMargin)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAuth) {
			return authmodel.Token{}, err
		}
		return authmodel.Token{}, fmt.Errorf("%w: %s token unavailable after %d attempts: %v", ErrAuth, kind, attempts, err)
	}

	m.mu.Lock()
	m.tokens[kind] = result
	m.mu.Unlock()

	log.Printf("[auth] %s token refreshed, expires %s", kind, result.ExpiresAt.Format(time.RFC3339))
	return result, nil
}

func (m *Manager) fetch(ctx context.Context, kind authmodel.Kind) (authmodel.Token, error) {
	switch kind {
	case authmodel.Identity:
		return m.creds.Login(ctx, m.opts.Email, m.opts.Password)
	case authmodel.Conversation:
		identity, err := m.Acquire(ctx, authmodel.Identity)
		if err != nil {
			return authmodel.Token{}, err
		}
		tok, err := m.creds.OpenConversation(ctx, identity, m.opts.ThreadID)
		if errors.Is(err, ErrRejected) {
			m.invalidate(authmodel.Identity)
		}
		return tok, err
	default:
		return authmodel.Token{}, fmt.Errorf("%w: unknown token kind %q", ErrAuth, kind)
	}
}

func (m *Manager) invalidate(kind authmodel.Kind) {
	m.mu.Lock()
	delete(m.tokens, kind)
	m.mu.Unlock()
}

// TokenSource 把 Manager 适配为只读取单一种类令牌的来源。
type TokenSource struct {
	m    *Manager
	kind authmodel.Kind
}

// Source returns a TokenSource for kind.
func (m *Manager) Source(kind authmodel.Kind) *TokenSource {
	return &TokenSource{m: m, kind: kind}
}

// Token returns a token whose remaining lifetime exceeds the refresh margin.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	tok, err := s.m.Acquire(ctx, s.kind)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}
