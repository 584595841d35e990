package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	authmodel "github.com/zhouzirui/voicebridge/backend/internal/model/auth"
)

// ErrRejected 凭证服务明确拒绝（401/403），重试前需要重新登录。
var ErrRejected = errors.New("credentials rejected")

// fallbackTTL 在响应与 JWT 都没有过期时间时使用。
const fallbackTTL = 30 * time.Minute

// CredentialService 是外部凭证服务的契约。
type CredentialService interface {
	// Login 用邮箱密码换取身份令牌。
	Login(ctx context.Context, email, password string) (authmodel.Token, error)
	// OpenConversation 用身份令牌换取绑定到 threadID 的会话令牌；threadID 为空时由服务端分配。
	OpenConversation(ctx context.Context, identity authmodel.Token, threadID string) (authmodel.Token, error)
}

// HTTPCredentialService 对接智能体后端的 /auth 接口。
type HTTPCredentialService struct {
	baseURL  string
	client   *http.Client
	register bool
	name     string
	now      func() time.Time
}

// NewHTTPCredentialService creates a client for the backend auth endpoints.
func NewHTTPCredentialService(baseURL string, register bool, name string, client *http.Client) *HTTPCredentialService {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPCredentialService{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		register: register,
		name:     name,
		now:      time.Now,
	}
}

type tokenPayload struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at"`
}

type sessionPayload struct {
	SessionID string       `json:"session_id"`
	Name      string       `json:"name"`
	Token     tokenPayload `json:"token"`
}

// Login registers the account when enabled (an existing account is fine) and logs in.
func (c *HTTPCredentialService) Login(ctx context.Context, email, password string) (authmodel.Token, error) {
	if c.register {
		c.ensureRegistered(ctx, email, password)
	}

	form := url.Values{}
	form.Set("username", email)
	form.Set("password", password)
	form.Set("grant_type", "password")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return authmodel.Token{}, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var payload tokenPayload
	if err := c.do(req, &payload); err != nil {
		return authmodel.Token{}, fmt.Errorf("login: %w", err)
	}

	return c.toToken(authmodel.Identity, payload, "")
}

// OpenConversation creates (or resumes) a backend chat session for threadID.
func (c *HTTPCredentialService) OpenConversation(ctx context.Context, identity authmodel.Token, threadID string) (authmodel.Token, error) {
	if identity.IsZero() {
		return authmodel.Token{}, fmt.Errorf("open conversation: %w", ErrRejected)
	}

	var body io.Reader = http.NoBody
	if threadID != "" {
		data, err := json.Marshal(map[string]string{"thread_id": threadID})
		if err != nil {
			return authmodel.Token{}, fmt.Errorf("marshal session request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/session", body)
	if err != nil {
		return authmodel.Token{}, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+identity.Value)
	if threadID != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	var payload sessionPayload
	if err := c.do(req, &payload); err != nil {
		return authmodel.Token{}, fmt.Errorf("open conversation: %w", err)
	}

	bound := payload.SessionID
	if bound == "" {
		bound = threadID
	}
	return c.toToken(authmodel.Conversation, payload.Token, bound)
}

func (c *HTTPCredentialService) ensureRegistered(ctx context.Context, email, password string) {
	data, err := json.Marshal(map[string]string{"email": email, "password": password, "name": c.name})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/register", bytes.NewReader(data))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("[auth] register request failed: %v", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	// 账号已存在时服务端返回 4xx，直接继续登录。
	if resp.StatusCode >= 500 {
		log.Printf("[auth] register returned %d", resp.StatusCode)
	}
}

func (c *HTTPCredentialService) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *HTTPCredentialService) toToken(kind authmodel.Kind, payload tokenPayload, threadID string) (authmodel.Token, error) {
	value := strings.TrimSpace(payload.AccessToken)
	if value == "" {
		return authmodel.Token{}, fmt.Errorf("%s token missing access_token", kind)
	}

	expires, ok := parseExpiry(payload.ExpiresAt)
	if !ok {
		expires, ok = jwtExpiry(value)
	}
	if !ok {
		expires = c.now().Add(fallbackTTL)
	}

	return authmodel.Token{
		Kind:      kind,
		Value:     value,
		ThreadID:  threadID,
		ExpiresAt: expires,
	}, nil
}

var expiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
}

func parseExpiry(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// jwtExpiry 读取 exp 声明。签名由后端校验，这里只解析不验证。
func jwtExpiry(value string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
