package auth

import "time"

// Kind 区分身份令牌与会话令牌。
type Kind string

const (
	// Identity 由邮箱密码换取的用户身份令牌。
	Identity Kind = "identity"
	// Conversation 绑定到某个会话线程的令牌，由身份令牌换取。
	Conversation Kind = "conversation"
)

// DefaultRefreshMargin 剩余有效期低于该值时需要刷新。
const DefaultRefreshMargin = 60 * time.Second

// Token 是不可变的凭证值；刷新时整体替换，不原地修改。
type Token struct {
	Kind          Kind          `json:"kind"`
	Value         string        `json:"-"`
	ThreadID      string        `json:"threadId,omitempty"`
	ExpiresAt     time.Time     `json:"expiresAt"`
	RefreshMargin time.Duration `json:"refreshMargin"`
}

// IsZero reports whether the token carries no credential.
func (t Token) IsZero() bool {
	return t.Value == ""
}

// Remaining 返回距离过期的剩余时长，已过期时为负数。
func (t Token) Remaining(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// Expired reports whether the token can no longer be presented.
func (t Token) Expired(now time.Time) bool {
	return t.IsZero() || t.Remaining(now) <= 0
}

// NeedsRefresh 剩余有效期不超过安全边际时返回 true。
func (t Token) NeedsRefresh(now time.Time) bool {
	margin := t.RefreshMargin
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	return t.IsZero() || t.Remaining(now) <= margin
}

// WithMargin returns a copy of the token using the given refresh margin.
func (t Token) WithMargin(margin time.Duration) Token {
	t.RefreshMargin = margin
	return t
}
