package speech

import "time"

// 流式识别资源：按时长计费版与并发版。
const (
	ResourceDuration   = "volc.bigasr.sauc.duration"
	ResourceConcurrent = "volc.bigasr.sauc.concurrent"
)

// SpeechConfig 语音服务配置，由 config.SpeechConfig 转换而来。
type SpeechConfig struct {
	AppID       string `json:"appId"`
	AccessToken string `json:"accessToken"`
	APIKey      string `json:"apiKey,omitempty"` // AccessToken 为空时使用

	// 流式识别
	ASRURL        string `json:"asrUrl"`
	ASRResourceID string `json:"asrResourceId,omitempty"`
	ASRLanguage   string `json:"asrLanguage"`
	ASRSampleRate int    `json:"asrSampleRate"`
	ASREndWindow  int    `json:"asrEndWindow"` // 服务端判停窗口，毫秒

	// 流式合成
	TTSURL      string  `json:"ttsUrl"`
	TTSVoice    string  `json:"ttsVoice"`
	TTSSpeed    float32 `json:"ttsSpeed"`
	TTSVolume   float32 `json:"ttsVolume"`
	TTSLanguage string  `json:"ttsLanguage"`
	TTSFormat   string  `json:"ttsFormat"`

	HandshakeTimeout time.Duration `json:"handshakeTimeout"`
}

// ASRResource 返回识别资源 ID，未配置时使用按时长计费版。
func (c *SpeechConfig) ASRResource() string {
	if c == nil || c.ASRResourceID == "" {
		return ResourceDuration
	}
	return c.ASRResourceID
}
