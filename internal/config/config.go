package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	speechmodel "github.com/zhouzirui/voicebridge/backend/internal/model/speech"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	AI        AIConfig
	Speech    SpeechConfig
	Agent     AgentConfig
	Auth      AuthConfig
	Turn      TurnConfig
	Responder ResponderConfig
	Store     StoreConfig
}

// Load 从环境变量加载配置；设置 BRIDGE_CONFIG 时先读取 YAML 文件作为默认值。
func Load() (*Config, error) {
	src, err := newSource()
	if err != nil {
		return nil, err
	}
	return src.load()
}

func (s *source) load() (*Config, error) {
	server, err := s.loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := s.loadAIConfig()
	if err != nil {
		return nil, err
	}

	speech, err := s.loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	agent, err := s.loadAgentConfig()
	if err != nil {
		return nil, err
	}

	auth, err := s.loadAuthConfig(agent)
	if err != nil {
		return nil, err
	}

	turn, err := s.loadTurnConfig()
	if err != nil {
		return nil, err
	}

	responder, err := s.loadResponderConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		AI:        ai,
		Speech:    speech,
		Agent:     agent,
		Auth:      auth,
		Turn:      turn,
		Responder: responder,
		Store:     s.loadStoreConfig(),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func (s *source) loadServerConfig() (ServerConfig, error) {
	port := s.get("PORT")
	if port == "" {
		port = "8080"
	}

	origins := splitList(s.getOrDefault("CORS_ALLOWED_ORIGINS", "*"))

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// AIConfig 描述大模型相关配置，进程内智能体与语义判停共用。
type AIConfig struct {
	APIKey       string
	AccessKey    string
	SecretKey    string
	Model        string
	BaseURL      string
	Region       string
	Temperature  *float64
	TopP         *float64
	MaxTokens    *int
	HistoryLimit int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func (s *source) loadAIConfig() (AIConfig, error) {
	temperature, err := s.parseOptionalFloat("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := s.parseOptionalFloat("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := s.parseOptionalInt("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	history := 10
	if override, err := s.parseOptionalInt("AI_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		history = max(*override, 1)
	}

	return AIConfig{
		APIKey:       s.get("ARK_API_KEY"),
		AccessKey:    s.get("ARK_ACCESS_KEY"),
		SecretKey:    s.get("ARK_SECRET_KEY"),
		Model:        s.get("Model"),
		BaseURL:      s.getOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:       s.getOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:  temperature,
		TopP:         topP,
		MaxTokens:    maxTokens,
		HistoryLimit: history,
	}, nil
}

// SpeechConfig 描述语音服务相关配置
type SpeechConfig struct {
	AppID         string
	AccessToken   string
	APIKey        string
	ASRURL        string
	ASRResourceID string
	ASRLanguage   string
	ASRSampleRate int
	ASREndWindow  int
	TTSURL        string
	TTSVoice      string
	TTSSpeed      float32
	TTSVolume     float32
	TTSLanguage   string
	TTSFormat     string
	FrameQueue    int
	Timeout       time.Duration
	Enabled       bool
}

func (s *source) loadSpeechConfig() (SpeechConfig, error) {
	timeout, err := s.parseDuration("SPEECH_TIMEOUT", 30*time.Second)
	if err != nil {
		return SpeechConfig{}, err
	}

	ttsSpeed, err := s.parseFloat32("SPEECH_TTS_SPEED", 1.0)
	if err != nil {
		return SpeechConfig{}, err
	}

	ttsVolume, err := s.parseFloat32("SPEECH_TTS_VOLUME", 1.0)
	if err != nil {
		return SpeechConfig{}, err
	}

	sampleRate, err := s.parseInt("SPEECH_ASR_SAMPLE_RATE", 16000)
	if err != nil {
		return SpeechConfig{}, err
	}

	endWindow, err := s.parseInt("SPEECH_ASR_END_WINDOW_MS", 800)
	if err != nil {
		return SpeechConfig{}, err
	}

	frameQueue, err := s.parseInt("SPEECH_FRAME_QUEUE", 16)
	if err != nil {
		return SpeechConfig{}, err
	}

	appID := s.get("SPEECH_APP_ID")

	accessToken := s.get("SPEECH_ACCESS_TOKEN")
	apiKey := s.get("SPEECH_API_KEY")
	if accessToken == "" {
		accessToken = apiKey
	}

	enabled := appID != "" && accessToken != ""

	return SpeechConfig{
		AppID:         appID,
		AccessToken:   accessToken,
		APIKey:        apiKey,
		ASRURL:        s.getOrDefault("SPEECH_ASR_URL", "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_async"),
		ASRResourceID: s.get("SPEECH_ASR_RESOURCE_ID"),
		ASRLanguage:   s.getOrDefault("SPEECH_ASR_LANGUAGE", "zh-CN"),
		ASRSampleRate: sampleRate,
		ASREndWindow:  endWindow,
		TTSURL:        s.getOrDefault("SPEECH_TTS_URL", "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"),
		TTSVoice:      s.get("SPEECH_TTS_VOICE"),
		TTSSpeed:      ttsSpeed,
		TTSVolume:     ttsVolume,
		TTSLanguage:   s.getOrDefault("SPEECH_TTS_LANGUAGE", "zh-CN"),
		TTSFormat:     s.getOrDefault("SPEECH_TTS_FORMAT", "pcm"),
		FrameQueue:    max(frameQueue, 1),
		Timeout:       timeout,
		Enabled:       enabled,
	}, nil
}

// Model converts the section into the speech service configuration.
func (c SpeechConfig) Model() *speechmodel.SpeechConfig {
	return &speechmodel.SpeechConfig{
		AppID:            c.AppID,
		AccessToken:      c.AccessToken,
		APIKey:           c.APIKey,
		ASRURL:           c.ASRURL,
		ASRResourceID:    c.ASRResourceID,
		ASRLanguage:      c.ASRLanguage,
		ASRSampleRate:    c.ASRSampleRate,
		ASREndWindow:     c.ASREndWindow,
		TTSURL:           c.TTSURL,
		TTSVoice:         c.TTSVoice,
		TTSSpeed:         c.TTSSpeed,
		TTSVolume:        c.TTSVolume,
		TTSLanguage:      c.TTSLanguage,
		TTSFormat:        c.TTSFormat,
		HandshakeTimeout: c.Timeout,
	}
}

// AgentConfig 描述智能体运行时。Mode 为 http 时走远端 SSE 接口，为 eino 时在进程内调用 Ark 模型。
type AgentConfig struct {
	Mode       string
	BaseURL    string
	StreamPath string
	Timeout    time.Duration
}

func (s *source) loadAgentConfig() (AgentConfig, error) {
	timeout, err := s.parseDuration("AGENT_TIMEOUT", 60*time.Second)
	if err != nil {
		return AgentConfig{}, err
	}

	mode := strings.ToLower(s.getOrDefault("AGENT_MODE", "http"))
	if mode != "http" && mode != "eino" {
		return AgentConfig{}, fmt.Errorf("invalid AGENT_MODE value: %q", mode)
	}

	return AgentConfig{
		Mode:       mode,
		BaseURL:    strings.TrimRight(s.get("AGENT_BASE_URL"), "/"),
		StreamPath: s.getOrDefault("AGENT_STREAM_PATH", "/chatbot/chat/stream"),
		Timeout:    timeout,
	}, nil
}

// AuthConfig 描述凭证服务与令牌刷新策略。
type AuthConfig struct {
	BaseURL       string
	Email         string
	Password      string
	DisplayName   string
	Register      bool
	RefreshMargin time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	CheckInterval time.Duration
}

// Enabled reports whether credentials for the agent backend are configured.
func (c AuthConfig) Enabled() bool {
	return c.BaseURL != "" && c.Email != "" && c.Password != ""
}

func (s *source) loadAuthConfig(agent AgentConfig) (AuthConfig, error) {
	register, err := s.parseBool("AUTH_REGISTER", true)
	if err != nil {
		return AuthConfig{}, err
	}

	margin, err := s.parseDuration("AUTH_REFRESH_MARGIN", 60*time.Second)
	if err != nil {
		return AuthConfig{}, err
	}

	attempts, err := s.parseInt("AUTH_MAX_ATTEMPTS", 3)
	if err != nil {
		return AuthConfig{}, err
	}

	backoff, err := s.parseDuration("AUTH_BACKOFF_BASE", 500*time.Millisecond)
	if err != nil {
		return AuthConfig{}, err
	}

	interval, err := s.parseDuration("AUTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return AuthConfig{}, err
	}

	return AuthConfig{
		BaseURL:       strings.TrimRight(s.getOrDefault("AUTH_BASE_URL", agent.BaseURL), "/"),
		Email:         s.get("AUTH_EMAIL"),
		Password:      s.get("AUTH_PASSWORD"),
		DisplayName:   s.getOrDefault("AUTH_NAME", "Voice Agent"),
		Register:      register,
		RefreshMargin: margin,
		MaxAttempts:   max(attempts, 1),
		BackoffBase:   backoff,
		CheckInterval: interval,
	}, nil
}

// TurnConfig 控制判停策略，两个阈值都可配置。
type TurnConfig struct {
	MaxSilence           time.Duration
	MinEndpointDelay     time.Duration
	ClassifierConfidence float64
	ClassifierLLM        bool
	FinalizeTimeout      time.Duration
	ThinkingTimeout      time.Duration
}

func (s *source) loadTurnConfig() (TurnConfig, error) {
	maxSilence, err := s.parseDuration("TURN_MAX_SILENCE", 6*time.Second)
	if err != nil {
		return TurnConfig{}, err
	}

	minDelay, err := s.parseDuration("TURN_MIN_ENDPOINT_DELAY", 800*time.Millisecond)
	if err != nil {
		return TurnConfig{}, err
	}

	confidence, err := s.parseFloat("TURN_CLASSIFIER_CONFIDENCE", 0.6)
	if err != nil {
		return TurnConfig{}, err
	}
	if confidence < 0 || confidence > 1 {
		return TurnConfig{}, fmt.Errorf("invalid TURN_CLASSIFIER_CONFIDENCE value: %v", confidence)
	}

	llm, err := s.parseBool("TURN_CLASSIFIER_LLM", false)
	if err != nil {
		return TurnConfig{}, err
	}

	finalize, err := s.parseDuration("TURN_FINALIZE_TIMEOUT", 2*time.Second)
	if err != nil {
		return TurnConfig{}, err
	}

	thinking, err := s.parseDuration("TURN_THINKING_TIMEOUT", 45*time.Second)
	if err != nil {
		return TurnConfig{}, err
	}

	if minDelay > maxSilence {
		return TurnConfig{}, fmt.Errorf("TURN_MIN_ENDPOINT_DELAY (%s) exceeds TURN_MAX_SILENCE (%s)", minDelay, maxSilence)
	}

	return TurnConfig{
		MaxSilence:           maxSilence,
		MinEndpointDelay:     minDelay,
		ClassifierConfidence: confidence,
		ClassifierLLM:        llm,
		FinalizeTimeout:      finalize,
		ThinkingTimeout:      thinking,
	}, nil
}

// ResponderConfig 控制分段与回退文案。
type ResponderConfig struct {
	MaxSegmentRunes int
	IdleFlush       time.Duration
	Retries         int
	SegmentQueue    int
	EventQueue      int
	Apology         string
	Unavailable     string
	Clarification   string
	Greeting        bool
}

func (s *source) loadResponderConfig() (ResponderConfig, error) {
	maxRunes, err := s.parseInt("RESPONDER_MAX_SEGMENT_RUNES", 200)
	if err != nil {
		return ResponderConfig{}, err
	}

	idle, err := s.parseDuration("RESPONDER_IDLE_FLUSH", 300*time.Millisecond)
	if err != nil {
		return ResponderConfig{}, err
	}

	retries, err := s.parseInt("RESPONDER_RETRIES", 1)
	if err != nil {
		return ResponderConfig{}, err
	}

	segQueue, err := s.parseInt("RESPONDER_SEGMENT_QUEUE", 4)
	if err != nil {
		return ResponderConfig{}, err
	}

	evQueue, err := s.parseInt("RESPONDER_EVENT_QUEUE", 32)
	if err != nil {
		return ResponderConfig{}, err
	}

	greeting, err := s.parseBool("RESPONDER_GREETING", true)
	if err != nil {
		return ResponderConfig{}, err
	}

	return ResponderConfig{
		MaxSegmentRunes: max(maxRunes, 16),
		IdleFlush:       idle,
		Retries:         max(retries, 0),
		SegmentQueue:    max(segQueue, 1),
		EventQueue:      max(evQueue, 1),
		Apology:         s.getOrDefault("RESPONDER_APOLOGY", "Sorry, an error occurred."),
		Unavailable:     s.getOrDefault("RESPONDER_UNAVAILABLE", "I'm having trouble connecting right now."),
		Clarification:   s.getOrDefault("RESPONDER_CLARIFICATION", "Sorry, I didn't catch that. Could you say it again?"),
		Greeting:        greeting,
	}, nil
}

// StoreConfig 描述会话线程的持久化位置。Dir 为空时使用内存模式。
type StoreConfig struct {
	Dir      string
	InMemory bool
}

func (s *source) loadStoreConfig() StoreConfig {
	dir := s.get("THREAD_STORE_DIR")
	return StoreConfig{Dir: dir, InMemory: dir == ""}
}
