package speech

import (
	speechmodel "github.com/zhouzirui/voicebridge/backend/internal/model/speech"
)

// Service 持有火山引擎 ASR/TTS 客户端，为每个会话创建识别与合成适配器。
type Service struct {
	config     *speechmodel.SpeechConfig
	asrClient  *VolcengineASRClient
	ttsClient  *VolcengineTTSClient
	frameQueue int
}

// NewService 创建语音服务实例
func NewService(config *speechmodel.SpeechConfig, frameQueue int) *Service {
	opts := DefaultDialOptions()
	if config != nil && config.HandshakeTimeout > 0 {
		opts.HandshakeTimeout = config.HandshakeTimeout
	}

	return &Service{
		config:     config,
		asrClient:  NewVolcengineASRClient(config, opts),
		ttsClient:  NewVolcengineTTSClient(config, opts),
		frameQueue: frameQueue,
	}
}

// Configured reports whether credentials are present.
func (s *Service) Configured() bool {
	_, _, err := resolveCredentials(s.config)
	return err == nil
}

// Recognizer returns the streaming ASR client.
func (s *Service) Recognizer() Recognizer {
	return s.asrClient
}

// Streamer returns the streaming TTS client.
func (s *Service) Streamer() SpeechStreamer {
	return s.ttsClient
}

// NewTranscriber 为一个会话创建识别适配器。
func (s *Service) NewTranscriber(sessionID string) *Transcriber {
	return NewTranscriber(s.asrClient, speechmodel.RecognizeRequest{
		SessionID:  sessionID,
		Format:     "pcm",
		Language:   s.config.ASRLanguage,
		SampleRate: s.config.ASRSampleRate,
	}, 0)
}

// NewSynthesizer 为一个会话创建合成适配器。
func (s *Service) NewSynthesizer(sessionID, language string) *Synthesizer {
	if language == "" {
		language = s.config.TTSLanguage
	}
	return NewSynthesizer(s.ttsClient, SynthesizerOptions{
		Voice:      s.config.TTSVoice,
		Format:     s.config.TTSFormat,
		Language:   language,
		SessionID:  sessionID,
		FrameQueue: s.frameQueue,
	})
}
