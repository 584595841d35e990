package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	speechmodel "github.com/zhouzirui/voicebridge/backend/internal/model/speech"
)

const defaultTTSURL = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"

// errResourceMismatch 音色与资源 ID 不匹配，可以换资源重试。
var errResourceMismatch = errors.New("resource ID is mismatched with speaker related resource")

// VolcengineTTSClient 火山引擎流式 TTS WebSocket 客户端。
type VolcengineTTSClient struct {
	config *speechmodel.SpeechConfig
	dialer *wsDialer
}

type ttsServerMessage struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
}

type ttsRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string         `json:"speaker"`
		Text        string         `json:"text"`
		AudioParams ttsAudioParams `json:"audio_params"`
		Additions   string         `json:"additions,omitempty"`
		Language    string         `json:"language,omitempty"`
	} `json:"req_params"`
}

type ttsAudioParams struct {
	Format      string  `json:"format"`
	SampleRate  int     `json:"sample_rate"`
	SpeedRatio  float32 `json:"speed_ratio,omitempty"`
	VolumeRatio float32 `json:"volume_ratio,omitempty"`
}

// NewVolcengineTTSClient 创建火山引擎 TTS 客户端。
func NewVolcengineTTSClient(config *speechmodel.SpeechConfig, opts DialOptions) *VolcengineTTSClient {
	return &VolcengineTTSClient{config: config, dialer: newWSDialer(opts)}
}

// StreamSpeech 合成 req.Text，每收到一块音频就交给 onChunk。
// 只有在尚未交付任何音频时才会切换音色或资源重试。
func (c *VolcengineTTSClient) StreamSpeech(ctx context.Context, req speechmodel.TTSRequest, onChunk func([]byte) error) error {
	if strings.TrimSpace(req.Text) == "" {
		return errors.New("TTS text is empty")
	}

	appID, token, err := resolveCredentials(c.config)
	if err != nil {
		return err
	}

	speakers := resolveTTSSpeakerCandidates(req.Voice, c.config.TTSVoice)
	var lastErr error
	for _, speaker := range speakers {
		for _, resourceID := range resolveTTSResourceCandidates(speaker) {
			delivered, err := c.stream(ctx, req, appID, token, speaker, resourceID, onChunk)
			if err == nil {
				return nil
			}
			if delivered > 0 || !errors.Is(err, errResourceMismatch) {
				return err
			}
			log.Printf("[TTS] voice %s resource %s mismatch, trying next", speaker, resourceID)
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no compatible speaker among %v", speakers)
	}
	return lastErr
}

func (c *VolcengineTTSClient) stream(ctx context.Context, req speechmodel.TTSRequest, appID, token, speaker, resourceID string, onChunk func([]byte) error) (int, error) {
	url := strings.TrimSpace(c.config.TTSURL)
	if url == "" {
		url = defaultTTSURL
	}

	conn, err := c.dialer.dial(ctx, url, authHeader(appID, token, resourceID, uuid.NewString()), "TTS")
	if err != nil {
		return 0, fmt.Errorf("connect TTS: %w", err)
	}
	defer conn.close()

	// 取消时关闭连接以打断阻塞的读取。
	stop := context.AfterFunc(ctx, func() { conn.close() })
	defer stop()

	payload, err := json.Marshal(c.buildRequest(req, speaker))
	if err != nil {
		return 0, fmt.Errorf("marshal TTS request: %w", err)
	}
	if err := conn.writeFrame(newFullClientRequest(payload, NoCompression)); err != nil {
		return 0, fmt.Errorf("send TTS request: %w", err)
	}

	delivered := 0
	deliver := func(chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		delivered++
		return onChunk(chunk)
	}

	for {
		msg, err := conn.readFrame()
		if err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			return delivered, fmt.Errorf("read TTS response: %w", err)
		}

		switch msg.Type {
		case ErrorMessage:
			body, _ := msg.Body()
			text := string(body)
			if strings.Contains(text, errResourceMismatch.Error()) {
				return delivered, fmt.Errorf("TTS error %d: %w", msg.ErrorCode, errResourceMismatch)
			}
			return delivered, fmt.Errorf("TTS error %d: %s", msg.ErrorCode, text)

		case AudioOnlyServerResponse:
			chunk, err := msg.Body()
			if err != nil {
				return delivered, fmt.Errorf("decompress TTS audio: %w", err)
			}
			if err := deliver(chunk); err != nil {
				return delivered, err
			}

		case FullServerResponse:
			body, err := msg.Body()
			if err != nil {
				return delivered, fmt.Errorf("decompress TTS payload: %w", err)
			}

			var resp ttsServerMessage
			if len(body) > 0 {
				if err := json.Unmarshal(body, &resp); err != nil {
					log.Printf("[TTS] skip undecodable response: %v", err)
				} else {
					if resp.Code != 0 && resp.Code != 3000 {
						if strings.Contains(resp.Message, errResourceMismatch.Error()) {
							return delivered, fmt.Errorf("TTS API error %d: %w", resp.Code, errResourceMismatch)
						}
						return delivered, fmt.Errorf("TTS API error %d: %s", resp.Code, resp.Message)
					}
					if resp.Data != "" {
						chunk, err := base64.StdEncoding.DecodeString(resp.Data)
						if err != nil {
							return delivered, fmt.Errorf("decode TTS audio: %w", err)
						}
						if err := deliver(chunk); err != nil {
							return delivered, err
						}
					}
				}
			}

			if msg.Final() || resp.Sequence < 0 {
				if delivered == 0 {
					return 0, errors.New("TTS audio is empty")
				}
				return delivered, nil
			}
		}
	}
}

func (c *VolcengineTTSClient) buildRequest(req speechmodel.TTSRequest, speaker string) *ttsRequest {
	r := &ttsRequest{}
	r.User.UID = firstNonEmpty(req.SessionID, uuid.NewString())
	r.ReqParams.Speaker = speaker
	r.ReqParams.Text = req.Text

	format := firstNonEmpty(req.Format, c.config.TTSFormat, "pcm")
	if format == "wav" {
		format = "pcm"
	}
	r.ReqParams.AudioParams.Format = format
	r.ReqParams.AudioParams.SampleRate = 24000

	speed := req.Speed
	if speed <= 0 {
		speed = c.config.TTSSpeed
	}
	if speed > 0 && speed != 1.0 {
		r.ReqParams.AudioParams.SpeedRatio = speed
	}
	volume := req.Volume
	if volume <= 0 {
		volume = c.config.TTSVolume
	}
	if volume > 0 && volume != 1.0 {
		r.ReqParams.AudioParams.VolumeRatio = volume
	}

	r.ReqParams.Language = firstNonEmpty(req.Language, c.config.TTSLanguage)
	// 语音场景下让服务端过滤 markdown 符号。
	r.ReqParams.Additions = `{"disable_markdown_filter":false}`
	return r
}

func resolveTTSResourceCandidates(voice string) []string {
	const (
		defaultResource = "volc.service_type.10029"
		megaResource    = "volc.megatts.default"
		seedResource    = "seed-tts-2.0"
	)

	voice = strings.TrimSpace(voice)
	if voice == "" {
		return []string{defaultResource, seedResource}
	}
	if strings.HasPrefix(voice, "S_") {
		return []string{megaResource}
	}

	normalized := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts", "uranus", "venus", "jupiter", "saturn", "neptune", "mercury", "pluto", "mars"} {
		if strings.Contains(normalized, hint) {
			return []string{seedResource, defaultResource}
		}
	}
	return []string{defaultResource, seedResource}
}

// voiceAliases 把 profile 中的简写音色映射到服务端音色名。
var voiceAliases = map[string]string{
	"en_default":                            "en_female_amy_jupiter_bigtts",
	"zh_default":                            "zh_female_vv_uranus_bigtts",
	"zh_male_m392_conversation":             "zh_male_M392_conversation_wvae_bigtts",
	"zh_male_m392_conversation_wvae_bigtts": "zh_male_M392_conversation_wvae_bigtts",
}

func resolveTTSSpeakerCandidates(requested, fallback string) []string {
	var candidates []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if mapped, ok := voiceAliases[strings.ToLower(s)]; ok {
			s = mapped
		}
		for _, existing := range candidates {
			if strings.EqualFold(existing, s) {
				return
			}
		}
		candidates = append(candidates, s)
	}

	add(requested)
	add(fallback)
	if len(candidates) == 0 {
		return []string{voiceAliases["zh_default"]}
	}
	return candidates
}
