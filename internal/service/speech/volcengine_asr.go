package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	speechmodel "github.com/zhouzirui/voicebridge/backend/internal/model/speech"
)

const defaultASRURL = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_async"

// VolcengineASRClient 火山引擎流式 ASR WebSocket 客户端。
type VolcengineASRClient struct {
	config *speechmodel.SpeechConfig
	dialer *wsDialer
}

type asrServerMessage struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string         `json:"text"`
		Utterances []asrUtterance `json:"utterances,omitempty"`
	} `json:"result,omitempty"`
	AudioInfo struct {
		Duration int64 `json:"duration"`
	} `json:"audio_info,omitempty"`
}

type asrUtterance struct {
	Text      string `json:"text"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Definite  bool   `json:"definite"`
}

// asrRequest 首帧参数，字段按火山引擎文档命名。
type asrRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user,omitempty"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

// NewVolcengineASRClient 创建火山引擎 ASR 客户端。
func NewVolcengineASRClient(config *speechmodel.SpeechConfig, opts DialOptions) *VolcengineASRClient {
	return &VolcengineASRClient{config: config, dialer: newWSDialer(opts)}
}

// OpenStream 建立一次流式识别，音频由调用方通过 Send 逐帧推送。
func (c *VolcengineASRClient) OpenStream(ctx context.Context, req speechmodel.RecognizeRequest) (RecognizeStream, error) {
	appID, token, err := resolveCredentials(c.config)
	if err != nil {
		return nil, err
	}

	resourceID := c.config.ASRResource()
	connectID := strings.TrimSpace(req.SessionID)
	if connectID == "" {
		connectID = uuid.NewString()
	}

	url := strings.TrimSpace(c.config.ASRURL)
	if url == "" {
		url = defaultASRURL
	}

	conn, err := c.dialer.dial(ctx, url, authHeader(appID, token, resourceID, connectID), "ASR")
	if err != nil {
		return nil, fmt.Errorf("connect ASR: %w", err)
	}

	payload, err := json.Marshal(c.buildRequest(req, connectID))
	if err != nil {
		conn.close()
		return nil, fmt.Errorf("marshal ASR request: %w", err)
	}
	body, err := compress(payload, GzipCompression)
	if err != nil {
		conn.close()
		return nil, err
	}
	if err := conn.writeFrame(newFullClientRequest(body, GzipCompression)); err != nil {
		conn.close()
		return nil, fmt.Errorf("send ASR request: %w", err)
	}

	conn.keepAlive(c.dialer.opts.PingInterval, "ASR")
	return &asrStream{conn: conn, sequence: 2, sessionID: connectID}, nil
}

func (c *VolcengineASRClient) buildRequest(req speechmodel.RecognizeRequest, uid string) *asrRequest {
	r := &asrRequest{}
	r.User.UID = uid

	r.Audio.Format = firstNonEmpty(req.Format, "pcm")
	r.Audio.Language = firstNonEmpty(req.Language, c.config.ASRLanguage, "zh-CN")
	r.Audio.Codec = "raw"
	r.Audio.Rate = req.SampleRate
	if r.Audio.Rate <= 0 {
		r.Audio.Rate = c.config.ASRSampleRate
	}
	if r.Audio.Rate <= 0 {
		r.Audio.Rate = 16000
	}
	r.Audio.Bits = 16
	r.Audio.Channel = 1

	r.Request.ModelName = "bigmodel"
	r.Request.EnableITN = true
	r.Request.EnablePunc = true
	r.Request.ShowUtterances = true
	r.Request.ResultType = "full"
	r.Request.EndWindowSize = c.config.ASREndWindow
	if r.Request.EndWindowSize <= 0 {
		r.Request.EndWindowSize = 800
	}
	return r
}

// asrStream 是一次识别连接。Send 与 Recv 可以在不同 goroutine 中调用。
type asrStream struct {
	conn      *wsConn
	sessionID string

	mu       sync.Mutex
	sequence int32
	sendDone bool
	finished bool
}

func (s *asrStream) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone {
		return errors.New("ASR stream already closed for sending")
	}
	return s.send(frame, false)
}

func (s *asrStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone {
		return nil
	}
	s.sendDone = true
	return s.send(nil, true)
}

func (s *asrStream) send(frame []byte, last bool) error {
	body, err := compress(frame, GzipCompression)
	if err != nil {
		return err
	}
	if err := s.conn.writeFrame(newAudioRequest(body, s.sequence, last, GzipCompression)); err != nil {
		return fmt.Errorf("send ASR audio: %w", err)
	}
	s.sequence++
	return nil
}

// Recv 返回下一条识别结果；服务端最后一包标记为 final，之后返回 io.EOF。
func (s *asrStream) Recv() (speechmodel.TranscriptEvent, error) {
	if s.finished {
		return speechmodel.TranscriptEvent{}, io.EOF
	}

	for {
		msg, err := s.conn.readFrame()
		if err != nil {
			return speechmodel.TranscriptEvent{}, fmt.Errorf("read ASR response: %w", err)
		}

		switch msg.Type {
		case ErrorMessage:
			body, _ := msg.Body()
			return speechmodel.TranscriptEvent{}, fmt.Errorf("ASR error %d: %s", msg.ErrorCode, string(body))

		case FullServerResponse:
			body, err := msg.Body()
			if err != nil {
				return speechmodel.TranscriptEvent{}, fmt.Errorf("decompress ASR payload: %w", err)
			}

			var resp asrServerMessage
			if len(body) > 0 {
				if err := json.Unmarshal(body, &resp); err != nil {
					log.Printf("[ASR] session %s: skip undecodable response: %v", s.sessionID, err)
					continue
				}
			}
			if resp.Code != 0 && resp.Code != 20000000 {
				return speechmodel.TranscriptEvent{}, fmt.Errorf("ASR API error %d: %s", resp.Code, resp.Message)
			}

			final := msg.Final() || resp.Sequence < 0
			if final {
				s.finished = true
			}
			return toTranscriptEvent(resp, final), nil
		}
	}
}

func (s *asrStream) Close() error {
	return s.conn.close()
}

func toTranscriptEvent(resp asrServerMessage, final bool) speechmodel.TranscriptEvent {
	text := strings.TrimSpace(resp.Result.Text)
	if text == "" && len(resp.Result.Utterances) > 0 {
		parts := make([]string, 0, len(resp.Result.Utterances))
		for _, u := range resp.Result.Utterances {
			if t := strings.TrimSpace(u.Text); t != "" {
				parts = append(parts, t)
			}
		}
		text = strings.Join(parts, " ")
	}

	ev := speechmodel.TranscriptEvent{
		Text:       text,
		IsFinal:    final,
		Confidence: estimateConfidence(resp.Result.Utterances, text),
		CreatedAt:  time.Now(),
	}
	if n := len(resp.Result.Utterances); n > 0 {
		ev.StartTime = resp.Result.Utterances[0].StartTime
		ev.EndTime = resp.Result.Utterances[n-1].EndTime
	} else if resp.AudioInfo.Duration > 0 {
		ev.EndTime = resp.AudioInfo.Duration
	}
	return ev
}

// estimateConfidence 服务端不返回置信度：已确定的分句比例越高越可信。
func estimateConfidence(utterances []asrUtterance, text string) float64 {
	if text == "" {
		return 0
	}
	if len(utterances) == 0 {
		return 0.5
	}
	definite := 0
	for _, u := range utterances {
		if u.Definite {
			definite++
		}
	}
	return 0.5 + 0.45*float64(definite)/float64(len(utterances))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
