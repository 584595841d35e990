package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	sessionmodel "github.com/zhouzirui/voicebridge/backend/internal/model/session"
	speechmodel "github.com/zhouzirui/voicebridge/backend/internal/model/speech"
	"github.com/zhouzirui/voicebridge/backend/internal/service/bridge"
	"github.com/zhouzirui/voicebridge/backend/pkg/utils"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
	outboxSize   = 64
)

// Handler 媒体层 WebSocket 处理器，每条连接对应一个桥接会话。
type Handler struct {
	deps     bridge.Deps
	registry *bridge.Registry
	upgrader websocket.Upgrader
}

// New 创建媒体处理器
func New(deps bridge.Deps, registry *bridge.Registry) *Handler {
	return &Handler{
		deps:     deps,
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes 注册媒体路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/media/ws", h.handleWebSocket)
	r.Get("/media/ws/{sessionID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type audioMessage struct {
	Audio []byte `json:"audio"`
}

type vadMessage struct {
	Active bool `json:"active"`
}

type audioPayload struct {
	TurnID  uint64 `json:"turnId"`
	Segment int    `json:"segment"`
	Index   int    `json:"index"`
	Format  string `json:"format"`
	Audio   string `json:"audio"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// connection 串行化对 websocket 的写入：所有消息经由 outbox 交给唯一的写协程。
type connection struct {
	sessionID string
	conn      *websocket.Conn
	outbox    chan outgoingMessage
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	session *bridge.Session
}

func (c *connection) send(msgType string, data any) bool {
	msg := outgoingMessage{
		Type:      msgType,
		SessionID: c.sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	select {
	case c.outbox <- msg:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *connection) sendError(message string) {
	c.send("error", map[string]string{"message": message})
}

// WriteFrame 把合成音频排入发送队列；队列满时阻塞，形成背压。
func (c *connection) WriteFrame(ctx context.Context, frame speechmodel.AudioFrame) error {
	msg := outgoingMessage{
		Type:      "audio",
		SessionID: c.sessionID,
		Data: audioPayload{
			TurnID:  frame.TurnID,
			Segment: frame.Segment,
			Index:   frame.Index,
			Format:  frame.Format,
			Audio:   base64.StdEncoding.EncodeToString(frame.Data),
		},
		Timestamp: time.Now().Unix(),
	}
	select {
	case c.outbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return errors.New("media connection closed")
	}
}

func (c *connection) current() *bridge.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// handleWebSocket 处理媒体连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if _, err := h.registry.Get(sessionID); err == nil {
		utils.RespondError(w, http.StatusConflict, bridge.ErrSessionExists.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[media] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[media] new connection for session: %s", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &connection{
		sessionID: sessionID,
		conn:      conn,
		outbox:    make(chan outgoingMessage, outboxSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(c)
	}()
	go h.pingLoop(ctx, conn)

	defer func() {
		if s := c.current(); s != nil {
			s.Close()
			h.registry.Remove(s)
		}
		cancel()
		<-writerDone
		log.Printf("[media] connection closed for session: %s", sessionID)
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	c.send("connected", map[string]string{"sessionId": sessionID})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[media] read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		if kind == websocket.BinaryMessage {
			if s := c.current(); s != nil {
				s.WriteAudio(data)
			}
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message")
			continue
		}
		if !h.handleMessage(c, &msg) {
			return
		}
	}
}

// handleMessage 处理一条控制消息；返回 false 表示连接应当结束。
func (h *Handler) handleMessage(c *connection, msg *inboundMessage) bool {
	if msg.Type == "join" {
		return h.handleJoin(c, msg.Data)
	}

	s := c.current()
	if s == nil {
		c.sendError("join required before " + msg.Type)
		return true
	}

	switch msg.Type {
	case "audio":
		var audio audioMessage
		if err := json.Unmarshal(msg.Data, &audio); err != nil {
			c.sendError("invalid audio payload")
			return true
		}
		s.WriteAudio(audio.Audio)
	case "vad":
		var vad vadMessage
		if err := json.Unmarshal(msg.Data, &vad); err != nil {
			c.sendError("invalid vad payload")
			return true
		}
		s.VoiceActivity(vad.Active)
	case "pause":
		s.Pause()
	case "resume":
		s.Resume()
	case "leave":
		return false
	default:
		c.sendError("unsupported message type: " + msg.Type)
	}
	return true
}

func (h *Handler) handleJoin(c *connection, raw json.RawMessage) bool {
	if c.current() != nil {
		c.sendError("already joined")
		return true
	}

	var join bridge.JoinRequest
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &join); err != nil {
			c.sendError("invalid join payload")
			return true
		}
	}

	s := bridge.NewSession(c.sessionID, h.deps, c)
	if err := h.registry.Add(s); err != nil {
		c.sendError(err.Error())
		c.send("closed", nil)
		return true
	}

	events, unsubscribe := s.Hub().Subscribe(outboxSize)
	go h.forwardEvents(c, events)

	if err := s.Start(c.ctx, join); err != nil {
		log.Printf("[media] session=%s join failed: %v", c.sessionID, err)
		unsubscribe()
		s.Close()
		h.registry.Remove(s)
		c.sendError("join failed: " + err.Error())
		c.send("closed", nil)
		return true
	}

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	info := s.Info()
	c.send("joined", info)

	go func() {
		<-s.Done()
		// 会话因致命错误结束时通知客户端并关闭连接，由客户端重新加入。
		if err := s.Err(); err != nil {
			c.sendError(err.Error())
			c.send("closed", nil)
		}
	}()
	return true
}

// forwardEvents 把会话事件转发给客户端。
func (h *Handler) forwardEvents(c *connection, events <-chan sessionmodel.Event) {
	for ev := range events {
		if ev.Type == sessionmodel.EventClosed {
			continue
		}
		if !c.send(string(ev.Type), ev) {
			return
		}
	}
}

func (h *Handler) writeLoop(c *connection) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Printf("[media] write %s failed: %v", msg.Type, err)
				c.cancel()
				return
			}
			if msg.Type == "closed" {
				c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"), time.Now().Add(writeTimeout))
				c.conn.Close()
				return
			}
		}
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
