package speech

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
)

// DialOptions 控制语音服务的 WebSocket 连接。
type DialOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxAttempts      int
	BackoffBase      time.Duration
}

// DefaultDialOptions returns the options used when none are configured.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     20 * time.Second,
		MaxAttempts:      2,
		BackoffBase:      200 * time.Millisecond,
	}
}

type wsDialer struct {
	opts   DialOptions
	dialer *websocket.Dialer
}

func newWSDialer(opts DialOptions) *wsDialer {
	def := DefaultDialOptions()
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.BackoffBase
	}
	return &wsDialer{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
	}
}

// dial 建立连接，握手失败（非 4xx）时按指数退避重试。
func (d *wsDialer) dial(ctx context.Context, url string, header http.Header, tag string) (*wsConn, error) {
	var conn *websocket.Conn
	backoff := retry.WithMaxRetries(uint64(d.opts.MaxAttempts-1), retry.NewExponential(d.opts.BackoffBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, resp, err := d.dialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
			}
			log.Printf("[%s] dial %s failed: %v", tag, url, err)
			return retry.RetryableError(err)
		}
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[%s] connected logid=%s", tag, logid)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn, writeTimeout: d.opts.WriteTimeout}, nil
}

// wsConn 串行化写操作，gorilla 连接不允许并发写。
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	stopPing  chan struct{}
}

func (c *wsConn) writeFrame(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(msg))
}

func (c *wsConn) readFrame() (*Message, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return DecodeMessage(data)
	}
}

// keepAlive 为长连接周期性发送 ping。
func (c *wsConn) keepAlive(interval time.Duration, tag string) {
	c.stopPing = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopPing:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
				c.writeMu.Unlock()
				if err != nil {
					if !errors.Is(err, websocket.ErrCloseSent) {
						log.Printf("[%s] ping failed: %v", tag, err)
					}
					return
				}
			}
		}
	}()
}

func (c *wsConn) close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.stopPing != nil {
			close(c.stopPing)
		}
		err = c.conn.Close()
	})
	return err
}
