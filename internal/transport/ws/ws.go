// Package ws is the websocket transport behind the session channel.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"proposald/internal/session"
	"proposald/pkg/logx"
)

var errNotOpen = errors.New("websocket not open")

type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval enables keepalive pings; a peer silent for twice the
	// interval is treated as gone. Zero disables it.
	PingInterval time.Duration
	ReadLimit    int64
}

type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log: log.With(logx.String("comp", "ws")),
	}
}

// Open starts dialing in the background and returns immediately. Handler
// callbacks arrive from transport goroutines: OnOpen once the handshake
// succeeds, then OnFrame per message, then exactly one OnClose.
func (t *Transport) Open(ctx context.Context, url string, h session.Handler) (session.Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	c := &conn{t: t, cancel: cancel, done: make(chan struct{})}
	go c.run(ctx, url, h)
	return c, nil
}

type conn struct {
	t      *Transport
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

func (c *conn) run(ctx context.Context, url string, h session.Handler) {
	defer close(c.done)
	defer c.cancel()

	ws, resp, err := c.t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		reason := err.Error()
		if resp != nil {
			reason = fmt.Sprintf("handshake %s: %v", resp.Status, err)
		}
		h.OnClose(session.CloseAbnormal, reason)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		h.OnClose(session.CloseNormal, "closed during handshake")
		return
	}
	c.ws = ws
	c.mu.Unlock()

	ws.SetReadLimit(c.t.cfg.ReadLimit)
	if iv := c.t.cfg.PingInterval; iv > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(2 * iv))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(2 * iv))
		})
		go c.keepalive(ctx, iv)
	}

	h.OnOpen()
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			code, reason := closeStatus(err)
			h.OnClose(code, reason)
			_ = ws.Close()
			return
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			h.OnFrame(data)
		}
	}
}

func (c *conn) keepalive(ctx context.Context, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			c.mu.Lock()
			ws := c.ws
			c.mu.Unlock()
			if ws == nil {
				return
			}
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.t.cfg.WriteTimeout)); err != nil {
				c.t.log.Debug("ping failed", logx.Err(err))
				return
			}
		}
	}
}

func (c *conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil || c.closed {
		return errNotOpen
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.t.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code and reason and tears the socket down.
// A dial still in flight is cancelled.
func (c *conn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		c.cancel()
		return nil
	}
	msg := websocket.FormatCloseMessage(code, reason)
	err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.t.cfg.WriteTimeout))
	_ = ws.Close()
	c.cancel()
	return err
}

func closeStatus(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNoStatusReceived {
			return session.CloseAbnormal, "no close status"
		}
		return ce.Code, ce.Text
	}
	return session.CloseAbnormal, err.Error()
}
