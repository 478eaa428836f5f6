// Package session owns the live connection to the notification server: the
// connect/disconnect state machine, the subscription handshake and the
// single-shot reconnect policy.
//
// A Session is owned by the event loop. Transport callbacks are re-posted to
// the loop through the Executor, so every method and callback runs as a turn.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"proposald/internal/eventbus"
	"proposald/internal/metrics"
	"proposald/internal/protocol"
	"proposald/internal/runtime/loop"
	"proposald/pkg/logx"
)

// Close codes that count as deliberate; anything else triggers a reconnect.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultTokenParam     = "token"
)

var ErrNotConnected = errors.New("session not connected")

type Phase string

const (
	Disconnected Phase = "disconnected"
	Connecting   Phase = "connecting"
	Connected    Phase = "connected"
)

// State is diagnostic only and never persisted.
type State struct {
	Phase           Phase     `json:"phase"`
	LastError       string    `json:"last_error,omitempty"`
	LastConnectedAt time.Time `json:"last_connected_at,omitempty"`
	ConnID          string    `json:"conn_id,omitempty"`
	ReconnectAt     time.Time `json:"reconnect_at,omitempty"`
}

// Handler receives transport events for one connection.
type Handler interface {
	OnOpen()
	OnFrame(data []byte)
	OnClose(code int, reason string)
}

type Conn interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// Transport opens connections. Open must not block on the handshake and must
// not invoke h before it has returned.
type Transport interface {
	Open(ctx context.Context, url string, h Handler) (Conn, error)
}

type Config struct {
	BaseURL        string
	Path           string
	TokenParam     string
	ReconnectDelay time.Duration
}

type Option func(*Session)

func WithBus(b eventbus.Bus) Option {
	return func(s *Session) {
		if b != nil {
			s.bus = b
		}
	}
}

// WithTokenRefresh makes scheduled reconnects fetch a fresh token instead of
// reusing the one given to Connect.
func WithTokenRefresh(fn func() (string, error)) Option {
	return func(s *Session) { s.refresh = fn }
}

type Session struct {
	cfg       Config
	transport Transport
	exec      loop.Executor
	clock     loop.Clock
	log       logx.Logger
	bus       eventbus.Bus
	refresh   func() (string, error)

	state     State
	gen       uint64
	conn      Conn
	cancel    context.CancelFunc
	token     string
	reconnect loop.Timer

	onFrame  []func(protocol.Frame)
	onChange []func(State)
}

func New(cfg Config, t Transport, exec loop.Executor, clock loop.Clock, log logx.Logger, opts ...Option) *Session {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.TokenParam == "" {
		cfg.TokenParam = DefaultTokenParam
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Session{
		cfg:       cfg,
		transport: t,
		exec:      exec,
		clock:     clock,
		log:       log.With(logx.String("comp", "session")),
		bus:       eventbus.Nop{},
		state:     State{Phase: Disconnected},
	}
	for _, o := range opts {
		o(s)
	}
	metrics.SetSessionPhase(string(Disconnected))
	return s
}

// OnFrame registers a consumer for parsed inbound frames, in arrival order.
func (s *Session) OnFrame(fn func(protocol.Frame)) { s.onFrame = append(s.onFrame, fn) }

// OnStateChange registers an observer for phase and error changes.
func (s *Session) OnStateChange(fn func(State)) { s.onChange = append(s.onChange, fn) }

func (s *Session) State() State { return s.state }

// Connect opens a connection unless one is already connecting or connected,
// in which case it does nothing. It reports whether an attempt was started.
func (s *Session) Connect(token string) bool {
	if s.state.Phase != Disconnected {
		s.log.Debug("connect ignored", logx.String("phase", string(s.state.Phase)))
		return false
	}
	s.cancelReconnect("superseded")
	s.token = token
	s.open()
	return true
}

// Disconnect closes the connection normally and cancels any pending
// reconnect. Events from the closed connection are ignored afterwards.
func (s *Session) Disconnect(reason string) {
	s.cancelReconnect("disconnect")
	s.gen++
	if s.conn != nil {
		if err := s.conn.Close(CloseNormal, reason); err != nil {
			s.log.Debug("close failed", logx.Err(err))
		}
		s.conn = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.state.Phase != Disconnected {
		s.log.Info("disconnected", logx.String("reason", reason), logx.String("conn", s.state.ConnID))
		metrics.SessionConnects.WithLabelValues("closed_normal").Inc()
	}
	s.setPhase(Disconnected)
}

// Send delivers f only while connected. Nothing is buffered.
func (s *Session) Send(f protocol.Frame) error {
	if s.state.Phase != Connected || s.conn == nil {
		metrics.FramesSent.WithLabelValues("dropped").Inc()
		s.log.Debug("send dropped", logx.String("type", f.Type), logx.String("phase", string(s.state.Phase)))
		return ErrNotConnected
	}
	b, err := protocol.Encode(f)
	if err != nil {
		metrics.FramesSent.WithLabelValues("failed").Inc()
		return err
	}
	if err := s.conn.Send(b); err != nil {
		metrics.FramesSent.WithLabelValues("failed").Inc()
		s.log.Warn("send failed", logx.String("type", f.Type), logx.Err(err))
		return fmt.Errorf("send %s: %w", f.Type, err)
	}
	metrics.FramesSent.WithLabelValues("sent").Inc()
	return nil
}

func (s *Session) open() {
	s.gen++
	gen := s.gen
	s.state.ConnID = uuid.NewString()
	s.setPhase(Connecting)

	u, err := BuildURL(s.cfg.BaseURL, s.cfg.Path, s.cfg.TokenParam, s.token)
	if err != nil {
		s.lost(fmt.Errorf("build url: %w", err))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.log.Info("connecting", logx.String("conn", s.state.ConnID), logx.String("url", redact(u, s.cfg.TokenParam)))

	conn, err := s.transport.Open(ctx, u, &handler{s: s, gen: gen})
	if err != nil {
		cancel()
		s.cancel = nil
		s.lost(err)
		return
	}
	s.conn = conn
}

func (s *Session) handleOpen(gen uint64) {
	if gen != s.gen || s.state.Phase != Connecting {
		return
	}
	s.state.LastConnectedAt = s.clock.Now()
	s.state.LastError = ""
	metrics.SessionConnects.WithLabelValues("opened").Inc()
	s.log.Info("connected", logx.String("conn", s.state.ConnID))
	s.setPhase(Connected)

	if err := s.Send(protocol.SubscribeFrame()); err != nil {
		s.log.Warn("subscribe failed", logx.Err(err))
	}
}

func (s *Session) handleFrame(gen uint64, data []byte) {
	if gen != s.gen {
		return
	}
	f, err := protocol.Decode(data)
	if err != nil {
		metrics.FramesReceived.WithLabelValues("malformed").Inc()
		s.log.Debug("frame dropped", logx.Int("bytes", len(data)), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeFrameDropped, Time: s.clock.Now(), Data: err.Error()})
		return
	}
	for _, fn := range s.onFrame {
		fn(f)
	}
}

func (s *Session) handleClose(gen uint64, code int, reason string) {
	if gen != s.gen {
		return
	}
	// Whatever the transport reports after its close is stale.
	s.gen++
	s.conn = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if code == CloseNormal || code == CloseGoingAway {
		metrics.SessionConnects.WithLabelValues("closed_normal").Inc()
		s.log.Info("connection closed", logx.Int("code", code), logx.String("reason", reason), logx.String("conn", s.state.ConnID))
		s.setPhase(Disconnected)
		return
	}
	err := fmt.Errorf("closed abnormally (code %d)", code)
	if reason != "" {
		err = fmt.Errorf("closed abnormally (code %d): %s", code, reason)
	}
	s.lost(err)
}

// lost records err, drops to disconnected and schedules the single reconnect.
func (s *Session) lost(err error) {
	metrics.SessionConnects.WithLabelValues("closed_abnormal").Inc()
	s.state.LastError = err.Error()
	s.log.Warn("connection lost", logx.String("conn", s.state.ConnID), logx.Err(err))
	s.scheduleReconnect()
	s.setPhase(Disconnected)
}

func (s *Session) scheduleReconnect() {
	if s.reconnect != nil {
		return
	}
	delay := s.cfg.ReconnectDelay
	s.state.ReconnectAt = s.clock.Now().Add(delay)
	metrics.SessionReconnects.WithLabelValues("scheduled").Inc()
	s.log.Debug("reconnect scheduled", logx.Duration("delay", delay))

	s.reconnect = s.clock.AfterFunc(delay, func() {
		s.reconnect = nil
		s.state.ReconnectAt = time.Time{}
		if s.state.Phase != Disconnected {
			metrics.SessionReconnects.WithLabelValues("skipped").Inc()
			s.log.Debug("reconnect skipped", logx.String("phase", string(s.state.Phase)))
			return
		}
		metrics.SessionReconnects.WithLabelValues("fired").Inc()
		if s.refresh != nil {
			if tok, err := s.refresh(); err != nil {
				s.log.Warn("token refresh failed; reusing previous token", logx.Err(err))
			} else {
				s.token = tok
			}
		}
		s.open()
	})
}

func (s *Session) cancelReconnect(why string) {
	if s.reconnect == nil {
		return
	}
	s.reconnect.Stop()
	s.reconnect = nil
	s.state.ReconnectAt = time.Time{}
	metrics.SessionReconnects.WithLabelValues("cancelled").Inc()
	s.log.Debug("reconnect cancelled", logx.String("why", why))
}

func (s *Session) setPhase(p Phase) {
	s.state.Phase = p
	metrics.SetSessionPhase(string(p))
	st := s.state
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionState, Time: s.clock.Now(), Data: st})
	for _, fn := range s.onChange {
		fn(st)
	}
}

// handler tags transport callbacks with the connection generation and moves
// them onto the loop.
type handler struct {
	s   *Session
	gen uint64
}

func (h *handler) OnOpen() { h.s.exec.Submit(func() { h.s.handleOpen(h.gen) }) }

func (h *handler) OnFrame(data []byte) {
	h.s.exec.Submit(func() { h.s.handleFrame(h.gen, data) })
}

func (h *handler) OnClose(code int, reason string) {
	h.s.exec.Submit(func() { h.s.handleClose(h.gen, code, reason) })
}

// BuildURL turns an http(s) base address into the ws(s) endpoint carrying
// the token as a query parameter.
func BuildURL(base, path, param, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	if path != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	}
	if param == "" {
		param = DefaultTokenParam
	}
	q := u.Query()
	q.Set(param, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redact(raw, param string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	q := u.Query()
	if q.Has(param) {
		q.Set(param, "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
