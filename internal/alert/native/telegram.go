package native

import (
	"context"
	"errors"
	"html"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "proposald/internal/runtime/supervisor"
	"proposald/pkg/logx"
)

const (
	viewCallbackPrefix = "pd:view:"
	telegramQueueSize  = 64
)

var errTelegramBacklog = errors.New("telegram send queue is full")

type TelegramConfig struct {
	Token       string
	ChatID      int64
	ThreadID    int
	APIURL      string
	PollTimeout time.Duration
}

// TelegramSurface posts alerts to one chat. Each tag owns at most one
// message: a newer alert of the same kind edits it in place, dismissal
// deletes it, and its "查看" button counts as a click.
//
// Show and Close only queue work. Bot API calls run on the surface's own
// send worker, in order, so a slow API never holds up the caller.
type TelegramSurface struct {
	cfg TelegramConfig
	log logx.Logger
	bot *tele.Bot

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	jobs chan func()
	gen  atomic.Uint64

	// Owned by the send worker.
	msgs map[string]sentMessage

	mu     sync.Mutex
	clicks map[string]tagClick
}

type sentMessage struct {
	gen uint64
	msg *tele.Message
}

type tagClick struct {
	gen uint64
	fn  func()
}

func NewTelegramSurface(cfg TelegramConfig, log logx.Logger) (*TelegramSurface, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    cfg.APIURL,
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	s := &TelegramSurface{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "native.telegram")),
		bot:    b,
		jobs:   make(chan func(), telegramQueueSize),
		msgs:   map[string]sentMessage{},
		clicks: map[string]tagClick{},
	}
	b.Handle(tele.OnCallback, s.onCallback)
	return s, nil
}

func (s *TelegramSurface) Name() string { return "telegram" }

// The bot token was accepted at construction; the chat decides the rest.
func (s *TelegramSurface) Permission(context.Context) (Permission, error) {
	return PermissionGranted, nil
}

func (s *TelegramSurface) RequestPermission(ctx context.Context) (Permission, error) {
	return s.Permission(ctx)
}

// Start runs the long-poll loop that delivers button presses.
func (s *TelegramSurface) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup

	sup.GoRestart("telegram.send", s.work, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		// bot.Stop blocks until the poller acknowledges; a poller that is
		// between restarts never will.
		stopped := make(chan struct{})
		go func() {
			s.bot.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			s.log.Warn("poller did not acknowledge stop")
		}
	})
	// telebot's Start can return early in some failure modes; keep it alive.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		s.log.Info("polling started")
		s.bot.Start()
		s.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
}

func (s *TelegramSurface) Stop(ctx context.Context) error {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	s.runMu.Unlock()
	if sup == nil {
		return nil
	}
	// Let queued sends and deletions reach the chat before the worker exits.
	flushed := make(chan struct{})
	if s.enqueue(func() { close(flushed) }) {
		select {
		case <-flushed:
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
			s.log.Warn("send queue not flushed before stop")
		}
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		s.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (s *TelegramSurface) Show(ctx context.Context, n HostNotification) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gen := s.gen.Add(1)
	text := formatTelegramAlert(n.Title, n.Body)
	if !s.enqueue(func() { s.deliver(n.Tag, gen, text) }) {
		return nil, errTelegramBacklog
	}
	s.mu.Lock()
	s.clicks[n.Tag] = tagClick{gen: gen, fn: n.OnClick}
	s.mu.Unlock()
	return &telegramHandle{s: s, tag: n.Tag, gen: gen}, nil
}

func (s *TelegramSurface) enqueue(job func()) bool {
	select {
	case s.jobs <- job:
		return true
	default:
		s.log.Warn("send queue full; dropping", logx.Int("size", telegramQueueSize))
		return false
	}
}

// work runs queued Bot API calls until ctx ends.
func (s *TelegramSurface) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-s.jobs:
			job()
		}
	}
}

// deliver edits the tag's message in place, or posts a new one. A message
// that can no longer be edited is deleted so it does not linger in the chat.
func (s *TelegramSurface) deliver(tag string, gen uint64, text string) {
	rm := &tele.ReplyMarkup{}
	rm.Inline(rm.Row(tele.Btn{Text: "查看", Data: viewCallbackPrefix + tag}))
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, ReplyMarkup: rm, ThreadID: s.cfg.ThreadID}

	var msg *tele.Message
	if prev, ok := s.msgs[tag]; ok {
		edited, err := s.bot.Edit(prev.msg, text, opts)
		if err == nil && edited != nil {
			msg = edited
		} else {
			s.log.Debug("edit failed; sending new message", logx.String("tag", tag), logx.Err(err))
			s.remove(tag, prev.msg)
		}
	}
	if msg == nil {
		sent, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, text, opts)
		if err != nil {
			s.log.Warn("send failed", logx.String("tag", tag), logx.Err(err))
			return
		}
		msg = sent
	}
	if msg.Chat == nil {
		msg.Chat = &tele.Chat{ID: s.cfg.ChatID}
	}
	s.msgs[tag] = sentMessage{gen: gen, msg: msg}
}

// retract deletes the tag's message if it still belongs to gen.
func (s *TelegramSurface) retract(tag string, gen uint64) {
	cur, ok := s.msgs[tag]
	if !ok || cur.gen != gen {
		return
	}
	s.remove(tag, cur.msg)
}

func (s *TelegramSurface) remove(tag string, msg *tele.Message) {
	delete(s.msgs, tag)
	if err := s.bot.Delete(msg); err != nil {
		s.log.Debug("delete failed", logx.String("tag", tag), logx.Int("message_id", msg.ID), logx.Err(err))
	}
}

func (s *TelegramSurface) onCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil {
		return nil
	}
	data := strings.TrimSpace(cb.Data)
	if !strings.HasPrefix(data, viewCallbackPrefix) {
		return c.Respond()
	}
	tag := strings.TrimPrefix(data, viewCallbackPrefix)
	s.mu.Lock()
	click := s.clicks[tag]
	s.mu.Unlock()
	if click.fn != nil {
		click.fn()
	}
	return c.Respond(&tele.CallbackResponse{Text: "已打开"})
}

type telegramHandle struct {
	s   *TelegramSurface
	tag string
	gen uint64
}

// Close stops the button from acting and queues the message's deletion.
func (h *telegramHandle) Close() error {
	h.s.mu.Lock()
	if c, ok := h.s.clicks[h.tag]; ok && c.gen == h.gen {
		delete(h.s.clicks, h.tag)
	}
	h.s.mu.Unlock()
	if !h.s.enqueue(func() { h.s.retract(h.tag, h.gen) }) {
		return errTelegramBacklog
	}
	return nil
}

func formatTelegramAlert(title, body string) string {
	title = html.EscapeString(strings.TrimSpace(title))
	body = html.EscapeString(strings.TrimSpace(body))
	if body == "" {
		return "<b>" + title + "</b>"
	}
	return "<b>" + title + "</b>\n" + body
}
