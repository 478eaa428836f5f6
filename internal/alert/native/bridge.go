// Package native presents notifications through the host's notification
// facility: permission tracking, per-kind coalescing, auto-dismiss and
// click-to-navigate.
//
// A Bridge is owned by the event loop; surface callbacks are re-posted to it.
package native

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"proposald/internal/eventbus"
	"proposald/internal/metrics"
	"proposald/internal/navigate"
	"proposald/internal/notification"
	"proposald/internal/runtime/loop"
	"proposald/pkg/logx"
)

const (
	DefaultAutoDismiss = 8 * time.Second
	DefaultShowTimeout = 5 * time.Second
)

type Config struct {
	AutoDismiss time.Duration
	ShowTimeout time.Duration
	// RatePerSecond <= 0 disables the limit.
	RatePerSecond float64
	Burst         int
}

type Option func(*Bridge)

func WithBus(b eventbus.Bus) Option {
	return func(br *Bridge) {
		if b != nil {
			br.bus = b
		}
	}
}

type shown struct {
	seq    uint64
	id     string
	handle Handle
	timer  loop.Timer
}

type Bridge struct {
	cfg     Config
	surface Surface
	nav     navigate.Navigator
	exec    loop.Executor
	clock   loop.Clock
	log     logx.Logger
	bus     eventbus.Bus

	perm    Permission
	limiter *rate.Limiter
	seq     uint64
	active  map[string]*shown
}

func New(cfg Config, s Surface, nav navigate.Navigator, exec loop.Executor, clock loop.Clock, log logx.Logger, opts ...Option) *Bridge {
	if cfg.AutoDismiss <= 0 {
		cfg.AutoDismiss = DefaultAutoDismiss
	}
	if cfg.ShowTimeout <= 0 {
		cfg.ShowTimeout = DefaultShowTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bridge{
		cfg:     cfg,
		surface: s,
		nav:     nav,
		exec:    exec,
		clock:   clock,
		log:     log.With(logx.String("comp", "native"), logx.String("surface", s.Name())),
		bus:     eventbus.Nop{},
		perm:    PermissionDefault,
		active:  map[string]*shown{},
	}
	b.SetRate(cfg.RatePerSecond, cfg.Burst)
	for _, o := range opts {
		o(b)
	}
	return b
}

// Init mirrors the host permission.
func (b *Bridge) Init(ctx context.Context) Permission {
	p, err := b.surface.Permission(ctx)
	if err != nil {
		b.log.Warn("permission query failed", logx.Err(err))
		p = PermissionDefault
	}
	b.setPermission(p)
	return p
}

func (b *Bridge) Permission() Permission { return b.perm }

// RequestPermission prompts the host only while the permission is still
// undecided. Denied is terminal: it returns ErrPermissionDenied without
// prompting again.
func (b *Bridge) RequestPermission(ctx context.Context) (Permission, error) {
	switch b.perm {
	case PermissionGranted:
		return b.perm, nil
	case PermissionDenied:
		return b.perm, ErrPermissionDenied
	}
	p, err := b.surface.RequestPermission(ctx)
	if err != nil {
		b.log.Warn("permission request failed", logx.Err(err))
		return b.perm, err
	}
	b.setPermission(p)
	if p == PermissionDenied {
		return p, ErrPermissionDenied
	}
	return p, nil
}

// SetRate replaces the presentation rate limit. It is safe to call on reload.
func (b *Bridge) SetRate(perSecond float64, burst int) {
	if perSecond <= 0 {
		b.limiter = nil
		return
	}
	if burst <= 0 {
		burst = 1
	}
	b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// OnNotification implements ledger.Subscriber.
func (b *Bridge) OnNotification(n notification.Notification) error {
	_, err := b.Present(n)
	return err
}

// Present shows n on the host surface. It reports whether anything was shown;
// suppression (no permission, rate limit) is not an error.
func (b *Bridge) Present(n notification.Notification) (bool, error) {
	name := b.surface.Name()
	if b.perm != PermissionGranted {
		metrics.NativeAlerts.WithLabelValues(name, "suppressed").Inc()
		b.bus.Publish(eventbus.Event{Type: eventbus.TypeNativeSuppressed, Time: b.clock.Now(), Data: n.ID})
		return false, nil
	}
	if b.limiter != nil && !b.limiter.AllowN(b.clock.Now(), 1) {
		metrics.NativeAlerts.WithLabelValues(name, "rate_limited").Inc()
		b.log.Debug("alert rate limited", logx.String("id", n.ID), logx.String("kind", string(n.Kind)))
		return false, nil
	}

	tag := string(n.Kind)
	b.seq++
	seq := b.seq

	h, err := b.show(HostNotification{
		Tag:     tag,
		Title:   n.Title,
		Body:    n.Message,
		OnClick: func() { b.exec.Submit(func() { b.click(tag, seq, n) }) },
	})
	if err != nil {
		metrics.NativeAlerts.WithLabelValues(name, "failed").Inc()
		return false, err
	}

	result := "shown"
	if prev := b.active[tag]; prev != nil {
		// The surface replaced the previous alert of this kind in place.
		prev.timer.Stop()
		result = "replaced"
	}
	entry := &shown{seq: seq, id: n.ID, handle: h}
	entry.timer = b.clock.AfterFunc(b.cfg.AutoDismiss, func() { b.dismiss(tag, seq, "timeout") })
	b.active[tag] = entry

	metrics.NativeAlerts.WithLabelValues(name, result).Inc()
	b.bus.Publish(eventbus.Event{Type: eventbus.TypeNativePresented, Time: b.clock.Now(), Data: n.ID})
	b.log.Debug("alert "+result, logx.String("id", n.ID), logx.String("tag", tag))
	return true, nil
}

type showResult struct {
	h   Handle
	err error
}

// show calls the surface with ShowTimeout as a hard bound: a surface that
// ignores its context holds the loop no longer than that. A handle that
// arrives after the deadline is closed as soon as it does.
func (b *Bridge) show(hn HostNotification) (Handle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ShowTimeout)
	defer cancel()

	done := make(chan showResult, 1)
	go func() {
		var r showResult
		defer func() {
			if p := recover(); p != nil {
				r = showResult{err: fmt.Errorf("surface %s panicked: %v", b.surface.Name(), p)}
			}
			done <- r
		}()
		r.h, r.err = b.surface.Show(ctx, hn)
	}()

	select {
	case r := <-done:
		return r.h, r.err
	case <-ctx.Done():
	}
	select {
	case r := <-done:
		return r.h, r.err
	default:
	}
	go func() {
		if r := <-done; r.err == nil && r.h != nil {
			if err := r.h.Close(); err != nil {
				b.log.Debug("late alert close failed", logx.String("tag", hn.Tag), logx.Err(err))
			}
		}
	}()
	return nil, fmt.Errorf("show on %s: %w", b.surface.Name(), ctx.Err())
}

// Active lists the tags currently visible on the host surface.
func (b *Bridge) Active() []string {
	tags := make([]string, 0, len(b.active))
	for t := range b.active {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Close dismisses everything still visible.
func (b *Bridge) Close() {
	for _, tag := range b.Active() {
		b.dismiss(tag, b.active[tag].seq, "shutdown")
	}
}

func (b *Bridge) click(tag string, seq uint64, n notification.Notification) {
	metrics.NativeAlerts.WithLabelValues(b.surface.Name(), "clicked").Inc()
	b.log.Debug("alert clicked", logx.String("id", n.ID), logx.String("tag", tag))
	if b.nav != nil {
		b.nav.Foreground()
		if t, ok := navigate.Resolve(n.Kind, n.Payload); ok {
			b.nav.Navigate(t)
		}
	}
	b.dismiss(tag, seq, "click")
}

func (b *Bridge) dismiss(tag string, seq uint64, why string) {
	cur := b.active[tag]
	if cur == nil || cur.seq != seq {
		return
	}
	delete(b.active, tag)
	cur.timer.Stop()
	if err := cur.handle.Close(); err != nil {
		b.log.Debug("dismiss failed", logx.String("tag", tag), logx.String("why", why), logx.Err(err))
	}
}

func (b *Bridge) setPermission(p Permission) {
	if p == b.perm {
		return
	}
	b.perm = p
	b.log.Info("permission", logx.String("state", string(p)))
	b.bus.Publish(eventbus.Event{Type: eventbus.TypePermissionResolved, Time: b.clock.Now(), Data: string(p)})
}
