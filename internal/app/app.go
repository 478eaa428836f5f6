package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"proposald/internal/alert/inapp"
	"proposald/internal/alert/native"
	"proposald/internal/config"
	"proposald/internal/control"
	"proposald/internal/credential"
	"proposald/internal/digest"
	"proposald/internal/eventbus"
	"proposald/internal/navigate"
	"proposald/internal/runtime/loop"
	rtsup "proposald/internal/runtime/supervisor"
	"proposald/internal/session"
	"proposald/internal/storage"
	"proposald/internal/transport/ws"
	logx "proposald/pkg/logx"
	"proposald/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	set  Settings

	sup *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	loop    *loop.Loop
	core    *Core
	backend *backend

	surface  native.Surface
	control  *control.Service
	digest   *digest.Service
	watchdog time.Duration
}

// Option overrides a collaborator, mostly for tests.
type Option func(*overrides)

type overrides struct {
	transport  session.Transport
	surface    native.Surface
	navigator  navigate.Navigator
	credential credential.Source
	store      storage.Store
}

func WithTransport(t session.Transport) Option { return func(o *overrides) { o.transport = t } }
func WithSurface(s native.Surface) Option      { return func(o *overrides) { o.surface = s } }
func WithNavigator(n navigate.Navigator) Option {
	return func(o *overrides) { o.navigator = n }
}
func WithCredential(s credential.Source) Option { return func(o *overrides) { o.credential = s } }
func WithStore(s storage.Store) Option          { return func(o *overrides) { o.store = s } }

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := MapConfig(cfg)
	if err != nil {
		return nil, err
	}
	var ov overrides
	for _, o := range opts {
		o(&ov)
	}

	logSvc, log := logx.New(set.Logging)
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	store := ov.store
	if store == nil {
		if store, err = storage.Open(set.Storage, log.With(logx.String("comp", "storage"))); err != nil {
			return nil, err
		}
		appLog.Info("storage opened", logx.String("driver", set.Storage.Driver))
	}

	cred := ov.credential
	if cred == nil {
		if cred, err = credential.NewSource(set.Credential); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("credential: %w", err)
		}
	}

	lp := loop.New(set.QueueSize, log.With(logx.String("comp", "loop")))
	clock := loop.RealClock{Exec: lp}

	transport := ov.transport
	if transport == nil {
		transport = ws.New(set.WS, log)
	}

	nav := ov.navigator
	if nav == nil {
		nav = newNavigator(set.Navigation, log, bus)
	}

	surface := ov.surface
	if surface == nil && set.Native.Enabled {
		if surface, err = newSurface(set.Native, log); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	core := NewCore(set, CoreDeps{
		Exec:       lp,
		Clock:      clock,
		Transport:  transport,
		Store:      store,
		Surface:    surface,
		Navigator:  nav,
		Credential: cred,
		Bus:        bus,
		Log:        log,
	})
	if core.InApp != nil && set.InApp.Console {
		core.InApp.OnChange(inapp.NewConsoleRenderer(logx.Stdout()).Observe)
	}

	be := &backend{loop: lp, core: core, cred: cred, log: appLog}

	return &App{
		cfgm:     cfgm,
		set:      set,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		loop:     lp,
		core:     core,
		backend:  be,
		surface:  surface,
		control:  control.New(set.Control, be, log),
		digest:   digest.New(set.Digest, be.Summary, bus, log),
		watchdog: systemd.WatchdogInterval(),
	}, nil
}

func newNavigator(s NavigationSettings, log logx.Logger, bus eventbus.Bus) navigate.Navigator {
	if s.Navigator == "url" {
		return navigate.NewURL(log, bus, s.WebBaseURL, s.OpenCommand)
	}
	return navigate.NewLog(log, bus)
}

func newSurface(s NativeSettings, log logx.Logger) (native.Surface, error) {
	switch s.Surface {
	case "desktop":
		return native.NewDesktopSurface(context.Background(), s.AppName, s.Icon, log)
	case "telegram":
		return native.NewTelegramSurface(s.Telegram, log)
	default:
		return native.NewLogSurface(log, s.Permission), nil
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := MapConfig(cfg)
		return err
	})

	a.sup.Go("loop", a.loop.Run)

	if err := a.loop.Call(ctx, func() error { return a.core.Ledger.Load(ctx) }); err != nil {
		// A corrupt ledger is replaced on the next mutation.
		a.log.Warn("ledger not restored; starting empty", logx.Err(err))
	}

	if ts, ok := a.surface.(*native.TelegramSurface); ok {
		ts.Start(a.sup.Context())
	}
	if a.core.Native != nil {
		err := a.loop.Call(ctx, func() error {
			perm := a.core.Native.Init(ctx)
			if perm == native.PermissionDefault && a.set.Native.RequestOnStart {
				_, err := a.core.Native.RequestPermission(ctx)
				return err
			}
			return nil
		})
		if err != nil {
			a.log.Warn("native alerts unavailable", logx.Err(err))
		}
	}

	if a.set.AutoConnect {
		a.sup.Go0("session.connect", func(c context.Context) {
			if _, err := a.backend.Connect(c); err != nil && c.Err() == nil {
				a.log.Warn("not connecting; use the control API once a token is available", logx.Err(err))
			}
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.control.Enabled() {
		a.control.Start(a.sup.Context())
	}
	if err := a.digest.Start(a.sup.Context()); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = drainLatest(sub, next)
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if a.watchdog > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			systemd.Watchdog(c, a.watchdog, a.healthy)
		})
	}
	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}

	a.log.Info("app started",
		logx.String("server", a.set.Session.BaseURL),
		logx.Bool("native", a.core.Native != nil),
		logx.Bool("inapp", a.core.InApp != nil),
		logx.Bool("control", a.control.Enabled()),
	)
	return nil
}

// drainLatest coalesces a burst of reloads into the newest one.
func drainLatest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-ch:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// healthy reports whether the loop still turns.
func (a *App) healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return a.loop.Call(ctx, func() error { return nil }) == nil
}

// applyConfig hot-applies the sections that support it. The rest are logged
// as needing a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	set, err := MapConfig(next)
	if err != nil {
		a.log.Warn("config reload ignored", logx.Err(err))
		return
	}
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	a.logs.Apply(set.Logging)
	if err := a.digest.Apply(set.Digest); err != nil {
		a.log.Warn("digest reload failed; keeping previous", logx.Err(err))
	}
	a.control.Reconfigure(ctx, set.Control)
	if a.core.Native != nil {
		rate := set.Native.Bridge
		_ = a.loop.Call(ctx, func() error {
			a.core.Native.SetRate(rate.RatePerSecond, rate.Burst)
			return nil
		})
	}
	a.set.Logging, a.set.Digest, a.set.Control = set.Logging, set.Digest, set.Control

	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.step(ctx, "digest", time.Second, func(c context.Context) error { a.digest.Stop(c); return nil })
	a.step(ctx, "control", 2*time.Second, func(c context.Context) error { a.control.Stop(c); return nil })
	a.step(ctx, "core", 2*time.Second, func(c context.Context) error {
		err := a.loop.Call(c, func() error { a.core.Close("daemon stopping"); return nil })
		if errors.Is(err, loop.ErrStopped) {
			return nil
		}
		return err
	})
	a.step(ctx, "surface", 3*time.Second, func(c context.Context) error {
		switch s := a.surface.(type) {
		case *native.TelegramSurface:
			return s.Stop(c)
		case *native.DesktopSurface:
			return s.Close()
		}
		return nil
	})

	// The loop goes down with the supervisor; nothing touches the ledger after this.
	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max (never beyond ctx's deadline)
// so one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Any("err", err))
		}()
	}
}
