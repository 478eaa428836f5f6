package app

import (
	"fmt"
	"strings"
	"time"

	"proposald/internal/alert/inapp"
	"proposald/internal/alert/native"
	"proposald/internal/config"
	"proposald/internal/control"
	"proposald/internal/credential"
	"proposald/internal/digest"
	"proposald/internal/ledger"
	"proposald/internal/session"
	"proposald/internal/storage"
	"proposald/internal/transport/ws"
	logx "proposald/pkg/logx"
)

const (
	defaultQueueSize   = 256
	defaultPingEvery   = 30 * time.Second
	defaultOpenCommand = "xdg-open"
)

// Settings is the validated, typed form of config.Config.
type Settings struct {
	AutoConnect bool
	QueueSize   int

	Session    session.Config
	WS         ws.Config
	Credential credential.Config
	Ledger     LedgerSettings
	Storage    storage.Config
	Native     NativeSettings
	InApp      InAppSettings
	Navigation NavigationSettings
	Digest     digest.Config
	Control    control.Config
	Logging    logx.Config
}

type LedgerSettings struct {
	Capacity       int
	Key            string
	PersistTimeout time.Duration
}

type NativeSettings struct {
	Enabled        bool
	Surface        string // log | desktop | telegram
	Permission     native.Permission
	RequestOnStart bool
	Bridge         native.Config
	AppName        string
	Icon           string
	Telegram       native.TelegramConfig
}

type InAppSettings struct {
	Enabled bool
	Queue   inapp.Config
	Console bool
}

type NavigationSettings struct {
	Navigator   string // log | url
	WebBaseURL  string
	OpenCommand []string
}

// MapConfig validates cfg and converts it to Settings. Errors name the
// offending config path.
func MapConfig(cfg *config.Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, fmt.Errorf("config is nil")
	}
	var (
		s   Settings
		err error
	)

	// server + session
	base := strings.TrimSpace(cfg.Server.BaseURL)
	if base == "" {
		return s, fmt.Errorf("server.base_url is required")
	}
	if _, err := session.BuildURL(base, cfg.Server.Path, cfg.Server.TokenParam, "x"); err != nil {
		return s, fmt.Errorf("server.base_url: %w", err)
	}
	s.Session = session.Config{
		BaseURL:    base,
		Path:       strings.TrimSpace(cfg.Server.Path),
		TokenParam: strings.TrimSpace(cfg.Server.TokenParam),
	}
	if s.Session.ReconnectDelay, err = config.ParseDurationOrDefault("session.reconnect_delay", cfg.Session.ReconnectDelay, session.DefaultReconnectDelay); err != nil {
		return s, err
	}
	s.AutoConnect = cfg.Session.AutoConnect == nil || *cfg.Session.AutoConnect
	if cfg.Session.QueueSize < 0 {
		return s, fmt.Errorf("session.queue_size must be >= 0")
	}
	s.QueueSize = cfg.Session.QueueSize
	if s.QueueSize == 0 {
		s.QueueSize = defaultQueueSize
	}
	if cfg.Session.ReadLimit < 0 {
		return s, fmt.Errorf("session.read_limit must be >= 0")
	}
	s.WS.ReadLimit = cfg.Session.ReadLimit
	if s.WS.HandshakeTimeout, err = config.ParseDurationField("session.handshake_timeout", cfg.Session.HandshakeTimeout); err != nil {
		return s, err
	}
	if s.WS.WriteTimeout, err = config.ParseDurationField("session.write_timeout", cfg.Session.WriteTimeout); err != nil {
		return s, err
	}
	if s.WS.PingInterval, err = config.ParseDurationAllowZero("session.ping_interval", cfg.Session.PingInterval, defaultPingEvery); err != nil {
		return s, err
	}

	// credential
	s.Credential = credential.Config{
		Source:     strings.ToLower(strings.TrimSpace(cfg.Credential.Source)),
		Token:      strings.TrimSpace(cfg.Credential.Token),
		Env:        strings.TrimSpace(cfg.Credential.Env),
		File:       strings.TrimSpace(cfg.Credential.File),
		KeyringKey: strings.TrimSpace(cfg.Credential.KeyringKey),
		KeyringDir: strings.TrimSpace(cfg.Credential.KeyringDir),
	}
	switch s.Credential.Source {
	case "", "static", "keyring":
	case "env":
		if s.Credential.Env == "" {
			return s, fmt.Errorf("credential.env is required for source env")
		}
	case "file":
		if s.Credential.File == "" {
			return s, fmt.Errorf("credential.file is required for source file")
		}
	default:
		return s, fmt.Errorf("credential.source: unknown %q (want static, env, file or keyring)", cfg.Credential.Source)
	}

	// ledger + storage
	if cfg.Ledger.Capacity < 0 || cfg.Ledger.Capacity > ledger.DefaultCapacity {
		return s, fmt.Errorf("ledger.capacity must be between 0 and %d", ledger.DefaultCapacity)
	}
	s.Ledger.Capacity = cfg.Ledger.Capacity
	if s.Ledger.Capacity == 0 {
		s.Ledger.Capacity = ledger.DefaultCapacity
	}
	s.Ledger.Key = strings.TrimSpace(cfg.Ledger.Key)
	if s.Ledger.Key == "" {
		s.Ledger.Key = ledger.DefaultKey
	}
	if s.Ledger.PersistTimeout, err = config.ParseDurationOrDefault("ledger.persist_timeout", cfg.Ledger.PersistTimeout, ledger.DefaultPersistTimeout); err != nil {
		return s, err
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if !storage.ValidDriver(driver) {
		return s, fmt.Errorf("storage.driver: unknown %q (want memory, file, sqlite or redis)", cfg.Storage.Driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return s, err
	}
	s.Storage = storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
		Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(cfg.Storage.Redis.Addr),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
		},
	}
	if (driver == "file" || driver == "sqlite" || driver == "sqlite3") && s.Storage.Path == "" {
		return s, fmt.Errorf("storage.path is required for driver %s", driver)
	}
	if driver == "redis" && s.Storage.Redis.Addr == "" {
		return s, fmt.Errorf("storage.redis.addr is required for driver redis")
	}

	// native alerts
	if s.Native, err = mapNative(cfg.NativeAlerts); err != nil {
		return s, err
	}

	// in-app
	s.InApp.Enabled = cfg.InApp.Enabled
	s.InApp.Console = cfg.InApp.Console
	if s.InApp.Queue.Countdown, err = config.ParseDurationOrDefault("inapp.countdown", cfg.InApp.Countdown, inapp.DefaultCountdown); err != nil {
		return s, err
	}

	// navigation
	s.Navigation = NavigationSettings{
		Navigator:   strings.ToLower(strings.TrimSpace(cfg.Navigation.Navigator)),
		WebBaseURL:  strings.TrimSpace(cfg.Navigation.WebBaseURL),
		OpenCommand: cfg.Navigation.OpenCommand,
	}
	switch s.Navigation.Navigator {
	case "", "log":
		s.Navigation.Navigator = "log"
	case "url":
		if s.Navigation.WebBaseURL == "" {
			s.Navigation.WebBaseURL = base
		}
		if len(s.Navigation.OpenCommand) == 0 {
			s.Navigation.OpenCommand = []string{defaultOpenCommand}
		}
	default:
		return s, fmt.Errorf("navigation.navigator: unknown %q (want log or url)", cfg.Navigation.Navigator)
	}

	// digest
	s.Digest = digest.Config{
		Enabled:  cfg.Digest.Enabled,
		Schedule: strings.TrimSpace(cfg.Digest.Schedule),
		Timezone: strings.TrimSpace(cfg.Digest.Timezone),
	}
	if err := digest.Validate(s.Digest); err != nil {
		return s, err
	}

	// control
	if s.Control, err = mapControl(cfg.Control); err != nil {
		return s, err
	}

	// logging
	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		return s, fmt.Errorf("logging.level: unknown %q", cfg.Logging.Level)
	}
	s.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
	return s, nil
}

func mapNative(c config.NativeAlertsConfig) (NativeSettings, error) {
	n := NativeSettings{
		Enabled:        c.Enabled,
		Surface:        strings.ToLower(strings.TrimSpace(c.Surface)),
		RequestOnStart: c.RequestOnStart,
		AppName:        strings.TrimSpace(c.AppName),
		Icon:           strings.TrimSpace(c.Icon),
	}
	if n.Surface == "" {
		n.Surface = "log"
	}
	if n.AppName == "" {
		n.AppName = "proposald"
	}
	var err error
	if n.Bridge.AutoDismiss, err = config.ParseDurationOrDefault("native_alerts.auto_dismiss", c.AutoDismiss, native.DefaultAutoDismiss); err != nil {
		return n, err
	}
	n.Bridge.ShowTimeout = native.DefaultShowTimeout
	if c.RatePerSec < 0 || c.Burst < 0 {
		return n, fmt.Errorf("native_alerts.rate_per_sec and burst must be >= 0")
	}
	n.Bridge.RatePerSecond = c.RatePerSec
	n.Bridge.Burst = c.Burst

	n.Permission = native.PermissionGranted
	if p := strings.TrimSpace(c.Permission); p != "" {
		if n.Permission, err = native.ParsePermission(p); err != nil {
			return n, fmt.Errorf("native_alerts.permission: %w", err)
		}
	}

	switch n.Surface {
	case "log", "desktop":
	case "telegram":
		poll, err := config.ParseDurationOrDefault("native_alerts.telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return n, err
		}
		n.Telegram = native.TelegramConfig{
			Token:       strings.TrimSpace(c.Telegram.Token),
			ChatID:      c.Telegram.ChatID,
			ThreadID:    c.Telegram.ThreadID,
			APIURL:      strings.TrimSpace(c.Telegram.APIURL),
			PollTimeout: poll,
		}
		if n.Enabled && (n.Telegram.Token == "" || n.Telegram.ChatID == 0) {
			return n, fmt.Errorf("native_alerts.telegram: token and chat_id are required")
		}
	default:
		return n, fmt.Errorf("native_alerts.surface: unknown %q (want log, desktop or telegram)", c.Surface)
	}
	return n, nil
}

func mapControl(c config.ControlConfig) (control.Config, error) {
	out := control.Config{
		Enabled:       c.Enabled,
		Addr:          strings.TrimSpace(c.Addr),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
		Pprof:         c.Pprof,
	}
	if out.Addr == "" {
		out.Addr = control.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("control.read_timeout", c.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	// pprof profile/trace stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("control.write_timeout", c.WriteTimeout, 60*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("control.idle_timeout", c.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}
