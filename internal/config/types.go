package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "5s", "1m").
// String values may reference environment variables as ${NAME}.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Session      SessionConfig      `json:"session"`
	Credential   CredentialConfig   `json:"credential"`
	Ledger       LedgerConfig       `json:"ledger"`
	Storage      StorageConfig      `json:"storage"`
	NativeAlerts NativeAlertsConfig `json:"native_alerts"`
	InApp        InAppConfig        `json:"inapp"`
	Navigation   NavigationConfig   `json:"navigation"`
	Digest       DigestConfig       `json:"digest"`
	Control      ControlConfig      `json:"control"`
	Logging      LoggingConfig      `json:"logging"`
}

// ServerConfig locates the notification endpoint. base_url is the HTTP(S)
// address of the console API; its scheme is swapped for ws/wss on connect.
type ServerConfig struct {
	BaseURL    string `json:"base_url"`
	Path       string `json:"path,omitempty"`        // appended to base_url
	TokenParam string `json:"token_param,omitempty"` // default: "token"
}

// SessionConfig controls the live connection.
//
// Defaults (when omitted/zero):
//   - auto_connect: true
//   - reconnect_delay: "5s"
//   - handshake_timeout: "15s"
//   - write_timeout: "5s"
//   - ping_interval: "30s" ("0s" disables keepalive)
//   - queue_size: 256 (event loop turn buffer)
type SessionConfig struct {
	AutoConnect      *bool  `json:"auto_connect,omitempty"`
	ReconnectDelay   string `json:"reconnect_delay,omitempty"`
	HandshakeTimeout string `json:"handshake_timeout,omitempty"`
	WriteTimeout     string `json:"write_timeout,omitempty"`
	PingInterval     string `json:"ping_interval,omitempty"`
	ReadLimit        int64  `json:"read_limit,omitempty"`
	QueueSize        int    `json:"queue_size,omitempty"`
}

// CredentialConfig selects where the bearer token comes from.
//
// source: static | env | file | keyring
type CredentialConfig struct {
	Source     string `json:"source"`
	Token      string `json:"token,omitempty"` // static only (do not log)
	Env        string `json:"env,omitempty"`
	File       string `json:"file,omitempty"`
	KeyringKey string `json:"keyring_key,omitempty"`
	KeyringDir string `json:"keyring_dir,omitempty"`
}

type LedgerConfig struct {
	Capacity       int    `json:"capacity,omitempty"`        // default: 100
	Key            string `json:"key,omitempty"`             // default: "notifications"
	PersistTimeout string `json:"persist_timeout,omitempty"` // default: "2s"
}

// StorageConfig selects the durable key-value store behind the ledger.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/proposald.db" }
type StorageConfig struct {
	Driver      string      `json:"driver"` // memory | file | sqlite | redis
	Path        string      `json:"path,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite only
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// NativeAlertsConfig controls host-level alerts.
//
// surface: log | desktop | telegram
type NativeAlertsConfig struct {
	Enabled        bool    `json:"enabled"`
	Surface        string  `json:"surface"`
	Permission     string  `json:"permission,omitempty"` // log surface only; default "granted"
	RequestOnStart bool    `json:"request_on_start,omitempty"`
	AutoDismiss    string  `json:"auto_dismiss,omitempty"` // default "8s"
	RatePerSec     float64 `json:"rate_per_sec,omitempty"` // 0 disables the limit
	Burst          int     `json:"burst,omitempty"`
	AppName        string  `json:"app_name,omitempty"`
	Icon           string  `json:"icon,omitempty"`

	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	// APIURL points at a self-hosted Bot API server; empty uses api.telegram.org.
	APIURL string `json:"api_url,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type InAppConfig struct {
	Enabled   bool   `json:"enabled"`
	Countdown string `json:"countdown,omitempty"` // default "8s"
	Console   bool   `json:"console,omitempty"`   // draw the modal on stdout
}

// NavigationConfig selects how "go to resource" is carried out.
//
// navigator: log | url
type NavigationConfig struct {
	Navigator   string   `json:"navigator,omitempty"`
	WebBaseURL  string   `json:"web_base_url,omitempty"`
	OpenCommand []string `json:"open_command,omitempty"` // default: ["xdg-open"]
}

// DigestConfig schedules a periodic status summary.
//
// schedule is a cron expression with optional seconds field.
type DigestConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // default "0 */30 * * * *"
	Timezone string `json:"timezone,omitempty"`
}

// ControlConfig controls the local HTTP API (status, notification center,
// in-app actions, /metrics and optional pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:7410").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ControlConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:7410"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
