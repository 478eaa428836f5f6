// Package credential supplies the bearer token the session authenticates
// with. Login and token issuance happen elsewhere; this package only reads
// (and, for the keyring, stores) what the operator provides.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/golang-jwt/jwt/v5"
)

var ErrNoToken = errors.New("no token configured")

const (
	ServiceName = "proposald"
	DefaultKey  = "session-token"
)

// Source returns the current bearer token.
type Source interface {
	Token(ctx context.Context) (string, error)
}

type Config struct {
	Source     string // static | env | file | keyring
	Token      string
	Env        string
	File       string
	KeyringKey string
	KeyringDir string
}

func NewSource(cfg Config) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Source)) {
	case "", "static":
		return Static(cfg.Token), nil
	case "env":
		if cfg.Env == "" {
			return nil, errors.New("credential.env is required for env source")
		}
		return Env{Name: cfg.Env}, nil
	case "file":
		if cfg.File == "" {
			return nil, errors.New("credential.file is required for file source")
		}
		return File{Path: cfg.File}, nil
	case "keyring":
		ring, err := OpenKeyring(cfg.KeyringDir)
		if err != nil {
			return nil, err
		}
		return Keyring{Ring: ring, Key: keyOrDefault(cfg.KeyringKey)}, nil
	default:
		return nil, fmt.Errorf("unknown credential source %q", cfg.Source)
	}
}

type Static string

func (s Static) Token(context.Context) (string, error) {
	t := strings.TrimSpace(string(s))
	if t == "" {
		return "", ErrNoToken
	}
	return t, nil
}

type Env struct{ Name string }

func (e Env) Token(context.Context) (string, error) {
	t := strings.TrimSpace(os.Getenv(e.Name))
	if t == "" {
		return "", fmt.Errorf("%w: $%s is empty", ErrNoToken, e.Name)
	}
	return t, nil
}

// File reads the token on every call so an external login helper can
// rotate it in place.
type File struct{ Path string }

func (f File) Token(context.Context) (string, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	t := strings.TrimSpace(string(b))
	if t == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNoToken, f.Path)
	}
	return t, nil
}

type Keyring struct {
	Ring keyring.Keyring
	Key  string
}

func (k Keyring) Token(context.Context) (string, error) {
	item, err := k.Ring.Get(keyOrDefault(k.Key))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: keyring entry %q not found", ErrNoToken, keyOrDefault(k.Key))
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", keyOrDefault(k.Key), err)
	}
	return strings.TrimSpace(string(item.Data)), nil
}

func (k Keyring) Set(token string) error {
	err := k.Ring.Set(keyring.Item{
		Key:   keyOrDefault(k.Key),
		Data:  []byte(strings.TrimSpace(token)),
		Label: "proposald session token",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", keyOrDefault(k.Key), err)
	}
	return nil
}

func (k Keyring) Clear() error {
	err := k.Ring.Remove(keyOrDefault(k.Key))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", keyOrDefault(k.Key), err)
	}
	return nil
}

// OpenKeyring opens the OS keyring, falling back to an encrypted file
// store under dir on hosts without one.
func OpenKeyring(dir string) (keyring.Keyring, error) {
	if dir == "" {
		dir = "~/.config/proposald/credentials"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt("proposald-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

func keyOrDefault(k string) string {
	if strings.TrimSpace(k) == "" {
		return DefaultKey
	}
	return k
}

// Info is what can be read from a JWT without verifying it.
type Info struct {
	Subject   string    `json:"subject,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Expired   bool      `json:"expired"`
	JWT       bool      `json:"jwt"`
}

// Inspect decodes token claims for diagnostics only. The server remains the
// judge of validity; opaque (non-JWT) tokens return JWT=false.
func Inspect(token string, now time.Time) Info {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Info{}
	}
	info := Info{JWT: true}
	if sub, err := claims.GetSubject(); err == nil {
		info.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
		info.Expired = !now.Before(exp.Time)
	}
	return info
}
