package native

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"proposald/pkg/logx"
)

// Permission mirrors the host's notification permission.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

func ParsePermission(s string) (Permission, error) {
	switch p := Permission(strings.ToLower(strings.TrimSpace(s))); p {
	case PermissionDefault, PermissionGranted, PermissionDenied:
		return p, nil
	}
	return "", fmt.Errorf("unknown permission %q", s)
}

var ErrPermissionDenied = errors.New("native alerts are denied by the host; re-enable them in the host notification settings")

// HostNotification is one alert handed to the host surface. Showing a
// notification with a Tag that is already visible replaces it.
type HostNotification struct {
	Tag   string
	Title string
	Body  string
	// OnClick may be called from any goroutine.
	OnClick func()
}

// Handle dismisses a shown notification.
type Handle interface {
	Close() error
}

// Surface is the host notification facility.
type Surface interface {
	Name() string
	Permission(ctx context.Context) (Permission, error)
	RequestPermission(ctx context.Context) (Permission, error)
	Show(ctx context.Context, n HostNotification) (Handle, error)
}

// LogSurface writes alerts to the log. It suits headless hosts and always
// reports the configured permission.
type LogSurface struct {
	log  logx.Logger
	perm Permission
	seq  atomic.Uint64
}

func NewLogSurface(log logx.Logger, perm Permission) *LogSurface {
	if perm == "" {
		perm = PermissionGranted
	}
	return &LogSurface{log: log.With(logx.String("comp", "native.log")), perm: perm}
}

func (s *LogSurface) Name() string { return "log" }

func (s *LogSurface) Permission(context.Context) (Permission, error) { return s.perm, nil }

func (s *LogSurface) RequestPermission(context.Context) (Permission, error) {
	if s.perm == PermissionDefault {
		s.perm = PermissionGranted
	}
	return s.perm, nil
}

func (s *LogSurface) Show(_ context.Context, n HostNotification) (Handle, error) {
	id := s.seq.Add(1)
	s.log.Info("alert", logx.Uint64("n", id), logx.String("tag", n.Tag), logx.String("title", n.Title), logx.String("body", n.Body))
	return logHandle{log: s.log, id: id, tag: n.Tag}, nil
}

type logHandle struct {
	log logx.Logger
	id  uint64
	tag string
}

func (h logHandle) Close() error {
	h.log.Debug("alert dismissed", logx.Uint64("n", h.id), logx.String("tag", h.tag))
	return nil
}
