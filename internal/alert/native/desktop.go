package native

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	rtsup "proposald/internal/runtime/supervisor"
	"proposald/pkg/logx"
)

const (
	fdoDest      = "org.freedesktop.Notifications"
	fdoPath      = dbus.ObjectPath("/org/freedesktop/Notifications")
	fdoInterface = "org.freedesktop.Notifications"
)

// DesktopSurface talks to the freedesktop notification daemon over the
// session bus. Alerts with the same tag reuse the daemon id (replaces_id).
type DesktopSurface struct {
	appName string
	icon    string
	log     logx.Logger

	conn *dbus.Conn
	obj  dbus.BusObject
	sup  *rtsup.Supervisor
	sig  chan *dbus.Signal

	mu      sync.Mutex
	perm    Permission
	byTag   map[string]uint32
	onClick map[uint32]func()
}

func NewDesktopSurface(ctx context.Context, appName, icon string, log logx.Logger) (*DesktopSurface, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	s := &DesktopSurface{
		appName: appName,
		icon:    icon,
		log:     log.With(logx.String("comp", "native.desktop")),
		conn:    conn,
		obj:     conn.Object(fdoDest, fdoPath),
		sig:     make(chan *dbus.Signal, 16),
		perm:    PermissionDefault,
		byTag:   map[string]uint32{},
		onClick: map[uint32]func(){},
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(fdoPath),
		dbus.WithMatchInterface(fdoInterface),
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("match notification signals: %w", err)
	}
	conn.Signal(s.sig)

	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.Go0("dbus.signals", s.signals)
	return s, nil
}

func (s *DesktopSurface) Name() string { return "desktop" }

func (s *DesktopSurface) Permission(context.Context) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perm, nil
}

// RequestPermission checks for the daemon. A bus with no notification daemon
// counts as denied.
func (s *DesktopSurface) RequestPermission(ctx context.Context) (Permission, error) {
	var caps []string
	err := s.obj.CallWithContext(ctx, fdoInterface+".GetCapabilities", 0).Store(&caps)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.log.Warn("notification daemon unavailable", logx.Err(err))
		s.perm = PermissionDenied
		return s.perm, nil
	}
	s.log.Debug("notification daemon capabilities", logx.Any("caps", caps))
	s.perm = PermissionGranted
	return s.perm, nil
}

func (s *DesktopSurface) Show(ctx context.Context, n HostNotification) (Handle, error) {
	s.mu.Lock()
	replaces := s.byTag[n.Tag]
	s.mu.Unlock()

	actions := []string{"default", "查看"}
	hints := map[string]dbus.Variant{"category": dbus.MakeVariant("proposald." + n.Tag)}
	var id uint32
	err := s.obj.CallWithContext(ctx, fdoInterface+".Notify", 0,
		s.appName, replaces, s.icon, n.Title, n.Body, actions, hints, int32(-1),
	).Store(&id)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}

	s.mu.Lock()
	if replaces != 0 && replaces != id {
		delete(s.onClick, replaces)
	}
	s.byTag[n.Tag] = id
	s.onClick[id] = n.OnClick
	s.mu.Unlock()
	return &desktopHandle{s: s, id: id, tag: n.Tag}, nil
}

func (s *DesktopSurface) Close() error {
	s.sup.Cancel()
	s.conn.RemoveSignal(s.sig)
	return s.conn.Close()
}

func (s *DesktopSurface) signals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-s.sig:
			if !ok {
				return
			}
			s.handleSignal(sig)
		}
	}
}

func (s *DesktopSurface) handleSignal(sig *dbus.Signal) {
	if sig == nil || len(sig.Body) == 0 {
		return
	}
	id, ok := sig.Body[0].(uint32)
	if !ok {
		return
	}
	switch sig.Name {
	case fdoInterface + ".ActionInvoked":
		s.mu.Lock()
		fn := s.onClick[id]
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	case fdoInterface + ".NotificationClosed":
		s.forget(id)
	}
}

func (s *DesktopSurface) forget(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.onClick, id)
	for tag, cur := range s.byTag {
		if cur == id {
			delete(s.byTag, tag)
		}
	}
}

type desktopHandle struct {
	s   *DesktopSurface
	id  uint32
	tag string
}

func (h *desktopHandle) Close() error {
	h.s.forget(h.id)
	return h.s.obj.Call(fdoInterface+".CloseNotification", 0, h.id).Err
}
