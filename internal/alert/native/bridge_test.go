package native

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proposald/internal/navigate"
	"proposald/internal/notification"
	"proposald/internal/runtime/loop"
	"proposald/pkg/logx"
)

type fakeHandle struct {
	s   *fakeSurface
	tag string
}

func (h *fakeHandle) Close() error {
	h.s.closed = append(h.s.closed, h.tag)
	return nil
}

type fakeSurface struct {
	perm     Permission
	prompts  int
	answer   Permission
	shown    []HostNotification
	closed   []string
	failShow bool
}

func (s *fakeSurface) Name() string { return "fake" }

func (s *fakeSurface) Permission(context.Context) (Permission, error) { return s.perm, nil }

func (s *fakeSurface) RequestPermission(context.Context) (Permission, error) {
	s.prompts++
	s.perm = s.answer
	return s.perm, nil
}

func (s *fakeSurface) Show(_ context.Context, n HostNotification) (Handle, error) {
	if s.failShow {
		return nil, errors.New("daemon gone")
	}
	s.shown = append(s.shown, n)
	return &fakeHandle{s: s, tag: n.Tag}, nil
}

func (s *fakeSurface) last() HostNotification { return s.shown[len(s.shown)-1] }

type fakeNav struct {
	foreground int
	targets    []navigate.Target
}

func (n *fakeNav) Foreground()                { n.foreground++ }
func (n *fakeNav) Navigate(t navigate.Target) { n.targets = append(n.targets, t) }

func newTestBridge(t *testing.T, perm Permission, cfg Config) (*Bridge, *fakeSurface, *fakeNav, *loop.ManualClock) {
	t.Helper()
	s := &fakeSurface{perm: perm, answer: PermissionGranted}
	nav := &fakeNav{}
	clock := loop.NewManualClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	b := New(cfg, s, nav, loop.Inline{}, clock, logx.Nop())
	b.Init(context.Background())
	return b, s, nav, clock
}

func proposal(id, kind string) notification.Notification {
	return notification.Notification{
		ID:      id,
		Kind:    notification.Kind(kind),
		Title:   "新提案待签名",
		Message: `提案"Transfer 5 ETH"需要您的签名`,
		Payload: notification.Payload{"proposal_id": "p-" + id},
	}
}

func TestPresentRequiresGrantedPermission(t *testing.T) {
	b, s, _, _ := newTestBridge(t, PermissionDefault, Config{})
	shown, err := b.Present(proposal("1", "new_proposal_created"))
	require.NoError(t, err)
	require.False(t, shown)
	require.Empty(t, s.shown)

	p, err := b.RequestPermission(context.Background())
	require.NoError(t, err)
	require.Equal(t, PermissionGranted, p)

	shown, err = b.Present(proposal("2", "new_proposal_created"))
	require.NoError(t, err)
	require.True(t, shown)
	require.Equal(t, "new_proposal_created", s.last().Tag)
	require.Equal(t, "新提案待签名", s.last().Title)
}

func TestDeniedPermissionIsTerminal(t *testing.T) {
	b, s, _, _ := newTestBridge(t, PermissionDefault, Config{})
	s.answer = PermissionDenied

	p, err := b.RequestPermission(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.Equal(t, PermissionDenied, p)

	s.answer = PermissionGranted
	_, err = b.RequestPermission(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.Equal(t, 1, s.prompts)

	require.NoError(t, b.OnNotification(proposal("1", "proposal_signed")))
	require.Empty(t, s.shown)
}

func TestGrantedHostIsNotPrompted(t *testing.T) {
	b, s, _, _ := newTestBridge(t, PermissionGranted, Config{})
	p, err := b.RequestPermission(context.Background())
	require.NoError(t, err)
	require.Equal(t, PermissionGranted, p)
	require.Zero(t, s.prompts)
}

func TestAutoDismissAfterTimeout(t *testing.T) {
	b, s, _, clock := newTestBridge(t, PermissionGranted, Config{})
	_, err := b.Present(proposal("1", "proposal_signed"))
	require.NoError(t, err)
	require.Equal(t, []string{"proposal_signed"}, b.Active())

	clock.Advance(7 * time.Second)
	require.Empty(t, s.closed)
	clock.Advance(time.Second)
	require.Equal(t, []string{"proposal_signed"}, s.closed)
	require.Empty(t, b.Active())
}

func TestSameKindReplacesAndRestartsTimer(t *testing.T) {
	b, s, _, clock := newTestBridge(t, PermissionGranted, Config{})
	_, _ = b.Present(proposal("1", "proposal_signed"))
	_, _ = b.Present(proposal("3", "safe_created"))
	clock.Advance(5 * time.Second)
	_, _ = b.Present(proposal("2", "proposal_signed"))

	require.Len(t, s.shown, 3)
	require.Equal(t, []string{"proposal_signed", "safe_created"}, b.Active())
	require.Equal(t, 2, clock.Pending())

	// The first alert's timer was cancelled; the replacement lives a full 8s.
	clock.Advance(3 * time.Second)
	require.Equal(t, []string{"safe_created"}, s.closed)
	clock.Advance(5 * time.Second)
	require.Equal(t, []string{"safe_created", "proposal_signed"}, s.closed)
}

func TestClickNavigatesAndDismisses(t *testing.T) {
	b, s, nav, clock := newTestBridge(t, PermissionGranted, Config{})
	_, _ = b.Present(proposal("1", "new_proposal_created"))
	s.last().OnClick()

	require.Equal(t, 1, nav.foreground)
	require.Len(t, nav.targets, 1)
	require.Equal(t, "p-1", nav.targets[0].ID)
	require.Equal(t, "/proposals/p-1", nav.targets[0].Path)
	require.Equal(t, []string{"new_proposal_created"}, s.closed)
	require.Equal(t, 0, clock.Pending())
}

func TestClickWithoutDeepLinkOnlyForegrounds(t *testing.T) {
	b, s, nav, _ := newTestBridge(t, PermissionGranted, Config{})
	_, _ = b.Present(notification.Notification{ID: "1", Kind: notification.KindWarning, Title: "警告"})
	s.last().OnClick()

	require.Equal(t, 1, nav.foreground)
	require.Empty(t, nav.targets)
	require.Equal(t, []string{"warning"}, s.closed)
}

func TestRateLimitDropsExcess(t *testing.T) {
	b, s, _, clock := newTestBridge(t, PermissionGranted, Config{RatePerSecond: 1, Burst: 2})
	for i := 0; i < 5; i++ {
		_, _ = b.Present(proposal("x", "info"))
	}
	require.Len(t, s.shown, 2)

	clock.Advance(time.Second)
	shown, err := b.Present(proposal("y", "info"))
	require.NoError(t, err)
	require.True(t, shown)
}

func TestShowFailureIsReported(t *testing.T) {
	b, s, _, clock := newTestBridge(t, PermissionGranted, Config{})
	s.failShow = true
	require.Error(t, b.OnNotification(proposal("1", "info")))
	require.Empty(t, b.Active())
	require.Equal(t, 0, clock.Pending())
}

type stalledSurface struct {
	release chan struct{}
	closed  atomic.Bool
}

func (s *stalledSurface) Name() string { return "stalled" }
func (s *stalledSurface) Permission(context.Context) (Permission, error) {
	return PermissionGranted, nil
}
func (s *stalledSurface) RequestPermission(context.Context) (Permission, error) {
	return PermissionGranted, nil
}

// Show ignores ctx and waits for the test to let it finish.
func (s *stalledSurface) Show(context.Context, HostNotification) (Handle, error) {
	<-s.release
	return closeFunc(func() error {
		s.closed.Store(true)
		return nil
	}), nil
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

func TestShowIsBoundedWhenSurfaceStalls(t *testing.T) {
	s := &stalledSurface{release: make(chan struct{})}
	clock := loop.NewManualClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	b := New(Config{ShowTimeout: 50 * time.Millisecond}, s, &fakeNav{}, loop.Inline{}, clock, logx.Nop())
	b.Init(context.Background())

	start := time.Now()
	shown, err := b.Present(proposal("1", "proposal_signed"))
	require.Less(t, time.Since(start), time.Second)
	require.False(t, shown)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, b.Active())

	// The alert that finally appears is taken down again.
	close(s.release)
	require.Eventually(t, s.closed.Load, time.Second, 5*time.Millisecond)
}

func TestCloseDismissesEverything(t *testing.T) {
	b, s, _, clock := newTestBridge(t, PermissionGranted, Config{})
	_, _ = b.Present(proposal("1", "info"))
	_, _ = b.Present(proposal("2", "error"))
	b.Close()
	require.ElementsMatch(t, []string{"info", "error"}, s.closed)
	require.Equal(t, 0, clock.Pending())
}

func TestFormatTelegramAlert(t *testing.T) {
	require.Equal(t, "<b>提案执行失败</b>\n提案&#34;A&#34;执行失败：&lt;revert&gt;",
		formatTelegramAlert("提案执行失败", `提案"A"执行失败：<revert>`))
	require.Equal(t, "<b>Safe 已创建</b>", formatTelegramAlert("Safe 已创建", " "))
}

func TestParsePermission(t *testing.T) {
	p, err := ParsePermission(" Granted ")
	require.NoError(t, err)
	require.Equal(t, PermissionGranted, p)
	_, err = ParsePermission("maybe")
	require.Error(t, err)
}
