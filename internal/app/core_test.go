package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proposald/internal/alert/inapp"
	"proposald/internal/alert/native"
	"proposald/internal/navigate"
	"proposald/internal/notification"
	"proposald/internal/runtime/loop"
	"proposald/internal/session"
	"proposald/internal/storage"
	logx "proposald/pkg/logx"
)

// fakeConn and fakeTransport are safe for use across goroutines so the same
// fakes serve the real-loop tests.
type fakeConn struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *fakeConn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, b)
	return nil
}

func (c *fakeConn) Close(int, string) error { return nil }

type dial struct {
	url  string
	h    session.Handler
	conn *fakeConn
}

type fakeTransport struct {
	mu    sync.Mutex
	dials []*dial
}

func (t *fakeTransport) Open(_ context.Context, u string, h session.Handler) (session.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := &dial{url: u, h: h, conn: &fakeConn{}}
	t.dials = append(t.dials, d)
	return d.conn, nil
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dials)
}

func (t *fakeTransport) last() *dial {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials[len(t.dials)-1]
}

type shownAlert struct {
	native.HostNotification
	closed bool
}

type recordingSurface struct {
	mu    sync.Mutex
	shown []*shownAlert
}

func (s *recordingSurface) Name() string { return "recording" }

func (s *recordingSurface) Permission(context.Context) (native.Permission, error) {
	return native.PermissionGranted, nil
}

func (s *recordingSurface) RequestPermission(context.Context) (native.Permission, error) {
	return native.PermissionGranted, nil
}

func (s *recordingSurface) Show(_ context.Context, n native.HostNotification) (native.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &shownAlert{HostNotification: n}
	s.shown = append(s.shown, a)
	return closeFunc(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		a.closed = true
		return nil
	}), nil
}

func (s *recordingSurface) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shown)
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

type recordingNav struct {
	mu         sync.Mutex
	foreground int
	targets    []navigate.Target
}

func (n *recordingNav) Foreground() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.foreground++
}

func (n *recordingNav) Navigate(t navigate.Target) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, t)
}

type tokenSeq struct {
	tokens []string
	err    error
}

func (s *tokenSeq) Token(context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	tok := s.tokens[0]
	if len(s.tokens) > 1 {
		s.tokens = s.tokens[1:]
	}
	return tok, nil
}

type coreFixture struct {
	core    *Core
	ft      *fakeTransport
	surface *recordingSurface
	nav     *recordingNav
	clock   *loop.ManualClock
}

func testSettings() Settings {
	return Settings{
		Session: session.Config{BaseURL: "https://console.example.com", Path: "/ws/notifications"},
		Ledger:  LedgerSettings{Capacity: 100, Key: "notifications", PersistTimeout: time.Second},
		Native:  NativeSettings{Enabled: true, Surface: "recording", Bridge: native.Config{AutoDismiss: 8 * time.Second}},
		InApp:   InAppSettings{Enabled: true, Queue: inapp.Config{Countdown: 8 * time.Second}},
	}
}

func newCoreFixture(t *testing.T, set Settings, cred *tokenSeq) *coreFixture {
	t.Helper()
	f := &coreFixture{
		ft:      &fakeTransport{},
		surface: &recordingSurface{},
		nav:     &recordingNav{},
		clock:   loop.NewManualClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)),
	}
	deps := CoreDeps{
		Exec:      loop.Inline{},
		Clock:     f.clock,
		Transport: f.ft,
		Store:     storage.NewMemory(),
		Surface:   f.surface,
		Navigator: f.nav,
		Log:       logx.Nop(),
	}
	if cred != nil {
		deps.Credential = cred
	}
	f.core = NewCore(set, deps)
	if f.core.Native != nil {
		f.core.Native.Init(context.Background())
	}
	return f
}

func (f *coreFixture) connect(t *testing.T) *dial {
	t.Helper()
	require.True(t, f.core.Session.Connect("tok"))
	d := f.ft.last()
	d.h.OnOpen()
	require.Equal(t, session.Connected, f.core.Session.State().Phase)
	return d
}

func TestEndToEndProposalScenario(t *testing.T) {
	f := newCoreFixture(t, testSettings(), nil)
	d := f.connect(t)

	d.h.OnFrame([]byte(`{"type":"new_proposal_created","data":{"proposal_id":"p1","proposal_title":"Transfer 5 ETH"}}`))

	items := f.core.Ledger.List()
	require.Len(t, items, 1)
	n := items[0]
	require.Equal(t, notification.KindNewProposalCreated, n.Kind)
	require.Equal(t, "新提案待签名", n.Title)
	require.Equal(t, `提案"Transfer 5 ETH"需要您的签名`, n.Message)
	require.Equal(t, "p1", n.Payload["proposal_id"])
	require.False(t, n.Read)

	cur, ok := f.core.InApp.Current()
	require.True(t, ok)
	require.Equal(t, n.ID, cur.ID)
	require.Equal(t, 1, f.surface.count())
	require.Equal(t, string(notification.KindNewProposalCreated), f.surface.shown[0].Tag)

	require.NoError(t, f.core.InApp.Act(inapp.ActionView))
	require.Len(t, f.nav.targets, 1)
	require.Equal(t, "p1", f.nav.targets[0].ID)
	require.Equal(t, navigate.ResourceProposal, f.nav.targets[0].Resource)

	_, ok = f.core.InApp.Current()
	require.False(t, ok)

	got, ok := f.core.Ledger.Get(n.ID)
	require.True(t, ok)
	require.False(t, got.Read)
	require.Equal(t, 1, f.core.Ledger.UnreadCount())

	require.True(t, f.core.Ledger.MarkRead(n.ID))
	require.Zero(t, f.core.Ledger.UnreadCount())
}

func TestUnsupportedKindIsIgnored(t *testing.T) {
	f := newCoreFixture(t, testSettings(), nil)
	d := f.connect(t)

	d.h.OnFrame([]byte(`{"type":"unsupported_future_kind","data":{"proposal_id":"p1"}}`))
	d.h.OnFrame([]byte(`not json`))

	require.Zero(t, f.core.Ledger.Len())
	require.Zero(t, f.surface.count())
	_, ok := f.core.InApp.Current()
	require.False(t, ok)
	require.Empty(t, f.nav.targets)
}

func TestNativeClickNavigatesToSafe(t *testing.T) {
	f := newCoreFixture(t, testSettings(), nil)
	d := f.connect(t)

	d.h.OnFrame([]byte(`{"type":"safe_created","data":{"safe_id":"s9","safe_name":"Treasury"}}`))
	require.Equal(t, 1, f.surface.count())

	f.surface.shown[0].OnClick()
	require.Equal(t, 1, f.nav.foreground)
	require.Len(t, f.nav.targets, 1)
	require.Equal(t, "/safes/s9", f.nav.targets[0].Path)
	require.True(t, f.surface.shown[0].closed)
}

func TestDisabledSurfacesAreNotSubscribed(t *testing.T) {
	set := testSettings()
	set.Native.Enabled = false
	set.InApp.Enabled = false
	f := newCoreFixture(t, set, nil)
	d := f.connect(t)

	d.h.OnFrame([]byte(`{"type":"info","data":{"title":"维护","message":"今晚维护"}}`))
	require.Equal(t, 1, f.core.Ledger.Len())
	require.Nil(t, f.core.Native)
	require.Nil(t, f.core.InApp)
	require.Zero(t, f.surface.count())

	st := f.core.Status()
	require.False(t, st.Native.Enabled)
	require.False(t, st.InApp.Enabled)
}

func TestReconnectFetchesFreshToken(t *testing.T) {
	cred := &tokenSeq{tokens: []string{"fresh"}}
	f := newCoreFixture(t, testSettings(), cred)
	d := f.connect(t)

	d.h.OnClose(session.CloseAbnormal, "network down")
	require.Equal(t, session.Disconnected, f.core.Session.State().Phase)
	require.Equal(t, 1, f.ft.count())

	f.clock.Advance(5 * time.Second)
	require.Equal(t, 2, f.ft.count())
	require.Contains(t, f.ft.last().url, "token=fresh")
}

func TestStatusAndSummary(t *testing.T) {
	f := newCoreFixture(t, testSettings(), nil)
	d := f.connect(t)
	d.h.OnFrame([]byte(`{"type":"proposal_signed","data":{"proposal_id":"p1"}}`))
	d.h.OnFrame([]byte(`{"type":"proposal_signed","data":{"proposal_id":"p2"}}`))
	d.h.OnFrame([]byte(`{"type":"safe_created","data":{"safe_id":"s1"}}`))
	f.core.Ledger.MarkRead(f.core.Ledger.List()[0].ID)

	st := f.core.Status()
	require.Equal(t, session.Connected, st.Session.Phase)
	require.Equal(t, 3, st.Ledger.Len)
	require.Equal(t, 2, st.Ledger.Unread)
	require.True(t, st.Native.Enabled)
	require.Equal(t, "granted", st.Native.Permission)
	require.ElementsMatch(t, []string{"proposal_signed", "safe_created"}, st.Native.Active)
	require.NotEmpty(t, st.InApp.CurrentID)
	require.Equal(t, 2, st.InApp.Backlog)

	sum := f.core.Summary()
	require.Equal(t, "connected", sum.Phase)
	require.Equal(t, 3, sum.Total)
	require.Equal(t, 2, sum.Unread)
	require.Equal(t, map[notification.Kind]int{notification.KindProposalSigned: 2}, sum.ByKind)
}

func TestFetchTokenWithoutSource(t *testing.T) {
	_, err := fetchToken(context.Background(), nil, time.Now(), logx.Nop())
	require.Error(t, err)

	boom := errors.New("keyring locked")
	_, err = fetchToken(context.Background(), &tokenSeq{err: boom}, time.Now(), logx.Nop())
	require.ErrorIs(t, err, boom)
}

func TestCloseDisconnectsAndClearsAlerts(t *testing.T) {
	f := newCoreFixture(t, testSettings(), nil)
	d := f.connect(t)
	d.h.OnFrame([]byte(`{"type":"proposal_executed","data":{"proposal_id":"p1"}}`))

	f.core.Close("test")
	require.Equal(t, session.Disconnected, f.core.Session.State().Phase)
	require.True(t, f.surface.shown[0].closed)
	_, ok := f.core.InApp.Current()
	require.False(t, ok)

	f.clock.Advance(time.Minute)
	require.Equal(t, 1, f.ft.count())
}

// stalledSurface never answers Show until released, whatever its context says.
type stalledSurface struct{ release chan struct{} }

func (stalledSurface) Name() string { return "stalled" }

func (stalledSurface) Permission(context.Context) (native.Permission, error) {
	return native.PermissionGranted, nil
}

func (stalledSurface) RequestPermission(context.Context) (native.Permission, error) {
	return native.PermissionGranted, nil
}

func (s stalledSurface) Show(context.Context, native.HostNotification) (native.Handle, error) {
	<-s.release
	return closeFunc(func() error { return nil }), nil
}

func TestStalledSurfaceDoesNotHoldUpInApp(t *testing.T) {
	l := loop.New(16, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	release := make(chan struct{})
	defer close(release)

	set := testSettings()
	set.Native.Bridge.ShowTimeout = 100 * time.Millisecond
	ft := &fakeTransport{}
	core := NewCore(set, CoreDeps{
		Exec:      l,
		Clock:     loop.RealClock{Exec: l},
		Transport: ft,
		Store:     storage.NewMemory(),
		Surface:   stalledSurface{release: release},
		Navigator: &recordingNav{},
		Log:       logx.Nop(),
	})
	call := func(fn func() error) error {
		cctx, ccancel := context.WithTimeout(ctx, 2*time.Second)
		defer ccancel()
		return l.Call(cctx, fn)
	}

	require.NoError(t, call(func() error {
		core.Native.Init(context.Background())
		core.Session.Connect("tok")
		return nil
	}))
	d := ft.last()
	d.h.OnOpen()
	d.h.OnFrame([]byte(`{"type":"proposal_signed","data":{"proposal_id":"p1","proposal_title":"Transfer 5 ETH"}}`))

	start := time.Now()
	var current string
	var active []string
	var stored int
	require.NoError(t, call(func() error {
		if n, ok := core.InApp.Current(); ok {
			current = n.Title
		}
		active = core.Native.Active()
		stored = core.Ledger.Len()
		return nil
	}))
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, "提案已签名", current)
	require.Empty(t, active)
	require.Equal(t, 1, stored)
}
