package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proposald/internal/protocol"
	"proposald/internal/runtime/loop"
	"proposald/pkg/logx"
)

type fakeConn struct {
	sent   [][]byte
	closed []int
}

func (c *fakeConn) Send(b []byte) error { c.sent = append(c.sent, b); return nil }

func (c *fakeConn) Close(code int, _ string) error {
	c.closed = append(c.closed, code)
	return nil
}

type dial struct {
	url  string
	h    Handler
	conn *fakeConn
}

type fakeTransport struct {
	dials []*dial
	err   error
}

func (t *fakeTransport) Open(_ context.Context, u string, h Handler) (Conn, error) {
	if t.err != nil {
		return nil, t.err
	}
	d := &dial{url: u, h: h, conn: &fakeConn{}}
	t.dials = append(t.dials, d)
	return d.conn, nil
}

func (t *fakeTransport) last() *dial { return t.dials[len(t.dials)-1] }

var start = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T) (*Session, *fakeTransport, *loop.ManualClock) {
	t.Helper()
	ft := &fakeTransport{}
	clock := loop.NewManualClock(start)
	s := New(Config{BaseURL: "https://api.example.com", Path: "/ws/notifications"}, ft, loop.Inline{}, clock, logx.Nop())
	return s, ft, clock
}

func TestConnectTwiceOpensOneConnection(t *testing.T) {
	s, ft, _ := newTestSession(t)

	require.True(t, s.Connect("tok"))
	require.Equal(t, Connecting, s.State().Phase)
	require.False(t, s.Connect("tok"))
	require.Len(t, ft.dials, 1)

	ft.last().h.OnOpen()
	require.Equal(t, Connected, s.State().Phase)
	require.False(t, s.Connect("tok"))
	require.Len(t, ft.dials, 1)
}

func TestConnectURLAndSubscription(t *testing.T) {
	s, ft, clock := newTestSession(t)
	s.Connect("a b")
	require.Equal(t, "wss://api.example.com/ws/notifications?token=a+b", ft.last().url)

	ft.last().h.OnOpen()
	st := s.State()
	require.Equal(t, start, st.LastConnectedAt)
	require.Empty(t, st.LastError)
	require.NotEmpty(t, st.ConnID)

	require.Len(t, ft.last().conn.sent, 1)
	require.JSONEq(t, `{"type":"subscribe_proposal_notifications","data":{}}`, string(ft.last().conn.sent[0]))
	_ = clock
}

func TestAbnormalCloseSchedulesExactlyOneReconnect(t *testing.T) {
	s, ft, clock := newTestSession(t)
	s.Connect("tok")
	ft.last().h.OnOpen()

	first := ft.last()
	first.h.OnClose(CloseAbnormal, "")
	first.h.OnClose(CloseAbnormal, "")
	require.Equal(t, Disconnected, s.State().Phase)
	require.Contains(t, s.State().LastError, "1006")
	require.Equal(t, 1, clock.Pending())

	clock.Advance(4 * time.Second)
	require.Len(t, ft.dials, 1)
	clock.Advance(time.Second)
	require.Len(t, ft.dials, 2)
	require.Equal(t, Connecting, s.State().Phase)

	// The retried connection recovers and keeps the earlier connect time until it opens.
	clock.Advance(time.Second)
	ft.last().h.OnOpen()
	require.Equal(t, start.Add(6*time.Second), s.State().LastConnectedAt)
	require.Empty(t, s.State().LastError)
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	s, ft, clock := newTestSession(t)
	s.Connect("tok")
	ft.last().h.OnOpen()
	ft.last().h.OnClose(4000, "server restart")
	require.Equal(t, 1, clock.Pending())

	s.Disconnect("user logout")
	require.Equal(t, 0, clock.Pending())
	clock.Advance(time.Minute)
	require.Len(t, ft.dials, 1)
	require.Equal(t, Disconnected, s.State().Phase)
}

func TestNormalClosuresNeverReconnect(t *testing.T) {
	for _, code := range []int{CloseNormal, CloseGoingAway} {
		s, ft, clock := newTestSession(t)
		s.Connect("tok")
		ft.last().h.OnOpen()
		ft.last().h.OnClose(code, "bye")
		require.Equal(t, Disconnected, s.State().Phase)
		require.Equal(t, 0, clock.Pending())
		clock.Advance(time.Minute)
		require.Len(t, ft.dials, 1)
	}
}

func TestDisconnectClosesNormallyAndIgnoresStaleEvents(t *testing.T) {
	s, ft, clock := newTestSession(t)
	var frames []protocol.Frame
	s.OnFrame(func(f protocol.Frame) { frames = append(frames, f) })

	s.Connect("tok")
	old := ft.last()
	old.h.OnOpen()
	s.Disconnect("logout")
	require.Equal(t, []int{CloseNormal}, old.conn.closed)

	old.h.OnFrame([]byte(`{"type":"info","data":{}}`))
	old.h.OnClose(CloseAbnormal, "late")
	require.Empty(t, frames)
	require.Equal(t, 0, clock.Pending())
	require.Equal(t, Disconnected, s.State().Phase)

	// A new connection is not disturbed by the superseded one.
	s.Connect("tok")
	old.h.OnOpen()
	require.Equal(t, Connecting, s.State().Phase)
	ft.last().h.OnOpen()
	require.Equal(t, Connected, s.State().Phase)
}

func TestManualConnectSupersedesScheduledReconnect(t *testing.T) {
	s, ft, clock := newTestSession(t)
	s.Connect("tok")
	ft.last().h.OnClose(CloseAbnormal, "")
	require.Equal(t, 1, clock.Pending())

	require.True(t, s.Connect("tok"))
	ft.last().h.OnOpen()
	clock.Advance(10 * time.Second)
	require.Len(t, ft.dials, 2)
	require.Equal(t, Connected, s.State().Phase)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	s, ft, _ := newTestSession(t)
	var frames []protocol.Frame
	s.OnFrame(func(f protocol.Frame) { frames = append(frames, f) })
	s.Connect("tok")
	ft.last().h.OnOpen()

	ft.last().h.OnFrame([]byte(`garbage`))
	ft.last().h.OnFrame([]byte(`{"type":"proposal_signed","data":{"proposal_id":"p1"}}`))
	ft.last().h.OnFrame([]byte(`{"data":{}}`))
	ft.last().h.OnFrame([]byte(`{"type":"safe_created","data":{}}`))

	require.Len(t, frames, 2)
	require.Equal(t, "proposal_signed", frames[0].Type)
	require.Equal(t, "safe_created", frames[1].Type)
	require.Equal(t, Connected, s.State().Phase)
}

func TestSendRequiresConnection(t *testing.T) {
	s, ft, _ := newTestSession(t)
	require.ErrorIs(t, s.Send(protocol.Frame{Type: "ping"}), ErrNotConnected)

	s.Connect("tok")
	require.ErrorIs(t, s.Send(protocol.Frame{Type: "ping"}), ErrNotConnected)
	ft.last().h.OnOpen()
	require.NoError(t, s.Send(protocol.Frame{Type: "ping"}))
	require.Len(t, ft.last().conn.sent, 2)
}

func TestOpenErrorSchedulesReconnect(t *testing.T) {
	s, ft, clock := newTestSession(t)
	ft.err = errors.New("dns failure")
	s.Connect("tok")
	require.Equal(t, Disconnected, s.State().Phase)
	require.Equal(t, "dns failure", s.State().LastError)
	require.Equal(t, 1, clock.Pending())

	ft.err = nil
	clock.Advance(DefaultReconnectDelay)
	require.Len(t, ft.dials, 1)
	require.Equal(t, Connecting, s.State().Phase)
}

func TestReconnectUsesRefreshedToken(t *testing.T) {
	ft := &fakeTransport{}
	clock := loop.NewManualClock(start)
	s := New(Config{BaseURL: "http://localhost:8080", ReconnectDelay: time.Second}, ft, loop.Inline{}, clock, logx.Nop(),
		WithTokenRefresh(func() (string, error) { return "fresh", nil }))

	s.Connect("stale")
	require.Equal(t, "ws://localhost:8080?token=stale", ft.last().url)
	ft.last().h.OnClose(CloseAbnormal, "")
	clock.Advance(time.Second)
	require.Equal(t, "ws://localhost:8080?token=fresh", ft.last().url)
}

func TestStateObservers(t *testing.T) {
	s, ft, _ := newTestSession(t)
	var phases []Phase
	s.OnStateChange(func(st State) { phases = append(phases, st.Phase) })

	s.Connect("tok")
	ft.last().h.OnOpen()
	s.Disconnect("done")
	require.Equal(t, []Phase{Connecting, Connected, Disconnected}, phases)
}

func TestBuildURL(t *testing.T) {
	u, err := BuildURL("https://api.example.com/base/", "ws", "", "t")
	require.NoError(t, err)
	require.Equal(t, "wss://api.example.com/base/ws?token=t", u)

	u, err = BuildURL("http://10.0.0.1:9000", "", "access_token", "t")
	require.NoError(t, err)
	require.Equal(t, "ws://10.0.0.1:9000?access_token=t", u)

	_, err = BuildURL("ftp://example.com", "", "", "t")
	require.Error(t, err)
	_, err = BuildURL("https://", "", "", "t")
	require.Error(t, err)
}
