package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"proposald/internal/session"
	"proposald/pkg/logx"
)

type closeEvent struct {
	code   int
	reason string
}

type recorder struct {
	opened chan struct{}
	frames chan []byte
	closed chan closeEvent
}

func newRecorder() *recorder {
	return &recorder{
		opened: make(chan struct{}, 1),
		frames: make(chan []byte, 8),
		closed: make(chan closeEvent, 1),
	}
}

func (r *recorder) OnOpen()                 { r.opened <- struct{}{} }
func (r *recorder) OnFrame(b []byte)        { r.frames <- b }
func (r *recorder) OnClose(c int, s string) { r.closed <- closeEvent{c, s} }

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=t"
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestRoundTripAndServerClose(t *testing.T) {
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "t" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		_ = c.WriteMessage(websocket.TextMessage, append([]byte("echo:"), msg...))
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4001, "maintenance"))
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	tr := New(Config{}, logx.Nop())
	rec := newRecorder()
	conn, err := tr.Open(context.Background(), wsURL(srv), rec)
	require.NoError(t, err)

	wait(t, rec.opened)
	require.NoError(t, conn.Send([]byte(`{"type":"subscribe_proposal_notifications","data":{}}`)))
	require.Equal(t, `echo:{"type":"subscribe_proposal_notifications","data":{}}`, string(wait(t, rec.frames)))

	ev := wait(t, rec.closed)
	require.Equal(t, 4001, ev.code)
	require.Equal(t, "maintenance", ev.reason)
}

func TestClientCloseSendsCode(t *testing.T) {
	got := make(chan int, 1)
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_, _, err = c.ReadMessage()
		if ce, ok := err.(*websocket.CloseError); ok {
			got <- ce.Code
		}
	}))
	defer srv.Close()

	rec := newRecorder()
	conn, err := New(Config{}, logx.Nop()).Open(context.Background(), wsURL(srv), rec)
	require.NoError(t, err)
	wait(t, rec.opened)

	require.NoError(t, conn.Close(session.CloseNormal, "logout"))
	require.Equal(t, session.CloseNormal, wait(t, got))
	require.ErrorIs(t, conn.Send([]byte("x")), errNotOpen)
}

func TestDialFailureReportsAbnormalClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	rec := newRecorder()
	_, err := New(Config{HandshakeTimeout: time.Second}, logx.Nop()).Open(context.Background(), wsURL(srv), rec)
	require.NoError(t, err)

	ev := wait(t, rec.closed)
	require.Equal(t, session.CloseAbnormal, ev.code)
	require.Contains(t, ev.reason, "401")
}
