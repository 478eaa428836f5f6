package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"proposald/internal/alert/inapp"
	"proposald/internal/ledger"
	"proposald/internal/metrics"
	"proposald/internal/notification"
	"proposald/internal/session"
	logx "proposald/pkg/logx"
)

// ErrNotFound is returned by Backend methods addressing a missing record.
var ErrNotFound = errors.New("not found")

// Backend is what the API drives. Implementations run each call on the
// event loop.
type Backend interface {
	Status(ctx context.Context) (Status, error)
	List(ctx context.Context, kind notification.Kind) ([]notification.Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) (int, error)
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) (int, error)
	InApp(ctx context.Context) (inapp.Snapshot, error)
	Act(ctx context.Context, a inapp.Action) error
	Connect(ctx context.Context) (bool, error)
	Disconnect(ctx context.Context) error
}

type Status struct {
	StartedAt time.Time     `json:"started_at"`
	Session   session.State `json:"session"`
	Ledger    ledger.Stats  `json:"ledger"`
	Native    NativeStatus  `json:"native"`
	InApp     InAppStatus   `json:"inapp"`
}

type NativeStatus struct {
	Enabled    bool     `json:"enabled"`
	Surface    string   `json:"surface,omitempty"`
	Permission string   `json:"permission,omitempty"`
	Active     []string `json:"active,omitempty"`
}

type InAppStatus struct {
	Enabled     bool   `json:"enabled"`
	CurrentID   string `json:"current_id,omitempty"`
	RemainingMS int64  `json:"remaining_ms,omitempty"`
	Backlog     int    `json:"backlog"`
}

// InAppView is the wire form of an in-app queue snapshot.
type InAppView struct {
	Current     *notification.Notification  `json:"current"`
	RemainingMS int64                       `json:"remaining_ms"`
	Backlog     []notification.Notification `json:"backlog"`
}

func viewOf(s inapp.Snapshot) InAppView {
	v := InAppView{Current: s.Current, RemainingMS: s.Remaining.Milliseconds(), Backlog: s.Backlog}
	if v.Backlog == nil {
		v.Backlog = []notification.Notification{}
	}
	return v
}

type countResponse struct {
	Count int `json:"count"`
}

type connectResponse struct {
	Started bool `json:"started"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler builds the API routes. pprof routes are added by the server.
func NewHandler(b Backend, log logx.Logger) http.Handler {
	h := &api{b: b, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/notifications", h.list)
	mux.HandleFunc("DELETE /api/notifications", h.clear)
	mux.HandleFunc("GET /api/notifications/unread-count", h.unread)
	mux.HandleFunc("POST /api/notifications/read-all", h.readAll)
	mux.HandleFunc("POST /api/notifications/{id}/read", h.read)
	mux.HandleFunc("DELETE /api/notifications/{id}", h.remove)
	mux.HandleFunc("GET /api/inapp", h.inapp)
	mux.HandleFunc("POST /api/inapp/act", h.act)
	mux.HandleFunc("POST /api/session/connect", h.connect)
	mux.HandleFunc("POST /api/session/disconnect", h.disconnect)
	return instrument(mux)
}

type api struct {
	b   Backend
	log logx.Logger
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	st, err := a.b.Status(r.Context())
	a.reply(w, st, err)
}

func (a *api) list(w http.ResponseWriter, r *http.Request) {
	var kind notification.Kind
	if raw := strings.TrimSpace(r.URL.Query().Get("kind")); raw != "" {
		k, err := notification.ParseKind(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		kind = k
	}
	items, err := a.b.List(r.Context(), kind)
	if items == nil {
		items = []notification.Notification{}
	}
	a.reply(w, items, err)
}

func (a *api) unread(w http.ResponseWriter, r *http.Request) {
	n, err := a.b.UnreadCount(r.Context())
	a.reply(w, countResponse{Count: n}, err)
}

func (a *api) read(w http.ResponseWriter, r *http.Request) {
	err := a.b.MarkRead(r.Context(), r.PathValue("id"))
	a.reply(w, nil, err)
}

func (a *api) readAll(w http.ResponseWriter, r *http.Request) {
	n, err := a.b.MarkAllRead(r.Context())
	a.reply(w, countResponse{Count: n}, err)
}

func (a *api) remove(w http.ResponseWriter, r *http.Request) {
	err := a.b.Remove(r.Context(), r.PathValue("id"))
	a.reply(w, nil, err)
}

func (a *api) clear(w http.ResponseWriter, r *http.Request) {
	n, err := a.b.Clear(r.Context())
	a.reply(w, countResponse{Count: n}, err)
}

func (a *api) inapp(w http.ResponseWriter, r *http.Request) {
	s, err := a.b.InApp(r.Context())
	a.reply(w, viewOf(s), err)
}

func (a *api) act(w http.ResponseWriter, r *http.Request) {
	action, err := inapp.ParseAction(r.URL.Query().Get("action"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := a.b.Act(r.Context(), action); err != nil {
		a.reply(w, nil, err)
		return
	}
	s, err := a.b.InApp(r.Context())
	a.reply(w, viewOf(s), err)
}

func (a *api) connect(w http.ResponseWriter, r *http.Request) {
	ok, err := a.b.Connect(r.Context())
	a.reply(w, connectResponse{Started: ok}, err)
}

func (a *api) disconnect(w http.ResponseWriter, r *http.Request) {
	a.reply(w, nil, a.b.Disconnect(r.Context()))
}

func (a *api) reply(w http.ResponseWriter, body any, err error) {
	switch {
	case err == nil && body == nil:
		w.WriteHeader(http.StatusNoContent)
	case err == nil:
		writeJSON(w, http.StatusOK, body)
	case errors.Is(err, ErrNotFound), errors.Is(err, inapp.ErrNoCurrent):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		a.log.Warn("control request failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request latency by route pattern.
func instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		mux.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.code), time.Since(start))
	})
}
