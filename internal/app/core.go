package app

import (
	"context"
	"fmt"
	"time"

	"proposald/internal/alert/inapp"
	"proposald/internal/alert/native"
	"proposald/internal/classify"
	"proposald/internal/control"
	"proposald/internal/credential"
	"proposald/internal/digest"
	"proposald/internal/eventbus"
	"proposald/internal/ledger"
	"proposald/internal/navigate"
	"proposald/internal/notification"
	"proposald/internal/protocol"
	"proposald/internal/runtime/loop"
	"proposald/internal/session"
	"proposald/internal/storage"
	logx "proposald/pkg/logx"
)

const tokenFetchTimeout = 5 * time.Second

// Core is the notification pipeline: session frames are classified, recorded
// in the ledger and fanned out to the alert surfaces. Every method runs on the
// event loop.
type Core struct {
	Session *session.Session
	Ledger  *ledger.Ledger
	Native  *native.Bridge // nil when native alerts are disabled
	InApp   *inapp.Queue   // nil when the in-app queue is disabled

	surface   string
	cred      credential.Source
	clock     loop.Clock
	log       logx.Logger
	startedAt time.Time
}

// CoreDeps are the collaborators Core is built from. Surface is only used
// when native alerts are enabled.
type CoreDeps struct {
	Exec       loop.Executor
	Clock      loop.Clock
	Transport  session.Transport
	Store      storage.Store
	Surface    native.Surface
	Navigator  navigate.Navigator
	Credential credential.Source
	Bus        eventbus.Bus
	Log        logx.Logger
}

func NewCore(s Settings, d CoreDeps) *Core {
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	c := &Core{
		surface:   s.Native.Surface,
		cred:      d.Credential,
		clock:     d.Clock,
		log:       d.Log.With(logx.String("comp", "core")),
		startedAt: d.Clock.Now(),
	}

	c.Ledger = ledger.New(d.Store, d.Clock, d.Log,
		ledger.WithCapacity(s.Ledger.Capacity),
		ledger.WithKey(s.Ledger.Key),
		ledger.WithPersistTimeout(s.Ledger.PersistTimeout),
		ledger.WithBus(d.Bus),
	)

	var opts []session.Option
	opts = append(opts, session.WithBus(d.Bus))
	if d.Credential != nil {
		opts = append(opts, session.WithTokenRefresh(c.refreshToken))
	}
	c.Session = session.New(s.Session, d.Transport, d.Exec, d.Clock, d.Log, opts...)
	c.Session.OnFrame(c.onFrame)

	// The in-app queue subscribes first: its work is local, while the host
	// surface may wait on I/O for up to its show timeout.
	if s.InApp.Enabled {
		c.InApp = inapp.New(s.InApp.Queue, d.Navigator, d.Clock, d.Log, inapp.WithBus(d.Bus))
		c.Ledger.Subscribe("inapp", c.InApp)
	}
	if s.Native.Enabled && d.Surface != nil {
		c.Native = native.New(s.Native.Bridge, d.Surface, d.Navigator, d.Exec, d.Clock, d.Log, native.WithBus(d.Bus))
		c.Ledger.Subscribe("native", c.Native)
	}
	return c
}

func (c *Core) onFrame(f protocol.Frame) {
	cand, ok := classify.Classify(f)
	if !ok {
		c.log.Debug("frame ignored", logx.String("type", f.Type))
		return
	}
	n := c.Ledger.Add(cand)
	c.log.Debug("notification recorded", logx.String("id", n.ID), logx.String("kind", string(n.Kind)))
}

// refreshToken runs on the loop right before a scheduled reconnect.
func (c *Core) refreshToken() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tokenFetchTimeout)
	defer cancel()
	return fetchToken(ctx, c.cred, c.clock.Now(), c.log)
}

// fetchToken reads the credential and warns about an expired JWT. The token
// is presented anyway; the server decides.
func fetchToken(ctx context.Context, src credential.Source, now time.Time, log logx.Logger) (string, error) {
	if src == nil {
		return "", credential.ErrNoToken
	}
	tok, err := src.Token(ctx)
	if err != nil {
		return "", err
	}
	if info := credential.Inspect(tok, now); info.JWT && info.Expired {
		log.Warn("session token has expired", logx.Time("expires_at", info.ExpiresAt), logx.String("subject", info.Subject))
	}
	return tok, nil
}

// Close tears down alert surfaces and the session.
func (c *Core) Close(reason string) {
	c.Session.Disconnect(reason)
	if c.Native != nil {
		c.Native.Close()
	}
	if c.InApp != nil {
		c.InApp.Close()
	}
}

func (c *Core) Status() control.Status {
	st := control.Status{
		StartedAt: c.startedAt,
		Session:   c.Session.State(),
		Ledger:    c.Ledger.Stats(),
	}
	if c.Native != nil {
		st.Native = control.NativeStatus{
			Enabled:    true,
			Surface:    c.surface,
			Permission: string(c.Native.Permission()),
			Active:     c.Native.Active(),
		}
	}
	if c.InApp != nil {
		snap := c.InApp.Snapshot()
		st.InApp = control.InAppStatus{
			Enabled:     true,
			RemainingMS: snap.Remaining.Milliseconds(),
			Backlog:     len(snap.Backlog),
		}
		if snap.Current != nil {
			st.InApp.CurrentID = snap.Current.ID
		}
	}
	return st
}

func (c *Core) Summary() digest.Summary {
	sum := digest.Summary{
		At:        c.clock.Now(),
		Phase:     string(c.Session.State().Phase),
		Total:     c.Ledger.Len(),
		Unread:    c.Ledger.UnreadCount(),
		LastError: c.Session.State().LastError,
	}
	for _, n := range c.Ledger.List() {
		if n.Read {
			continue
		}
		if sum.ByKind == nil {
			sum.ByKind = map[notification.Kind]int{}
		}
		sum.ByKind[n.Kind]++
	}
	return sum
}

var errInAppDisabled = fmt.Errorf("%w: in-app queue is disabled", control.ErrNotFound)
