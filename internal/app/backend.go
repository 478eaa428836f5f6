package app

import (
	"context"
	"time"

	"proposald/internal/alert/inapp"
	"proposald/internal/control"
	"proposald/internal/credential"
	"proposald/internal/digest"
	"proposald/internal/notification"
	logx "proposald/pkg/logx"
)

// caller runs fn on the event loop and waits for it.
type caller interface {
	Call(ctx context.Context, fn func() error) error
}

// backend serves the control API and the digest by hopping onto the loop.
type backend struct {
	loop caller
	core *Core
	cred credential.Source
	log  logx.Logger
}

var _ control.Backend = (*backend)(nil)

func (b *backend) Status(ctx context.Context) (control.Status, error) {
	var st control.Status
	err := b.loop.Call(ctx, func() error {
		st = b.core.Status()
		return nil
	})
	return st, err
}

func (b *backend) List(ctx context.Context, kind notification.Kind) ([]notification.Notification, error) {
	var out []notification.Notification
	err := b.loop.Call(ctx, func() error {
		if kind == "" {
			out = b.core.Ledger.List()
		} else {
			out = b.core.Ledger.ByKind(kind)
		}
		return nil
	})
	return out, err
}

func (b *backend) UnreadCount(ctx context.Context) (int, error) {
	var n int
	err := b.loop.Call(ctx, func() error {
		n = b.core.Ledger.UnreadCount()
		return nil
	})
	return n, err
}

func (b *backend) MarkRead(ctx context.Context, id string) error {
	return b.loop.Call(ctx, func() error {
		if _, ok := b.core.Ledger.Get(id); !ok {
			return control.ErrNotFound
		}
		b.core.Ledger.MarkRead(id)
		return nil
	})
}

func (b *backend) MarkAllRead(ctx context.Context) (int, error) {
	var n int
	err := b.loop.Call(ctx, func() error {
		n = b.core.Ledger.MarkAllRead()
		return nil
	})
	return n, err
}

func (b *backend) Remove(ctx context.Context, id string) error {
	return b.loop.Call(ctx, func() error {
		if !b.core.Ledger.Remove(id) {
			return control.ErrNotFound
		}
		return nil
	})
}

func (b *backend) Clear(ctx context.Context) (int, error) {
	var n int
	err := b.loop.Call(ctx, func() error {
		n = b.core.Ledger.Clear()
		return nil
	})
	return n, err
}

func (b *backend) InApp(ctx context.Context) (inapp.Snapshot, error) {
	var s inapp.Snapshot
	err := b.loop.Call(ctx, func() error {
		if b.core.InApp == nil {
			return errInAppDisabled
		}
		s = b.core.InApp.Snapshot()
		return nil
	})
	return s, err
}

func (b *backend) Act(ctx context.Context, a inapp.Action) error {
	return b.loop.Call(ctx, func() error {
		if b.core.InApp == nil {
			return errInAppDisabled
		}
		return b.core.InApp.Act(a)
	})
}

// Connect fetches the token off the loop, then starts the session. It
// reports false when a connection was already in progress.
func (b *backend) Connect(ctx context.Context) (bool, error) {
	tok, err := fetchToken(ctx, b.cred, time.Now(), b.log)
	if err != nil {
		return false, err
	}
	var started bool
	err = b.loop.Call(ctx, func() error {
		started = b.core.Session.Connect(tok)
		return nil
	})
	return started, err
}

func (b *backend) Disconnect(ctx context.Context) error {
	return b.loop.Call(ctx, func() error {
		b.core.Session.Disconnect("disconnect requested")
		return nil
	})
}

func (b *backend) Summary(ctx context.Context) (digest.Summary, error) {
	var sum digest.Summary
	err := b.loop.Call(ctx, func() error {
		sum = b.core.Summary()
		return nil
	})
	return sum, err
}
