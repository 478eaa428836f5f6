// Package navigate resolves notification deep links and hands them to a
// navigator that brings the operator to the referenced resource.
package navigate

import (
	"context"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"proposald/internal/eventbus"
	"proposald/internal/notification"
	"proposald/pkg/logx"
)

type Resource string

const (
	ResourceProposal Resource = "proposal"
	ResourceSafe     Resource = "safe"
)

type Target struct {
	Kind     notification.Kind `json:"kind"`
	Resource Resource          `json:"resource"`
	ID       string            `json:"id"`
	Path     string            `json:"path"`
}

// Resolve returns the resource a notification of kind points at, if its
// payload carries the identifier that kind links to.
func Resolve(kind notification.Kind, p notification.Payload) (Target, bool) {
	switch {
	case kind.IsProposal():
		id, ok := p.String("proposal_id")
		if !ok {
			return Target{}, false
		}
		return Target{Kind: kind, Resource: ResourceProposal, ID: id, Path: "/proposals/" + url.PathEscape(id)}, true
	case kind == notification.KindSafeCreated:
		id, ok := p.First("safe_id", "safe_address")
		if !ok {
			return Target{}, false
		}
		return Target{Kind: kind, Resource: ResourceSafe, ID: id, Path: "/safes/" + url.PathEscape(id)}, true
	}
	return Target{}, false
}

// Navigator is the external "go to resource" capability.
type Navigator interface {
	Foreground()
	Navigate(t Target)
}

// Log records navigation requests and publishes them on the bus.
type Log struct {
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time
}

func NewLog(log logx.Logger, bus eventbus.Bus) *Log {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Log{log: log.With(logx.String("comp", "navigate")), bus: bus, now: time.Now}
}

func (l *Log) Foreground() {
	l.log.Debug("foreground requested")
}

func (l *Log) Navigate(t Target) {
	l.log.Info("navigate", logx.String("resource", string(t.Resource)), logx.String("id", t.ID), logx.String("path", t.Path))
	l.bus.Publish(eventbus.Event{Type: eventbus.TypeNavigated, Time: l.now(), Data: t})
}

// URL opens {base}{path} with an external opener command (xdg-open style),
// after recording the request like Log does.
type URL struct {
	*Log
	base    string
	command []string
	run     func(ctx context.Context, name string, args ...string) error
}

func NewURL(log logx.Logger, bus eventbus.Bus, base string, command []string) *URL {
	u := &URL{Log: NewLog(log, bus), base: strings.TrimRight(base, "/"), command: command}
	u.run = func(ctx context.Context, name string, args ...string) error {
		return exec.CommandContext(ctx, name, args...).Start()
	}
	return u
}

func (u *URL) Navigate(t Target) {
	u.Log.Navigate(t)
	if u.base == "" || len(u.command) == 0 {
		return
	}
	link := u.base + t.Path
	args := append(append([]string(nil), u.command[1:]...), link)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := u.run(ctx, u.command[0], args...); err != nil {
		u.log.Warn("open link failed", logx.String("url", link), logx.Err(err))
	}
}
