// Package inapp sequences notifications into a single modal slot: one
// current notification at a time, the rest waiting in arrival order, each
// auto-dismissed when its countdown runs out.
//
// A Queue is owned by the event loop.
package inapp

import (
	"errors"
	"fmt"
	"time"

	"proposald/internal/eventbus"
	"proposald/internal/metrics"
	"proposald/internal/navigate"
	"proposald/internal/notification"
	"proposald/internal/runtime/loop"
	"proposald/pkg/logx"
)

const (
	DefaultCountdown = 8 * time.Second
	tickEvery        = time.Second
)

var ErrNoCurrent = errors.New("no notification is being shown")

type Action string

const (
	ActionView   Action = "view"
	ActionIgnore Action = "ignore"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionView, ActionIgnore:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q (want view or ignore)", s)
}

// Snapshot is the observable queue state.
type Snapshot struct {
	Current   *notification.Notification  `json:"current"`
	Remaining time.Duration               `json:"remaining"`
	Backlog   []notification.Notification `json:"backlog"`
}

type Config struct {
	Countdown time.Duration
}

type Option func(*Queue)

func WithBus(b eventbus.Bus) Option {
	return func(q *Queue) {
		if b != nil {
			q.bus = b
		}
	}
}

type Queue struct {
	countdown time.Duration
	nav       navigate.Navigator
	clock     loop.Clock
	log       logx.Logger
	bus       eventbus.Bus

	current   *notification.Notification
	backlog   []notification.Notification
	remaining time.Duration
	tick      loop.Timer
	observers []func(Snapshot)
}

func New(cfg Config, nav navigate.Navigator, clock loop.Clock, log logx.Logger, opts ...Option) *Queue {
	if cfg.Countdown <= 0 {
		cfg.Countdown = DefaultCountdown
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		countdown: cfg.Countdown,
		nav:       nav,
		clock:     clock,
		log:       log.With(logx.String("comp", "inapp")),
		bus:       eventbus.Nop{},
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// OnChange registers an observer called after every state change,
// including countdown ticks.
func (q *Queue) OnChange(fn func(Snapshot)) { q.observers = append(q.observers, fn) }

// OnNotification implements ledger.Subscriber.
func (q *Queue) OnNotification(n notification.Notification) error {
	q.Enqueue(n)
	return nil
}

// Enqueue shows n immediately when the slot is free, else queues it.
func (q *Queue) Enqueue(n notification.Notification) {
	if q.current == nil {
		q.show(n)
	} else {
		q.backlog = append(q.backlog, n)
		metrics.InAppQueueDepth.Set(float64(len(q.backlog)))
	}
	q.changed()
}

// DismissCurrent clears the slot and promotes the next notification, if any,
// within the same turn.
func (q *Queue) DismissCurrent() {
	q.dismiss("dismiss")
}

// Act applies the operator's choice to the current notification and then
// dismisses it. View navigates to the notification's resource when it has one.
func (q *Queue) Act(a Action) error {
	if q.current == nil {
		return ErrNoCurrent
	}
	switch a {
	case ActionView:
		if t, ok := navigate.Resolve(q.current.Kind, q.current.Payload); ok && q.nav != nil {
			q.nav.Navigate(t)
		}
	case ActionIgnore:
	default:
		return fmt.Errorf("unknown action %q", a)
	}
	q.dismiss(string(a))
	return nil
}

func (q *Queue) Current() (notification.Notification, bool) {
	if q.current == nil {
		return notification.Notification{}, false
	}
	return *q.current, true
}

func (q *Queue) Backlog() []notification.Notification {
	return append([]notification.Notification{}, q.backlog...)
}

func (q *Queue) Remaining() time.Duration { return q.remaining }

func (q *Queue) Snapshot() Snapshot {
	s := Snapshot{Remaining: q.remaining, Backlog: q.Backlog()}
	if q.current != nil {
		c := *q.current
		s.Current = &c
	}
	return s
}

// Close cancels the countdown and drops everything.
func (q *Queue) Close() {
	q.stopTick()
	q.current = nil
	q.backlog = nil
	q.remaining = 0
}

func (q *Queue) dismiss(cause string) {
	if q.current == nil {
		return
	}
	q.stopTick()
	metrics.InAppActions.WithLabelValues(cause).Inc()
	q.log.Debug("modal dismissed", logx.String("id", q.current.ID), logx.String("cause", cause))
	q.current = nil
	q.remaining = 0
	if len(q.backlog) > 0 {
		next := q.backlog[0]
		q.backlog = q.backlog[1:]
		metrics.InAppQueueDepth.Set(float64(len(q.backlog)))
		q.show(next)
	}
	q.changed()
}

func (q *Queue) show(n notification.Notification) {
	q.stopTick()
	q.current = &n
	q.remaining = q.countdown
	q.schedule()
	q.log.Debug("modal shown", logx.String("id", n.ID), logx.String("kind", string(n.Kind)))
}

func (q *Queue) schedule() {
	step := min(tickEvery, q.remaining)
	id := q.current.ID
	q.tick = q.clock.AfterFunc(step, func() {
		q.tick = nil
		if q.current == nil || q.current.ID != id {
			return
		}
		q.remaining -= step
		if q.remaining <= 0 {
			q.dismiss("timeout")
			return
		}
		q.schedule()
		q.changed()
	})
}

func (q *Queue) stopTick() {
	if q.tick != nil {
		q.tick.Stop()
		q.tick = nil
	}
}

func (q *Queue) changed() {
	s := q.Snapshot()
	q.bus.Publish(eventbus.Event{Type: eventbus.TypeInAppChanged, Time: q.clock.Now(), Data: s})
	for _, fn := range q.observers {
		fn(s)
	}
}
