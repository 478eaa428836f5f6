package loop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	logx "proposald/pkg/logx"
)

var ErrStopped = errors.New("loop stopped")

// Executor runs turns one at a time, in submission order.
type Executor interface {
	Submit(fn func())
}

// Inline runs each turn immediately on the caller's goroutine.
// It is only correct when a single goroutine drives the components,
// which is exactly the situation in tests.
type Inline struct{}

func (Inline) Submit(fn func()) {
	if fn != nil {
		fn()
	}
}

// Loop is a bounded turn queue drained by a single goroutine (Run).
type Loop struct {
	log   logx.Logger
	turns chan func()

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(buffer int, log logx.Logger) *Loop {
	if buffer <= 0 {
		buffer = 256
	}
	return &Loop{log: log, turns: make(chan func(), buffer), stopped: make(chan struct{})}
}

// Run drains turns until ctx is canceled. It must be called exactly once.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stopOnce.Do(func() { close(l.stopped) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.turns:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop turn panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}

// Submit enqueues fn, blocking while the queue is full. Turns submitted after
// the loop stopped are discarded.
func (l *Loop) Submit(fn func()) {
	if fn == nil {
		return
	}
	select {
	case l.turns <- fn:
	case <-l.stopped:
	}
}

// Do enqueues fn, giving up when ctx is done or the loop stopped.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	select {
	case l.turns <- fn:
		return nil
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs fn on the loop and waits for it to finish.
// It must not be called from a turn (it would deadlock).
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	err := l.Do(ctx, func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn()
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
