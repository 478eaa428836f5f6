package loop

import "time"

// Clock schedules callbacks as loop turns.
type Clock interface {
	Now() time.Time
	// AfterFunc runs fn as a turn once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable handle returned by Clock.AfterFunc.
type Timer interface {
	// Stop cancels the timer. It reports whether the callback was still pending.
	// Called from a turn, it guarantees the callback will not run afterwards.
	Stop() bool
}

// RealClock fires timers through an Executor, normally the Loop.
type RealClock struct {
	Exec Executor
}

func (RealClock) Now() time.Time { return time.Now() }

func (c RealClock) AfterFunc(d time.Duration, fn func()) Timer {
	t := &realTimer{}
	t.t = time.AfterFunc(d, func() {
		c.Exec.Submit(func() {
			// Stop may have run in an earlier turn after the OS timer fired.
			if t.cancelled {
				return
			}
			t.fired = true
			fn()
		})
	})
	return t
}

type realTimer struct {
	t *time.Timer
	// Both flags are only touched from turns.
	cancelled bool
	fired     bool
}

func (t *realTimer) Stop() bool {
	if t.cancelled || t.fired {
		return false
	}
	t.cancelled = true
	t.t.Stop()
	return true
}
