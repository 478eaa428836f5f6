package systemd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func withRecorder(t *testing.T) *recorder {
	t.Helper()
	r := &recorder{}
	prev := notify
	notify = r.notify
	t.Cleanup(func() { notify = prev })
	return r
}

func TestLifecycleStates(t *testing.T) {
	r := withRecorder(t)
	_, _ = Ready()
	_, _ = Status("connected, %d unread", 3)
	_, _ = Stopping()
	require.Equal(t, []string{"READY=1", "STATUS=connected, 3 unread", "STOPPING=1"}, r.snapshot())
}

func TestWatchdogSkipsWhenUnhealthy(t *testing.T) {
	r := withRecorder(t)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	healthy := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watchdog(ctx, 5*time.Millisecond, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return healthy
		})
	}()

	time.Sleep(30 * time.Millisecond)
	require.Empty(t, r.snapshot())

	mu.Lock()
	healthy = true
	mu.Unlock()
	require.Eventually(t, func() bool { return len(r.snapshot()) > 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "WATCHDOG=1", r.snapshot()[0])

	cancel()
	<-done
}

func TestWatchdogDisabled(t *testing.T) {
	Watchdog(context.Background(), 0, nil)
}
