package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"proposald/internal/metrics"
)

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	sup := New(context.Background(), WithCancelOnError(true))
	sup.Go("failing", func(ctx context.Context) error { return errors.New("boom") })
	sup.Go("waiting", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failing: boom")
	require.Zero(t, testutil.ToFloat64(metrics.Goroutines.WithLabelValues("failing")))
	require.Zero(t, testutil.ToFloat64(metrics.Goroutines.WithLabelValues("waiting")))
}

func TestGoRecoversPanics(t *testing.T) {
	sup := New(context.Background())
	sup.Go0("panicky", func(ctx context.Context) { panic("nope") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	require.ErrorContains(t, err, "panicky: panic: nope")
}

func TestGoRestartRestartsUntilCancel(t *testing.T) {
	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.GoroutineRestarts.WithLabelValues("flaky")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Goroutines.WithLabelValues("flaky")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Stop(ctx))
}
