package digest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proposald/internal/eventbus"
	"proposald/internal/notification"
	logx "proposald/pkg/logx"
)

func fixedSource(sum Summary) Source {
	return func(context.Context) (Summary, error) { return sum, nil }
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(Config{}))
	require.NoError(t, Validate(Config{Schedule: "*/5 * * * *"}))
	require.NoError(t, Validate(Config{Schedule: "@hourly", Timezone: "Asia/Shanghai"}))
	require.ErrorContains(t, Validate(Config{Schedule: "every now and then"}), "digest.schedule")
	require.ErrorContains(t, Validate(Config{Timezone: "Mars/Olympus"}), "digest.timezone")
}

func TestSummaryString(t *testing.T) {
	s := Summary{
		Phase: "connected", Total: 5, Unread: 2,
		ByKind: map[notification.Kind]int{
			notification.KindSafeCreated:    1,
			notification.KindProposalSigned: 1,
		},
	}
	require.Equal(t, "connected unread 2/5 (proposal_signed=1 safe_created=1)", s.String())
	require.Equal(t, "disconnected unread 0/0", Summary{Phase: "disconnected"}.String())
}

func TestRunOncePublishes(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	want := Summary{At: time.Unix(100, 0), Phase: "connected", Total: 1, Unread: 1}
	svc := New(Config{}, fixedSource(want), bus, logx.Nop())

	got, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)

	ev := <-ch
	require.Equal(t, eventbus.TypeDigest, ev.Type)
	require.Equal(t, want, ev.Data)
}

func TestRunOnceSourceError(t *testing.T) {
	boom := errors.New("loop stopped")
	svc := New(Config{}, func(context.Context) (Summary, error) { return Summary{}, boom }, nil, logx.Nop())
	_, err := svc.RunOnce(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestScheduledTick(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := New(Config{Enabled: true, Schedule: "* * * * * *"}, fixedSource(Summary{Phase: "connected"}), bus, logx.Nop())
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop(context.Background())

	select {
	case ev := <-ch:
		require.Equal(t, eventbus.TypeDigest, ev.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("digest did not fire")
	}
}

func TestApplyRejectsBadScheduleAndDisables(t *testing.T) {
	svc := New(Config{Enabled: true}, fixedSource(Summary{}), nil, logx.Nop())
	require.NoError(t, svc.Start(context.Background()))
	require.NotNil(t, svc.c)

	require.Error(t, svc.Apply(Config{Enabled: true, Schedule: "nope"}))
	require.NotNil(t, svc.c)

	require.NoError(t, svc.Apply(Config{Enabled: false}))
	require.Nil(t, svc.c)
}
