package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOutWithoutBlocking(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeNotificationAdded, Data: "n1"})
	b.Publish(Event{Type: TypeNotificationAdded, Data: "n2"})

	e := <-a
	require.Equal(t, "n1", e.Data)
	require.False(t, e.Time.IsZero())
	require.Equal(t, "n2", (<-a).Data)

	require.Equal(t, "n1", (<-c).Data)
	require.Equal(t, uint64(1), b.(*memBus).Dropped())
}

func TestUnsubscribeClosesChannelOnce(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)

	b.Publish(Event{Type: TypeDigest})
}
