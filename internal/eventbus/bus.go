package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the notification pipeline.
const (
	TypeSessionState       = "session.state"
	TypeFrameDropped       = "session.frame_dropped"
	TypeNotificationAdded  = "ledger.added"
	TypeLedgerChanged      = "ledger.changed"
	TypeNativePresented    = "native.presented"
	TypeNativeSuppressed   = "native.suppressed"
	TypeInAppChanged       = "inapp.changed"
	TypeNavigated          = "navigate"
	TypeDigest             = "digest"
	TypeSubscriberFailed   = "ledger.subscriber_failed"
	TypePermissionResolved = "native.permission"
)

// Event is a lightweight, in-memory signal used for observability.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Nothing that must not be lost travels over the bus; the ledger fans out
// notifications to its consumers directly.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus that owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop is a Bus that drops everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
	drop atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Unsubscribe closes channels under the write lock, so holding the read
	// lock for the sends rules out a send on a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.drop.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *memBus) Dropped() uint64 { return b.drop.Load() }

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
