// Package ledger is the single source of truth for notifications held by the
// process. It is bounded, persisted as one document, and fans every new
// notification out to its subscribers.
//
// A Ledger is not safe for concurrent use; it is owned by the event loop.
package ledger

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"proposald/internal/eventbus"
	"proposald/internal/metrics"
	"proposald/internal/notification"
	"proposald/internal/runtime/loop"
	"proposald/internal/storage"
	"proposald/pkg/logx"
)

const (
	DefaultCapacity       = 100
	DefaultKey            = "notifications"
	DefaultPersistTimeout = 2 * time.Second
)

// Subscriber receives every notification the ledger adds, after it has been
// stored. Errors and panics are contained per subscriber.
type Subscriber interface {
	OnNotification(n notification.Notification) error
}

type SubscriberFunc func(n notification.Notification) error

func (f SubscriberFunc) OnNotification(n notification.Notification) error { return f(n) }

type Option func(*Ledger)

// WithCapacity lowers the bound. Values outside 1..DefaultCapacity keep the
// default; the ledger never holds more than DefaultCapacity entries.
func WithCapacity(n int) Option {
	return func(l *Ledger) {
		if n > 0 && n <= DefaultCapacity {
			l.capacity = n
		}
	}
}

func WithKey(key string) Option {
	return func(l *Ledger) {
		if key != "" {
			l.key = key
		}
	}
}

func WithPersistTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.persistTimeout = d
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(l *Ledger) {
		if b != nil {
			l.bus = b
		}
	}
}

// Stats is a point-in-time summary for status endpoints.
type Stats struct {
	Len             int       `json:"len"`
	Unread          int       `json:"unread"`
	Capacity        int       `json:"capacity"`
	PersistFailures uint64    `json:"persist_failures"`
	LastPersistErr  string    `json:"last_persist_error,omitempty"`
	LastPersistAt   time.Time `json:"last_persist_at,omitempty"`
}

type namedSubscriber struct {
	name string
	sub  Subscriber
}

type Ledger struct {
	store          storage.Store
	clock          loop.Clock
	log            logx.Logger
	bus            eventbus.Bus
	capacity       int
	key            string
	persistTimeout time.Duration

	entropy io.Reader
	items   []notification.Notification // newest first
	subs    []namedSubscriber

	persistFailures uint64
	lastPersistErr  error
	lastPersistAt   time.Time
}

func New(store storage.Store, clock loop.Clock, log logx.Logger, opts ...Option) *Ledger {
	if store == nil {
		store = storage.NewMemory()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{
		store:          store,
		clock:          clock,
		log:            log.With(logx.String("comp", "ledger")),
		bus:            eventbus.Nop{},
		capacity:       DefaultCapacity,
		key:            DefaultKey,
		persistTimeout: DefaultPersistTimeout,
		entropy:        ulid.Monotonic(rand.Reader, 0),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Subscribe registers s for fan-out. Subscribers run in registration order.
func (l *Ledger) Subscribe(name string, s Subscriber) {
	l.subs = append(l.subs, namedSubscriber{name: name, sub: s})
}

// Load replaces the in-memory collection with the persisted one. A missing
// document leaves the ledger empty.
func (l *Ledger) Load(ctx context.Context) error {
	raw, ok, err := l.store.Get(ctx, l.key)
	if err != nil {
		return fmt.Errorf("load %s: %w", l.key, err)
	}
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		l.items = nil
		l.changed()
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var items []notification.Notification
	if err := dec.Decode(&items); err != nil {
		return fmt.Errorf("decode %s: %w", l.key, err)
	}

	kept := items[:0]
	for _, n := range items {
		if n.ID == "" {
			continue
		}
		kept = append(kept, n)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].CreatedAt.After(kept[j].CreatedAt) })
	if len(kept) > l.capacity {
		kept = kept[:l.capacity]
	}
	l.items = kept
	l.log.Info("ledger restored", logx.Int("len", len(kept)), logx.Int("unread", l.UnreadCount()))
	l.changed()
	return nil
}

// Add stores a new notification built from c and hands the stored record to
// every subscriber.
func (l *Ledger) Add(c notification.Candidate) notification.Notification {
	now := l.clock.Now()
	n := notification.Notification{
		ID:        l.newID(now),
		Kind:      c.Kind,
		Title:     c.Title,
		Message:   c.Message,
		Payload:   c.Payload,
		CreatedAt: now.Truncate(time.Millisecond),
		Read:      false,
	}

	items := make([]notification.Notification, 0, min(len(l.items)+1, l.capacity))
	items = append(items, n)
	keep := l.items
	if len(keep) > l.capacity-1 {
		evicted := len(keep) - (l.capacity - 1)
		keep = keep[:l.capacity-1]
		metrics.LedgerEvictions.Add(float64(evicted))
		l.log.Debug("ledger evicted oldest", logx.Int("count", evicted))
	}
	l.items = append(items, keep...)

	metrics.NotificationsAdded.WithLabelValues(string(n.Kind)).Inc()
	l.log.Debug("notification added", logx.String("id", n.ID), logx.String("kind", string(n.Kind)))
	l.persist()
	l.changed()
	l.bus.Publish(eventbus.Event{Type: eventbus.TypeNotificationAdded, Time: now, Data: n})
	l.fanout(n)
	return n
}

// MarkRead sets the read flag on id. It reports whether anything changed.
func (l *Ledger) MarkRead(id string) bool {
	i := l.index(id)
	if i < 0 || l.items[i].Read {
		return false
	}
	l.items[i].Read = true
	l.persist()
	l.changed()
	return true
}

// MarkAllRead returns how many notifications flipped to read.
func (l *Ledger) MarkAllRead() int {
	n := 0
	for i := range l.items {
		if !l.items[i].Read {
			l.items[i].Read = true
			n++
		}
	}
	if n > 0 {
		l.persist()
		l.changed()
	}
	return n
}

func (l *Ledger) Remove(id string) bool {
	i := l.index(id)
	if i < 0 {
		return false
	}
	l.items = append(l.items[:i:i], l.items[i+1:]...)
	l.persist()
	l.changed()
	return true
}

// Clear empties the ledger and returns how many entries were dropped.
func (l *Ledger) Clear() int {
	n := len(l.items)
	l.items = nil
	l.persist()
	l.changed()
	return n
}

// UnreadCount scans the live collection.
func (l *Ledger) UnreadCount() int {
	n := 0
	for _, it := range l.items {
		if !it.Read {
			n++
		}
	}
	return n
}

func (l *Ledger) ByKind(kind notification.Kind) []notification.Notification {
	out := []notification.Notification{}
	for _, it := range l.items {
		if it.Kind == kind {
			out = append(out, it)
		}
	}
	return out
}

// List returns a copy of the collection, newest first.
func (l *Ledger) List() []notification.Notification {
	return append([]notification.Notification{}, l.items...)
}

func (l *Ledger) Get(id string) (notification.Notification, bool) {
	i := l.index(id)
	if i < 0 {
		return notification.Notification{}, false
	}
	return l.items[i], true
}

func (l *Ledger) Len() int { return len(l.items) }

func (l *Ledger) Capacity() int { return l.capacity }

func (l *Ledger) Stats() Stats {
	st := Stats{
		Len:             len(l.items),
		Unread:          l.UnreadCount(),
		Capacity:        l.capacity,
		PersistFailures: l.persistFailures,
		LastPersistAt:   l.lastPersistAt,
	}
	if l.lastPersistErr != nil {
		st.LastPersistErr = l.lastPersistErr.Error()
	}
	return st
}

func (l *Ledger) index(id string) int {
	for i := range l.items {
		if l.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *Ledger) newID(now time.Time) string {
	id, err := ulid.New(ulid.Timestamp(now), l.entropy)
	if err != nil {
		// Monotonic entropy overflowed within one millisecond; start a new stream.
		l.entropy = ulid.Monotonic(rand.Reader, 0)
		id = ulid.MustNew(ulid.Timestamp(now), l.entropy)
	}
	return id.String()
}

// persist replaces the stored document. Failures are logged and counted;
// the in-memory collection stays authoritative.
func (l *Ledger) persist() {
	start := time.Now()
	err := l.write()
	metrics.RecordPersist(err, time.Since(start))
	if err != nil {
		l.persistFailures++
		l.lastPersistErr = err
		l.log.Warn("persist failed", logx.String("key", l.key), logx.Err(err))
		return
	}
	l.lastPersistErr = nil
	l.lastPersistAt = l.clock.Now()
}

func (l *Ledger) write() error {
	items := l.items
	if items == nil {
		items = []notification.Notification{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.persistTimeout)
	defer cancel()
	return l.store.Put(ctx, l.key, b)
}

func (l *Ledger) changed() {
	unread := l.UnreadCount()
	metrics.LedgerSize.Set(float64(len(l.items)))
	metrics.LedgerUnread.Set(float64(unread))
	l.bus.Publish(eventbus.Event{
		Type: eventbus.TypeLedgerChanged,
		Time: l.clock.Now(),
		Data: Stats{Len: len(l.items), Unread: unread, Capacity: l.capacity},
	})
}

func (l *Ledger) fanout(n notification.Notification) {
	for _, s := range l.subs {
		if err := deliver(s.sub, n); err != nil {
			metrics.SubscriberFailures.WithLabelValues(s.name).Inc()
			l.log.Warn("subscriber failed",
				logx.String("subscriber", s.name),
				logx.String("id", n.ID),
				logx.Err(err),
			)
			l.bus.Publish(eventbus.Event{
				Type: eventbus.TypeSubscriberFailed,
				Time: l.clock.Now(),
				Data: map[string]string{"subscriber": s.name, "id": n.ID, "error": err.Error()},
			})
		}
	}
}

func deliver(s Subscriber, n notification.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.OnNotification(n)
}
