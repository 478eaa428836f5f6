// Package digest logs and publishes a periodic summary of the notification
// center on a cron schedule.
package digest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"proposald/internal/eventbus"
	"proposald/internal/notification"
	logx "proposald/pkg/logx"
)

const (
	DefaultSchedule = "0 */30 * * * *"
	summaryTimeout  = 5 * time.Second
)

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
}

// Summary is one digest.
type Summary struct {
	At        time.Time                 `json:"at"`
	Phase     string                    `json:"phase"`
	Total     int                       `json:"total"`
	Unread    int                       `json:"unread"`
	ByKind    map[notification.Kind]int `json:"by_kind,omitempty"`
	LastError string                    `json:"last_error,omitempty"`
}

// String renders e.g. "connected unread 2/5 (proposal_signed=1 safe_created=1)".
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s unread %d/%d", s.Phase, s.Unread, s.Total)
	if len(s.ByKind) > 0 {
		kinds := make([]string, 0, len(s.ByKind))
		for k := range s.ByKind {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		b.WriteString(" (")
		for i, k := range kinds {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%s=%d", k, s.ByKind[notification.Kind(k)])
		}
		b.WriteByte(')')
	}
	return b.String()
}

// Source collects the current summary; ByKind counts unread entries.
type Source func(ctx context.Context) (Summary, error)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the schedule and timezone without starting anything.
func Validate(cfg Config) error {
	if _, err := parser.Parse(cronSpec(cfg)); err != nil {
		return fmt.Errorf("digest.schedule: %w", err)
	}
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("digest.timezone: %w", err)
	}
	return nil
}

type Service struct {
	src Source
	bus eventbus.Bus
	log logx.Logger

	mu  sync.Mutex
	cfg Config
	ctx context.Context
	c   *cron.Cron
}

func New(cfg Config, src Source, bus eventbus.Bus, log logx.Logger) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{cfg: cfg, src: src, bus: bus, log: log.With(logx.String("comp", "digest"))}
}

// Start schedules the digest when enabled. ctx bounds every run.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(cronSpec(s.cfg), s.tick); err != nil {
		return fmt.Errorf("digest schedule %q: %w", cronSpec(s.cfg), err)
	}
	c.Start()
	s.c = c
	s.log.Info("digest scheduled", logx.String("schedule", cronSpec(s.cfg)), logx.String("tz", loc.String()))
	return nil
}

// Apply swaps the schedule in place.
func (s *Service) Apply(cfg Config) error {
	if cfg.Enabled {
		if err := Validate(cfg); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == cfg {
		return nil
	}
	s.cfg = cfg
	s.stopLocked(context.Background())
	if s.ctx == nil {
		return nil
	}
	return s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.c == nil {
		return
	}
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
	s.c = nil
}

func (s *Service) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.Warn("digest failed", logx.Err(err))
	}
}

// RunOnce collects, logs and publishes one summary.
func (s *Service) RunOnce(ctx context.Context) (Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()

	sum, err := s.src(ctx)
	if err != nil {
		return Summary{}, err
	}
	s.log.Info("digest",
		logx.String("summary", sum.String()),
		logx.Int("unread", sum.Unread),
		logx.Int("total", sum.Total),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeDigest, Time: sum.At, Data: sum})
	return sum, nil
}

func cronSpec(cfg Config) string {
	if s := strings.TrimSpace(cfg.Schedule); s != "" {
		return s
	}
	return DefaultSchedule
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
