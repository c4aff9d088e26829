// Package schedule decides when widget modifiers fire.
//
// The scheduler polls the modifier list on a fixed period and keeps its own
// last-fired table keyed by widget and modifier. The table is independent of
// the dispatcher's runtime state, so closing and reopening a widget does not
// reset its timers. Every decision is a pure function of the clock, the
// last-fired time and the interval; the clock is injectable.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/widgetd/observability"
	"github.com/hazyhaar/widgetd/widget"
)

// MetricFiresCount counts fires handed to the sink per tick.
const MetricFiresCount = "scheduler_fires_count"

// Config controls the scheduler behaviour.
type Config struct {
	// PollInterval is how often the modifier list is checked.
	PollInterval time.Duration
	// DefaultScrapeInterval applies to scrape modifiers without an interval.
	DefaultScrapeInterval time.Duration
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.DefaultScrapeInterval <= 0 {
		c.DefaultScrapeInterval = time.Minute
	}
}

// Fire is the decision that a modifier is due.
type Fire struct {
	WidgetID string
	Modifier widget.Modifier
	// FiredAt is the scheduler clock reading that made the modifier due.
	// It is also the time base of the dispatcher's debounce.
	FiredAt time.Time
	// Interval is the resolved firing period.
	Interval time.Duration
}

// ModifierSource lists persisted modifiers. An empty widget id means all.
type ModifierSource interface {
	ListModifiers(ctx context.Context, widgetID string) ([]widget.Modifier, error)
}

// Sink receives fires. It may block for backpressure.
type Sink interface {
	EnqueueFire(ctx context.Context, f Fire) error
}

type key struct {
	widgetID   string
	modifierID string
}

// Scheduler is a poll-based modifier timer.
type Scheduler struct {
	source ModifierSource
	sink   Sink
	clock  Clock
	config Config
	logger *slog.Logger
	record func(*observability.Metric)

	mu   sync.Mutex
	last map[key]time.Time
	kick chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics records MetricFiresCount after every tick that fired.
// *observability.MetricsManager.Record fits.
func WithMetrics(record func(*observability.Metric)) Option {
	return func(s *Scheduler) { s.record = record }
}

// New creates a scheduler reading modifiers from src and firing into sink.
func New(src ModifierSource, sink Sink, cfg Config, opts ...Option) *Scheduler {
	cfg.defaults()
	s := &Scheduler{
		source: src,
		sink:   sink,
		clock:  SystemClock{},
		config: cfg,
		logger: slog.Default(),
		last:   make(map[key]time.Time),
		kick:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Due reports whether a modifier last fired at last is due at now.
func Due(now, last time.Time, interval time.Duration) bool {
	return interval > 0 && now.Sub(last) >= interval
}

// Run polls until ctx is cancelled. It ticks once at start and again on
// every Kick.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler: started",
		"poll_interval", s.config.PollInterval,
		"default_scrape_interval", s.config.DefaultScrapeInterval)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: stopped")
			return
		case <-ticker.C:
			s.runTick(ctx)
		case <-s.kick:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("scheduler: tick failed", "error", err)
	}
}

// Kick requests an immediate tick from Run. It never blocks.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Tick evaluates every modifier once and returns the number of fires sent.
//
// A modifier seen for the first time starts its timer without firing.
// last-fired is advanced before the fire is handed to the sink, so a second
// evaluation in the same instant cannot fire again; a fire the sink refuses
// rolls the timer back so the next tick retries it.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	mods, err := s.source.ListModifiers(ctx, "")
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()

	var due []Fire
	s.mu.Lock()
	seen := make(map[key]struct{}, len(mods))
	for _, m := range mods {
		k := key{m.WidgetID, m.ID}
		seen[k] = struct{}{}
		last, ok := s.last[k]
		if !ok {
			s.last[k] = now
			continue
		}
		interval := m.Interval(s.config.DefaultScrapeInterval)
		if !Due(now, last, interval) {
			continue
		}
		s.last[k] = now
		due = append(due, Fire{WidgetID: m.WidgetID, Modifier: m, FiredAt: now, Interval: interval})
	}
	for k := range s.last {
		if _, ok := seen[k]; !ok {
			delete(s.last, k)
		}
	}
	s.mu.Unlock()

	fired := 0
	for _, f := range due {
		if err := s.sink.EnqueueFire(ctx, f); err != nil {
			s.rollback(f)
			s.logger.Warn("scheduler: fire not enqueued",
				"widget_id", f.WidgetID, "modifier_id", f.Modifier.ID, "kind", f.Modifier.Kind, "error", err)
			continue
		}
		fired++
	}
	if fired > 0 {
		s.logger.Debug("scheduler: fired modifiers", "count", fired)
		if s.record != nil {
			s.record(&observability.Metric{
				Name:      MetricFiresCount,
				Timestamp: now,
				Value:     float64(fired),
				Unit:      "count",
			})
		}
	}
	return fired, nil
}

func (s *Scheduler) rollback(f Fire) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{f.WidgetID, f.Modifier.ID}
	if cur, ok := s.last[k]; ok && cur.Equal(f.FiredAt) {
		s.last[k] = f.FiredAt.Add(-f.Interval)
	}
}

// LastFired returns the recorded fire time of a modifier.
func (s *Scheduler) LastFired(widgetID, modifierID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.last[key{widgetID, modifierID}]
	return t, ok
}
