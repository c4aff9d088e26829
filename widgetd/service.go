// Package widgetd wires the widget daemon together: persistence, the
// single-writer dispatcher, the modifier scheduler, the renderer callbacks,
// and the Control API exposed over HTTP and MCP.
//
// Usage:
//
//	svc, err := widgetd.New(cfg, func(cb renderer.Callbacks) (renderer.Renderer, error) {
//	    return static.New(static.Config{}, cb), nil
//	}, widgetd.WithLogger(logger))
//	defer svc.Close()
//	if err := svc.Start(ctx); err != nil { ... }
//	http.ListenAndServe(addr, svc.Router())
package widgetd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/widgetd/dbopen"
	"github.com/hazyhaar/widgetd/extraction"
	"github.com/hazyhaar/widgetd/observability"
	"github.com/hazyhaar/widgetd/renderer"
	"github.com/hazyhaar/widgetd/watch"
	"github.com/hazyhaar/widgetd/widget"
	"github.com/hazyhaar/widgetd/widgetd/internal/dispatch"
	"github.com/hazyhaar/widgetd/widgetd/internal/registry"
	"github.com/hazyhaar/widgetd/widgetd/internal/schedule"
	"github.com/hazyhaar/widgetd/widgetd/internal/store"
)

// WidgetState is the reply of lifecycle operations: the stored config plus
// whether the widget currently has a surface.
type WidgetState = dispatch.WidgetState

// RendererFactory builds the renderer once the service knows where its
// callbacks go.
type RendererFactory func(renderer.Callbacks) (renderer.Renderer, error)

// Service is the widget daemon.
type Service struct {
	cfg    *Config
	logger *slog.Logger
	clock  schedule.Clock

	store   *store.Store
	obsDB   *sql.DB
	ownsDBs []*sql.DB

	queue      *dispatch.Queue
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	scheduler  *schedule.Scheduler
	watcher    *watch.Watcher
	rend       renderer.Renderer

	metrics   *observability.MetricsManager
	audit     *observability.AuditLogger
	heartbeat *observability.HeartbeatWriter

	observer  func(dispatch.Event, error)
	endpoints endpoints

	// openWidgets mirrors registry.Len for readers outside the dispatcher.
	openWidgets atomic.Int64
	stopping    atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithStoreDB uses db for widget storage instead of opening cfg.DBPath. The
// schema is applied. The caller keeps ownership of db.
func WithStoreDB(db *sql.DB) Option {
	return func(s *Service) { s.store = store.New(db) }
}

// WithObservabilityDB uses db for metrics, heartbeats and audit instead of
// opening cfg.MetricsDBPath. The caller keeps ownership of db.
func WithObservabilityDB(db *sql.DB) Option {
	return func(s *Service) { s.obsDB = db }
}

// WithClock sets the clock of the scheduler and dispatcher.
func WithClock(c schedule.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithEventObserver registers a hook called on the dispatcher goroutine
// after every handled event.
func WithEventObserver(fn func(ev dispatch.Event, err error)) Option {
	return func(s *Service) { s.observer = fn }
}

// New opens the databases and builds every component. Nothing runs until
// Start.
func New(cfg *Config, factory RendererFactory, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	s := &Service{cfg: cfg, logger: slog.Default(), clock: schedule.SystemClock{}}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if err := s.openDatabases(); err != nil {
		s.closeDatabases()
		return nil, err
	}

	s.queue = dispatch.NewQueue(dispatch.QueueConfig{
		Capacity:       cfg.Queue.Capacity,
		EnqueueTimeout: cfg.Queue.EnqueueTimeout,
	}, s.logger)

	rend, err := factory(renderer.Callbacks{
		OnMessage: s.onRendererMessage,
		OnClosed:  s.onSurfaceClosed,
	})
	if err != nil {
		s.closeDatabases()
		return nil, fmt.Errorf("widgetd: renderer: %w", err)
	}
	s.rend = rend

	s.metrics = observability.NewMetricsManager(s.obsDB, observability.MetricsConfig{Logger: s.logger})
	s.audit = observability.NewAuditLogger(s.obsDB, 256, s.logger)

	regOpts := []registry.Option{registry.WithLogger(s.logger)}
	if cfg.MaxWidgets > 0 {
		regOpts = append(regOpts, registry.WithLimit(cfg.MaxWidgets))
	}
	s.registry = registry.New(rend, cfg.Edition, regOpts...)

	s.dispatcher = dispatch.New(s.queue, s.store, s.registry,
		dispatch.WithLogger(s.logger),
		dispatch.WithClock(s.clock),
		dispatch.WithMetrics(s.metrics),
		dispatch.WithHandlerTimeout(cfg.HandlerTimeout),
		dispatch.WithObserver(s.afterEvent),
	)

	s.scheduler = schedule.New(s.store, s.queue, schedule.Config{
		PollInterval:          cfg.Scheduler.PollInterval,
		DefaultScrapeInterval: cfg.Scheduler.DefaultScrapeInterval,
	}, schedule.WithClock(s.clock), schedule.WithLogger(s.logger), schedule.WithMetrics(s.metrics.Record))

	s.watcher = watch.New(s.store.DB, watch.Options{
		Interval: cfg.Scheduler.WatchInterval,
		Detector: watch.TableSignature("modifiers", "created_at"),
		Logger:   s.logger,
	})

	s.heartbeat = observability.NewHeartbeatWriter(s.obsDB, "widgetd", cfg.HeartbeatInterval, s.gauges, s.logger)
	s.endpoints = s.buildEndpoints()
	return s, nil
}

func (s *Service) openDatabases() error {
	if s.store == nil {
		st, err := store.Open(s.cfg.DBPath)
		if err != nil {
			return fmt.Errorf("widgetd: open store: %w", err)
		}
		s.store = st
		s.ownsDBs = append(s.ownsDBs, st.DB)
	} else if _, err := s.store.DB.Exec(store.Schema); err != nil {
		return fmt.Errorf("widgetd: apply store schema: %w", err)
	}

	if s.obsDB == nil {
		// Separate file: observability writes never contend with the store.
		db, err := dbopen.Open(s.cfg.MetricsDBPath, dbopen.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("widgetd: open metrics db: %w", err)
		}
		s.obsDB = db
		s.ownsDBs = append(s.ownsDBs, db)
	}
	if err := observability.Init(s.obsDB); err != nil {
		return fmt.Errorf("widgetd: observability schema: %w", err)
	}
	return nil
}

func (s *Service) closeDatabases() {
	for _, db := range s.ownsDBs {
		if err := db.Close(); err != nil {
			s.logger.Warn("widgetd: close database", "error", err)
		}
	}
	s.ownsDBs = nil
}

// Start runs the dispatcher, seeds the controls widget, reopens every widget
// that was open at last shutdown, then starts the scheduler and background
// loops. It returns once the bootstrap events are handled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return errors.New("widgetd: already started")
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.goRun(func() { s.dispatcher.Run(ctx) })

	if s.cfg.Controls.On() {
		if err := s.seedControls(ctx); err != nil {
			s.logger.Error("widgetd: seed controls widget", "error", err)
		}
	}
	restored, err := s.restoreOpen(ctx)
	if err != nil {
		return err
	}

	s.goRun(func() { s.scheduler.Run(ctx) })
	s.goRun(func() {
		s.watcher.OnChange(ctx, func() error {
			s.scheduler.Kick()
			return nil
		})
	})
	s.goRun(func() { s.heartbeat.Run(ctx) })
	s.goRun(func() { s.retentionLoop(ctx) })

	s.logger.Info("widgetd: started",
		"db", s.cfg.DBPath, "edition", s.registry.Edition(), "limit", s.registry.Limit(), "restored", restored)
	return nil
}

func (s *Service) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// controlsConfig is the built-in controls widget.
func (s *Service) controlsConfig() widget.Config {
	c := widget.Config{
		ID:        widget.ControlsID,
		Title:     "widgetd",
		Source:    widget.Inline(controlsMarkup),
		Level:     widget.LevelTop,
		Decorated: true,
		Bounds:    *s.cfg.Controls.Bounds,
	}
	c.Normalize()
	return c
}

const controlsMarkup = `<!doctype html>
<html><head><meta charset="utf-8"><title>widgetd</title></head>
<body style="font-family:sans-serif;margin:12px">
<h3>widgetd</h3>
<p>Widgets are managed through the control API at <code>/api/widgets</code>.</p>
</body></html>`

func (s *Service) seedControls(ctx context.Context) error {
	_, err := s.store.GetWidget(ctx, widget.ControlsID)
	if err == nil {
		return nil
	}
	if !widget.IsNotFound(err) {
		return err
	}
	cfg := s.controlsConfig()
	_, err = s.queue.Call(ctx, func(reply chan<- dispatch.Outcome) dispatch.Event {
		return dispatch.CreateWidget{Config: cfg, Reply: reply}
	})
	if err != nil {
		return err
	}
	s.logger.Info("widgetd: controls widget seeded")
	return nil
}

// restoreOpen reopens every stored widget marked open. A widget that cannot
// be reopened is logged and left as stored.
func (s *Service) restoreOpen(ctx context.Context) (int, error) {
	configs, err := s.store.ListWidgets(ctx)
	if err != nil {
		return 0, fmt.Errorf("widgetd: list widgets: %w", err)
	}
	n := 0
	for _, c := range configs {
		if !c.Open {
			continue
		}
		id := c.ID
		_, err := s.queue.Call(ctx, func(reply chan<- dispatch.Outcome) dispatch.Event {
			return dispatch.ToggleVisibility{WidgetID: id, Visible: true, Reply: reply}
		})
		if err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			s.logger.Warn("widgetd: restore widget", "widget_id", id, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// afterEvent runs on the dispatcher goroutine, the only place the registry
// may be read.
func (s *Service) afterEvent(ev dispatch.Event, err error) {
	s.openWidgets.Store(int64(s.registry.Len()))
	if s.observer != nil {
		s.observer(ev, err)
	}
}

func (s *Service) gauges() observability.Gauges {
	return observability.Gauges{
		OpenWidgets: int(s.openWidgets.Load()),
		QueueDepth:  s.queue.Len(),
	}
}

// onRendererMessage runs on renderer goroutines.
func (s *Service) onRendererMessage(payload string) {
	if s.stopping.Load() {
		return
	}
	m, err := extraction.Decode(payload)
	if err != nil {
		s.logger.Warn("widgetd: malformed extraction payload dropped", "error", err)
		return
	}
	ev := dispatch.ExtractionResult{Message: m, ReceivedAt: s.clock.Now()}
	if err := s.queue.Enqueue(context.Background(), ev); err != nil {
		s.logger.Warn("widgetd: extraction result not enqueued", "widget_id", m.WidgetID, "error", err)
	}
}

// onSurfaceClosed runs on renderer goroutines.
func (s *Service) onSurfaceClosed(surfaceID string) {
	if s.stopping.Load() {
		return
	}
	if err := s.queue.Enqueue(context.Background(), dispatch.WindowClosed{SurfaceID: surfaceID}); err != nil {
		s.logger.Warn("widgetd: window close not enqueued", "surface_id", surfaceID, "error", err)
	}
}

func (s *Service) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := observability.Cleanup(ctx, s.obsDB, s.cfg.Retention, s.clock.Now())
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.Warn("widgetd: retention cleanup", "error", err)
		case n > 0:
			s.logger.Info("widgetd: retention cleanup", "rows_deleted", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops every loop, closes open surfaces and the renderer, flushes
// metrics and audit entries, and closes the databases the service opened.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	s.stopping.Store(true)
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	var errs []error
	if err := s.rend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("renderer: %w", err))
	}
	if err := s.metrics.Close(); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}
	if err := s.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit: %w", err))
	}
	s.closeDatabases()
	s.logger.Info("widgetd: stopped")
	return errors.Join(errs...)
}

// Store returns the underlying store for direct access (testing, admin).
func (s *Service) Store() *store.Store { return s.store }

// Metrics returns the metrics manager.
func (s *Service) Metrics() *observability.MetricsManager { return s.metrics }

// Audit returns the audit logger.
func (s *Service) Audit() *observability.AuditLogger { return s.audit }

// Health is the liveness summary served at /health.
type Health struct {
	Status      string      `json:"status"`
	Edition     string      `json:"edition"`
	WidgetLimit int         `json:"widget_limit"`
	OpenWidgets int         `json:"open_widgets"`
	QueueDepth  int         `json:"queue_depth"`
	QueueCap    int         `json:"queue_capacity"`
	Watch       watch.Stats `json:"watch"`
}

// Health reports the current gauges.
func (s *Service) Health() Health {
	g := s.gauges()
	return Health{
		Status:      "ok",
		Edition:     s.registry.Edition(),
		WidgetLimit: s.registry.Limit(),
		OpenWidgets: g.OpenWidgets,
		QueueDepth:  g.QueueDepth,
		QueueCap:    s.queue.Cap(),
		Watch:       s.watcher.Stats(),
	}
}
