// Package dispatch serializes every widget mutation through one goroutine.
//
// Producers (HTTP API, MCP tools, scheduler, renderer callbacks) enqueue
// typed events into a Queue. The Dispatcher drains it in FIFO order and is
// the only code that touches the registry. A failing or panicking handler is
// logged with the event kind and widget id; the loop carries on.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/widgetd/idgen"
	"github.com/hazyhaar/widgetd/observability"
	"github.com/hazyhaar/widgetd/widget"
	"github.com/hazyhaar/widgetd/widgetd/internal/registry"
	"github.com/hazyhaar/widgetd/widgetd/internal/schedule"
)

// Store is the persistence the dispatcher writes through.
type Store interface {
	InsertWidget(ctx context.Context, c *widget.Config, mods []widget.Modifier) error
	GetWidget(ctx context.Context, id string) (*widget.Config, error)
	CountWidgets(ctx context.Context, except ...string) (int, error)
	SetOpen(ctx context.Context, id string, open bool) error
	UpdateBounds(ctx context.Context, id string, b widget.Bounds) error
	UpdateSettings(ctx context.Context, id string, s widget.Settings) (*widget.Config, error)
	DeleteWidget(ctx context.Context, id string, purgeHistory bool) error
	AppendExtraction(ctx context.Context, r *widget.ExtractionRecord) error
}

// MetricsRecorder receives per-event timings. *observability.MetricsManager
// satisfies it.
type MetricsRecorder interface {
	Record(m *observability.Metric)
}

// Metric names.
const (
	MetricEventMs          = "dispatch_event_ms"
	MetricExtractionsCount = "extraction_records_count"
)

// WidgetState is the reply value of lifecycle events.
type WidgetState struct {
	Config    widget.Config `json:"config"`
	Open      bool          `json:"open"`
	Visible   bool          `json:"visible"`
	SurfaceID string        `json:"surface_id,omitempty"`
}

// Dispatcher is the single-writer event loop.
type Dispatcher struct {
	queue    *Queue
	store    Store
	registry *registry.Registry
	clock    schedule.Clock
	logger   *slog.Logger
	metrics  MetricsRecorder

	newIncarnation func() string
	handlerTimeout time.Duration

	// observe, when set, is called after every handled event, before the
	// reply is sent. Tests use it to wait for the loop without sleeping.
	observe func(Event, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock sets the clock used to stamp extraction records without a
// timestamp.
func WithClock(c schedule.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithMetrics enables per-event timing metrics.
func WithMetrics(m MetricsRecorder) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithIncarnations overrides the incarnation id generator.
func WithIncarnations(gen func() string) Option {
	return func(d *Dispatcher) { d.newIncarnation = gen }
}

// WithHandlerTimeout bounds each renderer and store call made by a handler.
func WithHandlerTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.handlerTimeout = d
		}
	}
}

// WithObserver registers a hook called after every handled event, before
// its reply is sent.
func WithObserver(fn func(Event, error)) Option {
	return func(d *Dispatcher) { d.observe = fn }
}

// New creates a dispatcher. reg must not be used by any other goroutine
// once Run starts.
func New(q *Queue, s Store, reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:          q,
		store:          s,
		registry:       reg,
		clock:          schedule.SystemClock{},
		logger:         slog.Default(),
		newIncarnation: idgen.New,
		handlerTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run drains the queue until ctx is cancelled, then closes every open
// surface. Surfaces are left to the renderer's own shutdown otherwise.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatch: started", "capacity", d.queue.Cap())
	defer func() {
		d.registry.CloseAll()
		d.logger.Info("dispatch: stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue.ch:
			d.Handle(ctx, ev)
		}
	}
}

// Handle processes one event synchronously. It is exported for tests and
// for draining the queue on shutdown; in production only Run calls it.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) {
	start := time.Now()
	val, err := d.safeHandle(ctx, ev)
	elapsed := time.Since(start)
	if d.observe != nil {
		d.observe(ev, err)
	}

	if r := ev.reply(); r != nil {
		select {
		case r <- Outcome{Value: val, Err: err}:
		default:
			d.logger.Warn("dispatch: reply dropped", "event", ev.Kind(), "widget_id", ev.Widget())
		}
	}

	if err != nil {
		lvl := slog.LevelError
		if isCallerError(err) {
			lvl = slog.LevelDebug
		}
		d.logger.Log(ctx, lvl, "dispatch: event failed",
			"event", ev.Kind(), "widget_id", ev.Widget(), "error", err, "duration", elapsed)
	}
	if d.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		d.metrics.Record(&observability.Metric{
			Name:      MetricEventMs,
			Timestamp: time.Now(),
			Value:     float64(elapsed.Microseconds()) / 1000,
			Labels:    map[string]string{"kind": ev.Kind(), "status": status},
			Unit:      "milliseconds",
		})
	}
}

// isCallerError reports errors that describe the request, not a fault.
func isCallerError(err error) bool {
	return widget.IsNotFound(err) || widget.IsDuplicate(err) ||
		widget.IsLimitExceeded(err) || widget.IsValidation(err)
}

func (d *Dispatcher) safeHandle(ctx context.Context, ev Event) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: panic in %s handler: %v", ev.Kind(), r)
		}
	}()

	hctx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
	defer cancel()

	switch e := ev.(type) {
	case CreateWidget:
		return d.createWidget(hctx, e)
	case DeleteWidget:
		return nil, d.deleteWidget(hctx, e)
	case ToggleVisibility:
		return d.toggleVisibility(hctx, e)
	case UpdateBounds:
		return d.updateBounds(hctx, e)
	case UpdateSettings:
		return d.updateSettings(hctx, e)
	case ModifierFire:
		return nil, d.modifierFire(hctx, e)
	case ExtractionResult:
		return d.extractionResult(hctx, e)
	case WindowClosed:
		return nil, d.windowClosed(hctx, e)
	default:
		return nil, fmt.Errorf("dispatch: unknown event %T", ev)
	}
}

func stateOf(e *registry.Entry) *WidgetState {
	return &WidgetState{Config: e.Config, Open: true, Visible: e.Visible, SurfaceID: e.SurfaceID}
}
