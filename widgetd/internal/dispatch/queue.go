package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/widgetd/widgetd/internal/schedule"
)

// ErrQueueFull is returned when an event could not be enqueued within the
// enqueue timeout.
var ErrQueueFull = errors.New("dispatch: event queue full")

// Queue is the bounded multi-producer queue feeding the dispatcher.
//
// Producers block while the queue is full, up to the enqueue timeout or
// their context deadline, whichever comes first. Events are never dropped
// silently: a producer that gives up gets an error and a warning is logged.
type Queue struct {
	ch      chan Event
	timeout time.Duration
	logger  *slog.Logger
}

// QueueConfig sizes a Queue.
type QueueConfig struct {
	Capacity       int
	EnqueueTimeout time.Duration
}

func (c *QueueConfig) defaults() {
	if c.Capacity <= 0 {
		c.Capacity = 1024
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 5 * time.Second
	}
}

// NewQueue creates a queue.
func NewQueue(cfg QueueConfig, logger *slog.Logger) *Queue {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		ch:      make(chan Event, cfg.Capacity),
		timeout: cfg.EnqueueTimeout,
		logger:  logger,
	}
}

// Enqueue validates ev and appends it to the queue.
func (q *Queue) Enqueue(ctx context.Context, ev Event) error {
	if ev == nil {
		return errors.New("dispatch: nil event")
	}
	if err := ev.validate(); err != nil {
		return err
	}

	select {
	case q.ch <- ev:
		return nil
	default:
	}

	t := time.NewTimer(q.timeout)
	defer t.Stop()
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		q.logger.Warn("dispatch: enqueue abandoned", "event", ev.Kind(), "widget_id", ev.Widget(), "error", ctx.Err())
		return fmt.Errorf("dispatch: enqueue %s: %w", ev.Kind(), ctx.Err())
	case <-t.C:
		q.logger.Warn("dispatch: queue full, event refused", "event", ev.Kind(), "widget_id", ev.Widget(),
			"capacity", cap(q.ch), "waited", q.timeout)
		return ErrQueueFull
	}
}

// EnqueueFire implements schedule.Sink.
func (q *Queue) EnqueueFire(ctx context.Context, f schedule.Fire) error {
	return q.Enqueue(ctx, ModifierFire{Fire: f})
}

// Call enqueues the event built by mk and waits for its outcome.
func (q *Queue) Call(ctx context.Context, mk func(reply chan<- Outcome) Event) (any, error) {
	reply := make(chan Outcome, 1)
	if err := q.Enqueue(ctx, mk(reply)); err != nil {
		return nil, err
	}
	select {
	case out := <-reply:
		return out.Value, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
