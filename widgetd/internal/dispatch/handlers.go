package dispatch

import (
	"context"
	"time"

	"github.com/hazyhaar/widgetd/extraction"
	"github.com/hazyhaar/widgetd/observability"
	"github.com/hazyhaar/widgetd/widget"
	"github.com/hazyhaar/widgetd/widgetd/internal/registry"
	"github.com/hazyhaar/widgetd/widgetd/internal/schedule"
)

// createWidget checks the cap, persists, then opens the surface. A surface
// that cannot be opened rolls the stored row back, so a failed create leaves
// neither a row nor a surface. History kept from an earlier widget with the
// same id is not touched by the rollback.
func (d *Dispatcher) createWidget(ctx context.Context, e CreateWidget) (*WidgetState, error) {
	cfg := e.Config
	if err := d.checkCapacity(ctx, cfg.ID); err != nil {
		return nil, err
	}
	cfg.Incarnation = d.newIncarnation()
	cfg.Open = true

	mods := append([]widget.Modifier(nil), e.Modifiers...)
	if err := d.store.InsertWidget(ctx, &cfg, mods); err != nil {
		return nil, err
	}

	entry, err := d.registry.Create(ctx, cfg)
	if err != nil {
		if derr := d.store.DeleteWidget(ctx, cfg.ID, false); derr != nil {
			d.logger.Error("dispatch: rollback of stored widget failed",
				"widget_id", cfg.ID, "error", derr)
		}
		return nil, err
	}
	d.logger.Info("dispatch: widget created",
		"widget_id", cfg.ID, "surface_id", entry.SurfaceID, "incarnation_id", cfg.Incarnation,
		"modifiers", len(mods))
	return stateOf(entry), nil
}

// checkCapacity counts stored widgets, closed ones included, against the
// edition cap. The controls widget and a widget already stored under id are
// not counted; a taken id fails later as a duplicate.
func (d *Dispatcher) checkCapacity(ctx context.Context, id string) error {
	if id == widget.ControlsID {
		return nil
	}
	n, err := d.store.CountWidgets(ctx, widget.ControlsID, id)
	if err != nil {
		return err
	}
	if limit := d.registry.Limit(); n+1 > limit {
		return &widget.LimitExceededError{Limit: limit, Edition: d.registry.Edition()}
	}
	return nil
}

// deleteWidget commits the store cascade before tearing down the surface, so
// a failed delete leaves the widget both stored and open. The store reports
// NotFoundError for an unknown id so direct API callers can surface it.
func (d *Dispatcher) deleteWidget(ctx context.Context, e DeleteWidget) error {
	if err := d.store.DeleteWidget(ctx, e.WidgetID, e.PurgeHistory); err != nil {
		if widget.IsNotFound(err) {
			d.registry.Remove(e.WidgetID)
		}
		return err
	}
	d.registry.Remove(e.WidgetID)
	d.logger.Info("dispatch: widget deleted", "widget_id", e.WidgetID, "purge_history", e.PurgeHistory)
	return nil
}

func (d *Dispatcher) toggleVisibility(ctx context.Context, e ToggleVisibility) (*WidgetState, error) {
	if entry, ok := d.registry.Get(e.WidgetID); ok {
		if err := entry.Surface.SetVisible(ctx, e.Visible); err != nil {
			return nil, &widget.TransportFailureError{WidgetID: e.WidgetID, Op: "set_visible", Cause: err}
		}
		entry.Visible = e.Visible
		return stateOf(entry), nil
	}

	cfg, err := d.store.GetWidget(ctx, e.WidgetID)
	if err != nil {
		return nil, err
	}
	if !e.Visible {
		// Hiding a closed widget changes nothing.
		return &WidgetState{Config: *cfg}, nil
	}
	return d.reopen(ctx, cfg)
}

// reopen rebuilds runtime state from a persisted config.
func (d *Dispatcher) reopen(ctx context.Context, cfg *widget.Config) (*WidgetState, error) {
	entry, err := d.registry.Create(ctx, *cfg)
	if err != nil {
		return nil, err
	}
	if err := d.store.SetOpen(ctx, cfg.ID, true); err != nil {
		d.registry.Remove(cfg.ID)
		return nil, err
	}
	entry.Config.Open = true
	d.logger.Info("dispatch: widget reopened", "widget_id", cfg.ID, "surface_id", entry.SurfaceID)
	return stateOf(entry), nil
}

func (d *Dispatcher) updateBounds(ctx context.Context, e UpdateBounds) (*WidgetState, error) {
	if err := d.store.UpdateBounds(ctx, e.WidgetID, e.Bounds); err != nil {
		return nil, err
	}
	entry, ok := d.registry.Get(e.WidgetID)
	if !ok {
		cfg, err := d.store.GetWidget(ctx, e.WidgetID)
		if err != nil {
			return nil, err
		}
		return &WidgetState{Config: *cfg}, nil
	}
	entry.Config.Bounds = e.Bounds
	if err := entry.Surface.SetBounds(ctx, e.Bounds); err != nil {
		d.logger.Warn("dispatch: apply bounds to surface", "widget_id", e.WidgetID, "error", err)
	}
	return stateOf(entry), nil
}

func (d *Dispatcher) updateSettings(ctx context.Context, e UpdateSettings) (*WidgetState, error) {
	cfg, err := d.store.UpdateSettings(ctx, e.WidgetID, e.Settings)
	if err != nil {
		return nil, err
	}
	entry, ok := d.registry.Get(e.WidgetID)
	if !ok {
		return &WidgetState{Config: *cfg}, nil
	}
	e.Settings.Apply(&entry.Config)
	if err := entry.Surface.Apply(ctx, entry.Config); err != nil {
		d.logger.Warn("dispatch: apply settings to surface", "widget_id", e.WidgetID, "error", err)
	}
	return stateOf(entry), nil
}

// modifierFire runs a due modifier against the live surface. Fires for
// closed widgets are dropped. The debounce is kept per modifier on the
// surface and uses the fire's own timestamp, so it shares the scheduler's
// time base.
func (d *Dispatcher) modifierFire(ctx context.Context, e ModifierFire) error {
	f := e.Fire
	entry, ok := d.registry.Get(f.WidgetID)
	if !ok {
		d.logger.Debug("dispatch: fire for closed widget dropped",
			"widget_id", f.WidgetID, "modifier_id", f.Modifier.ID, "kind", f.Modifier.Kind)
		return nil
	}
	interval := f.Interval
	if interval <= 0 {
		interval = f.Modifier.Interval(time.Minute)
	}
	if last, ok := entry.LastFired(f.Modifier.ID); ok && !schedule.Due(f.FiredAt, last, interval) {
		d.logger.Debug("dispatch: fire debounced",
			"widget_id", f.WidgetID, "modifier_id", f.Modifier.ID, "kind", f.Modifier.Kind, "last_fired", last)
		return nil
	}

	switch f.Modifier.Kind {
	case widget.KindRefresh:
		if err := d.refresh(ctx, entry); err != nil {
			return err
		}
	case widget.KindScrape:
		req := extraction.Request{
			WidgetID:    entry.Config.ID,
			Incarnation: entry.Config.Incarnation,
			Selector:    f.Modifier.Selector,
		}
		if err := entry.Surface.Extract(ctx, req); err != nil {
			return &widget.TransportFailureError{WidgetID: f.WidgetID, Op: "extract", Cause: err}
		}
	}
	entry.MarkFired(f.Modifier, f.FiredAt)
	return nil
}

// refresh starts a reload of a remote source. An inline source has nothing
// to re-fetch: its stored markup is rendered again.
func (d *Dispatcher) refresh(ctx context.Context, entry *registry.Entry) error {
	id := entry.Config.ID
	if entry.Config.Source.IsRemote() {
		if err := entry.Surface.Reload(ctx); err != nil {
			return &widget.TransportFailureError{WidgetID: id, Op: "reload", Cause: err}
		}
		return nil
	}
	cfg, err := d.store.GetWidget(ctx, id)
	if err != nil {
		return err
	}
	if err := entry.Surface.SetContent(ctx, cfg.Source.HTML); err != nil {
		return &widget.TransportFailureError{WidgetID: id, Op: "set_content", Cause: err}
	}
	d.logger.Debug("dispatch: inline source re-rendered", "widget_id", id)
	return nil
}

// extractionResult appends the result to history whatever the state of the
// widget it names. The record is keyed by the ids carried in the message.
func (d *Dispatcher) extractionResult(ctx context.Context, e ExtractionResult) (*widget.ExtractionRecord, error) {
	now := e.ReceivedAt
	if now.IsZero() {
		now = d.clock.Now()
	}
	rec := e.Message.Record(now)
	if err := d.store.AppendExtraction(ctx, &rec); err != nil {
		return nil, err
	}

	live, ok := d.registry.Get(rec.WidgetID)
	switch {
	case !ok:
		d.logger.Debug("dispatch: extraction for widget without surface recorded", "widget_id", rec.WidgetID)
	case rec.Incarnation != "" && live.Config.Incarnation != rec.Incarnation:
		d.logger.Debug("dispatch: extraction from previous incarnation recorded",
			"widget_id", rec.WidgetID, "incarnation_id", rec.Incarnation, "live_incarnation_id", live.Config.Incarnation)
	}
	if d.metrics != nil {
		status := "value"
		if rec.Error != "" {
			status = "error"
		}
		d.metrics.Record(&observability.Metric{
			Name:      MetricExtractionsCount,
			Timestamp: now,
			Value:     1,
			Labels:    map[string]string{"widget_id": rec.WidgetID, "status": status},
			Unit:      "count",
		})
	}
	return &rec, nil
}

// windowClosed drops runtime state for a surface that went away and marks
// the widget closed. Its config and modifiers stay.
func (d *Dispatcher) windowClosed(ctx context.Context, e WindowClosed) error {
	id, ok := d.registry.Detach(e.SurfaceID)
	if !ok {
		return nil
	}
	if err := d.store.SetOpen(ctx, id, false); err != nil {
		if widget.IsNotFound(err) {
			d.logger.Debug("dispatch: closed surface of deleted widget", "widget_id", id, "surface_id", e.SurfaceID)
			return nil
		}
		return err
	}
	d.logger.Info("dispatch: widget closed", "widget_id", id, "surface_id", e.SurfaceID)
	return nil
}
