// Package registry holds the runtime state of open widgets.
//
// A Registry is owned by the dispatcher goroutine and is not safe for
// concurrent use. It keeps two indices, widget id to entry and surface id to
// widget id, and every method that touches one touches the other in the same
// step: over the set of open widgets the two maps are a bijection.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/hazyhaar/widgetd/renderer"
	"github.com/hazyhaar/widgetd/widget"
)

// Editions and their default widget caps.
const (
	EditionBase = "base"
	EditionPro  = "pro"
)

var editionLimits = map[string]int{
	EditionBase: 3,
	EditionPro:  20,
}

// EditionLimit returns the widget cap of an edition. Unknown editions get
// the base cap.
func EditionLimit(edition string) int {
	if n, ok := editionLimits[edition]; ok {
		return n
	}
	return editionLimits[EditionBase]
}

var errSurfaceReused = errors.New("registry: surface id already indexed")

// Entry is the runtime state of one open widget.
type Entry struct {
	Config    widget.Config
	Surface   renderer.Surface
	SurfaceID string
	Visible   bool

	// LastRefresh and LastScrape are the latest fire times of each kind
	// applied to this surface, on the scheduler's clock. Zero means never.
	LastRefresh time.Time
	LastScrape  time.Time

	fired map[string]time.Time // by modifier id
}

// LastFired returns when the modifier last ran on this surface.
func (e *Entry) LastFired(modifierID string) (time.Time, bool) {
	t, ok := e.fired[modifierID]
	return t, ok
}

// MarkFired records that m ran at t.
func (e *Entry) MarkFired(m widget.Modifier, t time.Time) {
	if e.fired == nil {
		e.fired = make(map[string]time.Time)
	}
	e.fired[m.ID] = t
	switch m.Kind {
	case widget.KindRefresh:
		if t.After(e.LastRefresh) {
			e.LastRefresh = t
		}
	case widget.KindScrape:
		if t.After(e.LastScrape) {
			e.LastScrape = t
		}
	}
}

// Registry maps open widgets to their live surfaces.
type Registry struct {
	renderer renderer.Renderer
	limit    int
	edition  string
	logger   *slog.Logger

	byWidget  map[string]*Entry
	bySurface map[string]string
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithLimit overrides the edition cap. n <= 0 keeps the edition default.
func WithLimit(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.limit = n
		}
	}
}

// New returns an empty registry opening surfaces with rend.
func New(rend renderer.Renderer, edition string, opts ...Option) *Registry {
	if edition == "" {
		edition = EditionBase
	}
	r := &Registry{
		renderer:  rend,
		edition:   edition,
		limit:     EditionLimit(edition),
		logger:    slog.Default(),
		byWidget:  make(map[string]*Entry),
		bySurface: make(map[string]string),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Limit returns the cap on non-controls widgets.
func (r *Registry) Limit() int { return r.limit }

// Edition returns the configured edition.
func (r *Registry) Edition() string { return r.edition }

// CheckCapacity reports whether one more widget with id may be opened.
// The controls widget is exempt.
func (r *Registry) CheckCapacity(id string) error {
	if id == widget.ControlsID {
		return nil
	}
	if _, ok := r.byWidget[id]; ok {
		return nil
	}
	if r.countCapped()+1 > r.limit {
		return &widget.LimitExceededError{Limit: r.limit, Edition: r.edition}
	}
	return nil
}

func (r *Registry) countCapped() int {
	n := 0
	for id := range r.byWidget {
		if id != widget.ControlsID {
			n++
		}
	}
	return n
}

// Create opens a surface for cfg and indexes it. It fails with
// *widget.LimitExceededError when the cap is reached, and with
// *widget.DuplicateWidgetIDError when the widget is already open. Nothing is
// indexed when the renderer fails.
func (r *Registry) Create(ctx context.Context, cfg widget.Config) (*Entry, error) {
	if _, ok := r.byWidget[cfg.ID]; ok {
		return nil, &widget.DuplicateWidgetIDError{WidgetID: cfg.ID}
	}
	if err := r.CheckCapacity(cfg.ID); err != nil {
		return nil, err
	}
	surface, err := r.renderer.Open(ctx, cfg)
	if err != nil {
		return nil, &widget.TransportFailureError{WidgetID: cfg.ID, Op: "open", Cause: err}
	}
	e := &Entry{
		Config:    cfg,
		Surface:   surface,
		SurfaceID: surface.ID(),
		Visible:   true,
	}
	if other, taken := r.bySurface[e.SurfaceID]; taken {
		// A renderer reusing a live surface id would break the index pairing.
		surface.Close()
		r.logger.Error("registry: renderer reused a live surface id",
			"surface_id", e.SurfaceID, "widget_id", cfg.ID, "held_by", other)
		return nil, &widget.TransportFailureError{WidgetID: cfg.ID, Op: "open", Cause: errSurfaceReused}
	}
	r.byWidget[cfg.ID] = e
	r.bySurface[e.SurfaceID] = cfg.ID
	r.logger.Debug("registry: widget opened", "widget_id", cfg.ID, "surface_id", e.SurfaceID)
	return e, nil
}

// Get returns the entry of an open widget.
func (r *Registry) Get(widgetID string) (*Entry, bool) {
	e, ok := r.byWidget[widgetID]
	return e, ok
}

// GetBySurface returns the entry owning surfaceID.
func (r *Registry) GetBySurface(surfaceID string) (*Entry, bool) {
	id, ok := r.bySurface[surfaceID]
	if !ok {
		return nil, false
	}
	e, ok := r.byWidget[id]
	return e, ok
}

// Remove closes the widget's surface and drops both index entries. Removing
// an unknown widget is a logged no-op.
func (r *Registry) Remove(widgetID string) bool {
	e, ok := r.byWidget[widgetID]
	if !ok {
		r.logger.Debug("registry: remove of unknown widget", "widget_id", widgetID)
		return false
	}
	delete(r.byWidget, widgetID)
	delete(r.bySurface, e.SurfaceID)
	if err := e.Surface.Close(); err != nil {
		r.logger.Warn("registry: close surface", "widget_id", widgetID, "surface_id", e.SurfaceID, "error", err)
	}
	return true
}

// Detach drops the index entries of a surface that is already gone, without
// closing it, and returns the widget it belonged to.
func (r *Registry) Detach(surfaceID string) (string, bool) {
	id, ok := r.bySurface[surfaceID]
	if !ok {
		r.logger.Debug("registry: detach of unknown surface", "surface_id", surfaceID)
		return "", false
	}
	delete(r.bySurface, surfaceID)
	delete(r.byWidget, id)
	return id, true
}

// ListOpen returns the open entries ordered by widget id.
func (r *Registry) ListOpen() []*Entry {
	out := make([]*Entry, 0, len(r.byWidget))
	for _, e := range r.byWidget {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// Len returns the number of open widgets.
func (r *Registry) Len() int { return len(r.byWidget) }

// CloseAll removes every entry, closing its surface.
func (r *Registry) CloseAll() {
	for id := range r.byWidget {
		r.Remove(id)
	}
}
