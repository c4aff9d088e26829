package widgetd

import (
	"context"
	"fmt"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/widgetd/idgen"
	"github.com/hazyhaar/widgetd/kit"
	"github.com/hazyhaar/widgetd/observability"
	"github.com/hazyhaar/widgetd/widget"
	"github.com/hazyhaar/widgetd/widgetd/internal/dispatch"
	"github.com/hazyhaar/widgetd/widgetd/internal/store"
)

// Control API requests. Mutations on runtime state go through exactly one
// dispatcher event; modifier writes go straight to the store.

// CreateWidgetRequest creates a widget. An empty WidgetID is generated.
type CreateWidgetRequest struct {
	WidgetID      string               `json:"widget_id,omitempty"`
	Title         string               `json:"title"`
	ContentSource widget.ContentSource `json:"content_source"`
	Level         widget.Level         `json:"level,omitempty"`
	Transparent   bool                 `json:"transparent"`
	// Decorated defaults to true.
	Decorated *bool            `json:"decorated,omitempty"`
	Bounds    *widget.Bounds   `json:"bounds,omitempty"`
	Modifiers []widget.Modifier `json:"modifiers,omitempty"`
}

// DeleteWidgetRequest deletes a widget and its modifiers. History is purged
// unless KeepHistory is set.
type DeleteWidgetRequest struct {
	WidgetID    string `json:"widget_id"`
	KeepHistory bool   `json:"keep_history,omitempty"`
}

// VisibilityRequest shows or hides a widget. Showing a closed widget
// reopens it.
type VisibilityRequest struct {
	WidgetID string `json:"widget_id"`
	Visible  bool   `json:"visible"`
}

// BoundsRequest moves or resizes a widget.
type BoundsRequest struct {
	WidgetID string        `json:"widget_id"`
	Bounds   widget.Bounds `json:"bounds"`
}

// SettingsRequest updates presentation attributes.
type SettingsRequest struct {
	WidgetID string `json:"widget_id"`
	widget.Settings
}

// AddModifierRequest attaches a modifier to a stored widget.
type AddModifierRequest struct {
	WidgetID        string              `json:"widget_id"`
	Kind            widget.ModifierKind `json:"kind"`
	IntervalSeconds int                 `json:"interval_seconds,omitempty"`
	Selector        string              `json:"css_selector,omitempty"`
}

// ModifierRef names one modifier.
type ModifierRef struct {
	WidgetID   string `json:"widget_id"`
	ModifierID string `json:"modifier_id"`
}

// WidgetRef names one widget.
type WidgetRef struct {
	WidgetID string `json:"widget_id"`
}

// HistoryRequest filters the extraction history.
type HistoryRequest struct {
	WidgetID string `json:"widget_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// ListRequest takes no parameters.
type ListRequest struct{}

func (r *CreateWidgetRequest) auditWidget() string { return r.WidgetID }
func (r *DeleteWidgetRequest) auditWidget() string { return r.WidgetID }
func (r *VisibilityRequest) auditWidget() string   { return r.WidgetID }
func (r *BoundsRequest) auditWidget() string       { return r.WidgetID }
func (r *SettingsRequest) auditWidget() string     { return r.WidgetID }
func (r *AddModifierRequest) auditWidget() string  { return r.WidgetID }
func (r *ModifierRef) auditWidget() string         { return r.WidgetID }

// inlinePolicy keeps presentational markup and drops scripts, event handler
// attributes and javascript: URLs.
var inlinePolicy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowStyling()
	return p
}()

// CreateWidget validates the request and creates the widget through the
// dispatcher. Bad input is rejected before anything is enqueued.
func (s *Service) CreateWidget(ctx context.Context, req *CreateWidgetRequest) (*WidgetState, error) {
	if req.WidgetID == "" {
		req.WidgetID = idgen.Widget()
	}
	cfg := widget.Config{
		ID:          req.WidgetID,
		Title:       req.Title,
		Source:      req.ContentSource,
		Level:       req.Level,
		Transparent: req.Transparent,
		Decorated:   req.Decorated == nil || *req.Decorated,
	}
	if req.Bounds != nil {
		cfg.Bounds = *req.Bounds
	}
	if s.cfg.SanitizeInline && cfg.Source.Kind == widget.SourceInline {
		cfg.Source.HTML = inlinePolicy.Sanitize(cfg.Source.HTML)
	}
	cfg.Normalize()
	req.WidgetID = cfg.ID

	mods := make([]widget.Modifier, len(req.Modifiers))
	for i, m := range req.Modifiers {
		m.ID = ""
		m.WidgetID = cfg.ID
		mods[i] = m
	}
	return s.callState(ctx, func(reply chan<- dispatch.Outcome) dispatch.Event {
		return dispatch.CreateWidget{Config: cfg, Modifiers: mods, Reply: reply}
	})
}

// DeleteWidget removes a widget. It fails with *widget.NotFoundError when
// nothing is stored under the id.
func (s *Service) DeleteWidget(ctx context.Context, req *DeleteWidgetRequest) error {
	_, err := s.queue.Call(ctx, func(reply chan<- dispatch.Outcome) dispatch.Event {
		return dispatch.DeleteWidget{WidgetID: req.WidgetID, PurgeHistory: !req.KeepHistory, Reply: reply}
	})
	return err
}

// SetVisibility shows or hides a widget.
func (s *Service) SetVisibility(ctx context.Context, req *VisibilityRequest) (*WidgetState, error) {
	return s.callState(ctx, func(reply chan<- dispatch.Outcome) dispatch.Event {
		return dispatch.ToggleVisibility{WidgetID: req.WidgetID, Visible: req.Visible, Reply: reply}
	})
}

// SetBounds moves or resizes a widget and persists the new layout.
func (s *Service) SetBounds(ctx context.Context, req *BoundsRequest) (*WidgetState, error) {
	return s.callState(ctx, func(reply chan<- dispatch.Outcome) dispatch.Event {
		return dispatch.UpdateBounds{WidgetID: req.WidgetID, Bounds: req.Bounds, Reply: reply}
	})
}

// UpdateSettings changes presentation attributes.
func (s *Service) UpdateSettings(ctx context.Context, req *SettingsRequest) (*WidgetState, error) {
	return s.callState(ctx, func(reply chan<- dispatch.Outcome) dispatch.Event {
		return dispatch.UpdateSettings{WidgetID: req.WidgetID, Settings: req.Settings, Reply: reply}
	})
}

func (s *Service) callState(ctx context.Context, mk func(chan<- dispatch.Outcome) dispatch.Event) (*WidgetState, error) {
	v, err := s.queue.Call(ctx, mk)
	if err != nil {
		return nil, err
	}
	st, ok := v.(*WidgetState)
	if !ok {
		return nil, fmt.Errorf("widgetd: unexpected reply %T", v)
	}
	return st, nil
}

// ListWidgets returns every stored widget config.
func (s *Service) ListWidgets(ctx context.Context) ([]*widget.Config, error) {
	return s.store.ListWidgets(ctx)
}

// GetWidget returns one stored widget config.
func (s *Service) GetWidget(ctx context.Context, id string) (*widget.Config, error) {
	if err := widget.ValidateID(id); err != nil {
		return nil, err
	}
	return s.store.GetWidget(ctx, id)
}

// AddModifier stores a modifier. The scheduler picks it up through the
// modifiers-table watcher or at its next poll.
func (s *Service) AddModifier(ctx context.Context, req *AddModifierRequest) (*widget.Modifier, error) {
	if err := widget.ValidateID(req.WidgetID); err != nil {
		return nil, err
	}
	m := &widget.Modifier{
		WidgetID:        req.WidgetID,
		Kind:            req.Kind,
		IntervalSeconds: req.IntervalSeconds,
		Selector:        req.Selector,
	}
	if err := widget.ValidateModifier(m); err != nil {
		return nil, err
	}
	if err := s.store.InsertModifier(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteModifier removes one modifier.
func (s *Service) DeleteModifier(ctx context.Context, req *ModifierRef) error {
	if err := widget.ValidateID(req.WidgetID); err != nil {
		return err
	}
	if req.ModifierID == "" {
		return &widget.ValidationError{Field: "modifier_id", Reason: "must not be empty"}
	}
	return s.store.DeleteModifier(ctx, req.WidgetID, req.ModifierID)
}

// ListModifiers returns the modifiers of a stored widget.
func (s *Service) ListModifiers(ctx context.Context, widgetID string) ([]widget.Modifier, error) {
	if _, err := s.GetWidget(ctx, widgetID); err != nil {
		return nil, err
	}
	return s.store.ListModifiers(ctx, widgetID)
}

// LatestExtractions returns the newest record of each widget's current
// incarnation.
func (s *Service) LatestExtractions(ctx context.Context) ([]widget.ExtractionRecord, error) {
	return s.store.LatestExtractions(ctx)
}

// ExtractionHistory returns history records newest first.
func (s *Service) ExtractionHistory(ctx context.Context, req *HistoryRequest) ([]widget.ExtractionRecord, error) {
	if req.Limit < 0 {
		return nil, &widget.ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	return s.store.ExtractionHistory(ctx, store.HistoryQuery{WidgetID: req.WidgetID, Limit: req.Limit})
}

// endpoints are the Control API operations in transport-neutral form.
type endpoints struct {
	createWidget      kit.Endpoint
	deleteWidget      kit.Endpoint
	setVisibility     kit.Endpoint
	setBounds         kit.Endpoint
	updateSettings    kit.Endpoint
	listWidgets       kit.Endpoint
	addModifier       kit.Endpoint
	deleteModifier    kit.Endpoint
	listModifiers     kit.Endpoint
	latestExtractions kit.Endpoint
	extractionHistory kit.Endpoint
}

// Operation names, shared by logs, audit entries and MCP tools.
const (
	OpCreateWidget      = "create_widget"
	OpDeleteWidget      = "delete_widget"
	OpSetVisibility     = "set_widget_visibility"
	OpSetBounds         = "set_widget_bounds"
	OpUpdateSettings    = "update_widget_settings"
	OpListWidgets       = "list_widgets"
	OpAddModifier       = "add_modifier"
	OpDeleteModifier    = "delete_modifier"
	OpListModifiers     = "list_modifiers"
	OpLatestExtractions = "latest_extractions"
	OpExtractionHistory = "extraction_history"
)

func (s *Service) buildEndpoints() endpoints {
	read := func(op string, ep kit.Endpoint) kit.Endpoint {
		return kit.Logging(s.logger, op)(ep)
	}
	write := func(op string, ep kit.Endpoint) kit.Endpoint {
		return kit.Chain(kit.Logging(s.logger, op), s.audited(op))(ep)
	}

	return endpoints{
		createWidget: write(OpCreateWidget, func(ctx context.Context, req any) (any, error) {
			return s.CreateWidget(ctx, req.(*CreateWidgetRequest))
		}),
		deleteWidget: write(OpDeleteWidget, func(ctx context.Context, req any) (any, error) {
			r := req.(*DeleteWidgetRequest)
			if err := s.DeleteWidget(ctx, r); err != nil {
				return nil, err
			}
			return map[string]any{"widget_id": r.WidgetID, "deleted": true, "history_kept": r.KeepHistory}, nil
		}),
		setVisibility: write(OpSetVisibility, func(ctx context.Context, req any) (any, error) {
			return s.SetVisibility(ctx, req.(*VisibilityRequest))
		}),
		setBounds: write(OpSetBounds, func(ctx context.Context, req any) (any, error) {
			return s.SetBounds(ctx, req.(*BoundsRequest))
		}),
		updateSettings: write(OpUpdateSettings, func(ctx context.Context, req any) (any, error) {
			return s.UpdateSettings(ctx, req.(*SettingsRequest))
		}),
		listWidgets: read(OpListWidgets, func(ctx context.Context, _ any) (any, error) {
			ws, err := s.ListWidgets(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"widgets": nonNil(ws)}, nil
		}),
		addModifier: write(OpAddModifier, func(ctx context.Context, req any) (any, error) {
			return s.AddModifier(ctx, req.(*AddModifierRequest))
		}),
		deleteModifier: write(OpDeleteModifier, func(ctx context.Context, req any) (any, error) {
			r := req.(*ModifierRef)
			if err := s.DeleteModifier(ctx, r); err != nil {
				return nil, err
			}
			return map[string]any{"widget_id": r.WidgetID, "modifier_id": r.ModifierID, "deleted": true}, nil
		}),
		listModifiers: read(OpListModifiers, func(ctx context.Context, req any) (any, error) {
			r := req.(*WidgetRef)
			mods, err := s.ListModifiers(ctx, r.WidgetID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"widget_id": r.WidgetID, "modifiers": nonNil(mods)}, nil
		}),
		latestExtractions: read(OpLatestExtractions, func(ctx context.Context, _ any) (any, error) {
			recs, err := s.LatestExtractions(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"extractions": nonNil(recs)}, nil
		}),
		extractionHistory: read(OpExtractionHistory, func(ctx context.Context, req any) (any, error) {
			recs, err := s.ExtractionHistory(ctx, req.(*HistoryRequest))
			if err != nil {
				return nil, err
			}
			return map[string]any{"extractions": nonNil(recs)}, nil
		}),
	}
}

// audited writes one audit entry per call, after the call returns.
func (s *Service) audited(op string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			var widgetID string
			if r, ok := req.(interface{ auditWidget() string }); ok {
				widgetID = r.auditWidget()
			}
			e := observability.NewAuditEntry(op, widgetID, req, err, time.Since(start))
			e.Transport = kit.GetTransport(ctx)
			e.TraceID = kit.GetTraceID(ctx)
			s.audit.LogAsync(e)
			return resp, err
		}
	}
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
