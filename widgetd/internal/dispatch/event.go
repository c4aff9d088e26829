package dispatch

import (
	"time"

	"github.com/hazyhaar/widgetd/extraction"
	"github.com/hazyhaar/widgetd/widget"
	"github.com/hazyhaar/widgetd/widgetd/internal/schedule"
)

// Event is one mutation request for the dispatcher. The set is closed: only
// the types in this file implement it.
type Event interface {
	// Kind names the event for logs and metrics.
	Kind() string
	// Widget returns the widget id the event targets, if known.
	Widget() string

	validate() error
	reply() chan<- Outcome
}

// Outcome answers an event that carries a reply channel.
type Outcome struct {
	Value any
	Err   error
}

// CreateWidget persists a new widget and opens its surface.
type CreateWidget struct {
	Config    widget.Config
	Modifiers []widget.Modifier
	Reply     chan<- Outcome
}

// DeleteWidget tears down a widget, its modifiers and, with PurgeHistory,
// its extraction history.
type DeleteWidget struct {
	WidgetID     string
	PurgeHistory bool
	Reply        chan<- Outcome
}

// ToggleVisibility shows or hides a widget. Showing a closed widget reopens
// it from its persisted config.
type ToggleVisibility struct {
	WidgetID string
	Visible  bool
	Reply    chan<- Outcome
}

// UpdateBounds moves or resizes a widget.
type UpdateBounds struct {
	WidgetID string
	Bounds   widget.Bounds
	Reply    chan<- Outcome
}

// UpdateSettings changes presentation attributes of a widget.
type UpdateSettings struct {
	WidgetID string
	Settings widget.Settings
	Reply    chan<- Outcome
}

// ModifierFire asks the dispatcher to run a due modifier.
type ModifierFire struct {
	Fire schedule.Fire
}

// ExtractionResult carries one renderer extraction message.
type ExtractionResult struct {
	Message    extraction.Message
	ReceivedAt time.Time
}

// WindowClosed reports that a surface went away on its own.
type WindowClosed struct {
	SurfaceID string
}

func (CreateWidget) Kind() string     { return "create_widget" }
func (DeleteWidget) Kind() string     { return "delete_widget" }
func (ToggleVisibility) Kind() string { return "toggle_visibility" }
func (UpdateBounds) Kind() string     { return "update_bounds" }
func (UpdateSettings) Kind() string   { return "update_settings" }
func (ModifierFire) Kind() string     { return "modifier_fire" }
func (ExtractionResult) Kind() string { return "extraction_result" }
func (WindowClosed) Kind() string     { return "window_closed" }

func (e CreateWidget) Widget() string     { return e.Config.ID }
func (e DeleteWidget) Widget() string     { return e.WidgetID }
func (e ToggleVisibility) Widget() string { return e.WidgetID }
func (e UpdateBounds) Widget() string     { return e.WidgetID }
func (e UpdateSettings) Widget() string   { return e.WidgetID }
func (e ModifierFire) Widget() string     { return e.Fire.WidgetID }
func (e ExtractionResult) Widget() string { return e.Message.WidgetID }
func (WindowClosed) Widget() string       { return "" }

func (e CreateWidget) reply() chan<- Outcome     { return e.Reply }
func (e DeleteWidget) reply() chan<- Outcome     { return e.Reply }
func (e ToggleVisibility) reply() chan<- Outcome { return e.Reply }
func (e UpdateBounds) reply() chan<- Outcome     { return e.Reply }
func (e UpdateSettings) reply() chan<- Outcome   { return e.Reply }
func (ModifierFire) reply() chan<- Outcome       { return nil }
func (ExtractionResult) reply() chan<- Outcome   { return nil }
func (WindowClosed) reply() chan<- Outcome       { return nil }

func (e CreateWidget) validate() error {
	if err := widget.ValidateConfig(&e.Config); err != nil {
		return err
	}
	for i := range e.Modifiers {
		if err := widget.ValidateModifier(&e.Modifiers[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e DeleteWidget) validate() error     { return widget.ValidateID(e.WidgetID) }
func (e ToggleVisibility) validate() error { return widget.ValidateID(e.WidgetID) }

func (e UpdateBounds) validate() error {
	if err := widget.ValidateID(e.WidgetID); err != nil {
		return err
	}
	return widget.ValidateBounds(e.Bounds)
}

func (e UpdateSettings) validate() error {
	if err := widget.ValidateID(e.WidgetID); err != nil {
		return err
	}
	return widget.ValidateSettings(e.Settings)
}

func (e ModifierFire) validate() error {
	if err := widget.ValidateID(e.Fire.WidgetID); err != nil {
		return err
	}
	m := e.Fire.Modifier
	return widget.ValidateModifier(&m)
}

func (e ExtractionResult) validate() error { return e.Message.Validate() }

func (e WindowClosed) validate() error {
	if e.SurfaceID == "" {
		return &widget.ValidationError{Field: "surface_id", Reason: "must not be empty"}
	}
	return nil
}
