// Package renderer declares the collaborator interfaces widgetd drives to
// show widgets: a Renderer opens one Surface per open widget, and reports
// asynchronous events (extraction messages, user-closed windows) through
// Callbacks.
//
// Callbacks run on renderer goroutines. Implementations of the callbacks
// must only enqueue work; they never touch widget state directly.
package renderer

import (
	"context"

	"github.com/hazyhaar/widgetd/extraction"
	"github.com/hazyhaar/widgetd/widget"
)

// Callbacks receives asynchronous renderer events.
type Callbacks struct {
	// OnMessage receives a raw extraction payload as produced by
	// extraction.Script.
	OnMessage func(payload string)
	// OnClosed is called when a surface goes away without widgetd asking,
	// e.g. the user closed the window or the page crashed.
	OnClosed func(surfaceID string)
}

// Message delivers payload if a handler is set.
func (c Callbacks) Message(payload string) {
	if c.OnMessage != nil {
		c.OnMessage(payload)
	}
}

// Closed delivers a surface-closed notification if a handler is set.
func (c Callbacks) Closed(surfaceID string) {
	if c.OnClosed != nil {
		c.OnClosed(surfaceID)
	}
}

// Renderer opens surfaces.
type Renderer interface {
	// Open creates a live surface showing cfg's content. The surface starts
	// visible at cfg.Bounds.
	Open(ctx context.Context, cfg widget.Config) (Surface, error)
	Close() error
}

// Surface is one live rendering surface. Surface ids are unique for the
// lifetime of the renderer and never equal to a widget id by contract.
type Surface interface {
	ID() string
	// Reload starts re-navigating a remote source and returns without
	// waiting for the load.
	Reload(ctx context.Context) error
	// SetContent replaces the document with static markup.
	SetContent(ctx context.Context, html string) error
	SetVisible(ctx context.Context, visible bool) error
	SetBounds(ctx context.Context, b widget.Bounds) error
	// Apply updates presentation attributes (title, level, transparency,
	// decorations). Renderers ignore what they cannot express.
	Apply(ctx context.Context, cfg widget.Config) error
	// Extract starts an extraction. It returns once the script is running;
	// the result arrives later through Callbacks.OnMessage. An error means
	// the script could not be started.
	Extract(ctx context.Context, req extraction.Request) error
	Close() error
}
