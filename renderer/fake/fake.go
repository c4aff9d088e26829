// Package fake provides an in-memory Renderer that records every call. It is
// used by dispatcher and service tests.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hazyhaar/widgetd/extraction"
	"github.com/hazyhaar/widgetd/renderer"
	"github.com/hazyhaar/widgetd/widget"
)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("fake: injected failure")

// Renderer is a thread-safe recording renderer.
type Renderer struct {
	cb renderer.Callbacks

	mu       sync.Mutex
	seq      int
	surfaces map[string]*Surface
	opened   []string // widget ids, in open order

	// FailOpen makes Open fail for these widget ids.
	FailOpen map[string]bool
	// FailExtract makes Extract fail to start.
	FailExtract bool
}

// New returns an empty fake renderer.
func New(cb renderer.Callbacks) *Renderer {
	return &Renderer{cb: cb, surfaces: make(map[string]*Surface), FailOpen: make(map[string]bool)}
}

// SetCallbacks replaces the callbacks. It must be called before any surface
// is opened.
func (r *Renderer) SetCallbacks(cb renderer.Callbacks) {
	r.mu.Lock()
	r.cb = cb
	r.mu.Unlock()
}

// Open implements renderer.Renderer.
func (r *Renderer) Open(_ context.Context, cfg widget.Config) (renderer.Surface, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailOpen[cfg.ID] {
		return nil, ErrInjected
	}
	r.seq++
	s := &Surface{r: r, id: fmt.Sprintf("surface-%d", r.seq), seq: r.seq, Config: cfg, Visible: true, Content: cfg.Source.HTML}
	r.surfaces[s.id] = s
	r.opened = append(r.opened, cfg.ID)
	return s, nil
}

// Close implements renderer.Renderer.
func (r *Renderer) Close() error { return nil }

// Live returns the number of surfaces not yet closed.
func (r *Renderer) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.surfaces {
		if !s.closed {
			n++
		}
	}
	return n
}

// Opened returns the widget ids passed to Open, in order.
func (r *Renderer) Opened() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.opened...)
}

// Surface returns the surface with id, or nil.
func (r *Renderer) Surface(id string) *Surface {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.surfaces[id]
}

// SurfaceFor returns the most recent live surface opened for widgetID.
func (r *Renderer) SurfaceFor(widgetID string) *Surface {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *Surface
	for _, s := range r.surfaces {
		if s.Config.ID == widgetID && !s.closed && (found == nil || s.seq > found.seq) {
			found = s
		}
	}
	return found
}

// Deliver sends an extraction payload through the callbacks as the renderer
// would after a script ran.
func (r *Renderer) Deliver(payload string) {
	r.mu.Lock()
	cb := r.cb
	r.mu.Unlock()
	cb.Message(payload)
}

// UserClose simulates the user closing a surface's window.
func (r *Renderer) UserClose(surfaceID string) {
	r.mu.Lock()
	s := r.surfaces[surfaceID]
	if s != nil {
		s.closed = true
	}
	cb := r.cb
	r.mu.Unlock()
	cb.Closed(surfaceID)
}

// Surface is a recorded surface.
type Surface struct {
	r   *Renderer
	id  string
	seq int

	Config   widget.Config
	Visible  bool
	Content  string
	Reloads  int
	Extracts []extraction.Request
	closed   bool
}

func (s *Surface) ID() string { return s.id }

func (s *Surface) Reload(context.Context) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.Reloads++
	return nil
}

func (s *Surface) SetContent(_ context.Context, html string) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.Content = html
	s.Reloads++
	return nil
}

func (s *Surface) SetVisible(_ context.Context, visible bool) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.Visible = visible
	return nil
}

func (s *Surface) SetBounds(_ context.Context, b widget.Bounds) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.Config.Bounds = b
	return nil
}

func (s *Surface) Apply(_ context.Context, cfg widget.Config) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.Config.Title = cfg.Title
	s.Config.Level = cfg.Level
	s.Config.Transparent = cfg.Transparent
	s.Config.Decorated = cfg.Decorated
	return nil
}

func (s *Surface) Extract(_ context.Context, req extraction.Request) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if s.r.FailExtract {
		return ErrInjected
	}
	s.Extracts = append(s.Extracts, req)
	return nil
}

func (s *Surface) Close() error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether the surface was closed.
func (s *Surface) Closed() bool {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	return s.closed
}

// Snapshot returns a copy of the recorded counters under the lock.
func (s *Surface) Snapshot() (reloads int, extracts []extraction.Request, visible bool, content string) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	return s.Reloads, append([]extraction.Request(nil), s.Extracts...), s.Visible, s.Content
}
