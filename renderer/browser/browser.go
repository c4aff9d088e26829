// Package browser renders widgets in Chrome through Rod: one browser window
// per open widget, an extraction binding on every page, and target-destroyed
// notifications for windows the user closes.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/widgetd/extraction"
	"github.com/hazyhaar/widgetd/renderer"
	"github.com/hazyhaar/widgetd/widget"
)

// Config configures the Chrome renderer.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// Headless launches Chrome without windows. Useful on servers where
	// widgets are only scraped.
	Headless bool

	// Stealth applies go-rod/stealth evasions to pages of remote sources.
	Stealth bool

	// NavTimeout bounds the initial navigation of a surface. Default: 30s.
	NavTimeout time.Duration

	// EvalTimeout bounds script evaluation on a surface. Default: 10s.
	EvalTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.EvalTimeout <= 0 {
		c.EvalTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Renderer owns one Chrome process and the pages of every open widget.
type Renderer struct {
	cfg Config
	cb  renderer.Callbacks

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	cancel  context.CancelFunc
	closed  bool

	// live holds surfaces widgetd has not closed itself, keyed by target id.
	live map[string]*Surface
}

// New creates a Renderer. Call Start to launch Chrome.
func New(cfg Config, cb renderer.Callbacks) *Renderer {
	cfg.defaults()
	return &Renderer{cfg: cfg, cb: cb, live: make(map[string]*Surface)}
}

// Start launches Chrome (or connects to a remote instance) and starts
// listening for destroyed targets.
func (r *Renderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("browser: renderer is closed")
	}

	b, err := r.launch()
	if err != nil {
		return err
	}
	r.browser = b

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		r.cfg.Logger.Warn("browser: target discovery failed, closed windows will go unnoticed", "error", err)
	}
	lctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go b.Context(lctx).EachEvent(func(e *proto.TargetTargetDestroyed) {
		r.targetDestroyed(string(e.TargetID))
	})()

	return nil
}

func (r *Renderer) launch() (*rod.Browser, error) {
	log := r.cfg.Logger
	var wsURL string

	if r.cfg.RemoteURL != "" {
		wsURL = r.cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Headless(r.cfg.Headless)
		// Anti-detection flags.
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		r.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL, "headless", r.cfg.Headless)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

// Close closes every page and shuts Chrome down.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.cancel != nil {
		r.cancel()
	}
	r.live = make(map[string]*Surface)
	if r.browser != nil {
		r.browser.Close()
		r.browser = nil
	}
	if r.lnch != nil {
		r.lnch.Cleanup()
		r.lnch = nil
	}
	return nil
}

// Open creates a window for cfg, installs the extraction binding and loads
// the content.
func (r *Renderer) Open(ctx context.Context, cfg widget.Config) (renderer.Surface, error) {
	r.mu.Lock()
	b := r.browser
	r.mu.Unlock()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	page, err := r.newPage(b, cfg)
	if err != nil {
		return nil, fmt.Errorf("browser: create window: %w", err)
	}

	s := &Surface{
		r:      r,
		page:   page,
		id:     string(page.TargetID),
		source: cfg.Source,
		logger: r.cfg.Logger.With("widget_id", cfg.ID, "surface_id", string(page.TargetID)),
	}
	if err := s.init(ctx, cfg); err != nil {
		page.Close()
		return nil, err
	}

	r.mu.Lock()
	r.live[s.id] = s
	r.mu.Unlock()
	return s, nil
}

func (r *Renderer) newPage(b *rod.Browser, cfg widget.Config) (*rod.Page, error) {
	if r.cfg.Stealth && cfg.Source.IsRemote() {
		return stealth.Page(b)
	}
	return b.Page(proto.TargetCreateTarget{URL: "about:blank", NewWindow: !r.cfg.Headless})
}

// forget drops a surface widgetd is closing itself, so its destroyed event
// is not reported as a user close.
func (r *Renderer) forget(id string) {
	r.mu.Lock()
	delete(r.live, id)
	r.mu.Unlock()
}

func (r *Renderer) targetDestroyed(id string) {
	r.mu.Lock()
	s, ok := r.live[id]
	delete(r.live, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.stopListening()
	r.cfg.Logger.Debug("browser: window closed externally", "surface_id", id)
	r.cb.Closed(id)
}

// listenBinding forwards extraction payloads from a page to the callbacks.
func (r *Renderer) listenBinding(ctx context.Context, page *rod.Page) {
	page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != extraction.BindingName {
			return
		}
		r.cb.Message(e.Payload)
	})()
}
