// Package static is a windowless renderer: remote sources are fetched over
// HTTP and inline markup is parsed in memory. Extraction runs the selector
// engine from package extract and reports through the same callbacks as the
// browser renderer, asynchronously.
//
// It serves headless hosts where widgets only feed the extraction history,
// and tests that need a real HTML pipeline without Chrome.
package static

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/widgetd/extract"
	"github.com/hazyhaar/widgetd/extraction"
	"github.com/hazyhaar/widgetd/renderer"
	"github.com/hazyhaar/widgetd/widget"
)

const maxBodyBytes = 8 << 20

// Config configures the static renderer.
type Config struct {
	// Client fetches remote sources. Default: 30s timeout.
	Client *http.Client
	// UserAgent is sent with every fetch.
	UserAgent string
	Logger    *slog.Logger
	// Now stamps extraction messages. Default: time.Now.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if c.UserAgent == "" {
		c.UserAgent = "widgetd/1.0"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Renderer implements renderer.Renderer without a browser.
type Renderer struct {
	cfg Config
	cb  renderer.Callbacks

	// ctx bounds background reloads; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	seq int
	wg  sync.WaitGroup
}

// New creates a static renderer.
func New(cfg Config, cb renderer.Callbacks) *Renderer {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Renderer{cfg: cfg, cb: cb, ctx: ctx, cancel: cancel}
}

// Open loads the source. A remote page that cannot be fetched still yields a
// surface; extractions report the load error until a reload succeeds.
func (r *Renderer) Open(ctx context.Context, cfg widget.Config) (renderer.Surface, error) {
	r.mu.Lock()
	r.seq++
	id := fmt.Sprintf("static-%d", r.seq)
	r.mu.Unlock()

	s := &Surface{
		r:       r,
		id:      id,
		cfg:     cfg,
		visible: true,
		logger:  r.cfg.Logger.With("widget_id", cfg.ID, "surface_id", id),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close cancels background reloads and waits for in-flight extractions to
// report.
func (r *Renderer) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Renderer) fetch(ctx context.Context, url string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("static: build request: %w", err)
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := r.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("static: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("static: fetch %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("static: read %s: %w", url, err)
	}
	return extract.Parse(bytes.NewReader(body))
}

// Surface is an in-memory document.
type Surface struct {
	r      *Renderer
	id     string
	logger *slog.Logger

	mu      sync.Mutex
	cfg     widget.Config
	doc     *html.Node
	loadErr error
	visible bool
	closed  bool
	// reloading is set while a background reload is in flight.
	reloading bool
}

// load refreshes the document. Only parse failures of inline markup and
// cancelled contexts are returned; fetch failures are kept for Extract.
func (s *Surface) load(ctx context.Context) error {
	s.mu.Lock()
	src := s.cfg.Source
	s.mu.Unlock()

	if !src.IsRemote() {
		return s.SetContent(ctx, src.HTML)
	}
	doc, err := s.r.fetch(ctx, src.Address)
	if err != nil && ctx.Err() != nil {
		return err
	}
	if err != nil {
		s.logger.Warn("static: load failed", "url", src.Address, "error", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err == nil {
		s.doc = doc
	}
	s.loadErr = err
	return nil
}

func (s *Surface) ID() string { return s.id }

// Reload starts fetching the source again and returns. The new document
// replaces the current one when the fetch completes; extractions in between
// run against the current one. A reload already in flight absorbs the call.
func (s *Surface) Reload(context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("static: surface %s closed", s.id)
	}
	if s.reloading {
		s.mu.Unlock()
		s.logger.Debug("static: reload already in flight")
		return nil
	}
	s.reloading = true
	s.mu.Unlock()

	s.r.wg.Add(1)
	go func() {
		defer s.r.wg.Done()
		if err := s.load(s.r.ctx); err != nil && s.r.ctx.Err() == nil {
			s.logger.Warn("static: reload failed", "error", err)
		}
		s.mu.Lock()
		s.reloading = false
		s.mu.Unlock()
	}()
	return nil
}

func (s *Surface) SetContent(_ context.Context, markup string) error {
	doc, err := extract.Parse(bytes.NewReader([]byte(markup)))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("static: surface %s closed", s.id)
	}
	s.doc = doc
	s.loadErr = nil
	return nil
}

func (s *Surface) SetVisible(_ context.Context, visible bool) error {
	s.mu.Lock()
	s.visible = visible
	s.mu.Unlock()
	return nil
}

func (s *Surface) SetBounds(_ context.Context, b widget.Bounds) error {
	s.mu.Lock()
	s.cfg.Bounds = b
	s.mu.Unlock()
	return nil
}

func (s *Surface) Apply(_ context.Context, cfg widget.Config) error {
	s.mu.Lock()
	s.cfg.Title = cfg.Title
	s.cfg.Level = cfg.Level
	s.cfg.Transparent = cfg.Transparent
	s.cfg.Decorated = cfg.Decorated
	s.mu.Unlock()
	return nil
}

// Extract evaluates the selector on a goroutine and reports the outcome
// through the renderer callbacks, like a script running in a page.
func (s *Surface) Extract(_ context.Context, req extraction.Request) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("static: surface %s closed", s.id)
	}
	doc, loadErr := s.doc, s.loadErr
	s.mu.Unlock()

	s.r.wg.Add(1)
	go func() {
		defer s.r.wg.Done()
		s.r.cb.Message(extraction.Encode(evaluate(doc, loadErr, req, s.r.cfg.Now())))
	}()
	return nil
}

func evaluate(doc *html.Node, loadErr error, req extraction.Request, now time.Time) extraction.Message {
	if loadErr != nil {
		return extraction.Failed(req, "page not loaded: "+loadErr.Error(), now)
	}
	if doc == nil {
		return extraction.Failed(req, "page not loaded", now)
	}
	n, err := extract.QuerySelector(doc, req.Selector)
	if err != nil {
		return extraction.Failed(req, err.Error(), now)
	}
	if n == nil {
		return extraction.Failed(req, "no element matches selector", now)
	}
	return extraction.Found(req, extract.Text(n), now)
}

func (s *Surface) Close() error {
	s.mu.Lock()
	s.closed = true
	s.doc = nil
	s.mu.Unlock()
	return nil
}
