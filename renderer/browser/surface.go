package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/widgetd/extraction"
	"github.com/hazyhaar/widgetd/widget"
)

// Surface is one Chrome window showing a widget.
type Surface struct {
	r      *Renderer
	page   *rod.Page
	id     string
	source widget.ContentSource
	logger *slog.Logger

	stopOnce sync.Once
	stop     context.CancelFunc
}

func (s *Surface) init(ctx context.Context, cfg widget.Config) error {
	// Bindings added without an execution context survive navigations and
	// reloads.
	if err := (proto.RuntimeAddBinding{Name: extraction.BindingName}).Call(s.page); err != nil {
		return fmt.Errorf("browser: add binding: %w", err)
	}
	lctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	go s.r.listenBinding(lctx, s.page)

	if err := s.SetBounds(ctx, cfg.Bounds); err != nil {
		s.logger.Debug("browser: initial bounds not applied", "error", err)
	}
	if err := s.load(ctx); err != nil {
		s.stopListening()
		return err
	}
	return s.Apply(ctx, cfg)
}

func (s *Surface) load(ctx context.Context) error {
	navCtx, cancel := context.WithTimeout(ctx, s.r.cfg.NavTimeout)
	defer cancel()
	p := s.page.Context(navCtx)

	if !s.source.IsRemote() {
		if err := p.SetDocumentContent(s.source.HTML); err != nil {
			return fmt.Errorf("browser: set content: %w", err)
		}
		return nil
	}
	// An unreachable page still gets a window; Chrome shows its error page
	// and the next refresh retries.
	if err := p.Navigate(s.source.Address); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("browser: navigate %s: %w", s.source.Address, err)
		}
		s.logger.Warn("browser: navigate failed", "url", s.source.Address, "error", err)
		return nil
	}
	if err := p.WaitLoad(); err != nil {
		s.logger.Warn("browser: wait load timeout", "url", s.source.Address, "error", err)
	}
	return nil
}

func (s *Surface) stopListening() {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

func (s *Surface) ID() string { return s.id }

// Reload starts re-navigating a remote source and returns; the page loads on
// its own and extractions meanwhile see whatever document is current. Inline
// markup is rewritten in place.
func (s *Surface) Reload(ctx context.Context) error {
	if !s.source.IsRemote() {
		return s.SetContent(ctx, s.source.HTML)
	}
	cmdCtx, cancel := context.WithTimeout(ctx, s.r.cfg.EvalTimeout)
	defer cancel()
	if err := (proto.PageReload{}).Call(s.page.Context(cmdCtx)); err != nil {
		return fmt.Errorf("browser: reload: %w", err)
	}
	return nil
}

func (s *Surface) SetContent(ctx context.Context, html string) error {
	if err := s.page.Context(ctx).SetDocumentContent(html); err != nil {
		return fmt.Errorf("browser: set content: %w", err)
	}
	return nil
}

// SetVisible minimizes or restores the window.
func (s *Surface) SetVisible(ctx context.Context, visible bool) error {
	state := proto.BrowserWindowStateMinimized
	if visible {
		state = proto.BrowserWindowStateNormal
	}
	if err := s.page.Context(ctx).SetWindow(&proto.BrowserBounds{WindowState: state}); err != nil {
		return fmt.Errorf("browser: set window state: %w", err)
	}
	if visible {
		if _, err := s.page.Context(ctx).Activate(); err != nil {
			s.logger.Debug("browser: activate", "error", err)
		}
	}
	return nil
}

func (s *Surface) SetBounds(ctx context.Context, b widget.Bounds) error {
	left, top, width, height := b.X, b.Y, b.Width, b.Height
	err := s.page.Context(ctx).SetWindow(&proto.BrowserBounds{
		Left:        &left,
		Top:         &top,
		Width:       &width,
		Height:      &height,
		WindowState: proto.BrowserWindowStateNormal,
	})
	if err != nil {
		return fmt.Errorf("browser: set bounds: %w", err)
	}
	return nil
}

// Apply sets the document title. Stacking level, transparency and window
// decorations have no CDP equivalent and are only logged.
func (s *Surface) Apply(ctx context.Context, cfg widget.Config) error {
	evalCtx, cancel := context.WithTimeout(ctx, s.r.cfg.EvalTimeout)
	defer cancel()
	if _, err := s.page.Context(evalCtx).Eval(`t => { document.title = t }`, cfg.Title); err != nil {
		return fmt.Errorf("browser: set title: %w", err)
	}
	if cfg.Level != widget.LevelNormal || cfg.Transparent || !cfg.Decorated {
		s.logger.Debug("browser: window attributes not supported by chrome",
			"level", cfg.Level, "transparent", cfg.Transparent, "decorated", cfg.Decorated)
	}
	return nil
}

// Extract evaluates the extraction script. The script reports through the
// binding; a returned error means it never ran.
func (s *Surface) Extract(ctx context.Context, req extraction.Request) error {
	evalCtx, cancel := context.WithTimeout(ctx, s.r.cfg.EvalTimeout)
	defer cancel()
	if _, err := s.page.Context(evalCtx).Eval(extraction.Script(req)); err != nil {
		return fmt.Errorf("browser: eval extraction: %w", err)
	}
	return nil
}

// Close closes the window without reporting it as a user close.
func (s *Surface) Close() error {
	s.r.forget(s.id)
	s.stopListening()
	return s.page.Close()
}
