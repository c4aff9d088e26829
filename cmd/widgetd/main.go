// Command widgetd runs the widget daemon: it restores the widgets that were
// open at last shutdown, runs their refresh and scrape modifiers, and serves
// the control API over HTTP (and MCP at /mcp).
//
// Usage:
//
//	WIDGETD_CONFIG=widgetd.yaml widgetd
//	WIDGETD_DB=widgets.db WIDGETD_RENDERER=static widgetd
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/widgetd/renderer"
	"github.com/hazyhaar/widgetd/renderer/browser"
	"github.com/hazyhaar/widgetd/renderer/static"
	"github.com/hazyhaar/widgetd/widgetd"
)

// envConfig holds process settings. Set values override the config file.
type envConfig struct {
	Addr     string `env:"WIDGETD_ADDR" envDefault:"127.0.0.1:8787"`
	Config   string `env:"WIDGETD_CONFIG"`
	DB       string `env:"WIDGETD_DB"`
	Edition  string `env:"WIDGETD_EDITION"`
	Renderer string `env:"WIDGETD_RENDERER"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	MCP      bool   `env:"WIDGETD_MCP" envDefault:"true"`
}

func main() {
	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		fmt.Fprintf(os.Stderr, "widgetd: parse env: %v\n", err)
		os.Exit(2)
	}

	var level slog.Level
	switch ec.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, ec); err != nil {
		logger.Error("widgetd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, ec envConfig) error {
	cfg, err := resolveConfig(ec)
	if err != nil {
		return err
	}

	svc, err := widgetd.New(cfg, rendererFactory(ctx, cfg, logger), widgetd.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer svc.Close()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	r := svc.Router()
	if ec.MCP {
		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "widgetd", Version: "1.0.0"}, nil)
		svc.RegisterMCP(mcpSrv)
		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
	}

	srv := &http.Server{
		Addr:              ec.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("widgetd: listening", "addr", ec.Addr, "renderer", cfg.Renderer.Kind, "mcp", ec.MCP)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}

	logger.Info("widgetd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("widgetd: http shutdown", "error", err)
	}
	return nil
}

func resolveConfig(ec envConfig) (*widgetd.Config, error) {
	cfg := &widgetd.Config{}
	if ec.Config != "" {
		var err error
		if cfg, err = widgetd.LoadConfigFile(ec.Config); err != nil {
			return nil, fmt.Errorf("load config %s: %w", ec.Config, err)
		}
	}
	if ec.DB != "" {
		cfg.DBPath = ec.DB
	}
	if ec.Edition != "" {
		cfg.Edition = ec.Edition
	}
	if ec.Renderer != "" {
		cfg.Renderer.Kind = ec.Renderer
	}
	return cfg, nil
}

// rendererFactory builds the renderer named by cfg.Renderer.Kind once New has
// applied defaults. The browser renderer launches Chrome before the service
// starts.
func rendererFactory(ctx context.Context, cfg *widgetd.Config, logger *slog.Logger) widgetd.RendererFactory {
	return func(cb renderer.Callbacks) (renderer.Renderer, error) {
		rc := cfg.Renderer
		switch rc.Kind {
		case "static":
			return static.New(static.Config{Logger: logger}, cb), nil
		case "browser":
			b := browser.New(browser.Config{
				RemoteURL:   rc.RemoteURL,
				Headless:    rc.Headless,
				Stealth:     rc.Stealth,
				NavTimeout:  rc.NavTimeout,
				EvalTimeout: rc.EvalTimeout,
				Logger:      logger,
			}, cb)
			if err := b.Start(ctx); err != nil {
				b.Close()
				return nil, err
			}
			return b, nil
		default:
			return nil, fmt.Errorf("unknown renderer %q", rc.Kind)
		}
	}
}
