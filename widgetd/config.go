package widgetd

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/widgetd/observability"
	"github.com/hazyhaar/widgetd/widget"
	"github.com/hazyhaar/widgetd/widgetd/internal/registry"
)

// Config holds all widgetd configuration.
type Config struct {
	DBPath        string `yaml:"db_path"`
	MetricsDBPath string `yaml:"metrics_db_path"`
	// Edition selects the widget cap: "base" or "pro".
	Edition string `yaml:"edition"`
	// MaxWidgets overrides the edition cap when positive.
	MaxWidgets int `yaml:"max_widgets"`
	// SanitizeInline strips scripts and event handlers from the markup of
	// inline widgets created through the control API, so that markup cannot
	// call the extraction binding.
	SanitizeInline bool `yaml:"sanitize_inline"`

	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Renderer  RendererConfig  `yaml:"renderer"`
	Controls  ControlsConfig  `yaml:"controls"`

	Retention         observability.RetentionConfig `yaml:"retention"`
	HeartbeatInterval time.Duration                 `yaml:"heartbeat_interval"`
	// HandlerTimeout bounds each renderer and store call of the dispatcher.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// QueueConfig sizes the dispatcher queue.
type QueueConfig struct {
	Capacity       int           `yaml:"capacity"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
}

// SchedulerConfig controls the modifier scheduler.
type SchedulerConfig struct {
	PollInterval          time.Duration `yaml:"poll_interval"`
	DefaultScrapeInterval time.Duration `yaml:"default_scrape_interval"`
	// WatchInterval is how often the modifiers table is checked for changes
	// between polls.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// RendererConfig selects and tunes the content renderer. It is read by the
// process entrypoint, which builds the renderer.
type RendererConfig struct {
	Kind        string        `yaml:"kind"` // "browser", "static"
	RemoteURL   string        `yaml:"remote_url"`
	Headless    bool          `yaml:"headless"`
	Stealth     bool          `yaml:"stealth"`
	EvalTimeout time.Duration `yaml:"eval_timeout"`
	NavTimeout  time.Duration `yaml:"nav_timeout"`
}

// ControlsConfig controls the built-in controls widget.
type ControlsConfig struct {
	Enabled *bool          `yaml:"enabled"`
	Bounds  *widget.Bounds `yaml:"bounds"`
}

// On reports whether the controls widget is seeded. Default: true.
func (c ControlsConfig) On() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "widgetd.db"
	}
	if c.MetricsDBPath == "" {
		c.MetricsDBPath = "widgetd_metrics.db"
	}
	if c.Edition == "" {
		c.Edition = registry.EditionBase
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = 1024
	}
	if c.Queue.EnqueueTimeout <= 0 {
		c.Queue.EnqueueTimeout = 5 * time.Second
	}
	if c.Scheduler.PollInterval <= 0 {
		c.Scheduler.PollInterval = 10 * time.Second
	}
	if c.Scheduler.DefaultScrapeInterval <= 0 {
		c.Scheduler.DefaultScrapeInterval = time.Minute
	}
	if c.Scheduler.WatchInterval <= 0 {
		c.Scheduler.WatchInterval = time.Second
	}
	if c.Renderer.Kind == "" {
		c.Renderer.Kind = "browser"
	}
	if c.Renderer.EvalTimeout <= 0 {
		c.Renderer.EvalTimeout = 10 * time.Second
	}
	if c.Renderer.NavTimeout <= 0 {
		c.Renderer.NavTimeout = 30 * time.Second
	}
	if c.Controls.Bounds == nil {
		c.Controls.Bounds = &widget.Bounds{X: 24, Y: 24, Width: 280, Height: 180}
	}
	if c.Retention == (observability.RetentionConfig{}) {
		c.Retention = observability.RetentionConfig{MetricsDays: 7, HeartbeatsDays: 2, AuditDays: 30}
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
}

// LoadConfigFile reads a YAML config file. Defaults are applied by New.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
