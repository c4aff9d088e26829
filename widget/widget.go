// Package widget defines the persisted shapes shared by every widgetd
// component: widget configs, modifiers, extraction records, and the error
// taxonomy surfaced to API callers.
package widget

import (
	"strings"
	"time"
)

// ControlsID is the id of the built-in controls widget. It is exempt from the
// edition cap.
const ControlsID = "controls"

// SourceKind discriminates ContentSource variants.
type SourceKind string

const (
	SourceURL    SourceKind = "url"
	SourceInline SourceKind = "inline"
)

// ContentSource is what a widget displays: a remote page or static markup.
// The variant is fixed for the life of a widget.
type ContentSource struct {
	Kind    SourceKind `json:"kind"`
	Address string     `json:"address,omitempty"`
	HTML    string     `json:"html,omitempty"`
}

// URL returns a remote-page source.
func URL(address string) ContentSource {
	return ContentSource{Kind: SourceURL, Address: address}
}

// Inline returns a static-markup source.
func Inline(html string) ContentSource {
	return ContentSource{Kind: SourceInline, HTML: html}
}

// IsRemote reports whether the source is loaded over the network.
func (s ContentSource) IsRemote() bool { return s.Kind == SourceURL }

// Level is the stacking tier of a widget's surface.
type Level string

const (
	LevelTop    Level = "always_on_top"
	LevelNormal Level = "normal"
	LevelBottom Level = "always_on_bottom"
)

// Bounds is the surface rectangle in logical units.
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DefaultBounds is applied when a widget is created without a size.
var DefaultBounds = Bounds{X: 80, Y: 80, Width: 360, Height: 240}

// Config is the persisted configuration of a widget.
type Config struct {
	ID string `json:"widget_id"`
	// Incarnation is minted on every creation; results produced for an
	// earlier widget with the same id carry a different value.
	Incarnation string        `json:"incarnation_id"`
	Title       string        `json:"title"`
	Source      ContentSource `json:"content_source"`
	Level       Level         `json:"level"`
	Transparent bool          `json:"transparent"`
	Decorated   bool          `json:"decorated"`
	Open        bool          `json:"is_open"`
	Bounds      Bounds        `json:"bounds"`
	CreatedAt   int64         `json:"created_at"`
	UpdatedAt   int64         `json:"updated_at"`
}

// IsControls reports whether c is the built-in controls widget.
func (c *Config) IsControls() bool { return c.ID == ControlsID }

// Normalize fills defaults for unset optional fields.
func (c *Config) Normalize() {
	c.ID = strings.TrimSpace(c.ID)
	c.Title = strings.TrimSpace(c.Title)
	if c.Level == "" {
		c.Level = LevelNormal
	}
	if c.Bounds.Width == 0 && c.Bounds.Height == 0 {
		c.Bounds.Width = DefaultBounds.Width
		c.Bounds.Height = DefaultBounds.Height
		if c.Bounds.X == 0 && c.Bounds.Y == 0 {
			c.Bounds.X, c.Bounds.Y = DefaultBounds.X, DefaultBounds.Y
		}
	}
	if c.Title == "" {
		c.Title = c.ID
	}
}

// Settings is a partial update of the mutable presentation attributes.
// Nil fields are left unchanged. The content source is not a setting.
type Settings struct {
	Title       *string `json:"title,omitempty"`
	Level       *Level  `json:"level,omitempty"`
	Transparent *bool   `json:"transparent,omitempty"`
	Decorated   *bool   `json:"decorated,omitempty"`
}

// Empty reports whether s changes nothing.
func (s Settings) Empty() bool {
	return s.Title == nil && s.Level == nil && s.Transparent == nil && s.Decorated == nil
}

// Apply copies the set fields of s onto c.
func (s Settings) Apply(c *Config) {
	if s.Title != nil {
		c.Title = strings.TrimSpace(*s.Title)
	}
	if s.Level != nil {
		c.Level = *s.Level
	}
	if s.Transparent != nil {
		c.Transparent = *s.Transparent
	}
	if s.Decorated != nil {
		c.Decorated = *s.Decorated
	}
}

// ModifierKind discriminates Modifier payloads.
type ModifierKind string

const (
	KindRefresh ModifierKind = "refresh"
	KindScrape  ModifierKind = "scrape"
)

// Modifier is a background behaviour attached to a widget.
//
// Refresh uses IntervalSeconds. Scrape uses Selector and an optional
// IntervalSeconds; zero means the scheduler default.
type Modifier struct {
	ID              string       `json:"modifier_id"`
	WidgetID        string       `json:"widget_id"`
	Kind            ModifierKind `json:"kind"`
	IntervalSeconds int          `json:"interval_seconds,omitempty"`
	Selector        string       `json:"css_selector,omitempty"`
	CreatedAt       int64        `json:"created_at"`
}

// Refresh returns a timed-reload modifier.
func Refresh(intervalSeconds int) Modifier {
	return Modifier{Kind: KindRefresh, IntervalSeconds: intervalSeconds}
}

// Scrape returns a timed-extraction modifier.
func Scrape(selector string, intervalSeconds int) Modifier {
	return Modifier{Kind: KindScrape, Selector: selector, IntervalSeconds: intervalSeconds}
}

// Interval is the firing period of m, falling back to scrapeDefault for
// scrape modifiers without an explicit interval.
func (m Modifier) Interval(scrapeDefault time.Duration) time.Duration {
	if m.IntervalSeconds > 0 {
		return time.Duration(m.IntervalSeconds) * time.Second
	}
	if m.Kind == KindScrape {
		return scrapeDefault
	}
	return 0
}

// ExtractionRecord is one append-only extraction outcome. At most one of
// Value and Error is non-empty.
type ExtractionRecord struct {
	ID          int64  `json:"id"`
	WidgetID    string `json:"widget_id"`
	Incarnation string `json:"incarnation_id,omitempty"`
	Value       string `json:"value"`
	Error       string `json:"error"`
	Timestamp   int64  `json:"timestamp"`
	// Stale is set on reads when the record belongs to an earlier
	// incarnation of a widget that still exists.
	Stale bool `json:"stale,omitempty"`
}
