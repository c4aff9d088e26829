package widget

import (
	"net/url"
	"strings"
	"unicode"
)

const (
	maxIDLen       = 64
	maxTitleLen    = 200
	maxSelectorLen = 1024
	maxDimension   = 16384
)

// ValidateID checks the shape of a widget id.
func ValidateID(id string) error {
	if id == "" {
		return &ValidationError{Field: "widget_id", Reason: "must not be empty"}
	}
	if len(id) > maxIDLen {
		return &ValidationError{Field: "widget_id", Reason: "too long"}
	}
	for _, r := range id {
		if unicode.IsSpace(r) || r == '/' || r == '"' || r == '\'' || r == '\\' {
			return &ValidationError{Field: "widget_id", Reason: "contains a forbidden character"}
		}
	}
	return nil
}

// ValidateSource checks that the content source variant is well formed.
func ValidateSource(s ContentSource) error {
	switch s.Kind {
	case SourceURL:
		if s.HTML != "" {
			return &ValidationError{Field: "content_source", Reason: "url source carries html"}
		}
		u, err := url.Parse(s.Address)
		if err != nil || u.Host == "" && u.Scheme != "file" {
			return &ValidationError{Field: "content_source.address", Reason: "not an absolute URL"}
		}
		switch u.Scheme {
		case "http", "https", "file":
		default:
			return &ValidationError{Field: "content_source.address", Reason: "unsupported scheme " + u.Scheme}
		}
	case SourceInline:
		if s.Address != "" {
			return &ValidationError{Field: "content_source", Reason: "inline source carries an address"}
		}
		if strings.TrimSpace(s.HTML) == "" {
			return &ValidationError{Field: "content_source.html", Reason: "must not be empty"}
		}
	default:
		return &ValidationError{Field: "content_source.kind", Reason: "must be url or inline"}
	}
	return nil
}

// ValidateLevel checks the stacking tier.
func ValidateLevel(l Level) error {
	switch l {
	case LevelTop, LevelNormal, LevelBottom:
		return nil
	}
	return &ValidationError{Field: "level", Reason: "unknown level " + string(l)}
}

// ValidateBounds checks that the rectangle has a usable size.
func ValidateBounds(b Bounds) error {
	if b.Width <= 0 || b.Height <= 0 {
		return &ValidationError{Field: "bounds", Reason: "width and height must be positive"}
	}
	if b.Width > maxDimension || b.Height > maxDimension {
		return &ValidationError{Field: "bounds", Reason: "too large"}
	}
	return nil
}

// ValidateConfig checks a normalized config before it is enqueued.
func ValidateConfig(c *Config) error {
	if err := ValidateID(c.ID); err != nil {
		return err
	}
	if len(c.Title) > maxTitleLen {
		return &ValidationError{Field: "title", Reason: "too long"}
	}
	if err := ValidateSource(c.Source); err != nil {
		return err
	}
	if err := ValidateLevel(c.Level); err != nil {
		return err
	}
	return ValidateBounds(c.Bounds)
}

// ValidateSettings checks a partial settings update.
func ValidateSettings(s Settings) error {
	if s.Empty() {
		return &ValidationError{Field: "settings", Reason: "nothing to update"}
	}
	if s.Title != nil && len(strings.TrimSpace(*s.Title)) > maxTitleLen {
		return &ValidationError{Field: "title", Reason: "too long"}
	}
	if s.Level != nil {
		return ValidateLevel(*s.Level)
	}
	return nil
}

// ValidateModifier checks a modifier payload. The selector is trimmed in place.
func ValidateModifier(m *Modifier) error {
	if m.IntervalSeconds < 0 {
		return &ValidationError{Field: "interval_seconds", Reason: "must be positive"}
	}
	switch m.Kind {
	case KindRefresh:
		if m.IntervalSeconds == 0 {
			return &ValidationError{Field: "interval_seconds", Reason: "must be positive"}
		}
		if m.Selector != "" {
			return &ValidationError{Field: "css_selector", Reason: "refresh takes no selector"}
		}
	case KindScrape:
		m.Selector = strings.TrimSpace(m.Selector)
		if m.Selector == "" {
			return &ValidationError{Field: "css_selector", Reason: "must not be empty"}
		}
		if len(m.Selector) > maxSelectorLen {
			return &ValidationError{Field: "css_selector", Reason: "too long"}
		}
	default:
		return &ValidationError{Field: "kind", Reason: "must be refresh or scrape"}
	}
	return nil
}
