package widget

import (
	"errors"
	"testing"
	"time"
)

func TestValidateConfig_Normalized(t *testing.T) {
	c := &Config{ID: " clock ", Source: Inline("<p>12:00</p>")}
	c.Normalize()
	if err := ValidateConfig(c); err != nil {
		t.Fatalf("ValidateConfig: %v", err)
	}
	if c.ID != "clock" {
		t.Errorf("ID: got %q, want %q", c.ID, "clock")
	}
	if c.Title != "clock" {
		t.Errorf("Title: got %q, want id fallback", c.Title)
	}
	if c.Level != LevelNormal {
		t.Errorf("Level: got %q, want %q", c.Level, LevelNormal)
	}
	if c.Bounds != DefaultBounds {
		t.Errorf("Bounds: got %+v, want %+v", c.Bounds, DefaultBounds)
	}
}

func TestValidateConfig_Rejects(t *testing.T) {
	base := func() *Config {
		c := &Config{ID: "w1", Source: URL("https://example.com")}
		c.Normalize()
		return c
	}

	cases := map[string]func(*Config){
		"empty id":        func(c *Config) { c.ID = "" },
		"space in id":     func(c *Config) { c.ID = "a b" },
		"bad scheme":      func(c *Config) { c.Source = URL("ftp://example.com") },
		"relative url":    func(c *Config) { c.Source = URL("/just/a/path") },
		"empty inline":    func(c *Config) { c.Source = Inline("   ") },
		"mixed source":    func(c *Config) { c.Source = ContentSource{Kind: SourceURL, Address: "https://x.y", HTML: "<p/>"} },
		"unknown kind":    func(c *Config) { c.Source = ContentSource{Kind: "pdf"} },
		"unknown level":   func(c *Config) { c.Level = "floating" },
		"negative bounds": func(c *Config) { c.Bounds.Width = -1 },
	}
	for name, mutate := range cases {
		c := base()
		mutate(c)
		err := ValidateConfig(c)
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: got %T, want *ValidationError", name, err)
		}
	}
}

func TestValidateModifier(t *testing.T) {
	ok := []Modifier{Refresh(5), Scrape("#price", 0), Scrape("  .title  ", 30)}
	for _, m := range ok {
		if err := ValidateModifier(&m); err != nil {
			t.Errorf("ValidateModifier(%+v): %v", m, err)
		}
	}

	bad := []Modifier{
		Refresh(0),
		Refresh(-3),
		Scrape("", 10),
		Scrape("   ", 10),
		{Kind: KindRefresh, IntervalSeconds: 5, Selector: "p"},
		{Kind: "explode", IntervalSeconds: 1},
	}
	for _, m := range bad {
		if err := ValidateModifier(&m); !IsValidation(err) {
			t.Errorf("ValidateModifier(%+v): got %v, want validation error", m, err)
		}
	}
}

func TestValidateModifier_TrimsSelector(t *testing.T) {
	m := Scrape("  h1  ", 0)
	if err := ValidateModifier(&m); err != nil {
		t.Fatal(err)
	}
	if m.Selector != "h1" {
		t.Fatalf("Selector: got %q, want %q", m.Selector, "h1")
	}
}

func TestModifierInterval(t *testing.T) {
	if got := Refresh(5).Interval(time.Minute); got != 5*time.Second {
		t.Errorf("refresh interval: got %v", got)
	}
	if got := Scrape("p", 0).Interval(time.Minute); got != time.Minute {
		t.Errorf("scrape default interval: got %v", got)
	}
	if got := Scrape("p", 7).Interval(time.Minute); got != 7*time.Second {
		t.Errorf("scrape explicit interval: got %v", got)
	}
}

func TestSettingsApply(t *testing.T) {
	c := &Config{ID: "w", Title: "old", Level: LevelNormal}
	title := "  new  "
	top := LevelTop
	yes := true
	s := Settings{Title: &title, Level: &top, Transparent: &yes}
	if err := ValidateSettings(s); err != nil {
		t.Fatal(err)
	}
	s.Apply(c)
	if c.Title != "new" || c.Level != LevelTop || !c.Transparent || c.Decorated {
		t.Fatalf("Apply: got %+v", c)
	}
	if err := ValidateSettings(Settings{}); !IsValidation(err) {
		t.Fatalf("empty settings: got %v", err)
	}
}

func TestErrorHelpers(t *testing.T) {
	wrapped := errors.Join(errors.New("ctx"), &NotFoundError{Kind: "widget", ID: "w"})
	if !IsNotFound(wrapped) {
		t.Error("IsNotFound did not unwrap")
	}
	if !IsDuplicate(&DuplicateWidgetIDError{WidgetID: "w"}) {
		t.Error("IsDuplicate")
	}
	if !IsLimitExceeded(&LimitExceededError{Limit: 3, Edition: "base"}) {
		t.Error("IsLimitExceeded")
	}
	cause := errors.New("cdp closed")
	tf := &TransportFailureError{WidgetID: "w", Op: "extract", Cause: cause}
	if !errors.Is(tf, cause) {
		t.Error("TransportFailureError does not unwrap to its cause")
	}
}
