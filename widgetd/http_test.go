package widgetd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/widgetd/observability"
	"github.com/hazyhaar/widgetd/widget"
)

func apiServer(t *testing.T, cfg *Config) (*testService, *httptest.Server) {
	t.Helper()
	ts := startService(t, cfg, nil)
	srv := httptest.NewServer(ts.Router())
	t.Cleanup(srv.Close)
	return ts, srv
}

// call performs a request and decodes the JSON response into out when out is
// non-nil. It returns the status code.
func call(t *testing.T, srv *httptest.Server, method, path, body string, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

const clockWidget = `{
	"widget_id": "clock",
	"title": "Clock",
	"content_source": {"kind": "inline", "html": "<p>12:00</p>"},
	"level": "always_on_top",
	"modifiers": [{"kind": "scrape", "css_selector": "p", "interval_seconds": 30}]
}`

func TestHTTP_WidgetLifecycle(t *testing.T) {
	ts, srv := apiServer(t, noControls())

	var created WidgetState
	if code := call(t, srv, "POST", "/api/widgets", clockWidget, &created); code != http.StatusCreated {
		t.Fatalf("create: status %d", code)
	}
	if created.Config.ID != "clock" || !created.Open || created.SurfaceID == "" {
		t.Fatalf("create reply: %+v", created)
	}

	var errBody map[string]string
	if code := call(t, srv, "POST", "/api/widgets", clockWidget, &errBody); code != http.StatusConflict {
		t.Fatalf("duplicate: status %d, want 409", code)
	}
	if errBody["error"] == "" {
		t.Error("error body missing message")
	}

	var list struct {
		Widgets []widget.Config `json:"widgets"`
	}
	if code := call(t, srv, "GET", "/api/widgets", "", &list); code != http.StatusOK {
		t.Fatalf("list: status %d", code)
	}
	if len(list.Widgets) != 1 || list.Widgets[0].Level != widget.LevelTop {
		t.Errorf("list: got %+v", list.Widgets)
	}

	var st WidgetState
	if code := call(t, srv, "PATCH", "/api/widgets/clock/bounds", `{"x":10,"y":20,"width":300,"height":120}`, &st); code != http.StatusOK {
		t.Fatalf("bounds: status %d", code)
	}
	stored, _ := ts.Store().GetWidget(context.Background(), "clock")
	if stored.Bounds != (widget.Bounds{X: 10, Y: 20, Width: 300, Height: 120}) {
		t.Errorf("stored bounds: %+v", stored.Bounds)
	}

	if code := call(t, srv, "PATCH", "/api/widgets/clock/settings", `{"title":"Wall clock"}`, &st); code != http.StatusOK {
		t.Fatalf("settings: status %d", code)
	}
	if st.Config.Title != "Wall clock" {
		t.Errorf("title: got %q", st.Config.Title)
	}

	if code := call(t, srv, "PATCH", "/api/widgets/clock/visibility", `{"visible":false}`, &st); code != http.StatusOK {
		t.Fatalf("visibility: status %d", code)
	}
	if _, _, visible, _ := ts.rend.SurfaceFor("clock").Snapshot(); visible {
		t.Error("surface should be hidden")
	}
	if code := call(t, srv, "PATCH", "/api/widgets/clock/visibility", `{}`, nil); code != http.StatusBadRequest {
		t.Errorf("visibility without flag: status %d, want 400", code)
	}

	if code := call(t, srv, "DELETE", "/api/widgets/clock?keep_history=true", "", nil); code != http.StatusOK {
		t.Fatalf("delete: status %d", code)
	}
	if code := call(t, srv, "DELETE", "/api/widgets/clock", "", nil); code != http.StatusNotFound {
		t.Errorf("second delete: status %d, want 404", code)
	}
	if code := call(t, srv, "PATCH", "/api/widgets/clock/bounds", `{"width":10,"height":10}`, nil); code != http.StatusNotFound {
		t.Errorf("bounds of deleted widget: status %d, want 404", code)
	}
}

func TestHTTP_Modifiers(t *testing.T) {
	_, srv := apiServer(t, noControls())
	call(t, srv, "POST", "/api/widgets", clockWidget, nil)

	var m widget.Modifier
	if code := call(t, srv, "POST", "/api/widgets/clock/modifiers", `{"kind":"refresh","interval_seconds":60}`, &m); code != http.StatusCreated {
		t.Fatalf("add modifier: status %d", code)
	}
	if m.ID == "" || m.WidgetID != "clock" {
		t.Fatalf("modifier: %+v", m)
	}

	var mods struct {
		Modifiers []widget.Modifier `json:"modifiers"`
	}
	call(t, srv, "GET", "/api/widgets/clock/modifiers", "", &mods)
	if len(mods.Modifiers) != 2 {
		t.Fatalf("modifiers: got %d, want 2", len(mods.Modifiers))
	}

	if code := call(t, srv, "DELETE", "/api/widgets/clock/modifiers/"+m.ID, "", nil); code != http.StatusOK {
		t.Fatalf("delete modifier: status %d", code)
	}
	if code := call(t, srv, "DELETE", "/api/widgets/clock/modifiers/"+m.ID, "", nil); code != http.StatusNotFound {
		t.Errorf("delete again: status %d, want 404", code)
	}
	if code := call(t, srv, "POST", "/api/widgets/clock/modifiers", `{"kind":"scrape"}`, nil); code != http.StatusBadRequest {
		t.Errorf("scrape without selector: status %d, want 400", code)
	}
	if code := call(t, srv, "GET", "/api/widgets/ghost/modifiers", "", nil); code != http.StatusNotFound {
		t.Errorf("modifiers of unknown widget: status %d, want 404", code)
	}
}

func TestHTTP_ValidationAndLimit(t *testing.T) {
	_, srv := apiServer(t, noControls())

	cases := []struct {
		name string
		body string
	}{
		{"unknown field", `{"content_source":{"kind":"inline","html":"<p>x</p>"},"colour":"red"}`},
		{"missing source", `{"widget_id":"x"}`},
		{"bad url", `{"content_source":{"kind":"url","address":"not a url"}}`},
		{"bad level", `{"content_source":{"kind":"inline","html":"<p>x</p>"},"level":"sideways"}`},
		{"malformed", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := call(t, srv, "POST", "/api/widgets", tc.body, nil); code != http.StatusBadRequest {
				t.Errorf("status %d, want 400", code)
			}
		})
	}

	for _, id := range []string{"a", "b", "c"} {
		body := `{"widget_id":"` + id + `","content_source":{"kind":"inline","html":"<p>x</p>"}}`
		if code := call(t, srv, "POST", "/api/widgets", body, nil); code != http.StatusCreated {
			t.Fatalf("create %s: status %d", id, code)
		}
	}
	if code := call(t, srv, "POST", "/api/widgets", `{"widget_id":"d","content_source":{"kind":"inline","html":"<p>x</p>"}}`, nil); code != http.StatusForbidden {
		t.Errorf("over the cap: status %d, want 403", code)
	}
	if code := call(t, srv, "GET", "/api/extractions?limit=lots", "", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit: status %d, want 400", code)
	}
	if code := call(t, srv, "DELETE", "/api/widgets/a?keep_history=maybe", "", nil); code != http.StatusBadRequest {
		t.Errorf("bad keep_history: status %d, want 400", code)
	}
}

func TestHTTP_Extractions(t *testing.T) {
	ts, srv := apiServer(t, noControls())
	var created WidgetState
	call(t, srv, "POST", "/api/widgets", clockWidget, &created)
	ts.deliver(&created, "12:00")
	ts.deliver(&created, "12:01")

	var latest struct {
		Extractions []widget.ExtractionRecord `json:"extractions"`
	}
	if code := call(t, srv, "GET", "/api/extractions/latest", "", &latest); code != http.StatusOK {
		t.Fatalf("latest: status %d", code)
	}
	if len(latest.Extractions) != 1 || latest.Extractions[0].Value != "12:01" {
		t.Errorf("latest: got %+v", latest.Extractions)
	}

	var hist struct {
		Extractions []widget.ExtractionRecord `json:"extractions"`
	}
	call(t, srv, "GET", "/api/extractions?widget_id=clock&limit=1", "", &hist)
	if len(hist.Extractions) != 1 {
		t.Errorf("history limit: got %d records, want 1", len(hist.Extractions))
	}
	call(t, srv, "GET", "/api/extractions", "", &hist)
	if len(hist.Extractions) != 2 {
		t.Errorf("history: got %d records, want 2", len(hist.Extractions))
	}
}

func TestHTTP_HealthAndHeaders(t *testing.T) {
	_, srv := apiServer(t, &Config{})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Trace-ID") == "" {
		t.Error("missing X-Trace-ID header")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.OpenWidgets != 1 || h.WidgetLimit != 3 {
		t.Errorf("health: %+v", h)
	}
}

func TestHTTP_AuditTrail(t *testing.T) {
	ts, srv := apiServer(t, noControls())
	call(t, srv, "POST", "/api/widgets", clockWidget, nil)
	call(t, srv, "POST", "/api/widgets", clockWidget, nil)
	call(t, srv, "GET", "/api/widgets", "", nil)

	audit := ts.Audit()
	if err := ts.Close(); err != nil {
		t.Fatal(err)
	}
	entries, err := audit.Query(context.Background(), observability.AuditFilter{WidgetID: "clock"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries: got %d, want 2 (reads are not audited)", len(entries))
	}
	statuses := map[string]int{}
	for _, e := range entries {
		if e.Operation != OpCreateWidget || e.Transport != "http" || e.TraceID == "" {
			t.Errorf("entry: %+v", e)
		}
		statuses[e.Status]++
	}
	if statuses["success"] != 1 || statuses["error"] != 1 {
		t.Errorf("statuses: %v", statuses)
	}
	if !strings.Contains(entries[0].Parameters, `"widget_id":"clock"`) {
		t.Errorf("parameters: %s", entries[0].Parameters)
	}
}
