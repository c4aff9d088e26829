package widgetd

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/widgetd/observability"
	"github.com/hazyhaar/widgetd/widget"
)

var testImpl = &mcp.Implementation{Name: "widgetd-test", Version: "0.1.0"}

// mcpSession starts a service, registers its MCP tools, and returns a
// connected client session.
func mcpSession(t *testing.T) (*testService, *mcp.ClientSession) {
	t.Helper()
	ts := startService(t, noControls(), nil)

	srv := mcp.NewServer(testImpl, nil)
	ts.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() {
		_ = srv.Run(ctx, serverT)
	}()

	session, err := mcp.NewClient(testImpl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return ts, session
}

// callTool invokes a tool and returns the JSON text of the first content.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	}
	return tc.Text
}

func callToolErr(t *testing.T, session *mcp.ClientSession, name string, args any) error {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return result.GetError()
}

func TestMCP_ListTools(t *testing.T) {
	_, session := mcpSession(t)
	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"widget_create", "widget_delete", "widget_set_visibility", "widget_set_bounds",
		"widget_update_settings", "widget_list", "widget_add_modifier", "widget_delete_modifier",
		"widget_list_modifiers", "extraction_latest", "extraction_history",
	} {
		if !names[want] {
			t.Errorf("tool %s not registered", want)
		}
	}
}

func TestMCP_WidgetLifecycle(t *testing.T) {
	ts, session := mcpSession(t)

	text := callTool(t, session, "widget_create", map[string]any{
		"widget_id":      "weather",
		"content_source": map[string]any{"kind": "url", "address": "https://example.com/weather"},
		"modifiers":      []any{map[string]any{"kind": "refresh", "interval_seconds": 300}},
	})
	var st WidgetState
	if err := json.Unmarshal([]byte(text), &st); err != nil {
		t.Fatal(err)
	}
	if st.Config.ID != "weather" || !st.Open {
		t.Fatalf("created: %+v", st)
	}

	err := callToolErr(t, session, "widget_create", map[string]any{
		"widget_id":      "weather",
		"content_source": map[string]any{"kind": "url", "address": "https://example.com/weather"},
	})
	if err == nil {
		t.Fatal("duplicate create should be a tool error")
	}

	text = callTool(t, session, "widget_add_modifier", map[string]any{
		"widget_id": "weather", "kind": "scrape", "css_selector": ".temp",
	})
	var m widget.Modifier
	json.Unmarshal([]byte(text), &m)
	if m.ID == "" {
		t.Fatalf("modifier id missing: %s", text)
	}

	text = callTool(t, session, "widget_list_modifiers", map[string]any{"widget_id": "weather"})
	var mods struct {
		Modifiers []widget.Modifier `json:"modifiers"`
	}
	json.Unmarshal([]byte(text), &mods)
	if len(mods.Modifiers) != 2 {
		t.Errorf("modifiers: got %d, want 2", len(mods.Modifiers))
	}

	callTool(t, session, "widget_set_bounds", map[string]any{
		"widget_id": "weather", "bounds": map[string]any{"x": 5, "y": 5, "width": 200, "height": 100},
	})
	callTool(t, session, "widget_update_settings", map[string]any{"widget_id": "weather", "transparent": true})
	callTool(t, session, "widget_set_visibility", map[string]any{"widget_id": "weather", "visible": false})

	stored, err := ts.Store().GetWidget(context.Background(), "weather")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Bounds.Width != 200 || !stored.Transparent {
		t.Errorf("stored: %+v", stored)
	}

	ts.deliver(&st, "18C")
	text = callTool(t, session, "extraction_latest", map[string]any{})
	var latest struct {
		Extractions []widget.ExtractionRecord `json:"extractions"`
	}
	json.Unmarshal([]byte(text), &latest)
	if len(latest.Extractions) != 1 || latest.Extractions[0].Value != "18C" {
		t.Errorf("latest: %s", text)
	}

	callTool(t, session, "widget_delete_modifier", map[string]any{"widget_id": "weather", "modifier_id": m.ID})
	callTool(t, session, "widget_delete", map[string]any{"widget_id": "weather", "keep_history": true})

	text = callTool(t, session, "extraction_history", map[string]any{"widget_id": "weather"})
	var hist struct {
		Extractions []widget.ExtractionRecord `json:"extractions"`
	}
	json.Unmarshal([]byte(text), &hist)
	if len(hist.Extractions) != 1 {
		t.Errorf("history kept after delete: got %d records", len(hist.Extractions))
	}
	if err := callToolErr(t, session, "widget_delete", map[string]any{"widget_id": "weather"}); err == nil {
		t.Error("deleting a missing widget should be a tool error")
	}

	text = callTool(t, session, "widget_list", map[string]any{})
	var list struct {
		Widgets []widget.Config `json:"widgets"`
	}
	json.Unmarshal([]byte(text), &list)
	if len(list.Widgets) != 0 {
		t.Errorf("widgets after delete: %s", text)
	}

	audit := ts.Audit()
	ts.Close()
	entries, err := audit.Query(context.Background(), observability.AuditFilter{Operation: OpDeleteWidget})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Transport != "mcp" {
		t.Errorf("delete audit entries: %+v", entries)
	}
}
