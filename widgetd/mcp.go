package widgetd

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/widgetd/kit"
)

// RegisterMCP registers the Control API as MCP tools. Each tool runs the
// same endpoint as its HTTP route.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	str := func(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }
	integer := func(desc string) map[string]any { return map[string]any{"type": "integer", "description": desc} }
	boolean := func(desc string) map[string]any { return map[string]any{"type": "boolean", "description": desc} }

	boundsSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"x": integer("Left edge"), "y": integer("Top edge"),
			"width": integer("Width"), "height": integer("Height"),
		},
		"required": []string{"width", "height"},
	}
	modifierSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"kind":             map[string]any{"type": "string", "enum": []any{"refresh", "scrape"}},
			"interval_seconds": integer("Firing period in seconds (scrape default: scheduler setting)"),
			"css_selector":     str("CSS selector, scrape only"),
		},
		"required": []string{"kind"},
	}

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "widget_create",
		Description: "Create a widget showing a remote page (content_source.kind=url) or inline markup (kind=inline), with optional modifiers.",
		InputSchema: kit.InputSchema(map[string]any{
			"widget_id": str("Optional id; generated when empty"),
			"title":     str("Window title"),
			"content_source": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"kind":    map[string]any{"type": "string", "enum": []any{"url", "inline"}},
					"address": str("Page URL (kind=url)"),
					"html":    str("Markup (kind=inline)"),
				},
				"required": []string{"kind"},
			},
			"level":       map[string]any{"type": "string", "enum": []any{"always_on_top", "normal", "always_on_bottom"}},
			"transparent": boolean("Transparent background"),
			"decorated":   boolean("Window decorations (default true)"),
			"bounds":      boundsSchema,
			"modifiers":   map[string]any{"type": "array", "items": modifierSchema},
		}, "content_source"),
	}, s.endpoints.createWidget, kit.DecodeJSON[CreateWidgetRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "widget_delete",
		Description: "Delete a widget and its modifiers. Extraction history is purged unless keep_history is true.",
		InputSchema: kit.InputSchema(map[string]any{
			"widget_id":    str("Widget id"),
			"keep_history": boolean("Keep extraction history"),
		}, "widget_id"),
	}, s.endpoints.deleteWidget, kit.DecodeJSON[DeleteWidgetRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "widget_set_visibility",
		Description: "Show or hide a widget. Showing a closed widget reopens it.",
		InputSchema: kit.InputSchema(map[string]any{
			"widget_id": str("Widget id"),
			"visible":   boolean("Target visibility"),
		}, "widget_id", "visible"),
	}, s.endpoints.setVisibility, kit.DecodeJSON[VisibilityRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "widget_set_bounds",
		Description: "Move or resize a widget. The layout is persisted.",
		InputSchema: kit.InputSchema(map[string]any{
			"widget_id": str("Widget id"),
			"bounds":    boundsSchema,
		}, "widget_id", "bounds"),
	}, s.endpoints.setBounds, kit.DecodeJSON[BoundsRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "widget_update_settings",
		Description: "Change a widget's title, level, transparency or decorations. The content source cannot change.",
		InputSchema: kit.InputSchema(map[string]any{
			"widget_id":   str("Widget id"),
			"title":       str("Window title"),
			"level":       map[string]any{"type": "string", "enum": []any{"always_on_top", "normal", "always_on_bottom"}},
			"transparent": boolean("Transparent background"),
			"decorated":   boolean("Window decorations"),
		}, "widget_id"),
	}, s.endpoints.updateSettings, kit.DecodeJSON[SettingsRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "widget_list",
		Description: "List every stored widget with its open state.",
		InputSchema: kit.InputSchema(map[string]any{}),
	}, s.endpoints.listWidgets, kit.DecodeJSON[ListRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "widget_add_modifier",
		Description: "Attach a refresh or scrape modifier to a widget. Returns the modifier with its id.",
		InputSchema: kit.InputSchema(map[string]any{
			"widget_id":        str("Widget id"),
			"kind":             map[string]any{"type": "string", "enum": []any{"refresh", "scrape"}},
			"interval_seconds": integer("Firing period in seconds"),
			"css_selector":     str("CSS selector, scrape only"),
		}, "widget_id", "kind"),
	}, s.endpoints.addModifier, kit.DecodeJSON[AddModifierRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "widget_delete_modifier",
		Description: "Remove a modifier from a widget.",
		InputSchema: kit.InputSchema(map[string]any{
			"widget_id":   str("Widget id"),
			"modifier_id": str("Modifier id"),
		}, "widget_id", "modifier_id"),
	}, s.endpoints.deleteModifier, kit.DecodeJSON[ModifierRef]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "widget_list_modifiers",
		Description: "List the modifiers of a widget.",
		InputSchema: kit.InputSchema(map[string]any{
			"widget_id": str("Widget id"),
		}, "widget_id"),
	}, s.endpoints.listModifiers, kit.DecodeJSON[WidgetRef]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "extraction_latest",
		Description: "Latest extraction result of each widget.",
		InputSchema: kit.InputSchema(map[string]any{}),
	}, s.endpoints.latestExtractions, kit.DecodeJSON[ListRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "extraction_history",
		Description: "Extraction history, newest first, optionally for one widget.",
		InputSchema: kit.InputSchema(map[string]any{
			"widget_id": str("Filter by widget id"),
			"limit":     integer("Max records (default 500)"),
		}),
	}, s.endpoints.extractionHistory, kit.DecodeJSON[HistoryRequest]())
}
