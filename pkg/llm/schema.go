package llm

// ToolDefinition describes one action in the fixed browser-action schema,
// using JSON-schema style parameter maps.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Action names of the fixed schema. The executor treats any name outside
// this set as a logged no-op, so new names degrade gracefully rather than
// crashing either side.
const (
	ActionNavigate       = "navigate"
	ActionClickAt        = "click_at"
	ActionTypeTextAt     = "type_text_at"
	ActionScrollDocument = "scroll_document"
	ActionScrollAt       = "scroll_at"
	ActionHoverAt        = "hover_at"
	ActionKeyCombination = "key_combination"
	ActionGoBack         = "go_back"
	ActionGoForward      = "go_forward"
	ActionWait           = "wait_seconds"
	ActionDragAndDrop    = "drag_and_drop"
	ActionFindElement    = "find_element"
)

func coordProp(desc string) map[string]any {
	return map[string]any{
		"type":        "integer",
		"description": desc + " on a 0-999 grid, independent of viewport size",
		"minimum":     0,
		"maximum":     999,
	}
}

func objectSchema(props map[string]any, required []string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// BrowserActionSchema returns the fixed action vocabulary offered to the
// model. Callers must pass it through unmodified so call ordering and
// parameter names stay stable across providers.
func BrowserActionSchema() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        ActionNavigate,
			Description: "Navigate the page to an absolute URL.",
			Parameters: objectSchema(map[string]any{
				"url": map[string]any{"type": "string", "description": "Absolute URL to open"},
			}, []string{"url"}),
		},
		{
			Name:        ActionClickAt,
			Description: "Click at a position on the page.",
			Parameters: objectSchema(map[string]any{
				"x": coordProp("Horizontal position"),
				"y": coordProp("Vertical position"),
			}, []string{"x", "y"}),
		},
		{
			Name:        ActionTypeTextAt,
			Description: "Click at a position to focus an input, then type text into it. Replaces any existing value.",
			Parameters: objectSchema(map[string]any{
				"x":           coordProp("Horizontal position of the input"),
				"y":           coordProp("Vertical position of the input"),
				"text":        map[string]any{"type": "string", "description": "Text to type"},
				"press_enter": map[string]any{"type": "boolean", "description": "Press Enter after typing"},
			}, []string{"x", "y", "text"}),
		},
		{
			Name:        ActionScrollDocument,
			Description: "Scroll the whole document in a direction.",
			Parameters: objectSchema(map[string]any{
				"direction": map[string]any{
					"type": "string",
					"enum": []string{"up", "down", "left", "right"},
				},
			}, []string{"direction"}),
		},
		{
			Name:        ActionScrollAt,
			Description: "Scroll the scrollable container under a position.",
			Parameters: objectSchema(map[string]any{
				"x": coordProp("Horizontal position"),
				"y": coordProp("Vertical position"),
				"direction": map[string]any{
					"type": "string",
					"enum": []string{"up", "down", "left", "right"},
				},
			}, []string{"x", "y", "direction"}),
		},
		{
			Name:        ActionHoverAt,
			Description: "Move the mouse to a position without clicking.",
			Parameters: objectSchema(map[string]any{
				"x": coordProp("Horizontal position"),
				"y": coordProp("Vertical position"),
			}, []string{"x", "y"}),
		},
		{
			Name:        ActionKeyCombination,
			Description: "Press a key or key combination, e.g. 'Enter' or 'Control+a'.",
			Parameters: objectSchema(map[string]any{
				"keys": map[string]any{"type": "string", "description": "Key combination, '+'-separated"},
			}, []string{"keys"}),
		},
		{
			Name:        ActionGoBack,
			Description: "Go back in browser history.",
			Parameters:  objectSchema(map[string]any{}, nil),
		},
		{
			Name:        ActionGoForward,
			Description: "Go forward in browser history.",
			Parameters:  objectSchema(map[string]any{}, nil),
		},
		{
			Name:        ActionWait,
			Description: "Wait for the page to settle before the next action.",
			Parameters: objectSchema(map[string]any{
				"seconds": map[string]any{"type": "number", "description": "Seconds to wait", "minimum": 0, "maximum": 10},
			}, []string{"seconds"}),
		},
		{
			Name:        ActionDragAndDrop,
			Description: "Drag from one position to another.",
			Parameters: objectSchema(map[string]any{
				"x":           coordProp("Drag start horizontal position"),
				"y":           coordProp("Drag start vertical position"),
				"destination_x": coordProp("Drop horizontal position"),
				"destination_y": coordProp("Drop vertical position"),
			}, []string{"x", "y", "destination_x", "destination_y"}),
		},
		{
			Name:        ActionFindElement,
			Description: "Locate an element by description. Returns the current page state.",
			Parameters: objectSchema(map[string]any{
				"description": map[string]any{"type": "string", "description": "What to look for"},
			}, []string{"description"}),
		},
	}
}
