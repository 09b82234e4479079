package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrowserActionSchemaCoversAllActions(t *testing.T) {
	expected := []string{
		ActionNavigate, ActionClickAt, ActionTypeTextAt, ActionScrollDocument,
		ActionScrollAt, ActionHoverAt, ActionKeyCombination, ActionGoBack,
		ActionGoForward, ActionWait, ActionDragAndDrop, ActionFindElement,
	}

	defs := BrowserActionSchema()
	require.Len(t, defs, len(expected))

	byName := make(map[string]ToolDefinition, len(defs))
	for _, def := range defs {
		byName[def.Name] = def
	}
	for _, name := range expected {
		def, ok := byName[name]
		require.True(t, ok, "missing action %s", name)
		assert.NotEmpty(t, def.Description)
		assert.Equal(t, "object", def.Parameters["type"])
	}
}

func TestBrowserActionSchemaCoordinateParameters(t *testing.T) {
	defs := BrowserActionSchema()
	for _, def := range defs {
		if def.Name != ActionClickAt {
			continue
		}
		props, ok := def.Parameters["properties"].(map[string]any)
		require.True(t, ok)
		assert.Contains(t, props, "x")
		assert.Contains(t, props, "y")
		required, ok := def.Parameters["required"].([]string)
		require.True(t, ok)
		assert.Contains(t, required, "x")
		assert.Contains(t, required, "y")
	}
}

func TestToolCallRequiresConfirmation(t *testing.T) {
	assert.False(t, ToolCall{Name: ActionClickAt}.RequiresConfirmation())
	assert.False(t, ToolCall{
		Name:   ActionClickAt,
		Safety: &SafetyDecision{Decision: "allow"},
	}.RequiresConfirmation())
	assert.True(t, ToolCall{
		Name:   ActionClickAt,
		Safety: &SafetyDecision{Decision: DecisionRequireConfirmation},
	}.RequiresConfirmation())
}
