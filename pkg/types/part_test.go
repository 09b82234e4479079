package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartConstructorsValidate(t *testing.T) {
	parts := []Part{
		NewTextPart("hello"),
		NewImagePart("image/png", "aGVsbG8="),
		NewFunctionCallPart("navigate", map[string]any{"url": "https://example.com"}),
		NewFunctionResponsePart("navigate", map[string]any{"result": "ok"}),
	}

	for _, p := range parts {
		assert.NoError(t, p.Validate(), "kind %s", p.Kind)
	}
}

func TestPartValidateRejectsMismatchedPayload(t *testing.T) {
	tests := []struct {
		name string
		part Part
	}{
		{name: "unknown kind", part: Part{Kind: "audio"}},
		{name: "image without payload", part: Part{Kind: PartImage}},
		{name: "function call without payload", part: Part{Kind: PartFunctionCall}},
		{name: "function response without payload", part: Part{Kind: PartFunctionResponse}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.part.Validate())
		})
	}
}

func TestPartJSONRoundTrip(t *testing.T) {
	original := NewFunctionCallPart("click_at", map[string]any{"x": float64(10), "y": float64(20)})

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Part
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, PartFunctionCall, decoded.Kind)
	assert.Equal(t, "click_at", decoded.FunctionCall.Name)
	assert.Equal(t, float64(10), decoded.FunctionCall.Args["x"])
}

func TestTurnHelpers(t *testing.T) {
	turn := NewTurn(RoleModel,
		NewTextPart("first"),
		NewImagePart("image/png", "aW1n"),
		NewTextPart("second"),
	)

	assert.True(t, turn.HasImage())
	assert.Equal(t, "first\nsecond", turn.Text())

	stripped := turn.StripImages()
	assert.False(t, stripped.HasImage())
	assert.Len(t, stripped.Parts, 2)
	// The original turn is untouched.
	assert.True(t, turn.HasImage())
}

func TestSessionStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusStarting.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
	assert.False(t, StatusAwaitingConfirmation.IsTerminal())
}

func TestLastThought(t *testing.T) {
	sess := &Session{}
	assert.Equal(t, "", sess.LastThought())

	sess.Thoughts = []string{"one", "two"}
	assert.Equal(t, "two", sess.LastThought())
}
