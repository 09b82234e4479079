package openai

import (
	"encoding/json"
	"testing"

	openaisdk "github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpilot-ai/webpilot/pkg/llm"
	"github.com/webpilot-ai/webpilot/pkg/types"
)

// completionFromJSON builds an SDK completion the same way the client does,
// by decoding API-shaped JSON.
func completionFromJSON(t *testing.T, payload string) *openaisdk.ChatCompletion {
	t.Helper()
	var completion openaisdk.ChatCompletion
	require.NoError(t, json.Unmarshal([]byte(payload), &completion))
	return &completion
}

func TestParseCompletionTextOnlyIsDone(t *testing.T) {
	completion := completionFromJSON(t, `{
		"choices": [{
			"finish_reason": "stop",
			"message": {"role": "assistant", "content": "The task is finished."}
		}]
	}`)

	resp, err := parseCompletion(completion)
	require.NoError(t, err)
	assert.True(t, resp.Done)
	assert.Equal(t, "The task is finished.", resp.Text)
	assert.Empty(t, resp.ToolCalls)
	assert.False(t, resp.Malformed)
}

func TestParseCompletionNoChoicesIsDone(t *testing.T) {
	resp, err := parseCompletion(completionFromJSON(t, `{"choices": []}`))
	require.NoError(t, err)
	assert.True(t, resp.Done)
}

func TestParseCompletionToolCalls(t *testing.T) {
	completion := completionFromJSON(t, `{
		"choices": [{
			"finish_reason": "tool_calls",
			"message": {
				"role": "assistant",
				"content": "Clicking the search box.",
				"tool_calls": [{
					"id": "call_abc",
					"type": "function",
					"function": {"name": "click_at", "arguments": "{\"x\": 500, \"y\": 120}"}
				}]
			}
		}]
	}`)

	resp, err := parseCompletion(completion)
	require.NoError(t, err)
	assert.False(t, resp.Done)
	assert.False(t, resp.Malformed)
	assert.Equal(t, "Clicking the search box.", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "click_at", resp.ToolCalls[0].Name)
	assert.Equal(t, float64(500), resp.ToolCalls[0].Args["x"])
	assert.Nil(t, resp.ToolCalls[0].Safety)
}

func TestParseCompletionMalformedArguments(t *testing.T) {
	completion := completionFromJSON(t, `{
		"choices": [{
			"finish_reason": "tool_calls",
			"message": {
				"role": "assistant",
				"content": "Trying to click.",
				"tool_calls": [{
					"id": "call_abc",
					"type": "function",
					"function": {"name": "click_at", "arguments": "{\"x\": 500,"}
				}]
			}
		}]
	}`)

	resp, err := parseCompletion(completion)
	require.NoError(t, err)
	assert.True(t, resp.Malformed)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, "Trying to click.", resp.Text)
}

func TestParseCompletionTruncatedToolCallsAreMalformed(t *testing.T) {
	completion := completionFromJSON(t, `{
		"choices": [{
			"finish_reason": "length",
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{
					"id": "call_abc",
					"type": "function",
					"function": {"name": "navigate", "arguments": "{\"url\": \"https://a.com\"}"}
				}]
			}
		}]
	}`)

	resp, err := parseCompletion(completion)
	require.NoError(t, err)
	assert.True(t, resp.Malformed)
	assert.Empty(t, resp.ToolCalls)
}

func TestParseCompletionSafetyDecision(t *testing.T) {
	completion := completionFromJSON(t, `{
		"choices": [{
			"finish_reason": "tool_calls",
			"message": {
				"role": "assistant",
				"content": "This looks like a purchase.",
				"tool_calls": [{
					"id": "call_abc",
					"type": "function",
					"function": {
						"name": "click_at",
						"arguments": "{\"x\": 1, \"y\": 2, \"safety_decision\": {\"decision\": \"require_confirmation\", \"explanation\": \"Completes a payment.\"}}"
					}
				}]
			}
		}]
	}`)

	resp, err := parseCompletion(completion)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)

	call := resp.ToolCalls[0]
	require.NotNil(t, call.Safety)
	assert.Equal(t, llm.DecisionRequireConfirmation, call.Safety.Decision)
	assert.Equal(t, "Completes a payment.", call.Safety.Explanation)
	assert.True(t, call.RequiresConfirmation())

	// The signal must not leak into executor-visible arguments.
	_, present := call.Args["safety_decision"]
	assert.False(t, present)
	assert.Equal(t, float64(1), call.Args["x"])
}

func TestExtractSafetyDecision(t *testing.T) {
	tests := []struct {
		name     string
		args     map[string]any
		expected *llm.SafetyDecision
	}{
		{
			name:     "absent",
			args:     map[string]any{"x": 1.0},
			expected: nil,
		},
		{
			name:     "wrong shape",
			args:     map[string]any{"safety_decision": "require_confirmation"},
			expected: nil,
		},
		{
			name:     "missing decision field",
			args:     map[string]any{"safety_decision": map[string]any{"explanation": "hm"}},
			expected: nil,
		},
		{
			name: "full decision",
			args: map[string]any{"safety_decision": map[string]any{
				"decision":    "require_confirmation",
				"explanation": "Sends an email.",
			}},
			expected: &llm.SafetyDecision{Decision: "require_confirmation", Explanation: "Sends an email."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractSafetyDecision(tt.args)
			assert.Equal(t, tt.expected, got)
			if tt.expected != nil {
				assert.NotContains(t, tt.args, "safety_decision")
			}
		})
	}
}

func TestConvertHistoryShapes(t *testing.T) {
	history := []types.Turn{
		types.NewTurn(types.RoleUser,
			types.NewTextPart("book a table"),
			types.NewImagePart("image/png", "c2NyZWVu"),
		),
		types.NewTurn(types.RoleModel,
			types.NewTextPart("Opening the site."),
			types.NewFunctionCallPart("navigate", map[string]any{"url": "https://resy.example"}),
		),
		types.NewTurn(types.RoleFunction,
			types.NewFunctionResponsePart("navigate", map[string]any{"result": "ok"}),
			types.NewImagePart("image/png", "bmV4dA=="),
		),
	}

	messages := convertHistory("You are a browser agent.", history)

	// system + user + assistant + tool + trailing screenshot user message.
	require.Len(t, messages, 5)

	assistant := messages[2].OfAssistant
	require.NotNil(t, assistant)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "navigate", assistant.ToolCalls[0].Function.Name)
	assert.Equal(t, "call_1_0", assistant.ToolCalls[0].ID)

	tool := messages[3].OfTool
	require.NotNil(t, tool)
	assert.Equal(t, "call_1_0", tool.ToolCallID)
}

func TestConvertToolsCount(t *testing.T) {
	defs := llm.BrowserActionSchema()
	converted := convertTools(defs)
	assert.Len(t, converted, len(defs))
	assert.Equal(t, "navigate", converted[0].Function.Name)
}
