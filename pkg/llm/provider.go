// Package llm provides the model gateway abstraction for the webpilot
// orchestrator: a fixed browser-action tool schema, the call contract, and
// the parsed response shape.
//
// Providers adapt the schema to a concrete tool-calling API. The Agent Loop
// Driver is responsible for dispatching tool calls, appending results to the
// conversation, and retrying on malformed output; providers only translate
// between the conversation model and the wire protocol.
package llm

import (
	"context"

	"github.com/webpilot-ai/webpilot/pkg/types"
)

// Provider is the model gateway consumed by the agent loop.
type Provider interface {
	// Call sends the conversation to the model and returns the parsed
	// response. It must tolerate empty responses (Done set, nothing else),
	// invalid structured output (Malformed set, caller retries), and
	// multiple tool calls in a single response, surfaced in call order.
	Call(ctx context.Context, req *CallRequest) (*Response, error)

	// Model returns the model name in use.
	Model() string
}

// CallRequest is one model invocation.
type CallRequest struct {
	// SystemInstruction is prepended as the system prompt.
	SystemInstruction string

	// History is the full conversation so far.
	History []types.Turn

	// Tools is the action schema offered to the model. Providers must not
	// reorder or filter it.
	Tools []ToolDefinition
}

// Response is the parsed result of one model call.
type Response struct {
	// Text is the model's commentary for this turn, if any.
	Text string

	// ToolCalls are the structured calls the model produced, in the order
	// received. Empty together with Done means the model considers the task
	// finished.
	ToolCalls []ToolCall

	// Done is set when the model produced no further actions (including the
	// empty/absent response case).
	Done bool

	// Malformed is set when the model emitted structured output that failed
	// to parse. The caller should re-invoke the same turn rather than
	// surface an error.
	Malformed bool
}

// ToolCall is a single structured action request from the model.
type ToolCall struct {
	Name string
	Args map[string]any

	// Safety is the model's safety signal for this call, if present.
	Safety *SafetyDecision
}

// SafetyDecision is the model-reported safety classification of a proposed
// action.
type SafetyDecision struct {
	Decision    string `json:"decision"`
	Explanation string `json:"explanation,omitempty"`
}

// DecisionRequireConfirmation marks an action that must not execute until a
// human confirms it.
const DecisionRequireConfirmation = "require_confirmation"

// RequiresConfirmation reports whether the call is gated behind the safety
// confirmation checkpoint.
func (c ToolCall) RequiresConfirmation() bool {
	return c.Safety != nil && c.Safety.Decision == DecisionRequireConfirmation
}
