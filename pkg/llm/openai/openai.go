// Package openai implements the model gateway against OpenAI-compatible
// chat-completions APIs with tool calling and vision input.
//
// The response is consumed as a stream and accumulated; tool-call argument
// JSON that fails to parse is reported as malformed output so the agent loop
// can silently retry the turn instead of failing the session.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/webpilot-ai/webpilot/pkg/llm"
	"github.com/webpilot-ai/webpilot/pkg/logging"
	"github.com/webpilot-ai/webpilot/pkg/types"
)

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("gateway")
	if err != nil {
		debugLog.Warnf("Failed to initialize gateway logger, using stderr fallback: %v", err)
	}
}

// Provider implements llm.Provider for OpenAI-compatible APIs.
type Provider struct {
	client openai.Client
	model  string
}

// ProviderOption configures a Provider.
type ProviderOption func(*providerConfig)

type providerConfig struct {
	model   string
	baseURL string
}

// WithModel sets the model used for completions.
func WithModel(model string) ProviderOption {
	return func(c *providerConfig) {
		c.model = model
	}
}

// WithBaseURL points the provider at an OpenAI-compatible endpoint.
func WithBaseURL(baseURL string) ProviderOption {
	return func(c *providerConfig) {
		c.baseURL = baseURL
	}
}

// NewProvider creates a gateway with the given API key. An empty key falls
// back to OPENAI_API_KEY; an unset base URL falls back to OPENAI_BASE_URL.
func NewProvider(apiKey string, opts ...ProviderOption) (*Provider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required (provide via parameter or OPENAI_API_KEY)")
	}

	cfg := &providerConfig{model: "gpt-4o"}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.baseURL == "" {
		cfg.baseURL = os.Getenv("OPENAI_BASE_URL")
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Provider{
		client: openai.NewClient(clientOpts...),
		model:  cfg.model,
	}, nil
}

// Model returns the configured model name.
func (p *Provider) Model() string {
	return p.model
}

// Call sends the conversation and returns the parsed response.
func (p *Provider) Call(ctx context.Context, req *llm.CallRequest) (*llm.Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: convertHistory(req.SystemInstruction, req.History),
		Tools:    convertTools(req.Tools),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		acc.AddChunk(stream.Current())
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("completion stream failed: %w", err)
	}

	return parseCompletion(&acc.ChatCompletion)
}

// parseCompletion maps the accumulated completion onto the gateway contract.
func parseCompletion(completion *openai.ChatCompletion) (*llm.Response, error) {
	if len(completion.Choices) == 0 {
		debugLog.Warnf("Model returned no choices, treating as done")
		return &llm.Response{Done: true}, nil
	}

	choice := completion.Choices[0]
	resp := &llm.Response{Text: choice.Message.Content}

	for _, call := range choice.Message.ToolCalls {
		args := make(map[string]any)
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				debugLog.Warnf("Malformed tool call arguments for %s: %v", call.Function.Name, err)
				return &llm.Response{Text: resp.Text, Malformed: true}, nil
			}
		}

		toolCall := llm.ToolCall{Name: call.Function.Name, Args: args}
		toolCall.Safety = extractSafetyDecision(args)
		resp.ToolCalls = append(resp.ToolCalls, toolCall)
	}

	// A truncated response can cut a tool call mid-argument without the
	// arguments failing to parse as a prefix; treat it as malformed too.
	if choice.FinishReason == "length" && len(resp.ToolCalls) > 0 {
		debugLog.Warnf("Tool calls truncated by length limit, treating as malformed")
		return &llm.Response{Text: resp.Text, Malformed: true}, nil
	}

	if len(resp.ToolCalls) == 0 {
		resp.Done = true
	}
	return resp, nil
}

// extractSafetyDecision pulls the model's safety signal out of the argument
// map, removing it so executors see only action parameters.
func extractSafetyDecision(args map[string]any) *llm.SafetyDecision {
	raw, ok := args["safety_decision"]
	if !ok {
		return nil
	}
	delete(args, "safety_decision")

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	decision := &llm.SafetyDecision{}
	if d, ok := obj["decision"].(string); ok {
		decision.Decision = d
	}
	if e, ok := obj["explanation"].(string); ok {
		decision.Explanation = e
	}
	if decision.Decision == "" {
		return nil
	}
	return decision
}

// convertTools maps the fixed action schema onto function-calling tool
// definitions.
func convertTools(tools []llm.ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.Parameters),
			},
		})
	}
	return out
}

// convertHistory maps conversation turns onto chat messages. Tool-call ids
// are synthesized deterministically per model turn; the function-response
// turn that follows consumes them in order, which is safe because the loop
// always appends responses for every call of the preceding model turn.
func convertHistory(systemInstruction string, history []types.Turn) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if systemInstruction != "" {
		messages = append(messages, openai.SystemMessage(systemInstruction))
	}

	var pendingCallIDs []string

	for i, turn := range history {
		switch turn.Role {
		case types.RoleUser:
			messages = append(messages, convertUserTurn(turn))

		case types.RoleModel:
			msg, ids := convertModelTurn(turn, i)
			messages = append(messages, msg)
			pendingCallIDs = ids

		case types.RoleFunction:
			toolMsgs, screenshots := convertFunctionTurn(turn, pendingCallIDs)
			messages = append(messages, toolMsgs...)
			pendingCallIDs = nil
			if len(screenshots) > 0 {
				messages = append(messages, openai.UserMessage(screenshots))
			}
		}
	}
	return messages
}

func convertUserTurn(turn types.Turn) openai.ChatCompletionMessageParamUnion {
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(turn.Parts))
	for _, p := range turn.Parts {
		switch p.Kind {
		case types.PartText:
			parts = append(parts, openai.TextContentPart(p.Text))
		case types.PartImage:
			parts = append(parts, imageContentPart(p.Image))
		case types.PartFunctionCall, types.PartFunctionResponse:
			// Not produced in user turns; skip rather than guess a rendering.
		}
	}
	return openai.UserMessage(parts)
}

func convertModelTurn(turn types.Turn, turnIndex int) (openai.ChatCompletionMessageParamUnion, []string) {
	assistant := openai.ChatCompletionAssistantMessageParam{}
	var callIDs []string

	for _, p := range turn.Parts {
		switch p.Kind {
		case types.PartText:
			assistant.Content.OfString = openai.String(p.Text)
		case types.PartFunctionCall:
			id := fmt.Sprintf("call_%d_%d", turnIndex, len(callIDs))
			callIDs = append(callIDs, id)
			argsJSON, err := json.Marshal(p.FunctionCall.Args)
			if err != nil {
				argsJSON = []byte("{}")
			}
			assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
				ID: id,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      p.FunctionCall.Name,
					Arguments: string(argsJSON),
				},
			})
		case types.PartImage, types.PartFunctionResponse:
			// Not produced in model turns.
		}
	}

	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}, callIDs
}

// convertFunctionTurn emits one tool message per function response and
// collects screenshot parts, which the protocol cannot attach to tool
// messages and therefore ride in a trailing user message.
func convertFunctionTurn(turn types.Turn, callIDs []string) ([]openai.ChatCompletionMessageParamUnion, []openai.ChatCompletionContentPartUnionParam) {
	var messages []openai.ChatCompletionMessageParamUnion
	var screenshots []openai.ChatCompletionContentPartUnionParam
	next := 0

	for _, p := range turn.Parts {
		switch p.Kind {
		case types.PartFunctionResponse:
			id := "call_unmatched"
			if next < len(callIDs) {
				id = callIDs[next]
				next++
			}
			body, err := json.Marshal(p.FunctionResponse.Response)
			if err != nil {
				body = []byte("{}")
			}
			tool := openai.ChatCompletionToolMessageParam{ToolCallID: id}
			tool.Content.OfString = openai.String(string(body))
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfTool: &tool})
		case types.PartImage:
			screenshots = append(screenshots, imageContentPart(p.Image))
		case types.PartText:
			screenshots = append(screenshots, openai.TextContentPart(p.Text))
		case types.PartFunctionCall:
			// Not produced in function turns.
		}
	}
	return messages, screenshots
}

func imageContentPart(img *types.ImageData) openai.ChatCompletionContentPartUnionParam {
	mime := img.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	url := fmt.Sprintf("data:%s;base64,%s", mime, img.Data)
	return openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url})
}
