package types

import "fmt"

// PartKind discriminates the variants of a conversation Part.
type PartKind string

const (
	// PartText is a plain text fragment (model thoughts, user goals, summaries).
	PartText PartKind = "text"

	// PartImage is an inline image payload, in practice a page screenshot.
	PartImage PartKind = "image"

	// PartFunctionCall is a tool invocation proposed by the model.
	PartFunctionCall PartKind = "function_call"

	// PartFunctionResponse is the result of an executed tool call.
	PartFunctionResponse PartKind = "function_response"
)

// Part is one element of a conversation turn. Exactly one of the payload
// fields is set, selected by Kind. Serialization boundaries must switch on
// Kind exhaustively rather than probing optional fields.
type Part struct {
	Kind PartKind `json:"kind"`

	Text             string            `json:"text,omitempty"`
	Image            *ImageData        `json:"image,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// ImageData is an inline image attached to a turn.
type ImageData struct {
	// MIMEType is the image content type, e.g. "image/png".
	MIMEType string `json:"mimeType"`

	// Data is the base64-encoded image payload.
	Data string `json:"data"`
}

// FunctionCall is a single tool call emitted by the model.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries the executor's result for one tool call back to
// the model.
type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

// NewTextPart returns a text part.
func NewTextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// NewImagePart returns an image part holding a base64-encoded payload.
func NewImagePart(mimeType, data string) Part {
	return Part{Kind: PartImage, Image: &ImageData{MIMEType: mimeType, Data: data}}
}

// NewFunctionCallPart returns a function-call part.
func NewFunctionCallPart(name string, args map[string]any) Part {
	return Part{Kind: PartFunctionCall, FunctionCall: &FunctionCall{Name: name, Args: args}}
}

// NewFunctionResponsePart returns a function-response part.
func NewFunctionResponsePart(name string, response map[string]any) Part {
	return Part{Kind: PartFunctionResponse, FunctionResponse: &FunctionResponse{Name: name, Response: response}}
}

// Validate checks that the payload field matching Kind is populated.
func (p Part) Validate() error {
	switch p.Kind {
	case PartText:
		return nil
	case PartImage:
		if p.Image == nil {
			return fmt.Errorf("image part missing payload")
		}
		return nil
	case PartFunctionCall:
		if p.FunctionCall == nil {
			return fmt.Errorf("function_call part missing payload")
		}
		return nil
	case PartFunctionResponse:
		if p.FunctionResponse == nil {
			return fmt.Errorf("function_response part missing payload")
		}
		return nil
	default:
		return fmt.Errorf("unknown part kind %q", p.Kind)
	}
}
