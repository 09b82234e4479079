// Package tokenizer provides approximate client-side token counting used for
// per-turn context telemetry. Counts are advisory; the provider remains the
// source of truth for billing and limits.
package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/webpilot-ai/webpilot/pkg/types"
)

// Tokenizer counts tokens with a cl100k encoding, which is close enough for
// context-window accounting across OpenAI-compatible models.
type Tokenizer struct {
	encoding *tiktoken.Tiktoken
}

// New creates a tokenizer. Fails only if the encoding cannot be loaded.
func New() (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding: %w", err)
	}
	return &Tokenizer{encoding: enc}, nil
}

// CountTokens returns the token count of a string.
func (t *Tokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(t.encoding.Encode(text, nil, nil))
}

// imageTokenCost is a flat per-image estimate. Vision inputs are billed by
// tile; a screenshot at our viewport lands near this regardless of content.
const imageTokenCost = 765

// CountHistoryTokens estimates the token footprint of a conversation,
// including a flat cost per retained image payload.
func (t *Tokenizer) CountHistoryTokens(history []types.Turn) int {
	total := 0
	for _, turn := range history {
		// Per-turn overhead for role framing.
		total += 4
		for _, part := range turn.Parts {
			switch part.Kind {
			case types.PartText:
				total += t.CountTokens(part.Text)
			case types.PartImage:
				total += imageTokenCost
			case types.PartFunctionCall:
				if part.FunctionCall != nil {
					total += t.CountTokens(part.FunctionCall.Name)
					total += t.CountTokens(fmt.Sprintf("%v", part.FunctionCall.Args))
				}
			case types.PartFunctionResponse:
				if part.FunctionResponse != nil {
					total += t.CountTokens(part.FunctionResponse.Name)
					total += t.CountTokens(fmt.Sprintf("%v", part.FunctionResponse.Response))
				}
			}
		}
	}
	return total
}
