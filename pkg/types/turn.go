package types

import "strings"

// Role identifies the author of a conversation turn.
type Role string

const (
	// RoleUser is a turn authored by the user (goal, follow-up commands,
	// injected screenshots).
	RoleUser Role = "user"

	// RoleModel is a turn authored by the model (text and function calls).
	RoleModel Role = "model"

	// RoleFunction is a turn carrying function responses back to the model.
	RoleFunction Role = "function"
)

// Turn is one ordered entry in the conversation history.
type Turn struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// NewTurn builds a turn from the given parts.
func NewTurn(role Role, parts ...Part) Turn {
	return Turn{Role: role, Parts: parts}
}

// HasImage reports whether any part of the turn carries an image payload.
func (t Turn) HasImage() bool {
	for _, p := range t.Parts {
		if p.Kind == PartImage && p.Image != nil {
			return true
		}
	}
	return false
}

// StripImages returns a copy of the turn with image payloads removed and all
// other parts preserved unchanged.
func (t Turn) StripImages() Turn {
	parts := make([]Part, 0, len(t.Parts))
	for _, p := range t.Parts {
		if p.Kind == PartImage {
			continue
		}
		parts = append(parts, p)
	}
	return Turn{Role: t.Role, Parts: parts}
}

// Text joins the turn's text parts with newlines.
func (t Turn) Text() string {
	var texts []string
	for _, p := range t.Parts {
		if p.Kind == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}
