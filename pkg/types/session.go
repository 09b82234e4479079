// Package types defines the session document, conversation model, and action
// log shared across the webpilot orchestrator. The conversation is an ordered
// sequence of turns whose parts are tagged variants, so every serialization
// boundary can switch on the part kind instead of probing optional fields.
package types

import "time"

// SessionStatus is the lifecycle state of a browsing session.
type SessionStatus string

const (
	StatusStarting             SessionStatus = "starting"
	StatusInProgress           SessionStatus = "in_progress"
	StatusAwaitingConfirmation SessionStatus = "awaiting_confirmation"
	StatusCompleted            SessionStatus = "completed"
	StatusFailed               SessionStatus = "failed"
	StatusCancelled            SessionStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal sessions accept no
// further turn-advancing operations.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Session is the persisted unit of work: one user-directed browser task and
// its full turn history.
type Session struct {
	ID     string        `json:"id"`
	Goal   string        `json:"goal"`
	Status SessionStatus `json:"status"`

	// Remote browser binding.
	BrowserSessionID       string `json:"browserSessionId,omitempty"`
	BrowserConnectEndpoint string `json:"browserConnectEndpoint,omitempty"`
	LiveViewURL            string `json:"liveViewUrl,omitempty"`
	CurrentURL             string `json:"currentUrl,omitempty"`

	// Screenshot is the most recent page capture, base64-encoded. It is
	// returned in API responses but never written to the store.
	Screenshot string `json:"-"`

	ConversationHistory []Turn         `json:"conversationHistory"`
	Actions             []ActionRecord `json:"actions"`

	// PendingAction is set only while Status is awaiting_confirmation.
	PendingAction *PendingAction `json:"pendingAction,omitempty"`

	CurrentTurn int      `json:"currentTurn"`
	Thoughts    []string `json:"thoughts"`
	FinalResult string   `json:"finalResult,omitempty"`
	Error       string   `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ActionRecord is one entry in the ordered action log.
type ActionRecord struct {
	Name      string         `json:"name"`
	Args      map[string]any `json:"args,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// PendingAction is a proposed action held back by the safety confirmation
// gate, waiting for an explicit user decision.
type PendingAction struct {
	Name              string         `json:"name"`
	Args              map[string]any `json:"args,omitempty"`
	SafetyExplanation string         `json:"safetyExplanation,omitempty"`
}

// LastThought returns the most recently recorded thought, or "" if none.
func (s *Session) LastThought() string {
	if len(s.Thoughts) == 0 {
		return ""
	}
	return s.Thoughts[len(s.Thoughts)-1]
}
