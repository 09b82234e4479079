package agent

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/webpilot-ai/webpilot/pkg/llm"
)

// SafetyPolicy decides which proposed actions must pass the human
// confirmation gate. The model's own safety signal always gates; on top of
// that, navigation to configured sensitive destinations gates locally even
// when the model raised no flag.
type SafetyPolicy struct {
	sensitiveURLs []glob.Glob
	patterns      []string
}

// NewSafetyPolicy compiles the given URL glob patterns. Invalid patterns
// are rejected so misconfiguration fails at startup, not mid-session.
func NewSafetyPolicy(urlPatterns []string) (*SafetyPolicy, error) {
	p := &SafetyPolicy{patterns: urlPatterns}
	for _, pattern := range urlPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid sensitive URL pattern %q: %w", pattern, err)
		}
		p.sensitiveURLs = append(p.sensitiveURLs, g)
	}
	return p, nil
}

// Check returns whether the call requires confirmation and a human-readable
// explanation for the pending-action record.
func (p *SafetyPolicy) Check(call llm.ToolCall) (bool, string) {
	if call.RequiresConfirmation() {
		explanation := call.Safety.Explanation
		if explanation == "" {
			explanation = "The model flagged this action as requiring confirmation."
		}
		return true, explanation
	}

	if call.Name == llm.ActionNavigate {
		url, _ := call.Args["url"].(string)
		for i, g := range p.sensitiveURLs {
			if g.Match(url) {
				return true, fmt.Sprintf("Navigation to %s matches sensitive destination pattern %q.", url, p.patterns[i])
			}
		}
	}
	return false, ""
}
