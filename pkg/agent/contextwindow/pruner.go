// Package contextwindow bounds the model's input size without discarding
// the conversation's action and text trail.
package contextwindow

import "github.com/webpilot-ai/webpilot/pkg/types"

// DefaultImageRetention is the number of most recent image-bearing turns
// whose screenshots are kept in the conversation. Screenshots dominate the
// token footprint; the text and tool-call trail stays intact regardless.
const DefaultImageRetention = 3

// Pruner strips stale image payloads from a conversation.
type Pruner struct {
	retention int
}

// NewPruner creates a pruner keeping images in the given number of most
// recent image-bearing turns. Non-positive values fall back to the default.
func NewPruner(retention int) *Pruner {
	if retention <= 0 {
		retention = DefaultImageRetention
	}
	return &Pruner{retention: retention}
}

// Retention returns the configured image retention window.
func (p *Pruner) Retention() int {
	return p.retention
}

// Prune scans the history newest to oldest and, past the Nth image-bearing
// turn, strips image payloads from all older turns. Text, tool calls, and
// tool responses are preserved unchanged. The returned count is the number
// of turns that lost an image.
func (p *Pruner) Prune(history []types.Turn) int {
	seen := 0
	pruned := 0
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].HasImage() {
			continue
		}
		seen++
		if seen > p.retention {
			history[i] = history[i].StripImages()
			pruned++
		}
	}
	return pruned
}
