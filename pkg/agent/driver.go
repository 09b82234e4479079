// Package agent drives a browsing session through repeated model turns:
// call the model, gate and execute the returned actions, append results to
// the conversation, prune stale screenshots, persist. All state lives in the
// session store so any invocation can pick up where the last one stopped.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/webpilot-ai/webpilot/pkg/agent/contextwindow"
	"github.com/webpilot-ai/webpilot/pkg/browser"
	"github.com/webpilot-ai/webpilot/pkg/llm"
	"github.com/webpilot-ai/webpilot/pkg/llm/tokenizer"
	"github.com/webpilot-ai/webpilot/pkg/logging"
	"github.com/webpilot-ai/webpilot/pkg/store"
	"github.com/webpilot-ai/webpilot/pkg/types"
)

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("agent")
	if err != nil {
		debugLog.Warnf("Failed to initialize agent logger, using stderr fallback: %v", err)
	}
}

const (
	// DefaultMaxTurns is the turn ceiling after which a session is forced
	// to complete rather than fail.
	DefaultMaxTurns = 25

	// DefaultMalformedRetries bounds silent re-invocations of a turn whose
	// model output failed to parse. Separate from the turn ceiling so a
	// stuck model cannot spin the loop forever.
	DefaultMalformedRetries = 3

	// DefaultLeaseTTL is how long one driver may hold a session before its
	// lease expires. Generous enough for a slow model call plus a full
	// action batch; expiry only matters if the holder died.
	DefaultLeaseTTL = 2 * time.Minute
)

// ErrSuperseded reports that a persist was refused because the session
// reached a terminal status through another path, typically a user cancel
// racing an in-flight turn. The turn's writes are discarded.
var ErrSuperseded = errors.New("session already terminal")

// ExecutorFactory builds a browser executor for a session's connect
// endpoint. Injected so tests can substitute a stub executor.
type ExecutorFactory func(connectEndpoint string) browser.Executor

// ReleaseFunc releases a session's remote browser. Implementations must be
// idempotent; the driver and the lifecycle controller may both reach a
// terminal transition.
type ReleaseFunc func(ctx context.Context, sess *types.Session)

// Driver executes agent turns for sessions.
type Driver struct {
	provider  llm.Provider
	store     store.Store
	executors ExecutorFactory
	release   ReleaseFunc
	pruner    *contextwindow.Pruner
	policy    *SafetyPolicy
	tok       *tokenizer.Tokenizer

	// shots holds the latest screenshot per live session. Screenshots never
	// reach the store, so this is what status responses read.
	shots sync.Map

	maxTurns         int
	malformedRetries int
	leaseTTL         time.Duration
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithMaxTurns sets the turn ceiling.
func WithMaxTurns(max int) DriverOption {
	return func(d *Driver) {
		d.maxTurns = max
	}
}

// WithMalformedRetries sets the per-turn bound on malformed-output retries.
func WithMalformedRetries(n int) DriverOption {
	return func(d *Driver) {
		d.malformedRetries = n
	}
}

// WithLeaseTTL sets the session drive-lease duration.
func WithLeaseTTL(ttl time.Duration) DriverOption {
	return func(d *Driver) {
		d.leaseTTL = ttl
	}
}

// WithImageRetention sets how many recent image-bearing turns keep their
// screenshots.
func WithImageRetention(n int) DriverOption {
	return func(d *Driver) {
		d.pruner = contextwindow.NewPruner(n)
	}
}

// WithSafetyPolicy sets the local confirmation policy.
func WithSafetyPolicy(policy *SafetyPolicy) DriverOption {
	return func(d *Driver) {
		d.policy = policy
	}
}

// NewDriver creates a driver. The release function is called exactly when a
// driver-side transition reaches a terminal status.
func NewDriver(provider llm.Provider, st store.Store, executors ExecutorFactory, release ReleaseFunc, opts ...DriverOption) *Driver {
	d := &Driver{
		provider:         provider,
		store:            st,
		executors:        executors,
		release:          release,
		pruner:           contextwindow.NewPruner(contextwindow.DefaultImageRetention),
		maxTurns:         DefaultMaxTurns,
		malformedRetries: DefaultMalformedRetries,
		leaseTTL:         DefaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.policy == nil {
		d.policy, _ = NewSafetyPolicy(nil)
	}
	// Token counting is best-effort telemetry; run without it if the
	// encoding cannot be loaded.
	if tok, err := tokenizer.New(); err == nil {
		d.tok = tok
	}
	return d
}

// RunLoop advances the session turn by turn until it leaves in_progress,
// the turn ceiling forces completion, or another driver holds the lease.
// Intended to run in a goroutine; errors are logged and persisted on the
// session rather than returned.
func (d *Driver) RunLoop(ctx context.Context, id string) {
	for {
		advanced, err := d.Step(ctx, id)
		if err != nil {
			debugLog.Errorf("Session %s loop stopped: %v", id, err)
			return
		}
		if !advanced {
			return
		}
	}
}

// Step runs at most one lease-guarded turn. It reports whether a turn was
// executed and the loop should continue. A held lease, a terminal status,
// or the turn ceiling all yield (false, nil).
func (d *Driver) Step(ctx context.Context, id string) (bool, error) {
	acquired, err := d.store.AcquireLease(ctx, id, d.leaseTTL)
	if err != nil {
		return false, err
	}
	if !acquired {
		debugLog.Printf("Session %s lease held elsewhere, skipping turn", id)
		return false, nil
	}
	defer func() {
		if err := d.store.ReleaseLease(context.WithoutCancel(ctx), id); err != nil {
			debugLog.Warnf("Session %s lease release failed: %v", id, err)
		}
	}()

	sess, err := d.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, fmt.Errorf("session %s not found", id)
	}
	if sess.Status != types.StatusInProgress {
		return false, nil
	}
	if sess.CurrentTurn >= d.maxTurns {
		return false, d.forceComplete(ctx, sess)
	}

	return d.executeTurn(ctx, sess)
}

// executeTurn runs one cycle: model call, safety gate, sequential action
// execution, history append, pruning, persistence.
func (d *Driver) executeTurn(ctx context.Context, sess *types.Session) (bool, error) {
	req := &llm.CallRequest{
		SystemInstruction: SystemInstruction(sess.Goal),
		History:           sess.ConversationHistory,
		Tools:             llm.BrowserActionSchema(),
	}

	if d.tok != nil {
		debugLog.Debugf("Session %s turn %d: ~%d prompt tokens",
			sess.ID, sess.CurrentTurn, d.tok.CountHistoryTokens(sess.ConversationHistory))
	}

	var resp *llm.Response
	for attempt := 0; ; attempt++ {
		var err error
		resp, err = d.provider.Call(ctx, req)
		if err != nil {
			return false, d.failSession(ctx, sess, fmt.Errorf("model call failed: %w", err))
		}
		if !resp.Malformed {
			break
		}
		if attempt >= d.malformedRetries {
			// Out of retries: record what we have and spend a normal
			// turn instead of spinning.
			debugLog.Warnf("Session %s: malformed output persisted after %d retries", sess.ID, attempt)
			if resp.Text != "" {
				sess.Thoughts = append(sess.Thoughts, resp.Text)
			}
			sess.CurrentTurn++
			return d.commit(ctx, sess)
		}
		debugLog.Warnf("Session %s: malformed model output, retrying turn (attempt %d)", sess.ID, attempt+1)
	}

	if resp.Text != "" {
		sess.Thoughts = append(sess.Thoughts, resp.Text)
	}

	// No actions: the model considers the goal reached.
	if len(resp.ToolCalls) == 0 {
		sess.Status = types.StatusCompleted
		sess.FinalResult = resp.Text
		if sess.FinalResult == "" {
			sess.FinalResult = DefaultFinalResult
		}
		err := d.persist(ctx, sess)
		if errors.Is(err, ErrSuperseded) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		d.shots.Delete(sess.ID)
		d.release(ctx, sess)
		return false, nil
	}

	// Safety gate: if any call in the batch requires confirmation, hold the
	// whole batch back. Nothing is appended to history until the decision,
	// so every persisted model turn has a complete set of responses.
	for _, call := range resp.ToolCalls {
		if gated, explanation := d.policy.Check(call); gated {
			sess.PendingAction = &types.PendingAction{
				Name:              call.Name,
				Args:              call.Args,
				SafetyExplanation: explanation,
			}
			sess.Status = types.StatusAwaitingConfirmation
			debugLog.Printf("Session %s gated on %s: %s", sess.ID, call.Name, explanation)
			if err := d.persist(ctx, sess); err != nil && !errors.Is(err, ErrSuperseded) {
				return false, err
			}
			return false, nil
		}
	}

	modelParts := make([]types.Part, 0, len(resp.ToolCalls)+1)
	if resp.Text != "" {
		modelParts = append(modelParts, types.NewTextPart(resp.Text))
	}
	for _, call := range resp.ToolCalls {
		modelParts = append(modelParts, types.NewFunctionCallPart(call.Name, call.Args))
	}
	sess.ConversationHistory = append(sess.ConversationHistory, types.NewTurn(types.RoleModel, modelParts...))

	responseParts := d.executeCalls(ctx, sess, resp.ToolCalls, false)
	sess.ConversationHistory = append(sess.ConversationHistory, types.NewTurn(types.RoleFunction, responseParts...))

	d.pruner.Prune(sess.ConversationHistory)
	sess.CurrentTurn++
	return d.commit(ctx, sess)
}

// commit persists a completed turn. When the session turned terminal under
// a concurrent cancel, the turn's writes are discarded and the loop stops.
func (d *Driver) commit(ctx context.Context, sess *types.Session) (bool, error) {
	err := d.persist(ctx, sess)
	if errors.Is(err, ErrSuperseded) {
		debugLog.Printf("Session %s became terminal elsewhere, discarding turn", sess.ID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// executeCalls runs tool calls strictly sequentially, in the order the
// model produced them: UI actions on one page are order-dependent. Each
// call yields a function-response part plus, when available, a screenshot.
func (d *Driver) executeCalls(ctx context.Context, sess *types.Session, calls []llm.ToolCall, acknowledged bool) []types.Part {
	exec := d.executors(sess.BrowserConnectEndpoint)
	parts := make([]types.Part, 0, len(calls)*2)

	for _, call := range calls {
		record := types.ActionRecord{
			Name:      call.Name,
			Args:      call.Args,
			Timestamp: time.Now(),
		}
		response := map[string]any{}
		if acknowledged {
			response["safety_acknowledged"] = true
		}

		obs, err := exec.Execute(ctx, call)
		if obs == nil {
			obs = &browser.Observation{}
		}
		if err != nil {
			// Action failures are recoverable: the error rides back to the
			// model in the function response so it can self-correct.
			record.Error = err.Error()
			response["error"] = err.Error()
			debugLog.Warnf("Session %s action %s failed: %v", sess.ID, call.Name, err)
		} else {
			record.Result = "ok"
			response["result"] = "ok"
		}

		if obs.URL != "" {
			response["url"] = obs.URL
			sess.CurrentURL = obs.URL
		}
		if obs.PageText != "" {
			response["page_text"] = obs.PageText
		}
		if obs.Screenshot != "" {
			sess.Screenshot = obs.Screenshot
			d.shots.Store(sess.ID, obs.Screenshot)
		}

		sess.Actions = append(sess.Actions, record)
		parts = append(parts, types.NewFunctionResponsePart(call.Name, response))
		if obs.Screenshot != "" {
			parts = append(parts, types.NewImagePart("image/png", obs.Screenshot))
		}
	}
	return parts
}

// ExecutePending executes the held-back action after an affirmative user
// confirmation, folding the acknowledgement marker into the function
// response, and returns the session to in_progress. The caller is expected
// to resume the loop afterwards.
func (d *Driver) ExecutePending(ctx context.Context, sess *types.Session) error {
	pending := sess.PendingAction
	if pending == nil {
		return fmt.Errorf("session %s has no pending action", sess.ID)
	}

	call := llm.ToolCall{Name: pending.Name, Args: pending.Args}
	sess.ConversationHistory = append(sess.ConversationHistory,
		types.NewTurn(types.RoleModel, types.NewFunctionCallPart(call.Name, call.Args)))

	responseParts := d.executeCalls(ctx, sess, []llm.ToolCall{call}, true)
	sess.ConversationHistory = append(sess.ConversationHistory,
		types.NewTurn(types.RoleFunction, responseParts...))

	d.pruner.Prune(sess.ConversationHistory)
	sess.PendingAction = nil
	sess.Status = types.StatusInProgress
	sess.CurrentTurn++
	return d.persist(ctx, sess)
}

// forceComplete ends a session that hit the turn ceiling with a degraded
// summary instead of a failure.
func (d *Driver) forceComplete(ctx context.Context, sess *types.Session) error {
	sess.Status = types.StatusCompleted
	sess.FinalResult = degradedSummary(sess.LastThought())
	debugLog.Printf("Session %s reached turn ceiling (%d), forcing completion", sess.ID, d.maxTurns)
	err := d.persist(ctx, sess)
	if errors.Is(err, ErrSuperseded) {
		return nil
	}
	if err != nil {
		return err
	}
	d.shots.Delete(sess.ID)
	d.release(ctx, sess)
	return nil
}

// failSession marks the session failed with the given error and releases
// its browser.
func (d *Driver) failSession(ctx context.Context, sess *types.Session, cause error) error {
	sess.Status = types.StatusFailed
	sess.Error = cause.Error()
	debugLog.Errorf("Session %s failed: %v", sess.ID, cause)
	err := d.persist(ctx, sess)
	if errors.Is(err, ErrSuperseded) {
		return nil
	}
	if err != nil {
		return err
	}
	d.shots.Delete(sess.ID)
	d.release(ctx, sess)
	return cause
}

// persist writes the session through the terminal-status guard so an
// in-flight turn can never overwrite a cancel that landed meanwhile.
func (d *Driver) persist(ctx context.Context, sess *types.Session) error {
	sess.UpdatedAt = time.Now()
	ok, err := d.store.PutIfActive(ctx, sess)
	if err != nil {
		return fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	if !ok {
		return fmt.Errorf("persist session %s: %w", sess.ID, ErrSuperseded)
	}
	return nil
}

// LatestScreenshot returns the most recent screenshot captured for a live
// session by this process, or the empty string.
func (d *Driver) LatestScreenshot(id string) string {
	if v, ok := d.shots.Load(id); ok {
		return v.(string)
	}
	return ""
}

// ForgetScreenshot drops a session's cached screenshot. Called on
// controller-side terminal transitions; the driver clears its own.
func (d *Driver) ForgetScreenshot(id string) {
	d.shots.Delete(id)
}
