// Package session owns the lifecycle of browsing sessions: creation with
// browser provisioning, status polling with staleness-triggered heartbeat
// turns, confirmation of gated actions, cancellation, and follow-up
// commands. Turn execution itself is delegated to the agent driver.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/webpilot-ai/webpilot/pkg/agent"
	"github.com/webpilot-ai/webpilot/pkg/browser"
	"github.com/webpilot-ai/webpilot/pkg/llm"
	"github.com/webpilot-ai/webpilot/pkg/logging"
	"github.com/webpilot-ai/webpilot/pkg/store"
	"github.com/webpilot-ai/webpilot/pkg/types"
)

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("session")
	if err != nil {
		debugLog.Warnf("Failed to initialize session logger, using stderr fallback: %v", err)
	}
}

// defaultStartURL is where a session lands when neither the request nor the
// goal names a page.
const defaultStartURL = "https://www.google.com"

var (
	// ErrNotFound indicates no session exists with the given id.
	ErrNotFound = errors.New("session not found")

	// ErrNotAwaitingConfirmation indicates a confirm decision arrived for a
	// session that has no pending action.
	ErrNotAwaitingConfirmation = errors.New("session is not awaiting confirmation")

	// ErrTerminal indicates the operation is invalid on a finished session.
	ErrTerminal = errors.New("session has already finished")

	// ErrBusy indicates another driver currently holds the session lease.
	ErrBusy = errors.New("session is busy with another turn")
)

// screenshotter is implemented by executors that can capture the current
// page without performing an action.
type screenshotter interface {
	Screenshot(ctx context.Context) (*browser.Observation, error)
}

// Controller coordinates session state transitions.
type Controller struct {
	store       store.Store
	provisioner browser.Provisioner
	driver      *agent.Driver
	executors   agent.ExecutorFactory

	stalenessThreshold time.Duration
	leaseTTL           time.Duration
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithStalenessThreshold sets how long a session may sit untouched before a
// status poll runs a heartbeat turn.
func WithStalenessThreshold(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.stalenessThreshold = d
	}
}

// WithLeaseTTL sets the lease duration used for controller-side mutations.
func WithLeaseTTL(ttl time.Duration) ControllerOption {
	return func(c *Controller) {
		c.leaseTTL = ttl
	}
}

// NewController creates a controller.
func NewController(st store.Store, provisioner browser.Provisioner, driver *agent.Driver, executors agent.ExecutorFactory, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:              st,
		provisioner:        provisioner,
		driver:             driver,
		executors:          executors,
		stalenessThreshold: 30 * time.Second,
		leaseTTL:           agent.DefaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BrowserReleaser adapts a provisioner into the driver's release hook.
// Close on an already released session is a no-op upstream, so calling it
// from both the driver and the controller is safe.
func BrowserReleaser(p browser.Provisioner) agent.ReleaseFunc {
	return func(ctx context.Context, sess *types.Session) {
		if sess.BrowserSessionID == "" {
			return
		}
		if err := p.Close(ctx, sess.BrowserSessionID); err != nil {
			debugLog.Warnf("Session %s: browser release failed: %v", sess.ID, err)
		}
	}
}

// Start provisions a browser, navigates it to a starting page, seeds the
// conversation with the goal and an initial screenshot, and launches the
// background turn loop. The returned session is already persisted.
func (c *Controller) Start(ctx context.Context, goal, initialURL string) (*types.Session, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("goal must not be empty")
	}

	now := time.Now()
	sess := &types.Session{
		ID:        uuid.NewString(),
		Goal:      goal,
		Status:    types.StatusStarting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to persist new session: %w", err)
	}
	debugLog.Printf("Session %s starting, goal: %s", sess.ID, goal)

	inst, err := c.provisioner.Create(ctx)
	if err != nil {
		sess.Status = types.StatusFailed
		if errors.Is(err, browser.ErrMissingCredentials) {
			sess.Error = fmt.Sprintf("configuration error: %v", err)
		} else {
			sess.Error = fmt.Sprintf("browser provisioning failed: %v", err)
		}
		sess.UpdatedAt = time.Now()
		if putErr := c.store.Put(ctx, sess); putErr != nil {
			debugLog.Errorf("Session %s: failed to persist provisioning failure: %v", sess.ID, putErr)
		}
		return sess, fmt.Errorf("failed to provision browser: %w", err)
	}
	sess.BrowserSessionID = inst.SessionID
	sess.BrowserConnectEndpoint = inst.ConnectEndpoint

	// Live view is a nice-to-have; ignore lookup failures.
	if info, err := c.provisioner.DebugInfo(ctx, inst.SessionID); err == nil && info != nil {
		sess.LiveViewURL = info.LiveViewURL
	}

	startURL := initialURL
	if startURL == "" {
		startURL = urlFromGoal(goal)
	}

	exec := c.executors(sess.BrowserConnectEndpoint)
	obs, err := exec.Execute(ctx, navigateCall(startURL))
	if err != nil {
		debugLog.Warnf("Session %s: initial navigation to %s failed: %v", sess.ID, startURL, err)
	}

	parts := []types.Part{types.NewTextPart(goal)}
	if obs != nil {
		if obs.URL != "" {
			sess.CurrentURL = obs.URL
		}
		if obs.Screenshot != "" {
			sess.Screenshot = obs.Screenshot
			parts = append(parts, types.NewImagePart("image/png", obs.Screenshot))
		}
	}
	sess.ConversationHistory = append(sess.ConversationHistory, types.NewTurn(types.RoleUser, parts...))
	sess.Status = types.StatusInProgress
	sess.UpdatedAt = time.Now()
	if err := c.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to persist session %s: %w", sess.ID, err)
	}

	go c.driver.RunLoop(context.WithoutCancel(ctx), sess.ID)
	return sess, nil
}

// Status returns the session's current state. If the session is in progress
// but has not advanced within the staleness threshold, one turn is executed
// inline before returning, so polling alone keeps a session moving even if
// its background loop is gone.
func (c *Controller) Status(ctx context.Context, id string) (*types.Session, error) {
	sess, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}

	if sess.Status == types.StatusInProgress && time.Since(sess.UpdatedAt) > c.stalenessThreshold {
		debugLog.Printf("Session %s stale for %s, running heartbeat turn", id, time.Since(sess.UpdatedAt).Round(time.Second))
		if _, err := c.driver.Step(ctx, id); err != nil {
			debugLog.Warnf("Session %s heartbeat turn failed: %v", id, err)
		}
		if sess, err = c.get(ctx, id); err != nil {
			return nil, err
		}
	}

	// The screenshot is transient and never persisted; live sessions read
	// the last one the driver captured in this process.
	if sess.Screenshot == "" && !sess.Status.IsTerminal() {
		sess.Screenshot = c.driver.LatestScreenshot(id)
	}
	return sess, nil
}

// Confirm resolves a pending gated action. Approval executes the held-back
// action with the user's acknowledgement and resumes the loop; denial
// cancels the session and releases its browser.
func (c *Controller) Confirm(ctx context.Context, id string, approved bool) (*types.Session, error) {
	release, err := c.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != types.StatusAwaitingConfirmation {
		return nil, fmt.Errorf("%w: status is %s", ErrNotAwaitingConfirmation, sess.Status)
	}

	if !approved {
		debugLog.Printf("Session %s: pending %s denied by user", id, sess.PendingAction.Name)
		sess.PendingAction = nil
		sess.Status = types.StatusCancelled
		sess.UpdatedAt = time.Now()
		if err := c.store.Put(ctx, sess); err != nil {
			return nil, fmt.Errorf("failed to persist session %s: %w", id, err)
		}
		c.driver.ForgetScreenshot(id)
		BrowserReleaser(c.provisioner)(ctx, sess)
		return sess, nil
	}

	debugLog.Printf("Session %s: pending %s approved by user", id, sess.PendingAction.Name)
	if err := c.driver.ExecutePending(ctx, sess); err != nil {
		// A concurrent cancel outranks the approval; return the stored state.
		if errors.Is(err, agent.ErrSuperseded) {
			return c.get(ctx, id)
		}
		return nil, err
	}
	release()
	go c.driver.RunLoop(context.WithoutCancel(ctx), id)
	return sess, nil
}

// Cancel stops a session. Cancelling a session that already reached a
// terminal status is a no-op.
func (c *Controller) Cancel(ctx context.Context, id string) (*types.Session, error) {
	sess, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status.IsTerminal() {
		return sess, nil
	}

	sess.Status = types.StatusCancelled
	sess.PendingAction = nil
	sess.UpdatedAt = time.Now()
	if err := c.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to persist session %s: %w", id, err)
	}
	debugLog.Printf("Session %s cancelled", id)
	c.driver.ForgetScreenshot(id)
	BrowserReleaser(c.provisioner)(ctx, sess)
	return sess, nil
}

// SendCommand appends a follow-up instruction to a live session. The
// command becomes the session's active goal and the loop resumes against
// the browser's current state.
func (c *Controller) SendCommand(ctx context.Context, id, command string) (*types.Session, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command must not be empty")
	}

	release, err := c.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: status is %s", ErrTerminal, sess.Status)
	}

	parts := []types.Part{types.NewTextPart(command)}
	exec := c.executors(sess.BrowserConnectEndpoint)
	if snap, ok := exec.(screenshotter); ok {
		if obs, err := snap.Screenshot(ctx); err == nil && obs != nil {
			if obs.URL != "" {
				sess.CurrentURL = obs.URL
			}
			if obs.Screenshot != "" {
				sess.Screenshot = obs.Screenshot
				parts = append(parts, types.NewImagePart("image/png", obs.Screenshot))
			}
		} else if err != nil {
			debugLog.Warnf("Session %s: screenshot for command failed: %v", id, err)
		}
	}

	sess.ConversationHistory = append(sess.ConversationHistory, types.NewTurn(types.RoleUser, parts...))
	sess.Goal = command
	sess.PendingAction = nil
	sess.Status = types.StatusInProgress
	sess.UpdatedAt = time.Now()
	ok, err := c.store.PutIfActive(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("failed to persist session %s: %w", id, err)
	}
	if !ok {
		// Cancelled between the read above and this write.
		return nil, fmt.Errorf("%w: session was cancelled", ErrTerminal)
	}
	debugLog.Printf("Session %s received command: %s", id, command)

	release()
	go c.driver.RunLoop(context.WithoutCancel(ctx), id)
	return sess, nil
}

func (c *Controller) get(ctx context.Context, id string) (*types.Session, error) {
	sess, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	return sess, nil
}

// acquire takes the session drive lease for a controller-side mutation so a
// concurrent background turn cannot interleave with it. The returned release
// runs at most once, so it can be called eagerly before resuming the loop
// and still sit in a defer for error paths.
func (c *Controller) acquire(ctx context.Context, id string) (func(), error) {
	ok, err := c.store.AcquireLease(ctx, id, c.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease for session %s: %w", id, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return sync.OnceFunc(func() {
		if err := c.store.ReleaseLease(context.WithoutCancel(ctx), id); err != nil {
			debugLog.Warnf("Session %s lease release failed: %v", id, err)
		}
	}), nil
}

func navigateCall(target string) llm.ToolCall {
	return llm.ToolCall{
		Name: llm.ActionNavigate,
		Args: map[string]any{"url": target},
	}
}

// urlFromGoal extracts an explicit URL or bare domain mentioned in the
// goal. Goals that name no page start from the default search engine.
func urlFromGoal(goal string) string {
	for _, field := range strings.Fields(goal) {
		field = strings.Trim(field, ".,;:!?()\"'")
		if strings.HasPrefix(field, "http://") || strings.HasPrefix(field, "https://") {
			if u, err := url.Parse(field); err == nil && u.Host != "" {
				return field
			}
			continue
		}
		if looksLikeDomain(field) {
			return "https://" + field
		}
	}
	return defaultStartURL
}

// looksLikeDomain matches bare hostnames like "amazon.com" or
// "news.ycombinator.com". The final label must be alphabetic so raw IPs and
// version strings do not match.
func looksLikeDomain(s string) bool {
	if !strings.Contains(s, ".") || strings.ContainsAny(s, "/@:") {
		return false
	}
	labels := strings.Split(s, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if label == "" {
			return false
		}
	}
	tld := labels[len(labels)-1]
	return len(tld) >= 2 && isAlpha(tld)
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return len(s) > 0
}
