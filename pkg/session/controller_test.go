package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpilot-ai/webpilot/pkg/agent"
	"github.com/webpilot-ai/webpilot/pkg/browser"
	"github.com/webpilot-ai/webpilot/pkg/llm"
	"github.com/webpilot-ai/webpilot/pkg/store"
	"github.com/webpilot-ai/webpilot/pkg/types"
)

type stubProvisioner struct {
	created   int
	closed    []string
	createErr error
}

func (s *stubProvisioner) Create(ctx context.Context) (*browser.Instance, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created++
	return &browser.Instance{SessionID: "bb-1", ConnectEndpoint: "wss://connect.example.com/bb-1"}, nil
}

func (s *stubProvisioner) Close(ctx context.Context, sessionID string) error {
	s.closed = append(s.closed, sessionID)
	return nil
}

func (s *stubProvisioner) DebugInfo(ctx context.Context, sessionID string) (*browser.DebugInfo, error) {
	return &browser.DebugInfo{LiveViewURL: "https://live.example.com/bb-1"}, nil
}

// stubExecutor answers every action and screenshot with a fixed page.
type stubExecutor struct {
	executed []llm.ToolCall
}

func (s *stubExecutor) Execute(ctx context.Context, call llm.ToolCall) (*browser.Observation, error) {
	s.executed = append(s.executed, call)
	return &browser.Observation{Screenshot: "c2NyZWVu", URL: "https://www.google.com"}, nil
}

func (s *stubExecutor) Screenshot(ctx context.Context) (*browser.Observation, error) {
	return &browser.Observation{Screenshot: "Zm9sbG93dXA=", URL: "https://www.google.com"}, nil
}

// idleProvider keeps sessions in progress without finishing them, so tests
// control every transition explicitly.
type idleProvider struct{}

func (idleProvider) Call(ctx context.Context, req *llm.CallRequest) (*llm.Response, error) {
	return &llm.Response{Text: "Done.", Done: true}, nil
}

func (idleProvider) Model() string { return "stub-model" }

type controllerFixture struct {
	controller  *Controller
	store       store.Store
	provisioner *stubProvisioner
	executor    *stubExecutor
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	provisioner := &stubProvisioner{}
	executor := &stubExecutor{}
	executors := func(endpoint string) browser.Executor { return executor }

	driver := agent.NewDriver(idleProvider{}, st, executors, BrowserReleaser(provisioner))
	controller := NewController(st, provisioner, driver, executors,
		WithStalenessThreshold(time.Hour),
	)

	return &controllerFixture{
		controller:  controller,
		store:       st,
		provisioner: provisioner,
		executor:    executor,
	}
}

func (f *controllerFixture) seedSession(t *testing.T, status types.SessionStatus) *types.Session {
	t.Helper()
	now := time.Now()
	sess := &types.Session{
		ID:                     "sess-1",
		Goal:                   "buy a wireless mouse",
		Status:                 status,
		BrowserSessionID:       "bb-1",
		BrowserConnectEndpoint: "wss://connect.example.com/bb-1",
		ConversationHistory: []types.Turn{
			types.NewTurn(types.RoleUser, types.NewTextPart("buy a wireless mouse")),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.store.Put(context.Background(), sess))
	return sess
}

func (f *controllerFixture) reload(t *testing.T, id string) *types.Session {
	t.Helper()
	sess, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sess)
	return sess
}

func TestStartProvisionsAndSeedsSession(t *testing.T) {
	f := newControllerFixture(t)

	sess, err := f.controller.Start(context.Background(), "buy a wireless mouse", "")
	require.NoError(t, err)

	assert.Equal(t, 1, f.provisioner.created)
	assert.Equal(t, "bb-1", sess.BrowserSessionID)
	assert.Equal(t, "wss://connect.example.com/bb-1", sess.BrowserConnectEndpoint)
	assert.Equal(t, "https://live.example.com/bb-1", sess.LiveViewURL)

	// Initial navigation happened before the loop started.
	require.NotEmpty(t, f.executor.executed)
	assert.Equal(t, llm.ActionNavigate, f.executor.executed[0].Name)
	assert.Equal(t, defaultStartURL, f.executor.executed[0].Args["url"])

	// The first user turn carries the goal and the opening screenshot.
	require.NotEmpty(t, sess.ConversationHistory)
	first := sess.ConversationHistory[0]
	assert.Equal(t, types.RoleUser, first.Role)
	assert.Equal(t, "buy a wireless mouse", first.Parts[0].Text)
	assert.True(t, first.HasImage())
}

func TestStartRejectsEmptyGoal(t *testing.T) {
	f := newControllerFixture(t)

	_, err := f.controller.Start(context.Background(), "   ", "")
	assert.Error(t, err)
	assert.Equal(t, 0, f.provisioner.created)
}

func TestStartWithInitialURL(t *testing.T) {
	f := newControllerFixture(t)

	_, err := f.controller.Start(context.Background(), "find the pricing page", "https://example.com/docs")
	require.NoError(t, err)

	require.NotEmpty(t, f.executor.executed)
	assert.Equal(t, "https://example.com/docs", f.executor.executed[0].Args["url"])
}

func TestStartSurfacesProvisioningFailure(t *testing.T) {
	f := newControllerFixture(t)
	f.provisioner.createErr = browser.ErrMissingCredentials

	sess, err := f.controller.Start(context.Background(), "buy a mouse", "")
	require.Error(t, err)
	require.NotNil(t, sess)

	persisted := f.reload(t, sess.ID)
	assert.Equal(t, types.StatusFailed, persisted.Status)
	assert.Contains(t, persisted.Error, "configuration error")
}

func TestStatusNotFound(t *testing.T) {
	f := newControllerFixture(t)

	_, err := f.controller.Status(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusFreshSessionSkipsHeartbeat(t *testing.T) {
	f := newControllerFixture(t)
	f.seedSession(t, types.StatusInProgress)

	sess, err := f.controller.Status(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, sess.Status)
	// Staleness threshold is an hour in this fixture, so no turn ran.
	assert.Equal(t, 0, sess.CurrentTurn)
}

func TestStatusStaleSessionRunsHeartbeatTurn(t *testing.T) {
	f := newControllerFixture(t)
	sess := f.seedSession(t, types.StatusInProgress)
	sess.UpdatedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, f.store.Put(context.Background(), sess))

	got, err := f.controller.Status(context.Background(), "sess-1")
	require.NoError(t, err)

	// The idle provider finishes on its first call.
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, "Done.", got.FinalResult)
}

func TestConfirmRequiresPendingAction(t *testing.T) {
	f := newControllerFixture(t)
	f.seedSession(t, types.StatusInProgress)

	_, err := f.controller.Confirm(context.Background(), "sess-1", true)
	assert.ErrorIs(t, err, ErrNotAwaitingConfirmation)

	// The rejected decision must not mutate the session.
	sess := f.reload(t, "sess-1")
	assert.Equal(t, types.StatusInProgress, sess.Status)
	assert.Empty(t, f.provisioner.closed)
}

func TestConfirmDenialCancelsAndReleases(t *testing.T) {
	f := newControllerFixture(t)
	sess := f.seedSession(t, types.StatusAwaitingConfirmation)
	sess.PendingAction = &types.PendingAction{
		Name:              llm.ActionClickAt,
		Args:              map[string]any{"x": 1.0, "y": 2.0},
		SafetyExplanation: "Places an order.",
	}
	require.NoError(t, f.store.Put(context.Background(), sess))

	got, err := f.controller.Confirm(context.Background(), "sess-1", false)
	require.NoError(t, err)

	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.Nil(t, got.PendingAction)
	assert.Equal(t, []string{"bb-1"}, f.provisioner.closed)
	assert.Empty(t, f.executor.executed)
}

func TestConfirmApprovalExecutesPending(t *testing.T) {
	f := newControllerFixture(t)
	sess := f.seedSession(t, types.StatusAwaitingConfirmation)
	sess.PendingAction = &types.PendingAction{
		Name:              llm.ActionClickAt,
		Args:              map[string]any{"x": 1.0, "y": 2.0},
		SafetyExplanation: "Places an order.",
	}
	require.NoError(t, f.store.Put(context.Background(), sess))

	got, err := f.controller.Confirm(context.Background(), "sess-1", true)
	require.NoError(t, err)

	assert.Nil(t, got.PendingAction)
	require.NotEmpty(t, f.executor.executed)
	assert.Equal(t, llm.ActionClickAt, f.executor.executed[0].Name)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newControllerFixture(t)
	f.seedSession(t, types.StatusInProgress)

	got, err := f.controller.Cancel(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.Equal(t, []string{"bb-1"}, f.provisioner.closed)

	// A second cancel is a no-op and does not release again.
	got, err = f.controller.Cancel(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.Equal(t, []string{"bb-1"}, f.provisioner.closed)
}

func TestSendCommandRejectsTerminalSession(t *testing.T) {
	f := newControllerFixture(t)
	f.seedSession(t, types.StatusCompleted)

	_, err := f.controller.SendCommand(context.Background(), "sess-1", "also order batteries")
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestSendCommandAppendsUserTurn(t *testing.T) {
	f := newControllerFixture(t)
	f.seedSession(t, types.StatusAwaitingConfirmation)

	got, err := f.controller.SendCommand(context.Background(), "sess-1", "also order batteries")
	require.NoError(t, err)

	assert.Equal(t, types.StatusInProgress, got.Status)
	assert.Equal(t, "also order batteries", got.Goal)
	assert.Nil(t, got.PendingAction)

	last := got.ConversationHistory[len(got.ConversationHistory)-1]
	assert.Equal(t, types.RoleUser, last.Role)
	assert.Equal(t, "also order batteries", last.Parts[0].Text)
	assert.True(t, last.HasImage())
}

func TestSendCommandRejectsEmptyCommand(t *testing.T) {
	f := newControllerFixture(t)
	f.seedSession(t, types.StatusInProgress)

	_, err := f.controller.SendCommand(context.Background(), "sess-1", "  ")
	assert.Error(t, err)
}

func TestBrowserReleaserSkipsUnprovisionedSession(t *testing.T) {
	provisioner := &stubProvisioner{}
	release := BrowserReleaser(provisioner)

	release(context.Background(), &types.Session{ID: "sess-x"})
	assert.Empty(t, provisioner.closed)
}

func TestURLFromGoal(t *testing.T) {
	tests := []struct {
		name     string
		goal     string
		expected string
	}{
		{
			name:     "explicit url",
			goal:     "open https://news.ycombinator.com and find the top story",
			expected: "https://news.ycombinator.com",
		},
		{
			name:     "bare domain",
			goal:     "search amazon.com for a wireless mouse",
			expected: "https://amazon.com",
		},
		{
			name:     "trailing punctuation stripped",
			goal:     "go to example.com.",
			expected: "https://example.com",
		},
		{
			name:     "no url mentioned",
			goal:     "find a cheap flight to Lisbon",
			expected: defaultStartURL,
		},
		{
			name:     "sentence period is not a domain",
			goal:     "order pizza. make it large",
			expected: defaultStartURL,
		},
		{
			name:     "version number is not a domain",
			goal:     "find the changelog for release 2.0.1",
			expected: defaultStartURL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, urlFromGoal(tt.goal))
		})
	}
}

func TestSendCommandWhileLeaseHeldReturnsBusy(t *testing.T) {
	f := newControllerFixture(t)
	f.seedSession(t, types.StatusInProgress)

	ok, err := f.store.AcquireLease(context.Background(), "sess-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.controller.SendCommand(context.Background(), "sess-1", "pause and report")
	assert.ErrorIs(t, err, ErrBusy)

	_, err = f.controller.Confirm(context.Background(), "sess-1", true)
	assert.ErrorIs(t, err, ErrBusy)
}

// actionProvider issues one navigation then finishes, so a heartbeat turn
// actually drives the browser and captures a screenshot.
type actionProvider struct{ calls int }

func (p *actionProvider) Call(ctx context.Context, req *llm.CallRequest) (*llm.Response, error) {
	p.calls++
	if p.calls == 1 {
		return &llm.Response{ToolCalls: []llm.ToolCall{
			{Name: llm.ActionNavigate, Args: map[string]any{"url": "https://www.google.com"}},
		}}, nil
	}
	return &llm.Response{Text: "Done.", Done: true}, nil
}

func (p *actionProvider) Model() string { return "stub-model" }

func TestStatusStaleHeartbeatReturnsScreenshot(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	provisioner := &stubProvisioner{}
	executor := &stubExecutor{}
	executors := func(endpoint string) browser.Executor { return executor }
	driver := agent.NewDriver(&actionProvider{}, st, executors, BrowserReleaser(provisioner))
	controller := NewController(st, provisioner, driver, executors,
		WithStalenessThreshold(time.Millisecond),
	)

	now := time.Now()
	require.NoError(t, st.Put(context.Background(), &types.Session{
		ID:                     "sess-1",
		Goal:                   "buy a wireless mouse",
		Status:                 types.StatusInProgress,
		BrowserSessionID:       "bb-1",
		BrowserConnectEndpoint: "wss://connect.example.com/bb-1",
		ConversationHistory: []types.Turn{
			types.NewTurn(types.RoleUser, types.NewTextPart("buy a wireless mouse")),
		},
		CreatedAt: now.Add(-time.Minute),
		UpdatedAt: now.Add(-time.Minute),
	}))

	sess, err := controller.Status(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, executor.executed, 1)
	assert.Equal(t, types.StatusInProgress, sess.Status)
	assert.Equal(t, "c2NyZWVu", sess.Screenshot)
}
