// Package browser provisions remote browser instances and drives them
// through primitive UI actions on behalf of the agent loop.
//
// Provisioning talks to a Browserbase-style REST API; control happens over
// CDP via playwright. The two concerns are split so tests can stub either
// side independently.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/webpilot-ai/webpilot/pkg/logging"
)

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("browser")
	if err != nil {
		debugLog.Warnf("Failed to initialize browser logger, using stderr fallback: %v", err)
	}
}

// ErrMissingCredentials indicates the provisioner was constructed without an
// API key or project id. Surfaced to the caller at session start.
var ErrMissingCredentials = errors.New("browser provisioning credentials not configured")

// Instance describes one provisioned remote browser.
type Instance struct {
	SessionID       string
	ConnectEndpoint string
}

// DebugInfo is auxiliary debugging metadata for a provisioned browser.
type DebugInfo struct {
	LiveViewURL string
}

// Provisioner creates and destroys remote browser instances.
type Provisioner interface {
	Create(ctx context.Context) (*Instance, error)
	Close(ctx context.Context, sessionID string) error
	DebugInfo(ctx context.Context, sessionID string) (*DebugInfo, error)
}

const (
	defaultProvisionerBaseURL = "https://api.browserbase.com/v1"

	// Rate-limit retry schedule: bounded exponential backoff.
	maxCreateAttempts = 4
	initialBackoff    = 2 * time.Second
)

// RemoteProvisioner is a Provisioner backed by a Browserbase-compatible API.
type RemoteProvisioner struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	projectID  string
	keepAlive  time.Duration
}

// ProvisionerOption configures a RemoteProvisioner.
type ProvisionerOption func(*RemoteProvisioner)

// WithProvisionerBaseURL overrides the API base URL.
func WithProvisionerBaseURL(baseURL string) ProvisionerOption {
	return func(p *RemoteProvisioner) {
		p.baseURL = baseURL
	}
}

// WithKeepAlive sets the requested session keep-alive duration. The provider
// enforces its own ceiling independent of this value.
func WithKeepAlive(d time.Duration) ProvisionerOption {
	return func(p *RemoteProvisioner) {
		p.keepAlive = d
	}
}

// NewRemoteProvisioner creates a provisioner for the given credentials.
func NewRemoteProvisioner(apiKey, projectID string, opts ...ProvisionerOption) *RemoteProvisioner {
	p := &RemoteProvisioner{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    defaultProvisionerBaseURL,
		apiKey:     apiKey,
		projectID:  projectID,
		keepAlive:  10 * time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type createSessionRequest struct {
	ProjectID string `json:"projectId"`
	Timeout   int    `json:"timeout,omitempty"`
}

type createSessionResponse struct {
	ID         string `json:"id"`
	ConnectURL string `json:"connectUrl"`
}

// Create provisions a remote browser, retrying rate-limit responses with
// bounded exponential backoff.
func (p *RemoteProvisioner) Create(ctx context.Context) (*Instance, error) {
	if p.apiKey == "" || p.projectID == "" {
		return nil, ErrMissingCredentials
	}

	body, err := json.Marshal(createSessionRequest{
		ProjectID: p.projectID,
		Timeout:   int(p.keepAlive.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal create request: %w", err)
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		instance, retryable, err := p.createOnce(ctx, body)
		if err == nil {
			return instance, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}

		debugLog.Warnf("Provisioner rate-limited (attempt %d/%d), backing off %s", attempt, maxCreateAttempts, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("browser provisioning failed after %d attempts: %w", maxCreateAttempts, lastErr)
}

func (p *RemoteProvisioner) createOnce(ctx context.Context, body []byte) (*Instance, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("create session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BB-API-Key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, fmt.Errorf("create session: rate limited")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, false, fmt.Errorf("create session: status %d: %s", resp.StatusCode, msg)
	}

	var created createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, false, fmt.Errorf("decode create response: %w", err)
	}
	if created.ID == "" || created.ConnectURL == "" {
		return nil, false, fmt.Errorf("create session: incomplete response")
	}

	debugLog.Printf("Provisioned browser session %s", created.ID)
	return &Instance{SessionID: created.ID, ConnectEndpoint: created.ConnectURL}, false, nil
}

// Close releases a remote browser instance. Missing sessions are treated as
// already released.
func (p *RemoteProvisioner) Close(ctx context.Context, sessionID string) error {
	body, err := json.Marshal(map[string]any{"projectId": p.projectID, "status": "REQUEST_RELEASE"})
	if err != nil {
		return fmt.Errorf("marshal close request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/sessions/"+sessionID, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("close session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BB-API-Key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("close session: status %d: %s", resp.StatusCode, msg)
	}
	debugLog.Printf("Released browser session %s", sessionID)
	return nil
}

type debugInfoResponse struct {
	DebuggerFullscreenURL string `json:"debuggerFullscreenUrl"`
	DebuggerURL           string `json:"debuggerUrl"`
}

// DebugInfo fetches the live-view URL for a session. Returns nil (not an
// error) when the provider has nothing to offer.
func (p *RemoteProvisioner) DebugInfo(ctx context.Context, sessionID string) (*DebugInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/sessions/"+sessionID+"/debug", nil)
	if err != nil {
		return nil, fmt.Errorf("debug info request: %w", err)
	}
	req.Header.Set("X-BB-API-Key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("debug info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil
	}

	var info debugInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, nil
	}
	url := info.DebuggerFullscreenURL
	if url == "" {
		url = info.DebuggerURL
	}
	if url == "" {
		return nil, nil
	}
	return &DebugInfo{LiveViewURL: url}, nil
}
