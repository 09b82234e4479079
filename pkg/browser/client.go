package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/webpilot-ai/webpilot/pkg/llm"
)

const (
	// Normalized coordinate grid: positions arrive on a 0-999 scale and are
	// mapped linearly onto the actual viewport.
	normalizedGrid = 1000

	defaultViewportWidth  = 1280
	defaultViewportHeight = 720

	// Settling behaviour after every action: a bounded wait for the load
	// state plus a fixed short delay so rendering catches up before the
	// screenshot.
	loadSettleTimeout = 5 * time.Second
	postActionDelay   = 500 * time.Millisecond

	// Delay between characters when typing through the keyboard fallback.
	interCharDelay = 25 * time.Millisecond

	scrollFraction = 0.8
)

// Denormalize maps a 0-999 grid position linearly onto a pixel dimension.
func Denormalize(normalized, dimension int) int {
	return int(math.Round(float64(normalized) / normalizedGrid * float64(dimension)))
}

// Observation is what every executed action reports back: the page as it
// looks after the action, regardless of whether the action itself failed.
type Observation struct {
	// Screenshot is the base64-encoded PNG capture, empty if capture failed.
	Screenshot string

	// URL is the page URL after the action.
	URL string

	// PageText is cleaned page text, populated only when the screenshot
	// could not be captured so the model is never left blind.
	PageText string
}

// Executor runs one primitive UI action against a remote browser.
type Executor interface {
	// Execute performs the named action. The returned observation is always
	// populated on a best-effort basis; a non-nil error describes an action
	// failure that the caller should feed back to the model rather than
	// treat as fatal.
	Execute(ctx context.Context, call llm.ToolCall) (*Observation, error)
}

// Client drives one remote browser instance over CDP.
//
// By default the client reconnects for every action: remote CDP connections
// dropped by idle timeouts otherwise poison a whole turn. Connection reuse
// can be enabled for latency-sensitive deployments.
type Client struct {
	endpoint string
	reuse    bool

	mu      sync.Mutex
	browser playwright.Browser
	page    playwright.Page
}

var (
	pwInstance *playwright.Playwright
	pwOnce     sync.Once
	pwErr      error
)

// InitPlaywright starts the playwright driver exactly once per process. It
// must be called before the first client connects. Browsers are not
// installed locally; all pages live on the remote instance.
func InitPlaywright() error {
	pwOnce.Do(func() {
		opts := &playwright.RunOptions{
			SkipInstallBrowsers: true,
			Verbose:             false,
			Stdout:              io.Discard,
			Stderr:              io.Discard,
		}
		if err := playwright.Install(opts); err != nil {
			pwErr = fmt.Errorf("failed to install playwright driver: %w", err)
			return
		}
		pw, err := playwright.Run(opts)
		if err != nil {
			pwErr = fmt.Errorf("failed to start playwright: %w", err)
			return
		}
		pwInstance = pw
	})
	return pwErr
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithConnectionReuse keeps the CDP connection open across actions instead
// of reconnecting per action.
func WithConnectionReuse(reuse bool) ClientOption {
	return func(c *Client) {
		c.reuse = reuse
	}
}

// NewClient creates a control client for the given CDP connect endpoint.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{endpoint: endpoint}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// acquirePage returns a live page handle plus a release function honouring
// the configured reconnect policy.
func (c *Client) acquirePage() (playwright.Page, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reuse && c.page != nil && !c.page.IsClosed() {
		return c.page, func() {}, nil
	}

	if err := InitPlaywright(); err != nil {
		return nil, nil, err
	}

	browser, err := pwInstance.Chromium.ConnectOverCDP(c.endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to browser: %w", err)
	}

	page, err := firstPage(browser)
	if err != nil {
		_ = browser.Close()
		return nil, nil, err
	}

	if c.reuse {
		c.browser = browser
		c.page = page
		return page, func() {}, nil
	}
	return page, func() { _ = browser.Close() }, nil
}

func firstPage(browser playwright.Browser) (playwright.Page, error) {
	contexts := browser.Contexts()
	if len(contexts) == 0 {
		context, err := browser.NewContext()
		if err != nil {
			return nil, fmt.Errorf("create browser context: %w", err)
		}
		contexts = []playwright.BrowserContext{context}
	}
	pages := contexts[0].Pages()
	if len(pages) > 0 {
		return pages[0], nil
	}
	page, err := contexts[0].NewPage()
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	return page, nil
}

// Disconnect closes a reused connection. No-op under per-action reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser != nil {
		_ = c.browser.Close()
		c.browser = nil
		c.page = nil
	}
}

// Execute runs one action and always returns a post-action observation,
// even when the action itself fails.
func (c *Client) Execute(ctx context.Context, call llm.ToolCall) (*Observation, error) {
	page, release, err := c.acquirePage()
	if err != nil {
		return &Observation{}, err
	}
	defer release()

	actionErr := c.dispatch(ctx, page, call)

	settle(page)
	obs := c.observe(page)

	return obs, actionErr
}

// Navigate opens a URL and returns the resulting observation. Used during
// session start and follow-up commands, outside the model-driven loop.
func (c *Client) Navigate(ctx context.Context, url string) (*Observation, error) {
	return c.Execute(ctx, llm.ToolCall{
		Name: llm.ActionNavigate,
		Args: map[string]any{"url": url},
	})
}

// Screenshot captures the current page without performing any action.
func (c *Client) Screenshot(ctx context.Context) (*Observation, error) {
	page, release, err := c.acquirePage()
	if err != nil {
		return &Observation{}, err
	}
	defer release()
	return c.observe(page), nil
}

func settle(page playwright.Page) {
	_ = page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateLoad,
		Timeout: playwright.Float(float64(loadSettleTimeout.Milliseconds())),
	})
	time.Sleep(postActionDelay)
}

func (c *Client) observe(page playwright.Page) *Observation {
	obs := &Observation{URL: page.URL()}

	shot, err := page.Screenshot()
	if err != nil {
		debugLog.Warnf("Screenshot failed, falling back to page text: %v", err)
		if content, cerr := page.Content(); cerr == nil {
			obs.PageText = ExtractPageText(content, maxPageTextLength)
		}
		return obs
	}
	obs.Screenshot = base64.StdEncoding.EncodeToString(shot)
	return obs
}

func (c *Client) dispatch(ctx context.Context, page playwright.Page, call llm.ToolCall) error {
	width, height := viewportSize(page)

	switch call.Name {
	case llm.ActionNavigate:
		url, _ := call.Args["url"].(string)
		if url == "" {
			return fmt.Errorf("navigate: url is required")
		}
		_, err := page.Goto(url, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateDomcontentloaded})
		return err

	case llm.ActionClickAt:
		x, y := coords(call.Args, "x", "y", width, height)
		return page.Mouse().Click(x, y)

	case llm.ActionTypeTextAt:
		return c.typeTextAt(page, call.Args, width, height)

	case llm.ActionScrollDocument:
		dx, dy := scrollDelta(argString(call.Args, "direction"), width, height)
		_, err := page.Evaluate(fmt.Sprintf("window.scrollBy(%d, %d)", dx, dy))
		return err

	case llm.ActionScrollAt:
		x, y := coords(call.Args, "x", "y", width, height)
		if err := page.Mouse().Move(x, y); err != nil {
			return err
		}
		dx, dy := scrollDelta(argString(call.Args, "direction"), width, height)
		return page.Mouse().Wheel(float64(dx), float64(dy))

	case llm.ActionHoverAt:
		x, y := coords(call.Args, "x", "y", width, height)
		return page.Mouse().Move(x, y)

	case llm.ActionKeyCombination:
		keys := argString(call.Args, "keys")
		if keys == "" {
			return fmt.Errorf("key_combination: keys is required")
		}
		return page.Keyboard().Press(normalizeKeys(keys))

	case llm.ActionGoBack:
		_, err := page.GoBack()
		return err

	case llm.ActionGoForward:
		_, err := page.GoForward()
		return err

	case llm.ActionWait:
		seconds, _ := argFloat(call.Args, "seconds")
		if seconds < 0 {
			seconds = 0
		}
		if seconds > 10 {
			seconds = 10
		}
		select {
		case <-time.After(time.Duration(seconds * float64(time.Second))):
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil

	case llm.ActionDragAndDrop:
		return dragAndDrop(page, call.Args, width, height)

	default:
		// Unknown or informational actions are no-ops: the observation still
		// carries a screenshot, which is the useful part of the response.
		debugLog.Printf("Ignoring unsupported action %q", call.Name)
		return nil
	}
}

// smartFillScript sets the value of a focused native editable control
// through the prototype setter and fires the events frameworks listen for.
// Returns "filled" when it applied, "fallback" when the focused element is
// not a native editable control.
const smartFillScript = `(text) => {
	const el = document.activeElement;
	if (!el || !el.tagName) return 'fallback';
	const tag = el.tagName.toLowerCase();
	if (tag !== 'input' && tag !== 'textarea') return 'fallback';
	const proto = tag === 'input' ? window.HTMLInputElement.prototype : window.HTMLTextAreaElement.prototype;
	const desc = Object.getOwnPropertyDescriptor(proto, 'value');
	if (!desc || !desc.set) return 'fallback';
	desc.set.call(el, text);
	el.dispatchEvent(new Event('input', { bubbles: true }));
	el.dispatchEvent(new Event('change', { bubbles: true }));
	return 'filled';
}`

// typeTextAt implements the two-tier text input: click to focus, set the
// value atomically when the focused element is a native editable control,
// otherwise clear and retype character by character.
func (c *Client) typeTextAt(page playwright.Page, args map[string]any, width, height int) error {
	x, y := coords(args, "x", "y", width, height)
	text := argString(args, "text")

	if err := page.Mouse().Click(x, y); err != nil {
		return fmt.Errorf("focus click: %w", err)
	}

	result, err := page.Evaluate(smartFillScript, text)
	filled, _ := result.(string)
	if err != nil || filled != "filled" {
		if err != nil {
			debugLog.Warnf("Smart fill failed, using keyboard fallback: %v", err)
		}
		if err := page.Keyboard().Press("ControlOrMeta+a"); err != nil {
			return fmt.Errorf("select all: %w", err)
		}
		if err := page.Keyboard().Press("Delete"); err != nil {
			return fmt.Errorf("clear field: %w", err)
		}
		if err := page.Keyboard().Type(text, playwright.KeyboardTypeOptions{
			Delay: playwright.Float(float64(interCharDelay.Milliseconds())),
		}); err != nil {
			return fmt.Errorf("type text: %w", err)
		}
	}

	if pressEnter, _ := args["press_enter"].(bool); pressEnter {
		return page.Keyboard().Press("Enter")
	}
	return nil
}

func dragAndDrop(page playwright.Page, args map[string]any, width, height int) error {
	x, y := coords(args, "x", "y", width, height)
	dx, dy := coords(args, "destination_x", "destination_y", width, height)

	if err := page.Mouse().Move(x, y); err != nil {
		return err
	}
	if err := page.Mouse().Down(); err != nil {
		return err
	}
	if err := page.Mouse().Move(dx, dy); err != nil {
		// Release the button so the page is not left mid-drag.
		_ = page.Mouse().Up()
		return err
	}
	return page.Mouse().Up()
}

func viewportSize(page playwright.Page) (int, int) {
	if size := page.ViewportSize(); size != nil && size.Width > 0 && size.Height > 0 {
		return size.Width, size.Height
	}
	return defaultViewportWidth, defaultViewportHeight
}

func coords(args map[string]any, xKey, yKey string, width, height int) (float64, float64) {
	xn, _ := argFloat(args, xKey)
	yn, _ := argFloat(args, yKey)
	return float64(Denormalize(int(xn), width)), float64(Denormalize(int(yn), height))
}

func scrollDelta(direction string, width, height int) (int, int) {
	stepY := int(float64(height) * scrollFraction)
	stepX := int(float64(width) * scrollFraction)
	switch direction {
	case "up":
		return 0, -stepY
	case "left":
		return -stepX, 0
	case "right":
		return stepX, 0
	default: // down
		return 0, stepY
	}
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argFloat(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// normalizeKeys maps common key-combination spellings onto playwright's
// expected names, e.g. "ctrl+a" -> "Control+a".
func normalizeKeys(keys string) string {
	parts := strings.Split(keys, "+")
	for i, part := range parts {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "ctrl", "control":
			parts[i] = "Control"
		case "alt":
			parts[i] = "Alt"
		case "shift":
			parts[i] = "Shift"
		case "meta", "cmd", "command":
			parts[i] = "Meta"
		case "enter", "return":
			parts[i] = "Enter"
		case "esc", "escape":
			parts[i] = "Escape"
		case "tab":
			parts[i] = "Tab"
		case "space":
			parts[i] = "Space"
		case "backspace":
			parts[i] = "Backspace"
		case "delete", "del":
			parts[i] = "Delete"
		default:
			parts[i] = strings.TrimSpace(part)
		}
	}
	return strings.Join(parts, "+")
}
