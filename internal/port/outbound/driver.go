// Package outbound declares the contracts this module expects from its
// external collaborators. The session manager only ever talks to these
// interfaces: the cdp adapter implements them against a real browser,
// and tests provide in-memory fakes.
package outbound

import (
	"context"
	"time"
)

// LaunchOptions configures an isolated browser launch.
type LaunchOptions struct {
	// Headless launches without a visible window.
	Headless bool
	// ProfileDir, when set, makes the launch persistent: cookies and
	// storage survive across sessions in this directory.
	ProfileDir string
}

// GotoOptions configures a navigation.
type GotoOptions struct {
	// WaitUntil is the settle condition: load, domcontentloaded,
	// networkidle, or commit.
	WaitUntil string
	// Timeout bounds the navigation.
	Timeout time.Duration
}

// ActionOptions configures a click or fill.
type ActionOptions struct {
	// Timeout bounds the element lookup and the interaction.
	Timeout time.Duration
}

// ScreenshotOptions configures a screenshot capture.
type ScreenshotOptions struct {
	// FullPage captures the full scrollable page.
	FullPage bool
	// Type is png or jpeg.
	Type string
	// Quality is the jpeg quality (ignored for png).
	Quality int
}

// Driver creates browsers. Implementations wrap a real browser
// automation backend.
type Driver interface {
	// Launch starts a fresh browser.
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
	// Connect attaches to a running browser over its remote-debug
	// websocket endpoint.
	Connect(ctx context.Context, wsEndpoint string) (Browser, error)
}

// Browser is one driver browser instance.
type Browser interface {
	// NewContext creates an isolated browsing context.
	NewContext(ctx context.Context) (BrowserContext, error)
	// Contexts returns the existing contexts, ordered oldest first.
	// Attach mode reuses the first one.
	Contexts() []BrowserContext
	// Close shuts the browser down.
	Close(ctx context.Context) error
}

// BrowserContext is one isolated browsing context.
type BrowserContext interface {
	// AddInitScript injects a script evaluated on every new document.
	AddInitScript(ctx context.Context, script string) error
	// NewPage opens a new page in this context.
	NewPage(ctx context.Context) (Page, error)
	// Pages returns the existing pages, ordered oldest first.
	Pages() []Page
	// Close closes the context and all its pages.
	Close(ctx context.Context) error
}

// Page is one browser page.
type Page interface {
	// Goto navigates to a URL and waits for the settle condition.
	Goto(ctx context.Context, url string, opts GotoOptions) error
	// Click clicks the element matching the selector.
	Click(ctx context.Context, selector string, opts ActionOptions) error
	// Fill replaces the value of the element matching the selector.
	Fill(ctx context.Context, selector, text string, opts ActionOptions) error
	// Press sends a key press to the element matching the selector.
	Press(ctx context.Context, selector, key string, opts ActionOptions) error
	// Content returns the full page HTML.
	Content(ctx context.Context) (string, error)
	// Screenshot captures the page as an image.
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	// URL returns the page's current URL.
	URL() string
	// Close closes the page.
	Close(ctx context.Context) error
}
