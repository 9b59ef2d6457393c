package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/opta-dev/opta-browser/internal/port/outbound"
)

// defaultActionTimeout bounds driver calls whose options carry no
// explicit timeout.
const defaultActionTimeout = 30 * time.Second

// Driver implements the browser driver contract over the Chrome
// DevTools Protocol.
type Driver struct {
	execPath string
	logger   *slog.Logger
}

// NewDriver builds a driver. execPath overrides browser binary
// discovery; empty means search the usual install locations.
func NewDriver(execPath string, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{execPath: execPath, logger: logger}
}

// Launch starts a fresh browser process and connects to its
// remote-debug endpoint.
func (d *Driver) Launch(ctx context.Context, opts outbound.LaunchOptions) (outbound.Browser, error) {
	proc, endpoint, err := launchBrowser(ctx, d.execPath, opts, d.logger)
	if err != nil {
		return nil, err
	}
	b, err := d.connect(ctx, endpoint)
	if err != nil {
		proc.shutdown()
		return nil, err
	}
	b.proc = proc
	return b, nil
}

// Connect attaches to an already-running browser.
func (d *Driver) Connect(ctx context.Context, wsEndpoint string) (outbound.Browser, error) {
	return d.connect(ctx, wsEndpoint)
}

func (d *Driver) connect(ctx context.Context, endpoint string) (*browser, error) {
	ws, err := dialWS(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect to browser endpoint: %w", err)
	}
	b := &browser{
		rpc:    newRPCConn(ws, d.logger),
		logger: d.logger,
	}
	// The default browser context always exists; attach mode reuses it.
	b.contexts = append(b.contexts, &browserContext{browser: b})
	return b, nil
}

// browser is one connected browser instance.
type browser struct {
	rpc    *rpcConn
	logger *slog.Logger
	proc   *browserProcess

	mu       sync.Mutex
	contexts []*browserContext
}

// NewContext creates an isolated browsing context
// (Target.createBrowserContext).
func (b *browser) NewContext(ctx context.Context) (outbound.BrowserContext, error) {
	var res struct {
		BrowserContextID string `json:"browserContextId"`
	}
	if err := b.rpc.Call(ctx, "", "Target.createBrowserContext", map[string]any{
		"disposeOnDetach": true,
	}, &res); err != nil {
		return nil, err
	}
	bc := &browserContext{browser: b, id: res.BrowserContextID}
	b.mu.Lock()
	b.contexts = append(b.contexts, bc)
	b.mu.Unlock()
	return bc, nil
}

// Contexts returns the known contexts, default context first.
func (b *browser) Contexts() []outbound.BrowserContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]outbound.BrowserContext, len(b.contexts))
	for i, bc := range b.contexts {
		out[i] = bc
	}
	return out
}

// Close shuts the browser down, killing the process for launched
// browsers and only detaching for attached ones.
func (b *browser) Close(ctx context.Context) error {
	var err error
	if b.proc != nil {
		err = b.rpc.Call(ctx, "", "Browser.close", nil, nil)
	}
	cerr := b.rpc.Close()
	if b.proc != nil {
		b.proc.wait(5 * time.Second)
	}
	if err != nil {
		return err
	}
	if cerr != nil && cerr != errConnClosed {
		return cerr
	}
	return nil
}

// browserContext is one isolated browsing context. The zero id is the
// browser's default context.
type browserContext struct {
	browser *browser
	id      string

	mu          sync.Mutex
	initScripts []string
	pages       []*page
}

// AddInitScript records a script injected into every page opened in
// this context from now on.
func (bc *browserContext) AddInitScript(ctx context.Context, script string) error {
	bc.mu.Lock()
	bc.initScripts = append(bc.initScripts, script)
	pages := append([]*page(nil), bc.pages...)
	bc.mu.Unlock()

	for _, p := range pages {
		if err := p.addInitScript(ctx, script); err != nil {
			return err
		}
	}
	return nil
}

// NewPage opens a new page: create a target, attach with a flat
// session, enable the Page domain, and apply pending init scripts.
func (bc *browserContext) NewPage(ctx context.Context) (outbound.Page, error) {
	createParams := map[string]any{"url": "about:blank"}
	if bc.id != "" {
		createParams["browserContextId"] = bc.id
	}
	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := bc.browser.rpc.Call(ctx, "", "Target.createTarget", createParams, &created); err != nil {
		return nil, fmt.Errorf("create page target: %w", err)
	}

	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := bc.browser.rpc.Call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": created.TargetID,
		"flatten":  true,
	}, &attached); err != nil {
		return nil, fmt.Errorf("attach to page target: %w", err)
	}

	p := &page{
		rpc:       bc.browser.rpc,
		context:   bc,
		targetID:  created.TargetID,
		sessionID: attached.SessionID,
		logger:    bc.browser.logger,
		url:       "about:blank",
		waiters:   make(map[string][]chan struct{}),
	}
	bc.browser.rpc.OnSession(p.sessionID, p.handleEvent)

	if err := p.rpc.Call(ctx, p.sessionID, "Page.enable", nil, nil); err != nil {
		return nil, fmt.Errorf("enable page domain: %w", err)
	}
	if err := p.rpc.Call(ctx, p.sessionID, "Runtime.enable", nil, nil); err != nil {
		return nil, fmt.Errorf("enable runtime domain: %w", err)
	}

	bc.mu.Lock()
	scripts := append([]string(nil), bc.initScripts...)
	bc.pages = append(bc.pages, p)
	bc.mu.Unlock()
	for _, script := range scripts {
		if err := p.addInitScript(ctx, script); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Pages returns the context's open pages, oldest first.
func (bc *browserContext) Pages() []outbound.Page {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	out := make([]outbound.Page, 0, len(bc.pages))
	for _, p := range bc.pages {
		if !p.isClosed() {
			out = append(out, p)
		}
	}
	return out
}

// Close closes all pages and disposes the context. The default context
// cannot be disposed; closing it only closes its pages.
func (bc *browserContext) Close(ctx context.Context) error {
	bc.mu.Lock()
	pages := append([]*page(nil), bc.pages...)
	bc.mu.Unlock()
	for _, p := range pages {
		if err := p.Close(ctx); err != nil {
			return err
		}
	}
	if bc.id == "" {
		return nil
	}
	return bc.browser.rpc.Call(ctx, "", "Target.disposeBrowserContext", map[string]any{
		"browserContextId": bc.id,
	}, nil)
}

func (bc *browserContext) dropPage(p *page) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	for i, q := range bc.pages {
		if q == p {
			bc.pages = append(bc.pages[:i], bc.pages[i+1:]...)
			return
		}
	}
}

// page is one attached page target.
type page struct {
	rpc       *rpcConn
	context   *browserContext
	targetID  string
	sessionID string
	logger    *slog.Logger

	mu      sync.Mutex
	url     string
	closed  bool
	waiters map[string][]chan struct{}
}

// handleEvent runs on the rpc reader goroutine; it must not block.
func (p *page) handleEvent(ev cdpEvent) {
	switch ev.Method {
	case "Page.frameNavigated":
		var params struct {
			Frame struct {
				ParentID string `json:"parentId"`
				URL      string `json:"url"`
			} `json:"frame"`
		}
		if err := json.Unmarshal(ev.Params, &params); err != nil {
			return
		}
		if params.Frame.ParentID == "" && params.Frame.URL != "" {
			p.mu.Lock()
			p.url = params.Frame.URL
			p.mu.Unlock()
		}
	case "Page.loadEventFired", "Page.domContentEventFired":
		p.mu.Lock()
		for _, ch := range p.waiters[ev.Method] {
			close(ch)
		}
		delete(p.waiters, ev.Method)
		p.mu.Unlock()
	}
}

// newWaiter registers interest in the next occurrence of a page event.
// It must be registered before the triggering command is issued.
func (p *page) newWaiter(method string) chan struct{} {
	ch := make(chan struct{})
	p.mu.Lock()
	p.waiters[method] = append(p.waiters[method], ch)
	p.mu.Unlock()
	return ch
}

func (p *page) dropWaiter(method string, ch chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.waiters[method]
	for i, c := range list {
		if c == ch {
			p.waiters[method] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Goto navigates and waits for the settle condition. networkidle is
// approximated by the load event: the protocol has no idle signal
// without Network-domain bookkeeping.
func (p *page) Goto(ctx context.Context, url string, opts outbound.GotoOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	settleEvent := ""
	switch opts.WaitUntil {
	case "commit":
	case "domcontentloaded":
		settleEvent = "Page.domContentEventFired"
	default: // load, networkidle, empty
		settleEvent = "Page.loadEventFired"
	}

	var waiter chan struct{}
	if settleEvent != "" {
		waiter = p.newWaiter(settleEvent)
		defer p.dropWaiter(settleEvent, waiter)
	}

	var res struct {
		ErrorText string `json:"errorText"`
	}
	if err := p.rpc.Call(ctx, p.sessionID, "Page.navigate", map[string]any{
		"url": url,
	}, &res); err != nil {
		return err
	}
	if res.ErrorText != "" {
		return fmt.Errorf("navigation to %s failed: %s", url, res.ErrorText)
	}

	p.mu.Lock()
	p.url = url
	p.mu.Unlock()

	if waiter == nil {
		return nil
	}
	select {
	case <-waiter:
		return nil
	case <-p.rpc.Done():
		return fmt.Errorf("browser has been closed during navigation")
	case <-ctx.Done():
		return fmt.Errorf("timeout %s exceeded waiting for %s to settle", timeout, url)
	}
}

// Click clicks the first element matching the selector.
func (p *page) Click(ctx context.Context, selector string, opts outbound.ActionOptions) error {
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return "missing";
		el.scrollIntoView({block: "center", inline: "center"});
		el.click();
		return "ok";
	})()`, jsString(selector))
	return p.evalAction(ctx, opts.Timeout, selector, expr)
}

// Fill replaces the element's value, firing input and change events so
// framework-bound inputs observe the edit.
func (p *page) Fill(ctx context.Context, selector, text string, opts outbound.ActionOptions) error {
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return "missing";
		el.focus();
		const proto = el instanceof HTMLTextAreaElement
			? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
		const setter = Object.getOwnPropertyDescriptor(proto, "value");
		if (setter && setter.set) {
			setter.set.call(el, %s);
		} else {
			el.value = %s;
		}
		el.dispatchEvent(new Event("input", {bubbles: true}));
		el.dispatchEvent(new Event("change", {bubbles: true}));
		return "ok";
	})()`, jsString(selector), jsString(text), jsString(text))
	return p.evalAction(ctx, opts.Timeout, selector, expr)
}

// keyDefs maps supported key names to their protocol key codes.
var keyDefs = map[string]struct {
	code    string
	keyCode int
	text    string
}{
	"Enter":  {"Enter", 13, "\r"},
	"Tab":    {"Tab", 9, ""},
	"Escape": {"Escape", 27, ""},
}

// Press focuses the element and dispatches a raw key press.
func (p *page) Press(ctx context.Context, selector, key string, opts outbound.ActionOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	def, ok := keyDefs[key]
	if !ok {
		return fmt.Errorf("unsupported key %q", key)
	}

	focus := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return "missing";
		el.focus();
		return "ok";
	})()`, jsString(selector))
	if err := p.evalSelectorCheck(ctx, selector, focus); err != nil {
		return err
	}

	down := map[string]any{
		"type":                  "keyDown",
		"key":                   def.code,
		"code":                  def.code,
		"windowsVirtualKeyCode": def.keyCode,
		"nativeVirtualKeyCode":  def.keyCode,
	}
	if def.text != "" {
		down["text"] = def.text
		down["unmodifiedText"] = def.text
	}
	if err := p.rpc.Call(ctx, p.sessionID, "Input.dispatchKeyEvent", down, nil); err != nil {
		return err
	}
	up := map[string]any{
		"type":                  "keyUp",
		"key":                   def.code,
		"code":                  def.code,
		"windowsVirtualKeyCode": def.keyCode,
		"nativeVirtualKeyCode":  def.keyCode,
	}
	return p.rpc.Call(ctx, p.sessionID, "Input.dispatchKeyEvent", up, nil)
}

// Content returns the serialized page DOM.
func (p *page) Content(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultActionTimeout)
	defer cancel()
	val, err := p.evaluate(ctx, `"<!DOCTYPE html>" + document.documentElement.outerHTML`)
	if err != nil {
		return "", err
	}
	html, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("page content evaluation returned %T", val)
	}
	return html, nil
}

// Screenshot captures the page as an image via Page.captureScreenshot.
func (p *page) Screenshot(ctx context.Context, opts outbound.ScreenshotOptions) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultActionTimeout)
	defer cancel()

	format := opts.Type
	if format == "" {
		format = "png"
	}
	params := map[string]any{
		"format":                format,
		"captureBeyondViewport": opts.FullPage,
	}
	if format == "jpeg" && opts.Quality > 0 {
		params["quality"] = opts.Quality
	}
	var res struct {
		Data string `json:"data"`
	}
	if err := p.rpc.Call(ctx, p.sessionID, "Page.captureScreenshot", params, &res); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot payload: %w", err)
	}
	return raw, nil
}

// URL returns the last known main-frame URL.
func (p *page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Close detaches the event handler and closes the target.
func (p *page) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.rpc.OnSession(p.sessionID, nil)
	p.context.dropPage(p)
	ctx, cancel := context.WithTimeout(ctx, defaultActionTimeout)
	defer cancel()
	return p.rpc.Call(ctx, "", "Target.closeTarget", map[string]any{
		"targetId": p.targetID,
	}, nil)
}

func (p *page) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// evalAction runs a selector-based action expression under a timeout.
func (p *page) evalAction(ctx context.Context, timeout time.Duration, selector, expr string) error {
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.evalSelectorCheck(ctx, selector, expr)
}

// evalSelectorCheck evaluates an expression returning "ok" or "missing"
// and converts "missing" into a selector failure.
func (p *page) evalSelectorCheck(ctx context.Context, selector, expr string) error {
	val, err := p.evaluate(ctx, expr)
	if err != nil {
		return err
	}
	if s, _ := val.(string); s == "missing" {
		return fmt.Errorf("no node found for selector %q", selector)
	}
	return nil
}

// evaluate runs a Runtime.evaluate expression by value.
func (p *page) evaluate(ctx context.Context, expr string) (any, error) {
	var res struct {
		Result struct {
			Value any `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := p.rpc.Call(ctx, p.sessionID, "Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  true,
	}, &res); err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		detail := res.ExceptionDetails.Text
		if res.ExceptionDetails.Exception != nil && res.ExceptionDetails.Exception.Description != "" {
			detail = res.ExceptionDetails.Exception.Description
		}
		return nil, fmt.Errorf("page evaluation failed: %s", detail)
	}
	return res.Result.Value, nil
}

// addInitScript installs a script evaluated on every new document.
func (p *page) addInitScript(ctx context.Context, script string) error {
	return p.rpc.Call(ctx, p.sessionID, "Page.addScriptToEvaluateOnNewDocument", map[string]any{
		"source": script,
	}, nil)
}

// jsString embeds a Go string as a JavaScript string literal. Go quoting
// escapes to \uXXXX sequences, which JavaScript shares.
func jsString(s string) string {
	return strconv.Quote(s)
}
