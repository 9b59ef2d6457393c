package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opta-dev/opta-browser/internal/port/outbound"
)

// fakeDriver is an in-memory driver. Page behavior is scripted per test
// through the function fields; unset fields succeed.
type fakeDriver struct {
	mu        sync.Mutex
	launchErr error
	connectErr error
	browsers  []*fakeBrowser

	// pageSetup runs on every new page so tests can script behavior.
	pageSetup func(*fakePage)
}

func (d *fakeDriver) Launch(ctx context.Context, opts outbound.LaunchOptions) (outbound.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.launchErr != nil {
		return nil, d.launchErr
	}
	b := &fakeBrowser{driver: d}
	d.browsers = append(d.browsers, b)
	return b, nil
}

func (d *fakeDriver) Connect(ctx context.Context, wsEndpoint string) (outbound.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connectErr != nil {
		return nil, d.connectErr
	}
	b := &fakeBrowser{driver: d}
	// An attached browser already has a context with one page.
	bctx := &fakeContext{browser: b}
	page := b.newPage(bctx)
	bctx.pages = append(bctx.pages, page)
	b.contexts = append(b.contexts, bctx)
	d.browsers = append(d.browsers, b)
	return b, nil
}

func (d *fakeDriver) openHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	open := 0
	for _, b := range d.browsers {
		if !b.closed {
			open++
		}
	}
	return open
}

type fakeBrowser struct {
	driver   *fakeDriver
	mu       sync.Mutex
	contexts []outbound.BrowserContext
	closed   bool
}

func (b *fakeBrowser) newPage(bctx *fakeContext) *fakePage {
	p := &fakePage{url: "about:blank", content: "<html></html>"}
	if b.driver.pageSetup != nil {
		b.driver.pageSetup(p)
	}
	return p
}

func (b *fakeBrowser) NewContext(ctx context.Context) (outbound.BrowserContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bctx := &fakeContext{browser: b}
	b.contexts = append(b.contexts, bctx)
	return bctx, nil
}

func (b *fakeBrowser) Contexts() []outbound.BrowserContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]outbound.BrowserContext(nil), b.contexts...)
}

func (b *fakeBrowser) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type fakeContext struct {
	browser     *fakeBrowser
	mu          sync.Mutex
	pages       []outbound.Page
	initScripts []string
	closed      bool
}

func (c *fakeContext) AddInitScript(ctx context.Context, script string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initScripts = append(c.initScripts, script)
	return nil
}

func (c *fakeContext) NewPage(ctx context.Context) (outbound.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.browser.newPage(c)
	c.pages = append(c.pages, p)
	return p, nil
}

func (c *fakeContext) Pages() []outbound.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]outbound.Page(nil), c.pages...)
}

func (c *fakeContext) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakePage struct {
	mu      sync.Mutex
	url     string
	content string
	shots   int
	closed  bool

	// Scripted behavior; nil means success.
	gotoFn       func(url string) error
	clickFn      func(selector string) error
	fillFn       func(selector, text string) error
	contentFn    func() (string, error)
	screenshotFn func() ([]byte, error)
	// navDelay simulates a slow driver call.
	navDelay time.Duration
}

func (p *fakePage) Goto(ctx context.Context, url string, opts outbound.GotoOptions) error {
	if p.navDelay > 0 {
		select {
		case <-time.After(p.navDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gotoFn != nil {
		if err := p.gotoFn(url); err != nil {
			return err
		}
	}
	p.url = url
	return nil
}

func (p *fakePage) Click(ctx context.Context, selector string, opts outbound.ActionOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clickFn != nil {
		return p.clickFn(selector)
	}
	return nil
}

func (p *fakePage) Fill(ctx context.Context, selector, text string, opts outbound.ActionOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fillFn != nil {
		return p.fillFn(selector, text)
	}
	return nil
}

func (p *fakePage) Press(ctx context.Context, selector, key string, opts outbound.ActionOptions) error {
	return nil
}

func (p *fakePage) Content(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.contentFn != nil {
		return p.contentFn()
	}
	return p.content, nil
}

func (p *fakePage) Screenshot(ctx context.Context, opts outbound.ScreenshotOptions) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.screenshotFn != nil {
		return p.screenshotFn()
	}
	p.shots++
	return []byte(fmt.Sprintf("screenshot-%s-%d", p.url, p.shots)), nil
}

func (p *fakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePage) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
