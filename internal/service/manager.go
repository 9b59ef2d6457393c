// Package service implements the session manager and the runtime
// daemon: the two stateful orchestrators between the MCP surface and
// the browser driver.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opta-dev/opta-browser/internal/adapter/outbound/artifact"
	"github.com/opta-dev/opta-browser/internal/domain/action"
	"github.com/opta-dev/opta-browser/internal/domain/retry"
	"github.com/opta-dev/opta-browser/internal/domain/session"
	"github.com/opta-dev/opta-browser/internal/port/outbound"
)

// Default driver timeouts.
const (
	DefaultNavigateTimeout = 30 * time.Second
	DefaultActionTimeout   = 10 * time.Second
)

// overlayScript is injected into every new document of a managed
// context so users can tell an automated window from their own.
// Injection is best-effort and never blocks session open.
const overlayScript = `(() => {
  if (window.__optaOverlay) return;
  window.__optaOverlay = true;
  document.addEventListener("DOMContentLoaded", () => {
    const el = document.createElement("div");
    el.setAttribute("data-opta-overlay", "1");
    el.style.cssText = "position:fixed;top:0;right:0;z-index:2147483647;padding:2px 8px;background:#7c3aed;color:#fff;font:11px sans-serif;pointer-events:none;opacity:0.75";
    el.textContent = "automated";
    document.body && document.body.appendChild(el);
  });
})();`

// ManagerConfig tunes the session manager.
type ManagerConfig struct {
	// NavigateTimeout bounds navigations (default 30s).
	NavigateTimeout time.Duration
	// ActionTimeout bounds clicks, fills, and captures (default 10s).
	ActionTimeout time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = DefaultNavigateTimeout
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = DefaultActionTimeout
	}
	return c
}

// managedSession pairs a session descriptor with its live driver
// handles and in-memory timeline state.
type managedSession struct {
	session *session.Session

	browser    outbound.Browser
	browserCtx outbound.BrowserContext
	page       outbound.Page

	artifacts  []artifact.Metadata
	actions    []action.Action
	recordings []artifact.RecordingEntry

	timelineSeq int

	// writeMu is the per-session write chain: all timeline appends for
	// one session happen in FIFO order under it.
	writeMu sync.Mutex
}

// Manager owns the sessionId -> managed session map and executes every
// browser action against the driver, recording each one to the
// session's timeline whether it passed or failed.
type Manager struct {
	driver     outbound.Driver
	store      *artifact.Store
	classifier *retry.Classifier
	logger     *slog.Logger
	cfg        ManagerConfig

	mu        sync.Mutex
	sessions  map[string]*managedSession
	actionSeq int64
}

// NewManager creates a session manager.
func NewManager(driver outbound.Driver, store *artifact.Store, classifier *retry.Classifier, logger *slog.Logger, cfg ManagerConfig) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if classifier == nil {
		classifier = retry.NewClassifier()
	}
	return &Manager{
		driver:     driver,
		store:      store,
		classifier: classifier,
		logger:     logger,
		cfg:        cfg.withDefaults(),
		sessions:   make(map[string]*managedSession),
	}
}

// nextAction issues the next globally monotonic action.
func (m *Manager) nextAction(sessionID string, typ action.Type, input action.Input) action.Action {
	m.mu.Lock()
	m.actionSeq++
	seq := m.actionSeq
	m.mu.Unlock()
	return action.Action{
		ID:        fmt.Sprintf("action-%06d", seq),
		SessionID: sessionID,
		Type:      typ,
		CreatedAt: time.Now().UTC(),
		Input:     input,
	}
}

// actionError builds a structured error with its retry classification.
func (m *Manager) actionError(code, format string, args ...any) *action.Error {
	msg := fmt.Sprintf(format, args...)
	cls := m.classifier.Classify(code, msg)
	return &action.Error{
		Code:          code,
		Message:       msg,
		Retryable:     cls.Retryable,
		RetryCategory: string(cls.Category),
		RetryHint:     cls.Hint,
	}
}

func failure(act action.Action, err *action.Error) *action.Result {
	return &action.Result{OK: false, Action: act, Error: err}
}

func success(act action.Action, data map[string]any) *action.Result {
	return &action.Result{OK: true, Action: act, Data: data}
}

// Sessions returns defensive snapshots of all managed sessions, oldest
// first.
func (m *Manager) Sessions() []session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]session.Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		out = append(out, *ms.session.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Lookup returns a snapshot of one managed session.
func (m *Manager) Lookup(sessionID string) (session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return session.Session{}, false
	}
	return *ms.session.Clone(), true
}

// Count returns the number of managed sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// touchSession mutates the session descriptor under the map lock and
// bumps UpdatedAt. Sessions and Lookup clone descriptors from the
// daemon's timer goroutine while an operation is in flight, so field
// writes must not bypass m.mu.
func (m *Manager) touchSession(ms *managedSession, fn func(*session.Session)) {
	m.mu.Lock()
	if fn != nil {
		fn(ms.session)
	}
	ms.session.Touch()
	m.mu.Unlock()
}

// recordFailure appends a failed step. The primary error stays the
// result; a timeline write failure on top of it cannot displace it, so
// it is logged with the step it lost.
func (m *Manager) recordFailure(ms *managedSession, act action.Action, aerr *action.Error) {
	if ms == nil {
		return
	}
	if perr := m.recordStep(ms, act, aerr, nil); perr != nil {
		m.logger.Warn("failed action not recorded to timeline",
			"session", ms.session.ID, "action", act.ID, "error", perr.Message)
	}
}

// OpenSession opens a browser session. Isolated mode launches a fresh
// browser; attach mode connects to a loopback remote-debug endpoint and
// reuses its first context and page.
func (m *Manager) OpenSession(ctx context.Context, input action.Input) *action.Result {
	sessionID := input.SessionID
	if sessionID == "" {
		id, err := session.NewID()
		if err != nil {
			act := m.nextAction("", action.TypeOpenSession, input)
			return failure(act, m.actionError(action.CodeOpenSessionFailed, "generate session id: %v", err))
		}
		sessionID = id
		input.SessionID = sessionID
	}
	act := m.nextAction(sessionID, action.TypeOpenSession, input)

	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		err := m.actionError(action.CodeSessionExists, "session %s already open", sessionID)
		m.recordFailure(existing, act, err)
		return failure(act, err)
	}
	m.mu.Unlock()

	mode := session.Mode(input.Mode)
	if mode == "" {
		mode = session.ModeIsolated
	}
	if !mode.IsValid() {
		return failure(act, m.actionError(action.CodeOpenSessionFailed, "invalid mode %q", input.Mode))
	}
	if mode == session.ModeAttach {
		if err := validateAttachEndpoint(input.WSEndpoint); err != nil {
			return failure(act, m.actionError(action.CodeOpenSessionFailed, "%v", err))
		}
	}

	dir, err := m.store.EnsureSessionDir(sessionID)
	if err != nil {
		return failure(act, m.actionError(action.CodeOpenSessionFailed, "%v", err))
	}

	now := time.Now().UTC()
	ms := &managedSession{
		session: &session.Session{
			ID:           sessionID,
			RunID:        input.RunID,
			Mode:         mode,
			Status:       session.StatusOpen,
			Runtime:      session.RuntimeDriverAvailable,
			CreatedAt:    now,
			UpdatedAt:    now,
			ArtifactsDir: dir,
			ProfileDir:   input.ProfileDir,
			WSEndpoint:   input.WSEndpoint,
		},
	}

	if aerr := m.connectDriver(ctx, ms, mode, input); aerr != nil {
		m.closeHandles(context.Background(), ms)
		ms.session.Status = session.StatusClosed
		ms.session.Runtime = session.RuntimeUnavailable
		ms.session.LastError = aerr.Message
		m.recordFailure(ms, act, aerr)
		return failure(act, aerr)
	}

	// Overlay injection is best-effort.
	if ms.browserCtx != nil {
		if err := ms.browserCtx.AddInitScript(ctx, overlayScript); err != nil {
			m.logger.Debug("overlay injection failed", "session", sessionID, "error", err)
		}
	}

	m.mu.Lock()
	m.sessions[sessionID] = ms
	m.mu.Unlock()

	if perr := m.recordStep(ms, act, nil, nil); perr != nil {
		return failure(act, perr)
	}
	m.logger.Info("session opened", "session", sessionID, "mode", mode)
	snap := *ms.session.Clone()
	return success(act, map[string]any{"session": snap})
}

// connectDriver establishes the driver handles for a new session. The
// handles are built on locals and published under the map lock in one
// step, so a cancellation arriving mid-connect never observes half a
// session; on error the call releases whatever it opened.
func (m *Manager) connectDriver(ctx context.Context, ms *managedSession, mode session.Mode, input action.Input) *action.Error {
	call := func() error {
		var (
			browser outbound.Browser
			bctx    outbound.BrowserContext
			page    outbound.Page
			reused  bool
			err     error
		)
		release := func() {
			if page != nil {
				_ = page.Close(context.Background())
			}
			if bctx != nil {
				_ = bctx.Close(context.Background())
			}
			if browser != nil {
				_ = browser.Close(context.Background())
			}
		}

		if mode == session.ModeAttach {
			browser, err = m.driver.Connect(ctx, input.WSEndpoint)
			if err != nil {
				return err
			}
			if ctxs := browser.Contexts(); len(ctxs) > 0 {
				bctx = ctxs[0]
			} else if bctx, err = browser.NewContext(ctx); err != nil {
				release()
				return err
			}
			if pages := bctx.Pages(); len(pages) > 0 {
				page = pages[0]
				reused = true
			} else if page, err = bctx.NewPage(ctx); err != nil {
				release()
				return err
			}
		} else {
			browser, err = m.driver.Launch(ctx, outbound.LaunchOptions{
				Headless:   input.Headless,
				ProfileDir: input.ProfileDir,
			})
			if err != nil {
				return err
			}
			if bctx, err = browser.NewContext(ctx); err != nil {
				release()
				return err
			}
			if page, err = bctx.NewPage(ctx); err != nil {
				release()
				return err
			}
		}

		cur := page.URL()
		m.mu.Lock()
		ms.browser, ms.browserCtx, ms.page = browser, bctx, page
		if reused {
			ms.session.CurrentURL = cur
		}
		m.mu.Unlock()
		return nil
	}
	return m.awaitDriver(ctx, ms, action.CodeOpenSessionFailed, call)
}

// validateAttachEndpoint enforces the loopback ws constraint. wss is
// rejected here, not at dial time: remote-debug endpoints are plain ws
// on loopback, and the dialer has no TLS path.
func validateAttachEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("attach mode requires a wsEndpoint")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid wsEndpoint: %v", err)
	}
	if u.Scheme == "wss" {
		return fmt.Errorf("wsEndpoint must use ws: tls endpoints are not supported for loopback remote-debug attach")
	}
	if u.Scheme != "ws" {
		return fmt.Errorf("wsEndpoint must use ws, got %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	switch host {
	case "localhost", "127.0.0.1", "::1", "[::1]":
		return nil
	}
	return fmt.Errorf("wsEndpoint must be loopback, got %q", host)
}

// CloseSession releases the session's driver handles, marks it closed,
// and removes it from the map.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) *action.Result {
	act := m.nextAction(sessionID, action.TypeCloseSession, action.Input{SessionID: sessionID})

	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return failure(act, m.actionError(action.CodeSessionNotFound, "session %s not found", sessionID))
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.closeHandles(ctx, ms)
	m.touchSession(ms, func(s *session.Session) {
		s.Status = session.StatusClosed
		s.Runtime = session.RuntimeUnavailable
	})

	if perr := m.recordStep(ms, act, nil, nil); perr != nil {
		return failure(act, perr)
	}
	m.logger.Info("session closed", "session", sessionID)
	snap := *ms.session.Clone()
	return success(act, map[string]any{"session": snap})
}

// closeHandles releases driver handles best-effort. Failures are logged
// and swallowed: cleanup never masks the primary result. The handles
// and the runtime flag are detached under the map lock first, because
// cancellation reaches here while the session is still in the map and
// the snapshot readers are live.
func (m *Manager) closeHandles(ctx context.Context, ms *managedSession) {
	m.mu.Lock()
	page, bctx, browser := ms.page, ms.browserCtx, ms.browser
	ms.page, ms.browserCtx, ms.browser = nil, nil, nil
	ms.session.Runtime = session.RuntimeUnavailable
	m.mu.Unlock()

	if page != nil {
		if err := page.Close(ctx); err != nil {
			m.logger.Debug("page close failed", "session", ms.session.ID, "error", err)
		}
	}
	if bctx != nil {
		if err := bctx.Close(ctx); err != nil {
			m.logger.Debug("context close failed", "session", ms.session.ID, "error", err)
		}
	}
	if browser != nil {
		if err := browser.Close(ctx); err != nil {
			m.logger.Debug("browser close failed", "session", ms.session.ID, "error", err)
		}
	}
}

// Navigate drives the session page to a URL.
func (m *Manager) Navigate(ctx context.Context, input action.Input) *action.Result {
	act := m.nextAction(input.SessionID, action.TypeNavigate, input)
	ms, gateErr := m.gate(input.SessionID)
	if gateErr != nil {
		m.recordFailure(ms, act, gateErr)
		return failure(act, gateErr)
	}
	if input.URL == "" {
		err := m.actionError(action.CodeNavigateFailed, "missing url")
		m.recordFailure(ms, act, err)
		return failure(act, err)
	}

	opts := outbound.GotoOptions{
		WaitUntil: input.WaitUntil,
		Timeout:   m.timeout(input, m.cfg.NavigateTimeout),
	}
	page := ms.page
	aerr := m.awaitDriver(ctx, ms, action.CodeNavigateFailed, func() error {
		return page.Goto(ctx, input.URL, opts)
	})
	if aerr != nil {
		m.recordFailure(ms, act, aerr)
		return failure(act, aerr)
	}

	landed := page.URL()
	m.touchSession(ms, func(s *session.Session) { s.CurrentURL = landed })
	if perr := m.recordStep(ms, act, nil, nil); perr != nil {
		return failure(act, perr)
	}
	return success(act, map[string]any{"url": landed})
}

// Click clicks the element matching the selector.
func (m *Manager) Click(ctx context.Context, input action.Input) *action.Result {
	act := m.nextAction(input.SessionID, action.TypeClick, input)
	ms, gateErr := m.gate(input.SessionID)
	if gateErr != nil {
		m.recordFailure(ms, act, gateErr)
		return failure(act, gateErr)
	}
	if input.Selector == "" {
		err := m.actionError(action.CodeClickFailed, "missing selector")
		m.recordFailure(ms, act, err)
		return failure(act, err)
	}

	opts := outbound.ActionOptions{Timeout: m.timeout(input, m.cfg.ActionTimeout)}
	page := ms.page
	aerr := m.awaitDriver(ctx, ms, action.CodeClickFailed, func() error {
		return page.Click(ctx, input.Selector, opts)
	})
	if aerr != nil {
		m.recordFailure(ms, act, aerr)
		return failure(act, aerr)
	}

	m.touchSession(ms, nil)
	if perr := m.recordStep(ms, act, nil, nil); perr != nil {
		return failure(act, perr)
	}
	return success(act, map[string]any{"selector": input.Selector})
}

// Type fills text into the element matching the selector, optionally
// submitting with Enter.
func (m *Manager) Type(ctx context.Context, input action.Input) *action.Result {
	act := m.nextAction(input.SessionID, action.TypeType, input)
	ms, gateErr := m.gate(input.SessionID)
	if gateErr != nil {
		m.recordFailure(ms, act, gateErr)
		return failure(act, gateErr)
	}
	if input.Selector == "" {
		err := m.actionError(action.CodeTypeFailed, "missing selector")
		m.recordFailure(ms, act, err)
		return failure(act, err)
	}

	opts := outbound.ActionOptions{Timeout: m.timeout(input, m.cfg.ActionTimeout)}
	page := ms.page
	aerr := m.awaitDriver(ctx, ms, action.CodeTypeFailed, func() error {
		if err := page.Fill(ctx, input.Selector, input.Text, opts); err != nil {
			return err
		}
		if input.Submit {
			return page.Press(ctx, input.Selector, "Enter", opts)
		}
		return nil
	})
	if aerr != nil {
		m.recordFailure(ms, act, aerr)
		return failure(act, aerr)
	}

	m.touchSession(ms, nil)
	if perr := m.recordStep(ms, act, nil, nil); perr != nil {
		return failure(act, perr)
	}
	return success(act, map[string]any{"selector": input.Selector})
}

// Snapshot captures the page HTML as an artifact.
func (m *Manager) Snapshot(ctx context.Context, input action.Input) *action.Result {
	act := m.nextAction(input.SessionID, action.TypeSnapshot, input)
	ms, gateErr := m.gate(input.SessionID)
	if gateErr != nil {
		m.recordFailure(ms, act, gateErr)
		return failure(act, gateErr)
	}

	page := ms.page
	var html string
	aerr := m.awaitDriver(ctx, ms, action.CodeSnapshotFailed, func() error {
		content, err := page.Content(ctx)
		if err != nil {
			return err
		}
		html = content
		return nil
	})
	if aerr != nil {
		m.recordFailure(ms, act, aerr)
		return failure(act, aerr)
	}

	meta, err := m.store.WriteArtifact(ms.session.ID, act.ID, artifact.KindSnapshot, "html", ms.timelineSeq+1, []byte(html))
	if err != nil {
		aerr := m.actionError(action.CodeSnapshotFailed, "persist snapshot: %v", err)
		m.recordFailure(ms, act, aerr)
		return failure(act, aerr)
	}

	m.touchSession(ms, nil)
	if perr := m.recordStep(ms, act, nil, []artifact.Metadata{meta}); perr != nil {
		return failure(act, perr)
	}
	return success(act, map[string]any{
		"artifactId":   meta.ID,
		"artifactPath": meta.AbsolutePath,
		"html":         html,
	})
}

// Screenshot captures the page as an image artifact.
func (m *Manager) Screenshot(ctx context.Context, input action.Input) *action.Result {
	act := m.nextAction(input.SessionID, action.TypeScreenshot, input)
	ms, gateErr := m.gate(input.SessionID)
	if gateErr != nil {
		m.recordFailure(ms, act, gateErr)
		return failure(act, gateErr)
	}

	imgType := input.ImageType
	if imgType != "jpeg" {
		imgType = "png"
	}
	opts := outbound.ScreenshotOptions{
		FullPage: input.FullPage,
		Type:     imgType,
		Quality:  input.Quality,
	}

	page := ms.page
	var img []byte
	aerr := m.awaitDriver(ctx, ms, action.CodeScreenshotFailed, func() error {
		data, err := page.Screenshot(ctx, opts)
		if err != nil {
			return err
		}
		img = data
		return nil
	})
	if aerr != nil {
		m.recordFailure(ms, act, aerr)
		return failure(act, aerr)
	}

	ext := "png"
	if imgType == "jpeg" {
		ext = "jpg"
	}
	meta, err := m.store.WriteArtifact(ms.session.ID, act.ID, artifact.KindScreenshot, ext, ms.timelineSeq+1, img)
	if err != nil {
		aerr := m.actionError(action.CodeScreenshotFailed, "persist screenshot: %v", err)
		m.recordFailure(ms, act, aerr)
		return failure(act, aerr)
	}

	m.touchSession(ms, nil)
	if perr := m.recordStep(ms, act, nil, []artifact.Metadata{meta}); perr != nil {
		return failure(act, perr)
	}
	return success(act, map[string]any{
		"artifactId":   meta.ID,
		"artifactPath": meta.AbsolutePath,
		"bytes":        img,
	})
}

// gate validates that the session exists, is open, and has a driver.
// The managed session is returned even on failure so the gate error can
// be recorded to the timeline.
func (m *Manager) gate(sessionID string) (*managedSession, *action.Error) {
	if sessionID == "" {
		return nil, m.actionError(action.CodeSessionNotFound, "missing session id")
	}
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	var open, hasPage bool
	if ok {
		open = ms.session.IsOpen()
		hasPage = ms.page != nil
	}
	m.mu.Unlock()
	if !ok {
		return nil, m.actionError(action.CodeSessionNotFound, "session %s not found", sessionID)
	}
	if !open {
		return ms, m.actionError(action.CodeSessionClosed, "session %s is closed", sessionID)
	}
	if !hasPage {
		return ms, m.actionError(action.CodeRuntimeUnavailable, "session %s has no driver page", sessionID)
	}
	return ms, nil
}

func (m *Manager) timeout(input action.Input, fallback time.Duration) time.Duration {
	if input.TimeoutMs > 0 {
		return time.Duration(input.TimeoutMs) * time.Millisecond
	}
	return fallback
}

// awaitDriver races a driver call against cancellation. A signal before
// the call fails fast; a signal during the call closes the driver
// handles best-effort and surfaces ACTION_CANCELLED.
func (m *Manager) awaitDriver(ctx context.Context, ms *managedSession, failCode string, call func() error) *action.Error {
	if err := ctx.Err(); err != nil {
		return m.actionError(action.CodeActionCancelled, "cancelled before driver call: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- call() }()

	select {
	case err := <-done:
		if err != nil {
			return m.actionError(failCode, "%v", err)
		}
		return nil
	case <-ctx.Done():
		m.closeHandles(context.Background(), ms)
		return m.actionError(action.CodeActionCancelled, "cancelled during driver call: %v", ctx.Err())
	}
}
