// Package action defines the core action type system: every browser
// operation flowing through the control plane — open, navigate, click,
// type, snapshot, screenshot, close — is represented as an Action with a
// durable ID, and every outcome as an ActionResult with a structured
// error instead of a raw driver exception.
package action

import "time"

// Type categorizes the kind of browser action being performed.
type Type string

const (
	// TypeOpenSession opens a new browser session (isolated or attach).
	TypeOpenSession Type = "openSession"
	// TypeCloseSession closes a session and releases its driver context.
	TypeCloseSession Type = "closeSession"
	// TypeNavigate navigates the session page to a URL.
	TypeNavigate Type = "navigate"
	// TypeClick clicks an element identified by a selector.
	TypeClick Type = "click"
	// TypeType fills text into an element identified by a selector.
	TypeType Type = "type"
	// TypeSnapshot captures the page HTML as an artifact.
	TypeSnapshot Type = "snapshot"
	// TypeScreenshot captures a page screenshot as an artifact.
	TypeScreenshot Type = "screenshot"
)

// String returns the string representation of the action type.
func (t Type) String() string {
	return string(t)
}

// IsValid returns true if the type is one of the known action types.
func (t Type) IsValid() bool {
	switch t {
	case TypeOpenSession, TypeCloseSession, TypeNavigate, TypeClick,
		TypeType, TypeSnapshot, TypeScreenshot:
		return true
	default:
		return false
	}
}

// Error codes surfaced at the boundary. Codes are stable: callers and the
// retry taxonomy key on them, so they must never be renamed.
const (
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeSessionExists      = "SESSION_EXISTS"
	CodeSessionOpening     = "SESSION_OPENING"
	CodeSessionClosed      = "SESSION_CLOSED"
	CodeMaxSessions        = "MAX_SESSIONS_REACHED"
	CodeDaemonStopped      = "DAEMON_STOPPED"
	CodeDaemonPaused       = "DAEMON_PAUSED"
	CodeRuntimeUnavailable = "RUNTIME_UNAVAILABLE"
	CodeRuntimeDisabled    = "RUNTIME_DISABLED"
	CodeOpenSessionFailed  = "OPEN_SESSION_FAILED"
	CodeNavigateFailed     = "NAVIGATE_FAILED"
	CodeClickFailed        = "CLICK_FAILED"
	CodeTypeFailed         = "TYPE_FAILED"
	CodeSnapshotFailed     = "SNAPSHOT_FAILED"
	CodeScreenshotFailed   = "SCREENSHOT_FAILED"
	CodeActionCancelled    = "ACTION_CANCELLED"
	CodePolicyDeny         = "POLICY_DENY"
	CodeApprovalRequired   = "APPROVAL_REQUIRED"
)

// Input carries the recognized options for an action. Fields not relevant
// to the action type are zero.
type Input struct {
	// SessionID targets an existing session (all types except openSession,
	// where it optionally names the new session).
	SessionID string `json:"sessionId,omitempty"`
	// RunID groups sessions belonging to one agent run.
	RunID string `json:"runId,omitempty"`
	// Mode selects isolated or attach for openSession.
	Mode string `json:"mode,omitempty"`
	// WSEndpoint is the remote-debug endpoint for attach mode (plain ws, loopback only).
	WSEndpoint string `json:"wsEndpoint,omitempty"`
	// Headless selects headless launch for isolated mode.
	Headless bool `json:"headless,omitempty"`
	// ProfileDir makes an isolated launch persistent.
	ProfileDir string `json:"profileDir,omitempty"`
	// URL is the navigation target (http/https only).
	URL string `json:"url,omitempty"`
	// WaitUntil is the navigation settle condition (load, domcontentloaded, networkidle, commit).
	WaitUntil string `json:"waitUntil,omitempty"`
	// Selector identifies the element for click and type.
	Selector string `json:"selector,omitempty"`
	// Text is the text to fill for type.
	Text string `json:"text,omitempty"`
	// Submit presses Enter after typing.
	Submit bool `json:"submit,omitempty"`
	// FullPage captures the full scrollable page for screenshot.
	FullPage bool `json:"fullPage,omitempty"`
	// ImageType selects png or jpeg for screenshot.
	ImageType string `json:"type,omitempty"`
	// Quality is the jpeg quality for screenshot.
	Quality int `json:"quality,omitempty"`
	// TimeoutMs overrides the per-action driver timeout.
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// Action is a single logical browser operation with a durable identity.
type Action struct {
	// ID is a monotonic identifier of the form "action-NNNNNN".
	ID string `json:"id"`
	// SessionID is the session this action targets.
	SessionID string `json:"sessionId"`
	// Type is the kind of operation.
	Type Type `json:"type"`
	// CreatedAt is when the action was issued (UTC).
	CreatedAt time.Time `json:"createdAt"`
	// Input holds the recognized options for this action type.
	Input Input `json:"input"`
}

// Error is the structured failure carried by an ActionResult. Every driver
// or gate failure is translated into one of the stable codes plus its
// retry classification.
type Error struct {
	// Code is one of the stable boundary error codes.
	Code string `json:"code"`
	// Message is the human-readable failure description.
	Message string `json:"message"`
	// Retryable is true when the retry taxonomy permits another attempt.
	Retryable bool `json:"retryable"`
	// RetryCategory is the taxonomy category (policy, timeout, network, ...).
	RetryCategory string `json:"retryCategory"`
	// RetryHint suggests how a caller should proceed.
	RetryHint string `json:"retryHint,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Clone returns a defensive copy of the error.
func (e *Error) Clone() *Error {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// Result is the structured outcome of one action. Callers never need to
// catch panics or unwrap exceptions to read a failure.
type Result struct {
	// OK is true when the action succeeded.
	OK bool `json:"ok"`
	// Action is the action that produced this result.
	Action Action `json:"action"`
	// Data holds action-specific success payload (current URL, artifact
	// path, session snapshot, ...).
	Data map[string]any `json:"data,omitempty"`
	// Error is set when OK is false.
	Error *Error `json:"error,omitempty"`
}

// Clone returns a defensive copy of the result. The daemon clones every
// manager result before returning it so callers cannot mutate shared state.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.Error = r.Error.Clone()
	if r.Data != nil {
		c.Data = make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			c.Data[k] = v
		}
	}
	return &c
}
