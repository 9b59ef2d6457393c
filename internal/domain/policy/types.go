// Package policy contains the browser policy engine: pure risk
// classification of agent tool calls plus the allow/gate/deny decision.
// Evaluation has no side effects and no I/O; identical inputs always
// produce identical decisions.
package policy

// Risk grades how dangerous a tool call is.
type Risk string

const (
	// RiskLow covers observe-only operations.
	RiskLow Risk = "low"
	// RiskMedium covers ordinary interactions and navigation.
	RiskMedium Risk = "medium"
	// RiskHigh covers sensitive interactions (auth, checkout, delete, post),
	// script execution, and filesystem access.
	RiskHigh Risk = "high"
)

// escalate returns the next risk level up. High stays high.
func (r Risk) escalate() Risk {
	switch r {
	case RiskLow:
		return RiskMedium
	case RiskMedium:
		return RiskHigh
	default:
		return RiskHigh
	}
}

// Verdict is the outcome of policy evaluation.
type Verdict string

const (
	// VerdictAllow permits the tool call to proceed.
	VerdictAllow Verdict = "allow"
	// VerdictGate blocks the tool call pending approval.
	VerdictGate Verdict = "gate"
	// VerdictDeny blocks the tool call outright.
	VerdictDeny Verdict = "deny"
)

// Classifier constants identify which classifier produced the risk grade.
const (
	// ClassifierStatic is the built-in rule table.
	ClassifierStatic = "static"
	// ClassifierAdaptiveEscalation marks a grade raised by an adaptation hint.
	ClassifierAdaptiveEscalation = "adaptive-escalation"
)

// Sensitive action keys recognized by the default configuration.
const (
	ActionAuthSubmit = "auth_submit"
	ActionPost       = "post"
	ActionCheckout   = "checkout"
	ActionDelete     = "delete"
)

// Config is the policy rule set. The zero value is closed: with no
// allowed hosts, every URL-bearing action is denied.
type Config struct {
	// RequireApprovalForHighRisk gates high-risk calls behind approval.
	RequireApprovalForHighRisk bool
	// AllowedHosts lists host patterns permitted as targets. "*" means
	// unrestricted; an empty list means closed.
	AllowedHosts []string
	// BlockedOrigins lists origin or host patterns that are always denied.
	BlockedOrigins []string
	// SensitiveActions names the action keys that escalate to high risk.
	// Defaults to {auth_submit, post, checkout, delete} when empty.
	SensitiveActions []string
	// CredentialIsolation denies cross-origin moves while the current page
	// holds credentials.
	CredentialIsolation bool
}

/// Escalation is the policy-facing part of an adaptation hint: recent
// telemetry may raise the risk grade of non-observe actions.
type Escalation struct {
	// EscalateRisk raises low to medium and medium to high.
	EscalateRisk bool
	// Reason is the deterministic rationale from the hint derivation.
	Reason string
}

// Request is one tool call presented for evaluation.
type Request struct {
	// Tool is the tool name (with or without the "browser_" prefix).
	Tool string
	// Args are the raw tool arguments.
	Args map[string]any
	// SessionID is the target session, when known.
	SessionID string
	// CurrentOrigin is the origin of the page the session is on, when known.
	CurrentOrigin string
	// CurrentPageHasCredentials is true when the current page holds
	// credential material (filled login form, injected secrets).
	CurrentPageHasCredentials bool
	// PreApproved skips the approval gate for an already-approved call.
	PreApproved bool
	// Escalation carries the adaptation hint, if any.
	Escalation *Escalation
}

// Evidence explains a risk grade: which classifier produced it and which
// signals matched.
type Evidence struct {
	// Classifier is static or adaptive-escalation.
	Classifier string `json:"classifier"`
	// MatchedSignals are the unique, sorted signals that fired.
	MatchedSignals []string `json:"matchedSignals"`
	// AdaptationReason is set when the grade was escalated by a hint.
	AdaptationReason string `json:"adaptationReason,omitempty"`
}

// Decision is the full outcome of evaluating one request.
type Decision struct {
	// Verdict is allow, gate, or deny.
	Verdict Verdict `json:"decision"`
	// Risk is the final (possibly escalated) grade.
	Risk Risk `json:"risk"`
	// ActionKey names the classified action (auth_submit, post, navigate, ...).
	ActionKey string `json:"actionKey"`
	// Reason is the human-readable explanation.
	Reason string `json:"reason"`
	// TargetHost is the effective target host, when known.
	TargetHost string `json:"targetHost,omitempty"`
	// TargetOrigin is the effective target origin, when known.
	TargetOrigin string `json:"targetOrigin,omitempty"`
	// Evidence explains how the grade was produced.
	Evidence Evidence `json:"riskEvidence"`
}

// Allowed returns true when the verdict permits execution without approval.
func (d *Decision) Allowed() bool {
	return d.Verdict == VerdictAllow
}
