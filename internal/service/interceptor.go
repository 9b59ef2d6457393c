package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/opta-dev/opta-browser/internal/adapter/outbound/approval"
	"github.com/opta-dev/opta-browser/internal/adapter/outbound/celrules"
	"github.com/opta-dev/opta-browser/internal/domain/action"
	"github.com/opta-dev/opta-browser/internal/domain/policy"
	"github.com/opta-dev/opta-browser/internal/domain/retry"
)

// GateDecisionApproved is the only onGate return value that unblocks a
// gated call. Anything else, including an absent callback, is a denial.
const GateDecisionApproved = "approved"

// ExecFunc runs the underlying tool call.
type ExecFunc func(ctx context.Context) *action.Result

// Hooks are the optional observer callbacks injected at interceptor
// construction. Nil fields are no-ops, except OnGate: a gated call with
// no OnGate is denied.
type Hooks struct {
	// OnGate prompts for approval of a gated call and returns
	// "approved" or "denied".
	OnGate func(ctx context.Context, tool string, dec policy.Decision) string
	// OnBrowserEvent observes every successful browser tool result.
	OnBrowserEvent func(tool string, res *action.Result)
	// OnSelectorFail observes exhausted selector failures on click and
	// type, with a fresh page snapshot when one could be captured.
	OnSelectorFail func(tool, selector, snapshot string)
	// CompressScreenshot post-processes screenshot bytes. Failure keeps
	// the original bytes.
	CompressScreenshot func(data []byte) ([]byte, error)
}

// InterceptorConfig tunes the pipeline.
type InterceptorConfig struct {
	// MaxRetries is the number of additional attempts after the first
	// (2 means 3 attempts total).
	MaxRetries int
	// BackoffMs is the linear backoff base: the sleep after attempt n
	// (0-based) is BackoffMs*(n+1) milliseconds.
	BackoffMs int
	// Policy is the rule set handed to the policy engine.
	Policy policy.Config
}

func (c InterceptorConfig) withDefaults() InterceptorConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffMs <= 0 {
		c.BackoffMs = 100
	}
	return c
}

// PolicyDenied is returned when the policy pipeline blocks a tool call,
// either by a deny verdict or by a gate that was not approved. It
// carries the full decision so callers can explain the block.
type PolicyDenied struct {
	// Decision is the policy outcome that caused the block.
	Decision policy.Decision
	// GateDenied is true when the block came from an unapproved gate
	// rather than a direct deny.
	GateDenied bool
}

func (e *PolicyDenied) Error() string {
	if e.GateDenied {
		return fmt.Sprintf("approval denied for %s action: %s", e.Decision.Risk, e.Decision.Reason)
	}
	return fmt.Sprintf("policy denied %s action: %s", e.Decision.Risk, e.Decision.Reason)
}

// Interceptor is the per-tool-call pipeline: policy evaluation, the
// approval gate, the retry loop, and the selector-healing hook. One
// interceptor serves one daemon.
type Interceptor struct {
	cfg    InterceptorConfig
	hooks  Hooks
	daemon *Daemon
	rules  *celrules.Engine

	sleep func(time.Duration)

	mu          sync.Mutex
	credentials map[string]bool
}

// NewInterceptor builds the pipeline in front of a daemon. rules may be
// nil when no custom rules are configured.
func NewInterceptor(cfg InterceptorConfig, d *Daemon, rules *celrules.Engine, hooks Hooks) *Interceptor {
	return &Interceptor{
		cfg:         cfg.withDefaults(),
		hooks:       hooks,
		daemon:      d,
		rules:       rules,
		sleep:       time.Sleep,
		credentials: make(map[string]bool),
	}
}

// Execute runs one tool call through the pipeline. Non-browser tools
// pass straight through. Policy blocks return a *PolicyDenied error;
// execution failures come back as failed results, not errors.
func (i *Interceptor) Execute(ctx context.Context, tool string, args map[string]any, exec ExecFunc) (*action.Result, error) {
	if !policy.IsBrowserTool(tool) {
		return exec(ctx), nil
	}

	dec := i.evaluate(tool, args)
	i.daemon.metrics.PolicyDecisions.WithLabelValues(string(dec.Verdict)).Inc()

	sessionID := stringArg(args, "sessionId")
	switch dec.Verdict {
	case policy.VerdictDeny:
		i.appendApproval(tool, sessionID, dec, approval.DecisionDenied)
		return nil, &PolicyDenied{Decision: dec}
	case policy.VerdictGate:
		if i.hooks.OnGate == nil || i.hooks.OnGate(ctx, tool, dec) != GateDecisionApproved {
			i.appendApproval(tool, sessionID, dec, approval.DecisionDenied)
			return nil, &PolicyDenied{Decision: dec, GateDenied: true}
		}
		i.appendApproval(tool, sessionID, dec, approval.DecisionApproved)
	}

	res := i.executeWithRetry(ctx, exec)
	if res.OK {
		i.afterSuccess(tool, sessionID, dec, res)
		return res, nil
	}

	i.healSelector(ctx, tool, args, res)
	return res, nil
}

// evaluate builds the policy request from the live session state plus
// the current adaptation hint, runs the static engine, then lets custom
// rules tighten the verdict.
func (i *Interceptor) evaluate(tool string, args map[string]any) policy.Decision {
	req := policy.Request{
		Tool:      tool,
		Args:      args,
		SessionID: stringArg(args, "sessionId"),
	}
	if s, ok := i.daemon.Session(req.SessionID); ok {
		req.CurrentOrigin = originOf(s.CurrentURL)
	}
	i.mu.Lock()
	req.CurrentPageHasCredentials = i.credentials[req.SessionID]
	i.mu.Unlock()

	if hint := i.daemon.Hint(); hint.Enabled && hint.EscalateRisk {
		req.Escalation = &policy.Escalation{EscalateRisk: true, Reason: hint.Rationale}
	}

	dec := policy.Evaluate(i.cfg.Policy, req)

	if i.rules != nil && dec.Verdict != policy.VerdictDeny {
		if effect, name, matched := i.rules.Decide(req, dec); matched {
			switch effect {
			case celrules.EffectDeny:
				dec.Verdict = policy.VerdictDeny
				dec.Reason = "rule:" + name
				dec.Evidence.MatchedSignals = append(dec.Evidence.MatchedSignals, "rule:"+name)
			case celrules.EffectGate:
				if dec.Verdict == policy.VerdictAllow {
					dec.Verdict = policy.VerdictGate
					dec.Reason = "rule:" + name
					dec.Evidence.MatchedSignals = append(dec.Evidence.MatchedSignals, "rule:"+name)
				}
			}
		}
	}
	return dec
}

// executeWithRetry runs the thunk up to MaxRetries+1 times, sleeping
// BackoffMs*(attempt+1) between retryable failures.
func (i *Interceptor) executeWithRetry(ctx context.Context, exec ExecFunc) *action.Result {
	var res *action.Result
	attempts := i.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		res = exec(ctx)
		if res.OK || res.Error == nil {
			return res
		}
		if !res.Error.Retryable || attempt == attempts-1 {
			return res
		}
		i.daemon.metrics.RetryAttemptsTotal.Inc()
		i.sleep(time.Duration(i.cfg.BackoffMs*(attempt+1)) * time.Millisecond)
	}
	return res
}

// afterSuccess applies the screenshot compression hook, updates the
// credential tracker, and emits the browser event.
func (i *Interceptor) afterSuccess(tool, sessionID string, dec policy.Decision, res *action.Result) {
	if i.hooks.CompressScreenshot != nil && res.Data != nil {
		if raw, ok := res.Data["bytes"].([]byte); ok {
			if compressed, err := i.hooks.CompressScreenshot(raw); err == nil && compressed != nil {
				res.Data["bytes"] = compressed
			}
		}
	}

	i.mu.Lock()
	switch {
	case dec.ActionKey == policy.ActionAuthSubmit && sessionID != "":
		i.credentials[sessionID] = true
	case res.Action.Type == action.TypeCloseSession:
		delete(i.credentials, res.Action.SessionID)
	}
	i.mu.Unlock()

	if i.hooks.OnBrowserEvent != nil {
		i.hooks.OnBrowserEvent(tool, res)
	}
}

// healSelector fires the selector-healing hook after an exhausted
// selector failure on click or type. It never masks the original error.
func (i *Interceptor) healSelector(ctx context.Context, tool string, args map[string]any, res *action.Result) {
	if i.hooks.OnSelectorFail == nil || res.Error == nil {
		return
	}
	if retry.Category(res.Error.RetryCategory) != retry.CategorySelector {
		return
	}
	switch res.Action.Type {
	case action.TypeClick, action.TypeType:
	default:
		return
	}

	snapshot := ""
	if sessionID := stringArg(args, "sessionId"); sessionID != "" {
		if snap := i.daemon.Snapshot(ctx, action.Input{SessionID: sessionID}); snap.OK {
			snapshot, _ = snap.Data["html"].(string)
		}
	}
	i.hooks.OnSelectorFail(tool, stringArg(args, "selector"), snapshot)
}

// appendApproval writes exactly one approval event for a gated or
// denied call.
func (i *Interceptor) appendApproval(tool, sessionID string, dec policy.Decision, decision approval.Decision) {
	runID := ""
	if s, ok := i.daemon.Session(sessionID); ok {
		runID = s.RunID
	}
	err := i.daemon.Approvals().Append(approval.Event{
		Timestamp:    time.Now().UTC(),
		SessionID:    sessionID,
		RunID:        runID,
		Tool:         tool,
		ActionKey:    dec.ActionKey,
		Risk:         string(dec.Risk),
		Decision:     decision,
		PolicyReason: dec.Reason,
		TargetHost:   dec.TargetHost,
		TargetOrigin: dec.TargetOrigin,
		RiskEvidence: &dec.Evidence,
	})
	if err != nil {
		i.daemon.logger.Warn("approval log append failed", "tool", tool, "error", err)
	}
	i.daemon.metrics.ApprovalEvents.WithLabelValues(string(decision)).Inc()
}

// originOf extracts scheme://host[:port] from a URL, empty when the URL
// does not parse.
func originOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// stringArg reads a string tool argument, tolerating absent maps.
func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
