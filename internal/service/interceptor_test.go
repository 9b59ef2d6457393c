package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opta-dev/opta-browser/internal/adapter/outbound/approval"
	"github.com/opta-dev/opta-browser/internal/adapter/outbound/celrules"
	"github.com/opta-dev/opta-browser/internal/domain/action"
	"github.com/opta-dev/opta-browser/internal/domain/policy"
	"github.com/opta-dev/opta-browser/internal/domain/retry"
)

// openPolicy permits every host and gates high-risk calls.
func openPolicy() policy.Config {
	return policy.Config{
		AllowedHosts:               []string{"*"},
		RequireApprovalForHighRisk: true,
	}
}

func newTestInterceptor(t *testing.T, d *Daemon, cfg InterceptorConfig, hooks Hooks) (*Interceptor, *[]time.Duration) {
	t.Helper()
	i := NewInterceptor(cfg, d, nil, hooks)
	var sleeps []time.Duration
	i.sleep = func(dur time.Duration) { sleeps = append(sleeps, dur) }
	return i, &sleeps
}

func okThunk(t *testing.T, typ action.Type) ExecFunc {
	t.Helper()
	return func(ctx context.Context) *action.Result {
		return &action.Result{OK: true, Action: action.Action{Type: typ}}
	}
}

func TestInterceptor_PassthroughNonBrowserTool(t *testing.T) {
	d := newTestDaemon(t, &fakeDriver{}, DaemonOptions{})
	i, _ := newTestInterceptor(t, d, InterceptorConfig{Policy: openPolicy()}, Hooks{})

	calls := 0
	res, err := i.Execute(context.Background(), "fs_read", map[string]any{"path": "/etc/hosts"}, func(ctx context.Context) *action.Result {
		calls++
		return &action.Result{OK: true}
	})
	if err != nil || !res.OK || calls != 1 {
		t.Fatalf("passthrough: res=%+v err=%v calls=%d", res, err, calls)
	}
	events, err := d.Approvals().Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("passthrough produced %d approval events", len(events))
	}
}

func TestInterceptor_PolicyDeny(t *testing.T) {
	d := newTestDaemon(t, &fakeDriver{}, DaemonOptions{})
	// Zero config: closed allowlist, every navigate is denied.
	i, _ := newTestInterceptor(t, d, InterceptorConfig{}, Hooks{})

	calls := 0
	_, err := i.Execute(context.Background(), "browser_navigate",
		map[string]any{"url": "https://example.com/", "sessionId": "session-a"},
		func(ctx context.Context) *action.Result {
			calls++
			return &action.Result{OK: true}
		})

	var denied *PolicyDenied
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want *PolicyDenied", err)
	}
	if denied.GateDenied {
		t.Error("direct deny reported as gate denial")
	}
	if denied.Decision.Reason != "policy:allowlist-mismatch" {
		t.Errorf("reason = %q", denied.Decision.Reason)
	}
	if calls != 0 {
		t.Errorf("denied call executed %d times", calls)
	}

	events, err := d.Approvals().Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 1 || events[0].Decision != approval.DecisionDenied {
		t.Fatalf("events = %+v", events)
	}
	if events[0].SessionID != "session-a" || events[0].Tool != "browser_navigate" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestInterceptor_GateFailSafeWithoutCallback(t *testing.T) {
	d := newTestDaemon(t, &fakeDriver{}, DaemonOptions{})
	i, _ := newTestInterceptor(t, d, InterceptorConfig{Policy: openPolicy()}, Hooks{})

	calls := 0
	_, err := i.Execute(context.Background(), "browser_evaluate", map[string]any{}, func(ctx context.Context) *action.Result {
		calls++
		return &action.Result{OK: true}
	})

	var denied *PolicyDenied
	if !errors.As(err, &denied) || !denied.GateDenied {
		t.Fatalf("err = %v, want gate denial", err)
	}
	if calls != 0 {
		t.Errorf("gated call executed without approval")
	}
	events, _ := d.Approvals().Read()
	if len(events) != 1 || events[0].Decision != approval.DecisionDenied {
		t.Fatalf("events = %+v", events)
	}
}

func TestInterceptor_GateApprovedAppendsOneEvent(t *testing.T) {
	d := newTestDaemon(t, &fakeDriver{}, DaemonOptions{})
	gateCalls := 0
	hooks := Hooks{
		OnGate: func(ctx context.Context, tool string, dec policy.Decision) string {
			gateCalls++
			if dec.Risk != policy.RiskHigh {
				t.Errorf("gated risk = %q", dec.Risk)
			}
			return GateDecisionApproved
		},
	}
	i, _ := newTestInterceptor(t, d, InterceptorConfig{Policy: openPolicy()}, hooks)

	res, err := i.Execute(context.Background(), "browser_evaluate",
		map[string]any{"sessionId": "session-g"}, okThunk(t, action.TypeSnapshot))
	if err != nil || !res.OK {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if gateCalls != 1 {
		t.Errorf("gate callback called %d times", gateCalls)
	}

	events, err := d.Approvals().Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d approval events, want exactly 1", len(events))
	}
	ev := events[0]
	if ev.Decision != approval.DecisionApproved || ev.Tool != "browser_evaluate" ||
		ev.SessionID != "session-g" || ev.Risk != "high" || ev.ActionKey != "js-execution" {
		t.Errorf("event = %+v", ev)
	}
	if ev.RiskEvidence == nil {
		t.Error("event missing risk evidence")
	}
}

func TestInterceptor_RetryWithLinearBackoff(t *testing.T) {
	d := newTestDaemon(t, &fakeDriver{}, DaemonOptions{})
	i, sleeps := newTestInterceptor(t, d, InterceptorConfig{MaxRetries: 2, BackoffMs: 100, Policy: openPolicy()}, Hooks{})

	cls := retry.Classify("NAVIGATE_FAILED", "net::ERR_CONNECTION_RESET")
	attempts := 0
	res, err := i.Execute(context.Background(), "browser_navigate",
		map[string]any{"url": "https://example.com/"},
		func(ctx context.Context) *action.Result {
			attempts++
			if attempts <= 2 {
				return &action.Result{
					Action: action.Action{Type: action.TypeNavigate},
					Error: &action.Error{
						Code:          action.CodeNavigateFailed,
						Message:       "net::ERR_CONNECTION_RESET",
						Retryable:     cls.Retryable,
						RetryCategory: string(cls.Category),
					},
				}
			}
			return &action.Result{OK: true, Action: action.Action{Type: action.TypeNavigate}}
		})
	if err != nil || !res.OK {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(*sleeps) != len(want) || (*sleeps)[0] != want[0] || (*sleeps)[1] != want[1] {
		t.Errorf("sleeps = %v, want %v", *sleeps, want)
	}
}

func TestInterceptor_NoRetryOnNonRetryable(t *testing.T) {
	d := newTestDaemon(t, &fakeDriver{}, DaemonOptions{})
	i, sleeps := newTestInterceptor(t, d, InterceptorConfig{MaxRetries: 2, BackoffMs: 100, Policy: openPolicy()}, Hooks{})

	attempts := 0
	res, err := i.Execute(context.Background(), "browser_click",
		map[string]any{"selector": "#missing"},
		func(ctx context.Context) *action.Result {
			attempts++
			return &action.Result{
				Action: action.Action{Type: action.TypeClick},
				Error: &action.Error{
					Code:          action.CodeClickFailed,
					Message:       "strict mode violation: no node found",
					RetryCategory: string(retry.CategorySelector),
				},
			}
		})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if res.OK || attempts != 1 || len(*sleeps) != 0 {
		t.Errorf("res.OK=%v attempts=%d sleeps=%v", res.OK, attempts, *sleeps)
	}
}

func TestInterceptor_SelectorHealingHook(t *testing.T) {
	d := newTestDaemon(t, &fakeDriver{}, DaemonOptions{})
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	id := d.OpenSession(ctx, action.Input{Mode: "isolated"}).Action.SessionID

	var gotTool, gotSelector, gotSnapshot string
	hooks := Hooks{
		OnSelectorFail: func(tool, selector, snapshot string) {
			gotTool, gotSelector, gotSnapshot = tool, selector, snapshot
		},
	}
	i, _ := newTestInterceptor(t, d, InterceptorConfig{Policy: openPolicy()}, hooks)

	res, err := i.Execute(ctx, "browser_click",
		map[string]any{"sessionId": id, "selector": "#gone"},
		func(c context.Context) *action.Result {
			return &action.Result{
				Action: action.Action{Type: action.TypeClick, SessionID: id},
				Error: &action.Error{
					Code:          action.CodeClickFailed,
					Message:       "no node found for selector",
					RetryCategory: string(retry.CategorySelector),
				},
			}
		})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	// The original error is preserved, not masked by the healing hook.
	if res.OK || res.Error.Code != action.CodeClickFailed {
		t.Fatalf("res = %+v", res.Error)
	}
	if gotTool != "browser_click" || gotSelector != "#gone" {
		t.Errorf("hook got (%q, %q)", gotTool, gotSelector)
	}
	if gotSnapshot == "" {
		t.Error("hook got no snapshot")
	}
}

func TestInterceptor_AdaptationEscalatesToGate(t *testing.T) {
	d := newTestDaemon(t, &fakeDriver{}, DaemonOptions{})
	d.mu.Lock()
	d.hint.Enabled = true
	d.hint.EscalateRisk = true
	d.hint.Rationale = "escalating over 4 assessed sessions"
	d.mu.Unlock()

	i, _ := newTestInterceptor(t, d, InterceptorConfig{Policy: openPolicy()}, Hooks{})

	// navigate is medium risk statically; the hint raises it to high,
	// which requires approval. Without a gate callback it is denied.
	_, err := i.Execute(context.Background(), "browser_navigate",
		map[string]any{"url": "https://example.com/"}, okThunk(t, action.TypeNavigate))

	var denied *PolicyDenied
	if !errors.As(err, &denied) || !denied.GateDenied {
		t.Fatalf("err = %v, want gate denial", err)
	}
	if denied.Decision.Evidence.Classifier != policy.ClassifierAdaptiveEscalation {
		t.Errorf("classifier = %q", denied.Decision.Evidence.Classifier)
	}
}

func TestInterceptor_CustomRuleTightensVerdict(t *testing.T) {
	d := newTestDaemon(t, &fakeDriver{}, DaemonOptions{})
	engine, err := celrules.NewEngine([]celrules.Rule{
		{Name: "deny-staging", When: `host_matches(host, "*.staging.example")`, Effect: celrules.EffectDeny},
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	i := NewInterceptor(InterceptorConfig{Policy: openPolicy()}, d, engine, Hooks{})

	_, err = i.Execute(context.Background(), "browser_navigate",
		map[string]any{"url": "https://app.staging.example/"}, okThunk(t, action.TypeNavigate))

	var denied *PolicyDenied
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want *PolicyDenied", err)
	}
	if denied.Decision.Reason != "rule:deny-staging" {
		t.Errorf("reason = %q", denied.Decision.Reason)
	}
}

func TestInterceptor_ScreenshotCompressionHook(t *testing.T) {
	d := newTestDaemon(t, &fakeDriver{}, DaemonOptions{})
	hooks := Hooks{
		CompressScreenshot: func(data []byte) ([]byte, error) {
			return data[:1], nil
		},
	}
	i, _ := newTestInterceptor(t, d, InterceptorConfig{Policy: openPolicy()}, hooks)

	res, err := i.Execute(context.Background(), "browser_screenshot",
		map[string]any{"sessionId": "session-s"},
		func(ctx context.Context) *action.Result {
			return &action.Result{
				OK:     true,
				Action: action.Action{Type: action.TypeScreenshot},
				Data:   map[string]any{"bytes": []byte("pngdata")},
			}
		})
	if err != nil || !res.OK {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if got := res.Data["bytes"].([]byte); string(got) != "p" {
		t.Errorf("bytes = %q, want compressed", got)
	}
}
