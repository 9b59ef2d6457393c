package policy

import (
	"testing"
)

func contains(signals []string, want string) bool {
	for _, s := range signals {
		if s == want {
			return true
		}
	}
	return false
}

func TestEvaluate_InvalidNavigateURL(t *testing.T) {
	cfg := Config{AllowedHosts: []string{"*"}}

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing url", map[string]any{}},
		{"empty url", map[string]any{"url": ""}},
		{"non-http scheme", map[string]any{"url": "file:///etc/passwd"}},
		{"javascript scheme", map[string]any{"url": "javascript:alert(1)"}},
		{"garbage", map[string]any{"url": "://not-a-url"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(cfg, Request{Tool: "browser_navigate", Args: tt.args})
			if got.Verdict != VerdictDeny {
				t.Fatalf("Verdict = %v, want deny", got.Verdict)
			}
			if got.Risk != RiskHigh {
				t.Errorf("Risk = %v, want high", got.Risk)
			}
			if got.Reason != "url:invalid" {
				t.Errorf("Reason = %q, want url:invalid", got.Reason)
			}
			if !contains(got.Evidence.MatchedSignals, "url:invalid") {
				t.Errorf("MatchedSignals = %v, missing url:invalid", got.Evidence.MatchedSignals)
			}
		})
	}
}

func TestEvaluate_Allowlist(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		url     string
		want    Verdict
		reason  string
	}{
		{"closed config denies", nil, "https://example.com/", VerdictDeny, "policy:allowlist-mismatch"},
		{"star allows", []string{"*"}, "https://anything.example/", VerdictAllow, ""},
		{"exact host allows", []string{"example.com"}, "https://example.com/page", VerdictAllow, ""},
		{"exact host denies other", []string{"example.com"}, "https://other.example/", VerdictDeny, "policy:allowlist-mismatch"},
		{"wildcard matches subdomain", []string{"*.example.com"}, "https://app.example.com/", VerdictAllow, ""},
		{"wildcard matches apex", []string{"*.example.com"}, "https://example.com/", VerdictAllow, ""},
		{"url form pattern", []string{"https://example.com/ignored"}, "https://example.com/", VerdictAllow, ""},
		{"url form wildcard", []string{"https://*.example.com/path"}, "https://api.example.com/", VerdictAllow, ""},
		{"regex pattern", []string{`{"regex": "^.*\\.corp\\.example$"}`}, "https://db.corp.example/", VerdictAllow, ""},
		{"port pattern matches", []string{"localhost:9222"}, "http://localhost:9222/", VerdictAllow, ""},
		{"port pattern mismatch", []string{"localhost:9222"}, "http://localhost:8080/", VerdictDeny, "policy:allowlist-mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{AllowedHosts: tt.allowed}
			got := Evaluate(cfg, Request{Tool: "browser_navigate", Args: map[string]any{"url": tt.url}})
			if got.Verdict != tt.want {
				t.Fatalf("Verdict = %v, want %v (reason %q)", got.Verdict, tt.want, got.Reason)
			}
			if tt.reason != "" && got.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.reason)
			}
		})
	}
}

func TestEvaluate_BlockedOrigins(t *testing.T) {
	cfg := Config{
		AllowedHosts:   []string{"*"},
		BlockedOrigins: []string{"https://evil.example", "*.tracker.example", `{"regex": "bad-.*\\.example"}`},
	}

	tests := []struct {
		name string
		url  string
		want Verdict
	}{
		{"blocked origin", "https://evil.example/page", VerdictDeny},
		{"blocked wildcard host", "https://cdn.tracker.example/", VerdictDeny},
		{"blocked regex", "https://bad-actor.example/", VerdictDeny},
		{"unblocked", "https://fine.example/", VerdictAllow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(cfg, Request{Tool: "browser_navigate", Args: map[string]any{"url": tt.url}})
			if got.Verdict != tt.want {
				t.Fatalf("Verdict = %v, want %v (reason %q)", got.Verdict, tt.want, got.Reason)
			}
			if tt.want == VerdictDeny && got.Reason != "policy:blocked-origin" {
				t.Errorf("Reason = %q, want policy:blocked-origin", got.Reason)
			}
		})
	}
}

// Blocklist wins over allowlist when both match the same host.
func TestEvaluate_BlocklistBeatsAllowlist(t *testing.T) {
	cfg := Config{
		AllowedHosts:   []string{"example.com"},
		BlockedOrigins: []string{"example.com"},
	}
	got := Evaluate(cfg, Request{Tool: "browser_navigate", Args: map[string]any{"url": "https://example.com/"}})
	if got.Verdict != VerdictDeny || got.Reason != "policy:blocked-origin" {
		t.Errorf("Decision = %v/%q, want deny/policy:blocked-origin", got.Verdict, got.Reason)
	}
}

func TestEvaluate_CredentialIsolation(t *testing.T) {
	cfg := Config{AllowedHosts: []string{"*"}, CredentialIsolation: true}

	t.Run("cross-origin navigate with credentials denied", func(t *testing.T) {
		got := Evaluate(cfg, Request{
			Tool:                      "browser_navigate",
			Args:                      map[string]any{"url": "https://other.example/"},
			CurrentOrigin:             "https://bank.example",
			CurrentPageHasCredentials: true,
		})
		if got.Verdict != VerdictDeny {
			t.Fatalf("Verdict = %v, want deny", got.Verdict)
		}
		if !contains(got.Evidence.MatchedSignals, "policy:credential-isolation") {
			t.Errorf("MatchedSignals = %v, missing policy:credential-isolation", got.Evidence.MatchedSignals)
		}
	})

	t.Run("same-origin navigate with credentials allowed", func(t *testing.T) {
		got := Evaluate(cfg, Request{
			Tool:                      "browser_navigate",
			Args:                      map[string]any{"url": "https://bank.example/transfer"},
			CurrentOrigin:             "https://bank.example",
			CurrentPageHasCredentials: true,
		})
		if got.Verdict != VerdictAllow {
			t.Errorf("Verdict = %v, want allow (reason %q)", got.Verdict, got.Reason)
		}
	})

	t.Run("click on credentialed page denied", func(t *testing.T) {
		got := Evaluate(cfg, Request{
			Tool:                      "browser_click",
			Args:                      map[string]any{"selector": "#pay"},
			CurrentOrigin:             "https://bank.example",
			CurrentPageHasCredentials: true,
		})
		if got.Verdict != VerdictDeny {
			t.Fatalf("Verdict = %v, want deny", got.Verdict)
		}
		if !contains(got.Evidence.MatchedSignals, "policy:credential-isolation") {
			t.Errorf("MatchedSignals = %v, missing policy:credential-isolation", got.Evidence.MatchedSignals)
		}
	})

	t.Run("click without credentials allowed", func(t *testing.T) {
		got := Evaluate(cfg, Request{
			Tool:          "browser_click",
			Args:          map[string]any{"selector": "#pay"},
			CurrentOrigin: "https://bank.example",
		})
		if got.Verdict != VerdictAllow {
			t.Errorf("Verdict = %v, want allow (reason %q)", got.Verdict, got.Reason)
		}
	})
}

func TestEvaluate_NoOriginForAllowlist(t *testing.T) {
	cfg := Config{AllowedHosts: []string{"example.com"}}

	got := Evaluate(cfg, Request{Tool: "browser_click", Args: map[string]any{"selector": "#go"}})
	if got.Verdict != VerdictDeny || got.Reason != "policy:no-origin-for-allowlist" {
		t.Errorf("Decision = %v/%q, want deny/policy:no-origin-for-allowlist", got.Verdict, got.Reason)
	}

	// With an unrestricted allowlist the same click passes.
	open := Config{AllowedHosts: []string{"*"}}
	got = Evaluate(open, Request{Tool: "browser_click", Args: map[string]any{"selector": "#go"}})
	if got.Verdict != VerdictAllow {
		t.Errorf("Verdict = %v, want allow", got.Verdict)
	}
}

func TestEvaluate_Classification(t *testing.T) {
	cfg := Config{AllowedHosts: []string{"*"}}

	tests := []struct {
		name string
		tool string
		args map[string]any
		risk Risk
		key  string
	}{
		{"snapshot is observe", "browser_snapshot", nil, RiskLow, "observe"},
		{"screenshot is observe", "browser_screenshot", nil, RiskLow, "observe"},
		{"close is observe", "browser_close", nil, RiskLow, "observe"},
		{"open isolated", "browser_open", map[string]any{"mode": "isolated"}, RiskLow, "browser_open"},
		{"open attach", "browser_open", map[string]any{"mode": "attach"}, RiskMedium, "browser_open"},
		{"plain navigate", "browser_navigate", map[string]any{"url": "https://example.com/docs"}, RiskMedium, "navigate"},
		{"login navigate", "browser_navigate", map[string]any{"url": "https://example.com/login"}, RiskHigh, "auth_submit"},
		{"checkout navigate", "browser_navigate", map[string]any{"url": "https://example.com/checkout?step=2"}, RiskHigh, "checkout"},
		{"plain click", "browser_click", map[string]any{"selector": "#next"}, RiskMedium, "click"},
		{"delete click", "browser_click", map[string]any{"selector": "button.delete-account"}, RiskHigh, "delete"},
		{"plain type", "browser_type", map[string]any{"selector": "#q", "text": "weather"}, RiskMedium, "type"},
		{"password type", "browser_type", map[string]any{"selector": "#password", "text": "hunter2"}, RiskHigh, "auth_submit"},
		{"type with submit", "browser_type", map[string]any{"selector": "#q", "text": "hi", "submit": true}, RiskHigh, "post"},
		{"dialog dismiss", "browser_handle_dialog", map[string]any{"accept": false}, RiskLow, "confirm"},
		{"dialog accept", "browser_handle_dialog", map[string]any{"accept": true}, RiskMedium, "confirm"},
		{"dialog accept delete", "browser_handle_dialog", map[string]any{"accept": true, "message": "Really delete?"}, RiskHigh, "delete"},
		{"evaluate", "browser_evaluate", map[string]any{"expression": "1+1"}, RiskHigh, "js-execution"},
		{"file upload", "browser_file_upload", map[string]any{"paths": "x"}, RiskHigh, "filesystem"},
		{"select option", "browser_select_option", map[string]any{"selector": "#lang"}, RiskMedium, "select_option"},
		{"press key", "browser_press_key", map[string]any{"key": "Enter"}, RiskMedium, "press_key"},
		{"go back", "browser_go_back", nil, RiskMedium, "go_back"},
		{"tab new", "browser_tab_new", nil, RiskMedium, "tab_new"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(cfg, Request{Tool: tt.tool, Args: tt.args})
			if got.Risk != tt.risk {
				t.Errorf("Risk = %v, want %v (signals %v)", got.Risk, tt.risk, got.Evidence.MatchedSignals)
			}
			if got.ActionKey != tt.key {
				t.Errorf("ActionKey = %q, want %q", got.ActionKey, tt.key)
			}
		})
	}
}

func TestEvaluate_ApprovalGating(t *testing.T) {
	cfg := Config{AllowedHosts: []string{"example.com"}, RequireApprovalForHighRisk: true}

	got := Evaluate(cfg, Request{Tool: "browser_navigate", Args: map[string]any{"url": "https://example.com/login"}})
	if got.Verdict != VerdictGate {
		t.Fatalf("Verdict = %v, want gate", got.Verdict)
	}
	if got.Risk != RiskHigh || got.ActionKey != "auth_submit" {
		t.Errorf("Risk/ActionKey = %v/%q, want high/auth_submit", got.Risk, got.ActionKey)
	}

	// Pre-approved calls skip the gate.
	got = Evaluate(cfg, Request{Tool: "browser_navigate", Args: map[string]any{"url": "https://example.com/login"}, PreApproved: true})
	if got.Verdict != VerdictAllow {
		t.Errorf("Verdict = %v, want allow for pre-approved", got.Verdict)
	}

	// Without the approval requirement high risk is allowed.
	relaxed := Config{AllowedHosts: []string{"example.com"}}
	got = Evaluate(relaxed, Request{Tool: "browser_navigate", Args: map[string]any{"url": "https://example.com/login"}})
	if got.Verdict != VerdictAllow {
		t.Errorf("Verdict = %v, want allow without approval requirement", got.Verdict)
	}
}

func TestEvaluate_AdaptiveEscalation(t *testing.T) {
	cfg := Config{AllowedHosts: []string{"*"}, RequireApprovalForHighRisk: true}
	hint := &Escalation{EscalateRisk: true, Reason: "regression pressure 0.50 above threshold 0.30"}

	t.Run("medium click escalates to gated high", func(t *testing.T) {
		got := Evaluate(cfg, Request{
			Tool:       "browser_click",
			Args:       map[string]any{"selector": "#next"},
			Escalation: hint,
		})
		if got.Risk != RiskHigh {
			t.Fatalf("Risk = %v, want high", got.Risk)
		}
		if got.Verdict != VerdictGate {
			t.Errorf("Verdict = %v, want gate", got.Verdict)
		}
		if got.Evidence.Classifier != ClassifierAdaptiveEscalation {
			t.Errorf("Classifier = %q, want adaptive-escalation", got.Evidence.Classifier)
		}
		if got.Evidence.AdaptationReason == "" {
			t.Error("AdaptationReason is empty")
		}
	})

	t.Run("observe actions never escalate", func(t *testing.T) {
		got := Evaluate(cfg, Request{Tool: "browser_snapshot", Escalation: hint})
		if got.Risk != RiskLow {
			t.Errorf("Risk = %v, want low", got.Risk)
		}
		if got.Evidence.Classifier != ClassifierStatic {
			t.Errorf("Classifier = %q, want static", got.Evidence.Classifier)
		}
	})

	t.Run("low open escalates to medium", func(t *testing.T) {
		got := Evaluate(cfg, Request{Tool: "browser_open", Args: map[string]any{"mode": "isolated"}, Escalation: hint})
		if got.Risk != RiskMedium {
			t.Errorf("Risk = %v, want medium", got.Risk)
		}
	})
}

// P6: evaluation must be pure.
func TestEvaluate_Deterministic(t *testing.T) {
	cfg := Config{
		AllowedHosts:               []string{"example.com", "*.corp.example"},
		BlockedOrigins:             []string{"https://evil.example"},
		RequireApprovalForHighRisk: true,
		CredentialIsolation:        true,
	}
	req := Request{
		Tool:          "browser_navigate",
		Args:          map[string]any{"url": "https://example.com/login?next=%2Fhome"},
		CurrentOrigin: "https://example.com",
	}

	first := Evaluate(cfg, req)
	for i := 0; i < 5; i++ {
		again := Evaluate(cfg, req)
		if again.Verdict != first.Verdict || again.Risk != first.Risk ||
			again.ActionKey != first.ActionKey || again.Reason != first.Reason {
			t.Fatalf("Evaluate not deterministic: %+v vs %+v", first, again)
		}
		if len(again.Evidence.MatchedSignals) != len(first.Evidence.MatchedSignals) {
			t.Fatalf("signal count drifted: %v vs %v", first.Evidence.MatchedSignals, again.Evidence.MatchedSignals)
		}
	}
}

func TestIsBrowserTool(t *testing.T) {
	tests := []struct {
		tool string
		want bool
	}{
		{"browser_navigate", true},
		{"browser_anything", true},
		{"navigate", true},
		{"click", true},
		{"read_file", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsBrowserTool(tt.tool); got != tt.want {
			t.Errorf("IsBrowserTool(%q) = %v, want %v", tt.tool, got, tt.want)
		}
	}
}
