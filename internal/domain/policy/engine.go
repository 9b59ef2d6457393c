package policy

import (
	"net/url"
	"strings"
)

// toolKind is the canonical classification bucket for a tool name.
type toolKind int

const (
	kindObserve toolKind = iota
	kindOpen
	kindNavigate
	kindClick
	kindType
	kindDialog
	kindEvaluate
	kindUpload
	kindSelect
	kindDrag
	kindPress
	kindKeyboard
	kindHistory
	kindTab
	kindOther
)

// toolKinds maps normalized tool names (without the "browser_" prefix)
// to their classification bucket.
var toolKinds = map[string]toolKind{
	"snapshot":      kindObserve,
	"screenshot":    kindObserve,
	"close":         kindObserve,
	"closesession":  kindObserve,
	"open":          kindOpen,
	"opensession":   kindOpen,
	"navigate":      kindNavigate,
	"goto":          kindNavigate,
	"click":         kindClick,
	"type":          kindType,
	"fill":          kindType,
	"handle_dialog": kindDialog,
	"evaluate":      kindEvaluate,
	"file_upload":   kindUpload,
	"select_option": kindSelect,
	"drag":          kindDrag,
	"press_key":     kindPress,
	"keyboard_type": kindKeyboard,
	"go_back":       kindHistory,
	"go_forward":    kindHistory,
	"reload":        kindHistory,
	"tab_new":       kindTab,
	"tab_close":     kindTab,
	"tab_select":    kindTab,
}

// textArgKeys are the argument names inspected for sensitive keywords on
// interactive tools.
var textArgKeys = []string{"selector", "text", "label", "ref", "name", "value", "element", "message"}

// normalizeTool strips the browser_ prefix and lowercases the tool name.
func normalizeTool(tool string) string {
	t := strings.ToLower(strings.TrimSpace(tool))
	return strings.TrimPrefix(t, "browser_")
}

// kindOf resolves the classification bucket for a tool name.
func kindOf(tool string) toolKind {
	if k, ok := toolKinds[normalizeTool(tool)]; ok {
		return k
	}
	return kindOther
}

// IsBrowserTool reports whether a tool name belongs to the browser tool
// family and must pass through policy evaluation.
func IsBrowserTool(tool string) bool {
	t := strings.ToLower(strings.TrimSpace(tool))
	if strings.HasPrefix(t, "browser_") {
		return true
	}
	_, ok := toolKinds[t]
	return ok
}

// target is the extracted effective destination of a request.
type target struct {
	host string
	port string
	// origin is scheme://host[:port].
	origin string
	// fromFallback is true when the origin was inherited from the current
	// page rather than named by the request.
	fromFallback bool
}

// classification is the static risk grade before gates and escalation.
type classification struct {
	risk    Risk
	key     string
	signals []string
	// observeOnly marks grades exempt from adaptive escalation.
	observeOnly bool
}

// Evaluate classifies a tool call and decides allow, gate, or deny.
// It is pure: the decision depends only on the config and the request.
func Evaluate(cfg Config, req Request) Decision {
	kind := kindOf(req.Tool)
	sensitive := sensitiveActionSet(cfg.SensitiveActions)
	cls := classify(kind, req, sensitive)

	tgt, urlInvalid := extractTarget(kind, req)
	if urlInvalid {
		return denyDecision(cls, tgt, "url:invalid", RiskHigh)
	}

	allowed := ParseHostPatterns(cfg.AllowedHosts)
	blocked := ParseHostPatterns(cfg.BlockedOrigins)
	allowAll := anyPattern(allowed)

	if tgt.host != "" {
		for i := range blocked {
			if blocked[i].MatchesOrigin(tgt.origin) || blocked[i].MatchesHost(tgt.host, tgt.port) {
				return denyDecision(cls, tgt, "policy:blocked-origin", cls.risk)
			}
		}

		if !allowAll && !hostAllowed(allowed, tgt.host, tgt.port) {
			return denyDecision(cls, tgt, "policy:allowlist-mismatch", cls.risk)
		}

		if cfg.CredentialIsolation && req.CurrentPageHasCredentials {
			// A destination inherited by fallback is not a provable
			// same-origin move: the credentialed page stays frozen.
			if tgt.fromFallback || tgt.origin != req.CurrentOrigin {
				return denyDecision(cls, tgt, "policy:credential-isolation", cls.risk)
			}
		}
	} else if isInteractive(kind) && len(allowed) > 0 && !allowAll {
		return denyDecision(cls, tgt, "policy:no-origin-for-allowlist", cls.risk)
	}

	evidence := Evidence{Classifier: ClassifierStatic, MatchedSignals: uniqueSorted(cls.signals)}
	risk := cls.risk

	if req.Escalation != nil && req.Escalation.EscalateRisk && !cls.observeOnly {
		escalated := risk.escalate()
		if escalated != risk {
			risk = escalated
			evidence.Classifier = ClassifierAdaptiveEscalation
			evidence.AdaptationReason = req.Escalation.Reason
		}
	}

	verdict := VerdictAllow
	reason := "allowed by policy"
	if risk == RiskHigh && cfg.RequireApprovalForHighRisk && !req.PreApproved {
		verdict = VerdictGate
		reason = "high-risk action requires approval"
	}

	return Decision{
		Verdict:      verdict,
		Risk:         risk,
		ActionKey:    cls.key,
		Reason:       reason,
		TargetHost:   tgt.host,
		TargetOrigin: tgt.origin,
		Evidence:     evidence,
	}
}

// denyDecision builds a deny carrying the classification plus the deny
// signal that fired.
func denyDecision(cls classification, tgt target, signal string, risk Risk) Decision {
	return Decision{
		Verdict:      VerdictDeny,
		Risk:         risk,
		ActionKey:    cls.key,
		Reason:       signal,
		TargetHost:   tgt.host,
		TargetOrigin: tgt.origin,
		Evidence: Evidence{
			Classifier:     ClassifierStatic,
			MatchedSignals: uniqueSorted(append(cls.signals, signal)),
		},
	}
}

// hostAllowed reports whether any allowlist pattern matches the host.
func hostAllowed(allowed []HostPattern, host, port string) bool {
	for i := range allowed {
		if allowed[i].MatchesHost(host, port) {
			return true
		}
	}
	return false
}

// isInteractive reports whether a tool interacts with the current page
// without naming a URL, and therefore inherits the page origin.
func isInteractive(kind toolKind) bool {
	switch kind {
	case kindClick, kindType, kindDialog:
		return true
	default:
		return false
	}
}

// extractTarget resolves the effective destination of a request. The
// second return is true when a navigate carries a missing or non-http(s)
// URL, which is an immediate deny.
func extractTarget(kind toolKind, req Request) (target, bool) {
	rawURL := stringArg(req.Args, "url")

	if rawURL != "" {
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
			return target{}, kind == kindNavigate
		}
		origin := u.Scheme + "://" + u.Host
		return target{host: strings.ToLower(u.Hostname()), port: u.Port(), origin: strings.ToLower(origin)}, false
	}

	if kind == kindNavigate {
		return target{}, true
	}

	if isInteractive(kind) && req.CurrentOrigin != "" {
		u, err := url.Parse(req.CurrentOrigin)
		if err != nil || u.Hostname() == "" {
			return target{}, false
		}
		return target{
			host:         strings.ToLower(u.Hostname()),
			port:         u.Port(),
			origin:       strings.ToLower(req.CurrentOrigin),
			fromFallback: true,
		}, false
	}

	return target{}, false
}

// classify produces the static risk grade for a tool call.
func classify(kind toolKind, req Request, sensitive map[string]bool) classification {
	tool := normalizeTool(req.Tool)

	switch kind {
	case kindObserve:
		return classification{risk: RiskLow, key: "observe", observeOnly: true}

	case kindOpen:
		if strings.EqualFold(stringArg(req.Args, "mode"), "attach") {
			return classification{risk: RiskMedium, key: "browser_open", signals: []string{"mode:attach"}}
		}
		return classification{risk: RiskLow, key: "browser_open"}

	case kindNavigate:
		if cls, ok := sensitiveURL(req, sensitive); ok {
			return cls
		}
		return classification{risk: RiskMedium, key: "navigate"}

	case kindClick, kindType, kindSelect, kindPress, kindKeyboard:
		if kind == kindType && boolArg(req.Args, "submit") {
			return classification{risk: RiskHigh, key: ActionPost, signals: []string{"arg:submit"}}
		}
		if cls, ok := sensitiveArgs(req, sensitive); ok {
			return cls
		}
		return classification{risk: RiskMedium, key: tool}

	case kindDialog:
		if !boolArg(req.Args, "accept") {
			return classification{risk: RiskLow, key: "confirm"}
		}
		if cls, ok := sensitiveArgs(req, sensitive); ok {
			return cls
		}
		return classification{risk: RiskMedium, key: "confirm"}

	case kindEvaluate:
		return classification{risk: RiskHigh, key: "js-execution", signals: []string{"capability:js-execution"}}

	case kindUpload:
		return classification{risk: RiskHigh, key: "filesystem", signals: []string{"capability:filesystem"}}

	case kindDrag, kindHistory, kindTab:
		return classification{risk: RiskMedium, key: tool}

	default:
		return classification{risk: RiskMedium, key: tool}
	}
}

// sensitiveURL grades a navigate whose URL path, query, or fragment hits
// a configured sensitive keyword.
func sensitiveURL(req Request, sensitive map[string]bool) (classification, bool) {
	rawURL := stringArg(req.Args, "url")
	u, err := url.Parse(rawURL)
	if err != nil {
		return classification{}, false
	}

	probe := u.Path + "?" + u.RawQuery + "#" + u.Fragment
	matches := matchKeywords(probe, sensitive)
	if len(matches) == 0 {
		return classification{}, false
	}

	signals := []string{"url:sensitive-path"}
	for _, m := range matches {
		signals = append(signals, "keyword:"+m.keyword)
	}
	return classification{risk: RiskHigh, key: matches[0].actionKey, signals: signals}, true
}

// sensitiveArgs grades an interactive tool whose text-bearing arguments
// hit a configured sensitive keyword.
func sensitiveArgs(req Request, sensitive map[string]bool) (classification, bool) {
	var signals []string
	key := ""
	for _, argName := range textArgKeys {
		v := stringArg(req.Args, argName)
		if v == "" {
			continue
		}
		matches := matchKeywords(v, sensitive)
		if len(matches) == 0 {
			continue
		}
		signals = append(signals, "arg:"+argName)
		for _, m := range matches {
			signals = append(signals, "keyword:"+m.keyword)
			if key == "" {
				key = m.actionKey
			}
		}
	}
	if key == "" {
		return classification{}, false
	}
	return classification{risk: RiskHigh, key: key, signals: signals}, true
}

// stringArg reads a string argument, tolerating absent maps.
func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// boolArg reads a boolean argument, tolerating absent maps.
func boolArg(args map[string]any, key string) bool {
	if args == nil {
		return false
	}
	v, _ := args[key].(bool)
	return v
}
