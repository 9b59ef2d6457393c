package policy

import (
	"sort"
	"strings"
)

// sensitiveKeywords maps lowercase keywords to the sensitive action key
// they indicate. Matching is substring-based over URLs and text-bearing
// arguments, the same way the risk patterns grade tool names.
var sensitiveKeywords = map[string]string{
	"login":      ActionAuthSubmit,
	"log-in":     ActionAuthSubmit,
	"signin":     ActionAuthSubmit,
	"sign-in":    ActionAuthSubmit,
	"auth":       ActionAuthSubmit,
	"password":   ActionAuthSubmit,
	"credential": ActionAuthSubmit,
	"otp":        ActionAuthSubmit,
	"2fa":        ActionAuthSubmit,

	"checkout": ActionCheckout,
	"payment":  ActionCheckout,
	"billing":  ActionCheckout,
	"purchase": ActionCheckout,
	"buy-now":  ActionCheckout,
	"cart":     ActionCheckout,

	"delete":  ActionDelete,
	"remove":  ActionDelete,
	"destroy": ActionDelete,

	"post":    ActionPost,
	"publish": ActionPost,
	"submit":  ActionPost,
	"send":    ActionPost,
}

// defaultSensitiveActions is the sensitive action set used when the
// config does not name its own.
var defaultSensitiveActions = []string{
	ActionAuthSubmit, ActionPost, ActionCheckout, ActionDelete,
}

// keywordMatch is one keyword hit inside a value.
type keywordMatch struct {
	keyword   string
	actionKey string
}

// matchKeywords returns all sensitive keywords found in the value,
// restricted to the configured sensitive action keys. Results are sorted
// by keyword for determinism.
func matchKeywords(value string, sensitive map[string]bool) []keywordMatch {
	lowered := strings.ToLower(value)
	var matches []keywordMatch
	for kw, key := range sensitiveKeywords {
		if !sensitive[key] {
			continue
		}
		if strings.Contains(lowered, kw) {
			matches = append(matches, keywordMatch{keyword: kw, actionKey: key})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].keyword < matches[j].keyword })
	return matches
}

// sensitiveActionSet normalizes the configured sensitive actions into a
// lookup set, applying the default set when none are configured.
func sensitiveActionSet(configured []string) map[string]bool {
	names := configured
	if len(names) == 0 {
		names = defaultSensitiveActions
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(strings.TrimSpace(n))] = true
	}
	return set
}

// uniqueSorted deduplicates and sorts a signal list in place.
func uniqueSorted(signals []string) []string {
	if len(signals) == 0 {
		return signals
	}
	sort.Strings(signals)
	out := signals[:1]
	for _, s := range signals[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
