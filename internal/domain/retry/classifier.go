// Package retry classifies action failures into a retry taxonomy. The
// classification is a pure function of (code, message): identical inputs
// always produce identical classifications, so the interceptor's retry
// loop and callers can rely on it deterministically.
package retry

import "strings"

// Category is the retry taxonomy bucket for a failure.
type Category string

const (
	// CategoryPolicy covers policy denials and missing approvals.
	CategoryPolicy Category = "policy"
	// CategoryRuntimeUnavailable covers stopped/killed/disabled runtimes.
	CategoryRuntimeUnavailable Category = "runtime-unavailable"
	// CategorySessionState covers session lifecycle gates (missing, closed, caps).
	CategorySessionState Category = "session-state"
	// CategoryInvalidInput covers malformed or missing caller input.
	CategoryInvalidInput Category = "invalid-input"
	// CategorySelector covers selector resolution failures; not retryable
	// as-is, but eligible for the selector healing hook.
	CategorySelector Category = "selector"
	// CategoryTimeout covers driver timeouts.
	CategoryTimeout Category = "timeout"
	// CategoryNetwork covers connection-level failures.
	CategoryNetwork Category = "network"
	// CategoryTransient covers crashed or closed driver targets.
	CategoryTransient Category = "transient"
	// CategoryUnknown is the fallback for unrecognized failures.
	CategoryUnknown Category = "unknown"
)

// Classification is the result of classifying one failure.
type Classification struct {
	// Retryable is true when a fresh attempt may succeed.
	Retryable bool
	// Category is the taxonomy bucket.
	Category Category
	// Hint tells the caller how to proceed.
	Hint string
}

// policyCodes are error codes produced by the policy pipeline.
var policyCodes = map[string]bool{
	"POLICY_DENY":       true,
	"APPROVAL_REQUIRED": true,
}

// runtimeCodes are error codes produced when the runtime itself is gone.
var runtimeCodes = map[string]bool{
	"RUNTIME_UNAVAILABLE": true,
	"DAEMON_STOPPED":      true,
	"RUNTIME_DISABLED":    true,
	"ACTION_CANCELLED":    true,
}

// sessionCodes are error codes produced by session lifecycle gates.
var sessionCodes = map[string]bool{
	"SESSION_NOT_FOUND":    true,
	"SESSION_CLOSED":       true,
	"SESSION_EXISTS":       true,
	"SESSION_OPENING":      true,
	"MAX_SESSIONS_REACHED": true,
	"DAEMON_PAUSED":        true,
}

// invalidInputSignals indicate the caller sent malformed or missing input.
var invalidInputSignals = []string{
	"missing url",
	"invalid url",
	"missing selector",
	"missing session id",
	"missing sessionid",
	"missing text",
	"url is required",
	"selector is required",
}

// selectorSignals indicate the selector did not resolve to a usable node.
var selectorSignals = []string{
	"strict mode violation",
	"no node found",
	"not visible",
	"not attached",
	"element is not attached",
	"waiting for selector",
	"failed to find element",
}

// timeoutSignals indicate the driver gave up waiting.
var timeoutSignals = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
}

// networkSignals indicate a connection-level failure.
var networkSignals = []string{
	"net::err",
	"connection reset",
	"connection refused",
	"econnreset",
	"econnrefused",
	"dns",
	"socket hang up",
	"network is unreachable",
}

// transientSignals indicate the driver target went away mid-operation.
var transientSignals = []string{
	"target closed",
	"page crashed",
	"context closed",
	"browser has been closed",
}

// Classifier classifies failures. The zero-value table is the built-in
// taxonomy; extra message patterns may be appended per category because
// upstream driver error messages drift between releases.
type Classifier struct {
	extra map[Category][]string
}

// NewClassifier returns a classifier using the built-in taxonomy.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Extend appends additional lowercase message substrings for a category.
// Extension only affects the message-matching rules; code-based rules are
// fixed.
func (c *Classifier) Extend(category Category, patterns ...string) {
	if c.extra == nil {
		c.extra = make(map[Category][]string)
	}
	for _, p := range patterns {
		c.extra[category] = append(c.extra[category], strings.ToLower(p))
	}
}

// Classify maps an error code and message to its retry classification.
// Rules are evaluated strictly in order; the first match wins.
func (c *Classifier) Classify(code, message string) Classification {
	msg := strings.ToLower(message)

	switch {
	case policyCodes[code]:
		return Classification{false, CategoryPolicy, "resolve the policy decision before retrying"}
	case runtimeCodes[code]:
		return Classification{false, CategoryRuntimeUnavailable, "restart the browser runtime and retry"}
	case sessionCodes[code]:
		return Classification{false, CategorySessionState, "reconcile session state before retrying"}
	case c.matches(CategoryInvalidInput, invalidInputSignals, msg):
		return Classification{false, CategoryInvalidInput, "fix the action input; retrying will not help"}
	case c.matches(CategorySelector, selectorSignals, msg):
		return Classification{false, CategorySelector, "re-snapshot the page and pick a fresh selector"}
	case strings.Contains(code, "TIMEOUT") || c.matches(CategoryTimeout, timeoutSignals, msg):
		return Classification{true, CategoryTimeout, "retry with a longer timeout"}
	case c.matches(CategoryNetwork, networkSignals, msg):
		return Classification{true, CategoryNetwork, "transient network failure; retry with backoff"}
	case c.matches(CategoryTransient, transientSignals, msg):
		return Classification{true, CategoryTransient, "driver target went away; retry on a fresh page"}
	default:
		return Classification{false, CategoryUnknown, "inspect the error; automatic retry is unsafe"}
	}
}

// matches reports whether msg contains any built-in or extended pattern
// for the category.
func (c *Classifier) matches(category Category, builtin []string, msg string) bool {
	for _, p := range builtin {
		if strings.Contains(msg, p) {
			return true
		}
	}
	for _, p := range c.extra[category] {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Classify classifies with the built-in taxonomy. Most call sites do not
// need an extended classifier.
func Classify(code, message string) Classification {
	return (&Classifier{}).Classify(code, message)
}
