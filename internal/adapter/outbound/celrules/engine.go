// Package celrules compiles operator-supplied CEL expressions into
// custom policy rules evaluated after the static engine. Rules can only
// tighten a decision: a matching deny rule denies, a matching gate rule
// turns an allow into a gate. Nothing here can loosen a static deny.
package celrules

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/opta-dev/opta-browser/internal/domain/policy"
)

// maxExpressionLength bounds rule expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit per evaluation.
const maxCostBudget = 100_000

// maxNestingDepth bounds parenthesis/bracket nesting.
const maxNestingDepth = 50

// evalTimeout bounds a single rule evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Effect is what a matching rule does to the decision.
type Effect string

const (
	// EffectDeny blocks the call outright.
	EffectDeny Effect = "deny"
	// EffectGate requires approval for an otherwise-allowed call.
	EffectGate Effect = "gate"
)

// Rule is one operator-supplied custom rule.
type Rule struct {
	// Name identifies the rule in decisions and logs.
	Name string `mapstructure:"name" yaml:"name"`
	// When is the CEL expression; a true result fires the rule.
	When string `mapstructure:"when" yaml:"when"`
	// Effect is deny or gate.
	Effect Effect `mapstructure:"effect" yaml:"effect"`
}

type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// Engine holds the compiled rule set. Rules are compiled once at
// construction; evaluation is read-only and safe for concurrent use.
type Engine struct {
	env   *cel.Env
	rules []compiledRule
}

// NewEngine compiles the rule set. Any invalid rule fails construction
// so misconfigured policies are caught at startup, not per call.
func NewEngine(rules []Rule) (*Engine, error) {
	env, err := newRuleEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create rule environment: %w", err)
	}
	e := &Engine{env: env}
	for _, r := range rules {
		if r.Name == "" {
			return nil, errors.New("rule missing name")
		}
		if r.Effect != EffectDeny && r.Effect != EffectGate {
			return nil, fmt.Errorf("rule %s: unknown effect %q", r.Name, r.Effect)
		}
		if err := validateExpression(r.When); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		prg, err := e.compile(r.When)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		e.rules = append(e.rules, compiledRule{rule: r, prg: prg})
	}
	return e, nil
}

// Len returns the number of compiled rules.
func (e *Engine) Len() int { return len(e.rules) }

// Decide evaluates the rules in order against a request and the static
// decision. The first matching rule wins; deny beats gate only through
// rule ordering. A rule that errors is skipped: a broken rule must not
// block or unblock traffic on its own.
func (e *Engine) Decide(req policy.Request, dec policy.Decision) (Effect, string, bool) {
	if len(e.rules) == 0 {
		return "", "", false
	}
	activation := buildActivation(req, dec)
	for _, cr := range e.rules {
		matched, err := e.eval(cr.prg, activation)
		if err != nil {
			continue
		}
		if matched {
			return cr.rule.Effect, cr.rule.Name, true
		}
	}
	return "", "", false
}

func (e *Engine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

func (e *Engine) eval(prg cel.Program, activation map[string]any) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return b, nil
}

// validateExpression enforces the length and nesting limits before
// compilation.
func validateExpression(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// newRuleEnvironment declares the variables and functions rule authors
// can use:
//   - tool, args, session_id: the raw tool call
//   - url, host, origin: the effective target from the static decision
//   - risk, action_key: the static classification
//   - glob(pattern, value), host_matches(host, pattern),
//     arg(args, key), arg_contains(args, substr)
func newRuleEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("tool", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("url", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("origin", cel.StringType),
		cel.Variable("risk", cel.StringType),
		cel.Variable("action_key", cel.StringType),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, value ref.Val) ref.Val {
					p := pattern.Value().(string)
					v := value.Value().(string)
					matched, _ := filepath.Match(p, v)
					return types.Bool(matched)
				}),
			),
		),

		// host_matches: glob match against a hostname.
		// Usage: host_matches(host, "*.internal.example")
		cel.Function("host_matches",
			cel.Overload("host_matches_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(hostVal, patternVal ref.Val) ref.Val {
					host := hostVal.Value().(string)
					pattern := patternVal.Value().(string)
					matched, _ := filepath.Match(pattern, host)
					return types.Bool(matched)
				}),
			),
		),

		// arg: extract an argument by key, null when absent.
		// Usage: arg(args, "selector")
		cel.Function("arg",
			cel.Overload("arg_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(func(mapVal, keyVal ref.Val) ref.Val {
					key := keyVal.Value().(string)
					if m, ok := mapVal.Value().(map[ref.Val]ref.Val); ok {
						if v, found := m[types.String(key)]; found {
							return v
						}
						return types.NullValue
					}
					if goMap, ok := mapVal.Value().(map[string]any); ok {
						if v, found := goMap[key]; found {
							return types.DefaultTypeAdapter.NativeToValue(v)
						}
					}
					return types.NullValue
				}),
			),
		),

		// arg_contains: true when any string argument contains the
		// substring. Usage: arg_contains(args, "password")
		cel.Function("arg_contains",
			cel.Overload("arg_contains_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(mapVal, substrVal ref.Val) ref.Val {
					substr := substrVal.Value().(string)
					goVal := mapVal.Value()
					if goMap, ok := goVal.(map[string]any); ok {
						for _, v := range goMap {
							if s, ok := v.(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					if refMap, ok := goVal.(map[ref.Val]ref.Val); ok {
						for _, v := range refMap {
							if s, ok := v.Value().(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					return types.Bool(false)
				}),
			),
		),
	)
}

// buildActivation maps a request and its static decision onto the rule
// variables. The target URL comes from the args when present so rules
// see the raw value, not only the parsed host.
func buildActivation(req policy.Request, dec policy.Decision) map[string]any {
	args := req.Args
	if args == nil {
		args = map[string]any{}
	}
	rawURL := ""
	if v, ok := args["url"].(string); ok {
		rawURL = v
	}
	host := dec.TargetHost
	if host == "" && rawURL != "" {
		if u, err := url.Parse(rawURL); err == nil {
			host = strings.ToLower(u.Hostname())
		}
	}
	return map[string]any{
		"tool":       req.Tool,
		"args":       args,
		"session_id": req.SessionID,
		"url":        rawURL,
		"host":       host,
		"origin":     dec.TargetOrigin,
		"risk":       string(dec.Risk),
		"action_key": dec.ActionKey,
	}
}
