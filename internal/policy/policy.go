// Package policy implements the permission decision engine: a pure,
// layered, glob-aware resolution function over a user-supplied rule map,
// plus the helper that appends a "remember" rule to a policy value.
//
// Grounded on the teacher's internal/permission/wildcard.go (most-specific-
// pattern-wins layering) and internal/permission/checker.go (the approve-a-
// pattern shape), generalized from bash-argv patterns to glob.Compile
// patterns over spec.md's generic key -> pattern -> decision map.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/gobwas/glob"

	"github.com/blah-code/blah-code/pkg/types"
)

// ErrInvalidPolicy is returned when a user-supplied policy cannot be
// normalized: a leaf that isn't one of allow|deny|ask, or a malformed glob
// pattern.
var ErrInvalidPolicy = errors.New("policy: invalid policy")

// Policy is a mapping from key to either a scalar Decision or a nested
// mapping from pattern to Decision. Keys are typically "*", one of the
// four operation names, or "tool.<name>".
type Policy map[string]any

// Clone returns a deep-enough copy of p safe to mutate independently (the
// per-run "working policy" amended by remember rules must not alias the
// daemon's policy value).
func (p Policy) Clone() Policy {
	out := make(Policy, len(p))
	for k, v := range p {
		if m, ok := v.(map[string]any); ok {
			mc := make(map[string]any, len(m))
			for pk, pv := range m {
				mc[pk] = pv
			}
			out[k] = mc
		} else {
			out[k] = v
		}
	}
	return out
}

// defaultRules is merged under a user-supplied policy during Normalize.
var defaultRules = map[string]any{
	"*":       string(types.DecisionAsk),
	"read":    string(types.DecisionAllow),
	"write":   string(types.DecisionAsk),
	"exec":    string(types.DecisionAsk),
	"network": string(types.DecisionAsk),
}

// Normalize validates a user-supplied policy and merges the built-in
// defaults (§4.1) under it without overriding any key the user set.
// Normalize fails fast with ErrInvalidPolicy before any evaluation happens.
func Normalize(p Policy) (Policy, error) {
	if p == nil {
		p = Policy{}
	}
	out := p.Clone()
	for k, v := range defaultRules {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	if err := validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

func validate(p Policy) error {
	for key, v := range p {
		switch val := v.(type) {
		case string:
			if !isDecision(val) {
				return fmt.Errorf("%w: key %q has invalid scalar decision %q", ErrInvalidPolicy, key, val)
			}
		case map[string]any:
			for pattern, leaf := range val {
				s, ok := leaf.(string)
				if !ok || !isDecision(s) {
					return fmt.Errorf("%w: key %q pattern %q has invalid decision", ErrInvalidPolicy, key, pattern)
				}
				if _, err := glob.Compile(pattern); err != nil {
					return fmt.Errorf("%w: key %q pattern %q: %v", ErrInvalidPolicy, key, pattern, err)
				}
			}
		default:
			return fmt.Errorf("%w: key %q has an unsupported leaf type", ErrInvalidPolicy, key)
		}
	}
	return nil
}

func isDecision(s string) bool {
	switch types.Decision(s) {
	case types.DecisionAllow, types.DecisionDeny, types.DecisionAsk:
		return true
	}
	return false
}

// ParseJSON unmarshals a JSON policy document and normalizes it.
func ParseJSON(data []byte) (Policy, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return Normalize(Policy(raw))
}

// Evaluate resolves a decision for the given operation, optional subject
// (e.g. "tool.exec"), and target string (e.g. a command or file path), by
// walking the three layers described in spec.md §4.1:
//
//  1. policy["*"] if scalar, else default "ask".
//  2. policy[op]: its own "*" entry, then any pattern matching target.
//  3. if subject != "", policy[subject] likewise.
//
// Later, more specific matches always override earlier ones.
func Evaluate(p Policy, op types.PermissionOp, subject string, target string) types.Decision {
	decision := types.DecisionAsk
	if v, ok := p["*"]; ok {
		if s, ok := v.(string); ok && isDecision(s) {
			decision = types.Decision(s)
		}
	}

	decision = applyLayer(p, string(op), target, decision)

	if subject != "" {
		decision = applyLayer(p, subject, target, decision)
	}

	return decision
}

// applyLayer resolves policy[key] against target, returning the decision
// that layer implies, or carrying forward `base` if the key is absent.
func applyLayer(p Policy, key string, target string, base types.Decision) types.Decision {
	v, ok := p[key]
	if !ok {
		return base
	}

	switch val := v.(type) {
	case string:
		if isDecision(val) {
			return types.Decision(val)
		}
		return base
	case map[string]any:
		decision := base
		if s, ok := val["*"].(string); ok && isDecision(s) {
			decision = types.Decision(s)
		}
		for _, pattern := range sortedPatterns(val) {
			leaf, _ := val[pattern].(string)
			if !isDecision(leaf) {
				continue
			}
			if pattern == "*" {
				continue // already applied above
			}
			if matchesPattern(pattern, target) {
				decision = types.Decision(leaf)
			}
		}
		return decision
	default:
		return base
	}
}

// sortedPatterns returns a map's pattern keys in a deterministic order so
// that, per spec.md §9, "later specific matches override earlier ones" is
// reproducible across platforms regardless of Go's randomized map order.
func sortedPatterns(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func matchesPattern(pattern, target string) bool {
	if pattern == target {
		return true
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return false
	}
	return g.Match(target)
}

// AppendRule returns a new policy with pattern=decision set at policy[key],
// converting an absent key to a fresh map, or a scalar key to a map seeded
// with its old value under "*". AppendRule is a pure update: p is never
// mutated.
func AppendRule(p Policy, key, pattern string, decision types.Decision) Policy {
	out := p.Clone()

	existing, ok := out[key]
	if !ok {
		out[key] = map[string]any{pattern: string(decision)}
		return out
	}

	switch val := existing.(type) {
	case string:
		out[key] = map[string]any{
			"*":     val,
			pattern: string(decision),
		}
	case map[string]any:
		m := make(map[string]any, len(val)+1)
		for k, v := range val {
			m[k] = v
		}
		m[pattern] = string(decision)
		out[key] = m
	default:
		out[key] = map[string]any{pattern: string(decision)}
	}

	return out
}
