package rule

import (
	"errors"
	"fmt"
)

// ErrNoFallbackRule marks a rule set without an unconditional rule.
// Such a set could leave a call with no decision and must not be published.
var ErrNoFallbackRule = errors.New("rule set has no unconditional fallback rule")

// ValidateSet checks a rule set for the structural invariants enforced at
// bundle build time: every rule has a known action, and at least one rule
// is unconditional (empty condition set, no expression) so every call
// resolves to a decision.
func ValidateSet(rules []Rule) error {
	hasFallback := false
	for i, r := range rules {
		switch r.Action {
		case ActionAllow, ActionDeny, ActionDelegate:
		default:
			return fmt.Errorf("rule %d (%s): unknown action %q", i, r.Name, r.Action)
		}
		switch r.Combine {
		case "", CombineAll, CombineAny:
		default:
			return fmt.Errorf("rule %d (%s): unknown combine mode %q", i, r.Name, r.Combine)
		}
		if r.When.Empty() && r.Expr == "" {
			hasFallback = true
		}
	}
	if !hasFallback {
		return ErrNoFallbackRule
	}
	return nil
}
