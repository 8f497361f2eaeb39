// Package rule contains domain types for policy rule matching.
package rule

import (
	"github.com/toolwarden/toolwarden/internal/domain/classify"
)

// Action is the result selected by a matching policy rule.
type Action string

const (
	// ActionAllow permits the call immediately (layer 1).
	ActionAllow Action = "allow"
	// ActionDeny blocks the call immediately (layer 1).
	ActionDeny Action = "deny"
	// ActionDelegate hands the call to contextual route evaluation (layer 2).
	ActionDelegate Action = "delegate"
)

// CombineMode selects how a rule's sub-conditions are combined.
type CombineMode string

const (
	// CombineAll requires every specified sub-condition to hold.
	// Unspecified sub-conditions are vacuously true.
	CombineAll CombineMode = "all"
	// CombineAny requires at least one specified sub-condition to hold.
	CombineAny CombineMode = "any"
)

// Condition is a predicate over classification output. Zero-valued fields
// are unspecified. A fully empty condition matches everything and marks
// the rule set's fallback rule.
type Condition struct {
	// Verb matches the resolved operation verb exactly.
	Verb string `json:"verb,omitempty"`
	// Labels each require membership in the call's label set.
	Labels []string `json:"labels,omitempty"`
	// Annotations each require the named annotation to have the given value.
	// Keys: read_only, destructive, open_world, idempotent.
	Annotations map[string]bool `json:"annotations,omitempty"`
}

// Empty reports whether the condition specifies nothing.
func (c Condition) Empty() bool {
	return c.Verb == "" && len(c.Labels) == 0 && len(c.Annotations) == 0
}

// Rule is one ordered policy rule. Rules are evaluated in ascending
// Priority; declaration order breaks ties.
type Rule struct {
	// ID is the unique identifier for this rule.
	ID string `json:"id"`
	// Name is a human-readable name, surfaced as the deny reason.
	Name string `json:"name"`
	// Priority orders evaluation (lower evaluates first).
	Priority int `json:"priority"`
	// When is the structured condition set.
	When Condition `json:"when"`
	// Combine selects all/any combination. Defaults to all.
	Combine CombineMode `json:"combine,omitempty"`
	// Expr is an optional CEL expression over {verb, labels, annotations},
	// compiled at bundle load. Empty means vacuously true.
	Expr string `json:"expr,omitempty"`
	// Action is the result when this rule matches.
	Action Action `json:"action"`
}

// MatchesCondition evaluates the structured condition set under the
// rule's combination mode against classification output.
func (r Rule) MatchesCondition(res classify.Result) bool {
	mode := r.Combine
	if mode == "" {
		mode = CombineAll
	}

	if r.When.Empty() {
		// The fallback rule: matches everything.
		return true
	}

	checks := conditionChecks(r.When, res)
	if mode == CombineAny {
		for _, ok := range checks {
			if ok {
				return true
			}
		}
		return false
	}
	for _, ok := range checks {
		if !ok {
			return false
		}
	}
	return true
}

// conditionChecks evaluates each specified sub-condition independently.
func conditionChecks(c Condition, res classify.Result) []bool {
	var checks []bool
	if c.Verb != "" {
		checks = append(checks, c.Verb == res.Verb)
	}
	for _, l := range c.Labels {
		checks = append(checks, res.Labels.Has(l))
	}
	for name, want := range c.Annotations {
		got, known := res.Annotations.Get(name)
		checks = append(checks, known && got == want)
	}
	return checks
}
