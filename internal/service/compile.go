// Package service contains application services.
package service

import (
	"fmt"
	"sort"

	celgo "github.com/google/cel-go/cel"

	celeval "github.com/toolwarden/toolwarden/internal/adapter/outbound/cel"
	"github.com/toolwarden/toolwarden/internal/domain/bundle"
	"github.com/toolwarden/toolwarden/internal/domain/classify"
	"github.com/toolwarden/toolwarden/internal/domain/route"
	"github.com/toolwarden/toolwarden/internal/domain/rule"
)

// CompiledRule is a policy rule with its optional expression pre-compiled.
type CompiledRule struct {
	Rule    rule.Rule
	Program celgo.Program // nil when the rule has no expression
}

// CompiledBundle is the immutable, decision-ready form of a bundle:
// rules sorted and compiled, classification and routing data ready for
// lock-free concurrent reads. Stored behind an atomic pointer so readers
// always see one complete snapshot, old or new, never a hybrid.
type CompiledBundle struct {
	Revision string
	Ruleset  classify.Ruleset
	Rules    []CompiledRule
	Routes   route.Table
	Grants   map[string][]string
	Meta     bundle.Meta
}

// CompileBundle validates a bundle and prepares it for evaluation.
// Rules are sorted by ascending priority, ties broken by declaration
// order (stable sort).
func CompileBundle(b *bundle.Bundle, evaluator *celeval.Evaluator) (*CompiledBundle, error) {
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bundle: %w", err)
	}

	compiled := make([]CompiledRule, 0, len(b.Rules))
	for _, r := range b.Rules {
		cr := CompiledRule{Rule: r}
		if r.Expr != "" {
			prg, err := evaluator.Compile(r.Expr)
			if err != nil {
				return nil, fmt.Errorf("compile rule %s: %w", r.ID, err)
			}
			cr.Program = prg
		}
		compiled = append(compiled, cr)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Rule.Priority < compiled[j].Rule.Priority
	})

	return &CompiledBundle{
		Revision: b.Meta.Revision,
		Ruleset:  b.Classification(),
		Rules:    compiled,
		Routes:   b.Routes,
		Grants:   b.Grants,
		Meta:     b.Meta,
	}, nil
}
