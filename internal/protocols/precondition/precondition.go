// Package precondition implements the precondition stateful policy
// protocol: a gate on named system-state flags maintained by an
// administrator. Evaluation is a pure lookup/compare with no per-caller
// state.
package precondition

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/toolwarden/toolwarden/internal/domain/protocol"
)

// Rule ties a (service, tool) pair to a required flag value. An empty
// Tool applies the rule to every tool routed to this instance.
type Rule struct {
	Service string `json:"service"`
	Tool    string `json:"tool,omitempty"`
	// Flag is the system-state flag name.
	Flag string `json:"flag"`
	// Want is the required flag value.
	Want string `json:"want"`
}

// Service implements protocol.Evaluator over a flag table and a rule
// list. Flags are mutated only through SetFlag/ClearFlag.
type Service struct {
	logger *slog.Logger

	mu    sync.RWMutex
	flags map[string]string
	rules []Rule
}

// NewService creates a precondition evaluator with the given rules.
func NewService(rules []Rule, logger *slog.Logger) *Service {
	return &Service{
		logger: logger,
		flags:  make(map[string]string),
		rules:  rules,
	}
}

// SetFlag sets a system-state flag. Administrative action.
func (s *Service) SetFlag(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[name] = value
	s.logger.Info("system flag set", "flag", name, "value", value)
}

// ClearFlag removes a system-state flag. Administrative action.
func (s *Service) ClearFlag(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flags, name)
	s.logger.Info("system flag cleared", "flag", name)
}

// Flags returns a copy of the current flag table.
func (s *Service) Flags() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.flags))
	for k, v := range s.flags {
		out[k] = v
	}
	return out
}

// Evaluate checks every rule applying to the request's (service, tool).
// A missing flag never equals a required value, so unset flags deny.
func (s *Service) Evaluate(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rules {
		if r.Service != req.Service {
			continue
		}
		if r.Tool != "" && r.Tool != req.Tool {
			continue
		}
		got, ok := s.flags[r.Flag]
		if !ok || got != r.Want {
			return protocol.Deny(fmt.Sprintf("precondition not met: flag %q is %q, requires %q", r.Flag, got, r.Want)), nil
		}
	}
	return protocol.Allow(), nil
}

// Compile-time interface verification.
var _ protocol.Evaluator = (*Service)(nil)
