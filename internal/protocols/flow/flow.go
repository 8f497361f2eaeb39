// Package flow implements the flow stateful policy protocol: per-session
// call history with forbidden (earlier source tool) -> (later target
// tool) sequence rules.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/toolwarden/toolwarden/internal/domain/protocol"
)

// Rule forbids calling Target after Source within one session.
type Rule struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// HistoryEntry is one recorded call in a session's history.
type HistoryEntry struct {
	Tool   string    `json:"tool"`
	Verb   string    `json:"verb"`
	Labels []string  `json:"labels,omitempty"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
}

// Service implements protocol.Evaluator over per-session call history.
// History is append-only from the decision path; it is cleared only by
// ClearSession (administrative action or session termination).
type Service struct {
	rules  []Rule
	logger *slog.Logger

	mu      sync.Mutex
	history map[string][]HistoryEntry
	now     func() time.Time
}

// NewService creates a flow evaluator with the given sequence rules.
func NewService(rules []Rule, logger *slog.Logger) *Service {
	return &Service{
		rules:   rules,
		logger:  logger,
		history: make(map[string][]HistoryEntry),
		now:     time.Now,
	}
}

// Evaluate denies when the session's history contains a forbidden
// predecessor for the requested tool, and otherwise records the call.
// The history append is protocol-owned state: it stands even when a
// composite route group later denies the overall call.
func (s *Service) Evaluate(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.history[req.SessionID]
	for _, r := range s.rules {
		if r.Target != req.Tool {
			continue
		}
		for _, e := range entries {
			if e.Tool == r.Source {
				s.logger.Info("forbidden call sequence",
					"session_id", req.SessionID,
					"source", r.Source,
					"target", r.Target,
				)
				return protocol.Deny(fmt.Sprintf("forbidden sequence: %s after %s in the same session", r.Target, r.Source)), nil
			}
		}
	}

	s.history[req.SessionID] = append(entries, HistoryEntry{
		Tool:   req.Tool,
		Verb:   req.Verb,
		Labels: req.Labels,
		Actor:  req.Caller,
		At:     s.now().UTC(),
	})
	return protocol.Allow(), nil
}

// History returns a copy of one session's recorded calls, oldest first.
func (s *Service) History(sessionID string) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.history[sessionID]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

// ClearSession discards one session's history. Administrative action or
// session termination only.
func (s *Service) ClearSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, sessionID)
}

// Compile-time interface verification.
var _ protocol.Evaluator = (*Service)(nil)
