// Package constraint implements the constraint stateful policy protocol:
// a per-(caller, tool) occurrence counter against a configured maximum.
// It differs from rate limiting in scope: a constraint bounds how many
// times one caller may perform one specific operation, regardless of
// which service hosts it.
package constraint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/toolwarden/toolwarden/internal/domain/protocol"
)

// Config is one constraint instance's parameters.
type Config struct {
	// Tool scopes the counter together with the caller. Empty matches the
	// tool from each request, bounding every tool independently.
	Tool string `json:"tool,omitempty"`
	// Max is the maximum number of occurrences per (caller, tool).
	Max int `json:"max"`
	// PerSession scopes the counter to the caller's session instead of
	// the caller's lifetime within this process.
	PerSession bool `json:"per_session,omitempty"`
}

// Service implements protocol.Evaluator with a monotonic occurrence
// counter keyed by (caller, tool) or (caller, session, tool).
type Service struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	counts map[string]int
}

// NewService creates a constraint evaluator with the given config.
func NewService(cfg Config, logger *slog.Logger) *Service {
	if cfg.Max <= 0 {
		cfg.Max = 1
	}
	return &Service{
		cfg:    cfg,
		logger: logger,
		counts: make(map[string]int),
	}
}

func (s *Service) key(req protocol.Request) string {
	tool := s.cfg.Tool
	if tool == "" {
		tool = req.Tool
	}
	if s.cfg.PerSession {
		return req.Caller + "\x00" + req.SessionID + "\x00" + tool
	}
	return req.Caller + "\x00" + tool
}

// Evaluate increments the occurrence counter and denies once the
// maximum is exceeded. The increment is owned by this protocol and is
// not rolled back when a composite group later denies the call.
func (s *Service) Evaluate(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	key := s.key(req)

	s.mu.Lock()
	s.counts[key]++
	count := s.counts[key]
	s.mu.Unlock()

	if count > s.cfg.Max {
		s.logger.Info("constraint exceeded",
			"caller", req.Caller,
			"tool", req.Tool,
			"count", count,
			"max", s.cfg.Max,
		)
		return protocol.Deny(fmt.Sprintf("constraint exceeded: %s performed %d times (max %d)", req.Tool, count, s.cfg.Max)), nil
	}
	return protocol.Allow(), nil
}

// Reset clears all counters. Administrative action only.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[string]int)
}

// Compile-time interface verification.
var _ protocol.Evaluator = (*Service)(nil)
