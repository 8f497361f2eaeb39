// Package ratelimit implements the rate-limit stateful policy protocol:
// a per-(caller, service) occurrence counter against a configured ceiling.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/toolwarden/toolwarden/internal/domain/protocol"
)

// Window labels. A session window counts per session id; duration windows
// count within fixed time buckets.
const (
	// WindowSession scopes the counter to the caller's session.
	WindowSession = "session"
	// WindowMinute scopes the counter to one-minute buckets.
	WindowMinute = "minute"
	// WindowHour scopes the counter to one-hour buckets.
	WindowHour = "hour"
	// WindowDay scopes the counter to one-day buckets.
	WindowDay = "day"
)

// Config is one rate-limit instance's parameters.
type Config struct {
	// Service scopes the counter together with the caller.
	Service string `json:"service"`
	// Ceiling is the maximum number of calls per window.
	Ceiling int `json:"ceiling"`
	// Window is the window label (session, minute, hour, day).
	Window string `json:"window"`
}

// Service implements protocol.Evaluator with a windowed counter keyed by
// (caller, service, window bucket). No human step, no pending state.
type Service struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	counts map[string]int
	now    func() time.Time
}

// NewService creates a rate limiter with the given config.
func NewService(cfg Config, logger *slog.Logger) *Service {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 1
	}
	if cfg.Window == "" {
		cfg.Window = WindowMinute
	}
	return &Service{
		cfg:    cfg,
		logger: logger,
		counts: make(map[string]int),
		now:    time.Now,
	}
}

// bucket returns the window bucket identifier for a request.
func (s *Service) bucket(req protocol.Request) string {
	switch s.cfg.Window {
	case WindowSession:
		return "session:" + req.SessionID
	case WindowHour:
		return s.now().UTC().Format("2006-01-02T15")
	case WindowDay:
		return s.now().UTC().Format("2006-01-02")
	default:
		return s.now().UTC().Format("2006-01-02T15:04")
	}
}

// Evaluate increments the caller's counter and compares it to the
// ceiling. The increment stands even when a composite route group later
// denies the call: member state mutations are protocol-owned.
func (s *Service) Evaluate(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	key := req.Caller + "\x00" + s.cfg.Service + "\x00" + s.bucket(req)

	s.mu.Lock()
	s.counts[key]++
	count := s.counts[key]
	s.mu.Unlock()

	if count > s.cfg.Ceiling {
		s.logger.Info("rate limit exceeded",
			"caller", req.Caller,
			"service", s.cfg.Service,
			"window", s.cfg.Window,
			"count", count,
			"ceiling", s.cfg.Ceiling,
		)
		return protocol.Deny(fmt.Sprintf("rate limit exceeded: %d calls (ceiling %d per %s)", count, s.cfg.Ceiling, s.cfg.Window)), nil
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
