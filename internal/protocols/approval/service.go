package approval

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolwarden/toolwarden/internal/domain/protocol"
)

const (
	// DefaultTimeout is the default pending-approval deadline.
	DefaultTimeout = 5 * time.Minute
	// DefaultSweepInterval is how often expired pendings are denied.
	DefaultSweepInterval = 30 * time.Second
	// replayQueueSize bounds the store-and-forward queue.
	replayQueueSize = 64
	// keyLockStripes sizes the fixed lock set serializing evaluate()
	// per (caller, tool, digest) key.
	keyLockStripes = 64
)

// Service implements protocol.Evaluator for human-in-the-loop approval.
//
// State machine per (caller, tool, digest):
//
//	evaluate() on a new digest        -> create pending, return pending:<id>
//	evaluate() while pending          -> same pending:<id> (idempotent)
//	explicit approve/deny             -> terminal state
//	evaluate() after terminal state   -> terminal decision, exactly once;
//	                                     the record is then consumed and a
//	                                     further evaluate() starts a fresh cycle
//	deadline passes                   -> pending auto-denies
//
// When a Forwarder is configured, approval additionally queues the stored
// original request for background replay (store-and-forward).
type Service struct {
	store     Store
	forwarder Forwarder
	timeout   time.Duration
	sweep     time.Duration
	logger    *slog.Logger

	// keyLocks serializes evaluate() per digest key: one logical
	// mutation per distinct (caller, tool, digest). Keys hash onto a
	// fixed stripe, so memory stays bounded no matter how many digests
	// the process sees.
	keyLocks [keyLockStripes]sync.Mutex

	replayCh chan string
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// Option configures the Service.
type Option func(*Service)

// WithTimeout sets the pending-approval deadline.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithForwarder enables store-and-forward replay through f.
func WithForwarder(f Forwarder) Option {
	return func(s *Service) { s.forwarder = f }
}

// WithSweepInterval sets how often expired pendings are auto-denied.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sweep = d
		}
	}
}

// NewService creates an approval Service backed by the given store.
func NewService(store Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		timeout:  DefaultTimeout,
		sweep:    DefaultSweepInterval,
		logger:   logger,
		replayCh: make(chan string, replayQueueSize),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the timeout sweeper and, when forwarding is enabled,
// the replay worker. Both stop when ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.sweeper(ctx)
	if s.forwarder != nil {
		s.wg.Add(1)
		go s.replayWorker(ctx)
	}
}

// Stop terminates the background workers and waits for them.
// Safe to call multiple times.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

// keyLock returns the stripe mutex serializing one (caller, tool,
// digest) key. Distinct keys may share a stripe; the same key always
// maps to the same one.
func (s *Service) keyLock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.keyLocks[h.Sum32()%keyLockStripes]
}

// Evaluate implements protocol.Evaluator.
// Persistence failures surface as deny (fail closed), never as an error.
func (s *Service) Evaluate(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	return s.EvaluateWithPayload(ctx, req, nil)
}

// EvaluateWithPayload is Evaluate plus the deliberate side channel for
// the replay payload. The payload never crosses the evaluate() contract
// itself; gateway integrations that want store-and-forward pass the
// original arguments here, and they are stored only while pending/queued.
func (s *Service) EvaluateWithPayload(ctx context.Context, req protocol.Request, payload map[string]interface{}) (protocol.Response, error) {
	key := req.Caller + "\x00" + req.Tool + "\x00" + req.Digest
	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	now := time.Now().UTC()

	rec, err := s.store.GetActive(ctx, req.Caller, req.Tool, req.Digest)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Error("approval store lookup failed", "tool", req.Tool, "error", err)
		return protocol.Deny("approval store unavailable"), nil
	}

	if errors.Is(err, ErrNotFound) {
		return s.createPending(ctx, req, payload, now)
	}

	if rec.Expired(now) {
		rec.Status = StatusDenied
		rec.Reason = "approval timed out"
		rec.DecidedAt = now
		rec.Payload = nil
	}

	switch rec.Status {
	case StatusPending:
		// Refresh the stored payload if it arrived late.
		if rec.Payload == nil && payload != nil && s.forwarder != nil {
			rec.Payload = payload
			if err := s.store.Update(ctx, rec); err != nil {
				s.logger.Warn("failed to stash replay payload", "approval_id", rec.ID, "error", err)
			}
		}
		return protocol.Pending(rec.ID), nil

	case StatusApproved:
		// Surface the terminal decision exactly once, then consume.
		rec.Consumed = true
		if rec.Forward == ForwardNone {
			rec.Payload = nil
		}
		if err := s.store.Update(ctx, rec); err != nil {
			s.logger.Error("failed to consume approval", "approval_id", rec.ID, "error", err)
			return protocol.Deny("approval store unavailable"), nil
		}
		return protocol.Allow(), nil

	default: // StatusDenied
		rec.Consumed = true
		rec.Payload = nil
		if err := s.store.Update(ctx, rec); err != nil {
			s.logger.Error("failed to consume approval", "approval_id", rec.ID, "error", err)
		}
		reason := rec.Reason
		if reason == "" {
			reason = "approval denied"
		}
		return protocol.Deny(reason), nil
	}
}

// createPending inserts a fresh pending record for the digest.
func (s *Service) createPending(ctx context.Context, req protocol.Request, payload map[string]interface{}, now time.Time) (protocol.Response, error) {
	rec := &Record{
		ID:        uuid.New().String(),
		Caller:    req.Caller,
		Tool:      req.Tool,
		SessionID: req.SessionID,
		Digest:    req.Digest,
		Status:    StatusPending,
		CreatedAt: now,
		Deadline:  now.Add(s.timeout),
	}
	if s.forwarder != nil {
		rec.Payload = payload
	}
	if err := s.store.Create(ctx, rec); err != nil {
		s.logger.Error("failed to create approval", "tool", req.Tool, "error", err)
		return protocol.Deny("approval store unavailable"), nil
	}

	s.logger.Info("approval requested",
		"approval_id", rec.ID,
		"tool", req.Tool,
		"caller", req.Caller,
		"deadline", rec.Deadline,
	)
	return protocol.Pending(rec.ID), nil
}

// Approve transitions a pending record to approved. When forwarding is
// enabled the record is queued for background replay.
func (s *Service) Approve(ctx context.Context, id string) error {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != StatusPending {
		return fmt.Errorf("approval %s is already %s", id, rec.Status)
	}

	rec.Status = StatusApproved
	rec.DecidedAt = time.Now().UTC()
	if s.forwarder != nil && rec.Payload != nil {
		rec.Forward = ForwardQueued
	}
	if err := s.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("update approval %s: %w", id, err)
	}

	if rec.Forward == ForwardQueued {
		select {
		case s.replayCh <- rec.ID:
		default:
			s.logger.Warn("replay queue full, replay deferred to next approve", "approval_id", rec.ID)
		}
	}

	s.logger.Info("approval granted", "approval_id", id, "tool", rec.Tool, "forward", rec.Forward)
	return nil
}

// Deny transitions a pending record to denied with the given reason.
func (s *Service) Deny(ctx context.Context, id, reason string) error {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != StatusPending {
		return fmt.Errorf("approval %s is already %s", id, rec.Status)
	}

	rec.Status = StatusDenied
	rec.Reason = reason
	rec.DecidedAt = time.Now().UTC()
	rec.Payload = nil
	if err := s.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("update approval %s: %w", id, err)
	}

	s.logger.Info("approval denied", "approval_id", id, "tool", rec.Tool, "reason", reason)
	return nil
}

// ListPending returns all pending approvals, oldest first.
func (s *Service) ListPending(ctx context.Context) ([]*Record, error) {
	return s.store.ListPending(ctx)
}

// Get returns one approval record by id.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.GetByID(ctx, id)
}

// sweeper auto-denies pending records past their deadline.
func (s *Service) sweeper(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.sweepExpired(ctx)
		}
	}
}

// sweepExpired transitions every expired pending record to denied.
func (s *Service) sweepExpired(ctx context.Context) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		s.logger.Warn("approval sweep failed", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, rec := range pending {
		if !rec.Expired(now) {
			continue
		}
		rec.Status = StatusDenied
		rec.Reason = "approval timed out"
		rec.DecidedAt = now
		rec.Payload = nil
		if err := s.store.Update(ctx, rec); err != nil {
			s.logger.Warn("failed to expire approval", "approval_id", rec.ID, "error", err)
			continue
		}
		s.logger.Info("approval timed out", "approval_id", rec.ID, "tool", rec.Tool)
	}
}

// replayWorker replays approved-and-queued requests to the downstream
// target and records the outcome for retrieval.
func (s *Service) replayWorker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case id := <-s.replayCh:
			s.replay(ctx, id)
		}
	}
}

// replay runs one store-and-forward replay.
func (s *Service) replay(ctx context.Context, id string) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		s.logger.Warn("replay lookup failed", "approval_id", id, "error", err)
		return
	}
	if rec.Forward != ForwardQueued {
		return
	}

	outcome, err := s.forwarder.Forward(ctx, rec)
	if err != nil {
		outcome = fmt.Sprintf("replay failed: %v", err)
		s.logger.Error("replay failed", "approval_id", id, "tool", rec.Tool, "error", err)
	} else {
		s.logger.Info("replay completed", "approval_id", id, "tool", rec.Tool)
	}

	rec.Forward = ForwardReplayed
	rec.ReplayOutcome = outcome
	rec.Payload = nil
	if err := s.store.Update(ctx, rec); err != nil {
		s.logger.Warn("failed to record replay outcome", "approval_id", id, "error", err)
	}
}

// Compile-time interface verification.
var _ protocol.Evaluator = (*Service)(nil)
