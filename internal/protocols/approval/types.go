// Package approval implements the human-in-the-loop approval protocol:
// the reference stateful policy protocol, with optional store-and-forward
// replay of the originally-blocked request.
package approval

import (
	"context"
	"errors"
	"time"
)

// Status is the primary approval state.
type Status string

const (
	// StatusPending awaits an explicit decision or timeout.
	StatusPending Status = "pending"
	// StatusApproved is terminal; surfaced to the caller exactly once.
	StatusApproved Status = "approved"
	// StatusDenied is terminal; surfaced to the caller exactly once.
	StatusDenied Status = "denied"
)

// ForwardState is the orthogonal store-and-forward sub-state.
type ForwardState string

const (
	// ForwardNone means no replay is involved.
	ForwardNone ForwardState = ""
	// ForwardQueued means the approved request awaits replay.
	ForwardQueued ForwardState = "queued"
	// ForwardReplayed means the replay ran; Record.ReplayOutcome holds the result.
	ForwardReplayed ForwardState = "replayed"
)

// Record is one approval workflow instance, keyed logically by
// (caller, tool, digest). The original request payload is stored only
// for replay and only while pending/queued.
type Record struct {
	ID        string `json:"id"`
	Caller    string `json:"caller"`
	Tool      string `json:"tool"`
	SessionID string `json:"session_id"`
	// Digest is the content digest of the call arguments.
	Digest string `json:"digest"`
	Status Status `json:"status"`
	// Consumed is set once the terminal decision has been surfaced to the
	// caller; a consumed record never satisfies a later evaluate().
	Consumed bool         `json:"consumed"`
	Forward  ForwardState `json:"forward,omitempty"`
	// Payload is the original request arguments, kept only for replay.
	// Cleared when the record reaches a terminal state without forwarding,
	// or after the replay has run.
	Payload map[string]interface{} `json:"payload,omitempty"`
	// Reason explains a denial (explicit or timeout).
	Reason string `json:"reason,omitempty"`
	// ReplayOutcome records the downstream result of a replayed request.
	ReplayOutcome string    `json:"replay_outcome,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	DecidedAt     time.Time `json:"decided_at,omitzero"`
	// Deadline is when a pending record auto-transitions to denied.
	Deadline time.Time `json:"deadline"`
}

// Expired reports whether a pending record has passed its deadline.
func (r *Record) Expired(now time.Time) bool {
	return r.Status == StatusPending && now.After(r.Deadline)
}

// ErrNotFound marks a missing approval record.
var ErrNotFound = errors.New("approval record not found")

// Store persists approval records. Implementations must be safe for
// concurrent use; the Service serializes mutations per digest key above
// this interface.
type Store interface {
	// Create inserts a new record.
	Create(ctx context.Context, rec *Record) error
	// GetActive returns the non-consumed record for (caller, tool, digest),
	// or ErrNotFound.
	GetActive(ctx context.Context, caller, tool, digest string) (*Record, error)
	// GetByID returns a record by id, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Record, error)
	// Update rewrites an existing record.
	Update(ctx context.Context, rec *Record) error
	// ListPending returns all pending records, oldest first.
	ListPending(ctx context.Context) ([]*Record, error)
}

// Forwarder replays an originally-blocked request to its downstream
// target once approved. Implementations live at the gateway boundary.
type Forwarder interface {
	// Forward replays the stored request and returns a short outcome
	// description for retrieval.
	Forward(ctx context.Context, rec *Record) (string, error)
}
