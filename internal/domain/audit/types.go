// Package audit contains domain types for decision audit records.
package audit

import (
	"context"
	"time"
)

// Source tags where a decision originated so transport failures are
// distinguishable from policy denies in the audit trail.
type Source string

const (
	// SourceRule marks a layer-1 decision from the rule matcher.
	SourceRule Source = "rule"
	// SourceProtocol marks a layer-2 decision from a stateful protocol.
	SourceProtocol Source = "protocol"
	// SourceTransport marks a fail-closed deny caused by a timeout or
	// transport failure reaching a protocol instance.
	SourceTransport Source = "transport"
)

// DecisionRecord is one append-only audit entry for a decision.
// Raw call arguments are never recorded, only the argument digest.
type DecisionRecord struct {
	// Timestamp is when the decision was made (UTC).
	Timestamp time.Time `json:"timestamp"`
	// Caller is the authenticated caller identity.
	Caller string `json:"caller"`
	// SessionID identifies the caller's session.
	SessionID string `json:"session_id"`
	// Service and Tool identify the target operation.
	Service string `json:"service"`
	Tool    string `json:"tool"`
	// Verb and Labels are the classification output in effect.
	Verb   string   `json:"verb,omitempty"`
	Labels []string `json:"labels,omitempty"`
	// Outcome is allow, deny, or pending.
	Outcome string `json:"outcome"`
	// Reason explains deny/pending outcomes.
	Reason string `json:"reason,omitempty"`
	// Source is rule, protocol, or transport.
	Source Source `json:"source"`
	// RuleID is the matched rule for layer-1 decisions and the delegating
	// rule for layer-2 decisions. RouteInstance is the protocol instance
	// that decided a delegated call, set only alongside RuleID.
	RuleID        string `json:"rule_id,omitempty"`
	RouteInstance string `json:"route_instance,omitempty"`
	// PendingID identifies a pending approval, when Outcome is pending.
	PendingID string `json:"pending_id,omitempty"`
	// Digest is the argument content digest.
	Digest string `json:"digest,omitempty"`
	// Revision is the bundle revision in effect at decision time.
	Revision string `json:"revision"`
	// LatencyMicros is the end-to-end decision latency in microseconds.
	LatencyMicros int64 `json:"latency_micros"`
}

// Store persists decision records. Implementations must tolerate bursts;
// append failures are logged by the emitter, never surfaced to decisions.
type Store interface {
	// Append writes one or more records.
	Append(ctx context.Context, records ...DecisionRecord) error
}
