// Package protocol defines the uniform evaluate() contract implemented by
// every stateful policy protocol. Any component implementing Evaluator is
// pluggable via routing registration alone; neither the rule matcher nor
// the classification engine changes to add one.
package protocol

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/toolwarden/toolwarden/internal/domain/classify"
)

// Outcome is a stateful protocol's verdict on a call.
type Outcome string

const (
	// OutcomeAllow permits the call.
	OutcomeAllow Outcome = "allow"
	// OutcomeDeny blocks the call.
	OutcomeDeny Outcome = "deny"
	// OutcomePending blocks the call awaiting an external decision,
	// identified by Response.PendingID.
	OutcomePending Outcome = "pending"
)

// Request is the evaluate() input. Only classification output and the
// argument digest cross this contract; raw arguments never do.
type Request struct {
	Service     string               `json:"service"`
	Tool        string               `json:"tool"`
	Caller      string               `json:"caller"`
	SessionID   string               `json:"session_id"`
	Verb        string               `json:"verb"`
	Labels      []string             `json:"labels,omitempty"`
	Annotations classify.Annotations `json:"annotations"`
	Digest      string               `json:"digest"`
}

// Response is the evaluate() output.
type Response struct {
	Outcome Outcome `json:"outcome"`
	// Reason is a human-readable explanation for deny outcomes.
	Reason string `json:"reason,omitempty"`
	// PendingID identifies a pending approval for later resolution.
	PendingID string `json:"pending_id,omitempty"`
}

// Evaluator is the uniform stateful-protocol contract. Implementations
// own their durable state, serialize concurrent calls against the same
// digest/entity, and return OutcomeDeny rather than propagate internal
// failures (fail closed).
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (Response, error)
}

// Allow is a convenience allow response.
func Allow() Response { return Response{Outcome: OutcomeAllow} }

// Deny is a convenience deny response with a reason.
func Deny(reason string) Response { return Response{Outcome: OutcomeDeny, Reason: reason} }

// Pending is a convenience pending response with an id.
func Pending(id string) Response { return Response{Outcome: OutcomePending, PendingID: id} }

// ArgumentDigest computes the content digest of a call's argument map.
// encoding/json marshals map keys in sorted order, so the digest is
// deterministic for equal logical content.
func ArgumentDigest(args map[string]interface{}) string {
	data, err := json.Marshal(args)
	if err != nil {
		// Arguments come from decoded JSON; marshal cannot fail for them.
		// Fall back to an empty-object digest rather than erroring the call.
		data = []byte("{}")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
