package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	celeval "github.com/toolwarden/toolwarden/internal/adapter/outbound/cel"
	"github.com/toolwarden/toolwarden/internal/domain/audit"
	"github.com/toolwarden/toolwarden/internal/domain/classify"
	"github.com/toolwarden/toolwarden/internal/domain/protocol"
	"github.com/toolwarden/toolwarden/internal/domain/rule"
)

// tracer instruments the decision path. Without a configured provider
// the global tracer is a no-op.
var tracer = otel.Tracer("github.com/toolwarden/toolwarden/internal/service")

// Decision is the final result of one decide() call, with the metadata
// the transport layer surfaces to callers and the audit trail records.
type Decision struct {
	Outcome   protocol.Outcome `json:"outcome"`
	Reason    string           `json:"reason,omitempty"`
	PendingID string           `json:"pending_id,omitempty"`
	// RuleID identifies the matched rule for layer-1 decisions and the
	// delegating rule for layer-2 decisions.
	RuleID   string `json:"rule_id,omitempty"`
	RuleName string `json:"rule_name,omitempty"`
	// RouteInstance identifies the protocol instance that decided a
	// delegated call.
	RouteInstance string `json:"route_instance,omitempty"`
	// Revision is the bundle revision in effect at decision time.
	Revision string `json:"revision"`
}

// Auditor receives one record per decision without ever blocking or
// failing the decision path.
type Auditor interface {
	Record(rec audit.DecisionRecord)
}

// DecisionService is the decision entrypoint: classification and rule
// matching in memory (layer 1), delegation to stateful protocols through
// the Router (layer 2). The hot path reads the current compiled bundle
// through an atomic pointer; publishing a new bundle never blocks
// readers.
type DecisionService struct {
	router    *Router
	auditor   Auditor
	evaluator *celeval.Evaluator
	logger    *slog.Logger

	current atomic.Pointer[CompiledBundle]
	cache   *ResultCache
	now     func() time.Time
}

// DecisionOption configures a DecisionService.
type DecisionOption func(*DecisionService)

// WithCacheSize sets the maximum number of cached layer-1 decisions.
func WithCacheSize(size int) DecisionOption {
	return func(s *DecisionService) {
		s.cache = NewResultCache(size)
	}
}

// WithAuditor attaches the decision audit emitter.
func WithAuditor(a Auditor) DecisionOption {
	return func(s *DecisionService) { s.auditor = a }
}

// NewDecisionService creates a DecisionService. A bundle must be
// published before the first decision; until then every call denies.
func NewDecisionService(router *Router, logger *slog.Logger, opts ...DecisionOption) (*DecisionService, error) {
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("create rule evaluator: %w", err)
	}
	s := &DecisionService{
		router:    router,
		evaluator: evaluator,
		logger:    logger,
		cache:     NewResultCache(1000),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Publish atomically swaps in a new compiled bundle and clears the
// layer-1 cache. In-flight decisions finish against the old snapshot.
func (s *DecisionService) Publish(cb *CompiledBundle) {
	s.current.Store(cb)
	s.cache.Clear()
	s.logger.Info("bundle published",
		"revision", cb.Revision,
		"rules", len(cb.Rules),
		"source_event", cb.Meta.SourceEvent,
	)
}

// Revision returns the currently published bundle revision, or "".
func (s *DecisionService) Revision() string {
	if cb := s.current.Load(); cb != nil {
		return cb.Revision
	}
	return ""
}

// Decide evaluates one tool call to a final decision. It never returns
// an error: every failure mode resolves to a deny (fail closed).
func (s *DecisionService) Decide(ctx context.Context, call classify.ToolCallContext) Decision {
	ctx, span := tracer.Start(ctx, "decision.decide",
		trace.WithAttributes(
			attribute.String("call.caller", call.Caller),
			attribute.String("call.service", call.Service),
			attribute.String("call.tool", call.Tool),
		))
	defer span.End()

	d := s.decide(ctx, call)
	span.SetAttributes(
		attribute.String("decision.outcome", string(d.Outcome)),
		attribute.String("decision.rule_id", d.RuleID),
		attribute.String("decision.revision", d.Revision),
	)
	return d
}

func (s *DecisionService) decide(ctx context.Context, call classify.ToolCallContext) Decision {
	start := s.now()

	cb := s.current.Load()
	if cb == nil {
		d := Decision{Outcome: protocol.OutcomeDeny, Reason: "no policy bundle published"}
		s.audit(call, classify.Result{}, d, audit.SourceRule, start)
		return d
	}

	if !s.callerGranted(cb, call.Caller, call.Service) {
		d := Decision{
			Outcome:  protocol.OutcomeDeny,
			Reason:   fmt.Sprintf("caller %s has no grant for service %s", call.Caller, call.Service),
			Revision: cb.Revision,
		}
		s.audit(call, classify.Result{}, d, audit.SourceRule, start)
		return d
	}

	key := computeCacheKey(cb.Revision, call.Caller, call.Service, call.Tool, call.Arguments)
	if hit, ok := s.cache.Get(key); ok {
		s.audit(call, hit.class, hit.decision, audit.SourceRule, start)
		return hit.decision
	}

	res := cb.Ruleset.Classify(call)

	for _, cr := range cb.Rules {
		if !cr.Rule.MatchesCondition(res) {
			continue
		}
		if cr.Program != nil {
			ok, err := s.evalExpr(cr, call.Tool, res)
			if err != nil {
				// Fail closed rather than skip a potentially-denying rule.
				d := Decision{
					Outcome:  protocol.OutcomeDeny,
					Reason:   fmt.Sprintf("rule %s evaluation failed", cr.Rule.Name),
					RuleID:   cr.Rule.ID,
					RuleName: cr.Rule.Name,
					Revision: cb.Revision,
				}
				s.audit(call, res, d, audit.SourceRule, start)
				return d
			}
			if !ok {
				continue
			}
		}

		switch cr.Rule.Action {
		case rule.ActionAllow:
			d := Decision{
				Outcome:  protocol.OutcomeAllow,
				RuleID:   cr.Rule.ID,
				RuleName: cr.Rule.Name,
				Revision: cb.Revision,
			}
			s.cache.Put(key, cachedDecision{decision: d, class: res})
			s.audit(call, res, d, audit.SourceRule, start)
			return d

		case rule.ActionDeny:
			d := Decision{
				Outcome:  protocol.OutcomeDeny,
				Reason:   cr.Rule.Name,
				RuleID:   cr.Rule.ID,
				RuleName: cr.Rule.Name,
				Revision: cb.Revision,
			}
			s.cache.Put(key, cachedDecision{decision: d, class: res})
			s.audit(call, res, d, audit.SourceRule, start)
			return d

		default: // rule.ActionDelegate
			return s.delegate(ctx, cb, cr, call, res, start)
		}
	}

	// Unreachable for a validated bundle: the fallback rule matches
	// everything. Deny defensively all the same.
	d := Decision{Outcome: protocol.OutcomeDeny, Reason: "no matching rule", Revision: cb.Revision}
	s.audit(call, res, d, audit.SourceRule, start)
	return d
}

// delegate resolves the contextual route for the call and composes the
// protocol responses. A tool with a delegate rule but no route entry
// denies: delegation without a destination is a configuration gap, and
// configuration gaps fail closed.
func (s *DecisionService) delegate(ctx context.Context, cb *CompiledBundle, cr CompiledRule, call classify.ToolCallContext, res classify.Result, start time.Time) Decision {
	g, ok := cb.Routes.Resolve(call.Service, call.Tool)
	if !ok {
		d := Decision{
			Outcome:  protocol.OutcomeDeny,
			Reason:   fmt.Sprintf("no contextual route for (%s, %s)", call.Service, call.Tool),
			RuleID:   cr.Rule.ID,
			RuleName: cr.Rule.Name,
			Revision: cb.Revision,
		}
		s.audit(call, res, d, audit.SourceRule, start)
		return d
	}

	req := protocol.Request{
		Tool:        call.Tool,
		Caller:      call.Caller,
		SessionID:   call.SessionID,
		Service:     call.Service,
		Verb:        res.Verb,
		Labels:      res.Labels.Sorted(),
		Annotations: res.Annotations,
		Digest:      protocol.ArgumentDigest(call.Arguments),
	}
	rr := s.router.Evaluate(ctx, g, req)

	d := Decision{
		Outcome:       rr.Response.Outcome,
		Reason:        rr.Response.Reason,
		PendingID:     rr.Response.PendingID,
		RuleID:        cr.Rule.ID,
		RuleName:      cr.Rule.Name,
		RouteInstance: rr.Instance,
		Revision:      cb.Revision,
	}
	s.audit(call, res, d, rr.Source, start)
	return d
}

// evalExpr runs a rule's compiled expression against classification
// output.
func (s *DecisionService) evalExpr(cr CompiledRule, tool string, res classify.Result) (bool, error) {
	ok, err := s.evaluator.Evaluate(cr.Program, tool, res)
	if err != nil {
		s.logger.Error("rule expression evaluation failed",
			"rule_id", cr.Rule.ID,
			"tool", tool,
			"error", err,
		)
		return false, err
	}
	return ok, nil
}

// callerGranted reports whether the caller may address the service.
// An empty grant table grants everything.
func (s *DecisionService) callerGranted(cb *CompiledBundle, caller, service string) bool {
	if len(cb.Grants) == 0 {
		return true
	}
	for _, svc := range cb.Grants[caller] {
		if svc == service || svc == "*" {
			return true
		}
	}
	return false
}

// audit emits one decision record. Emission never blocks the decision.
func (s *DecisionService) audit(call classify.ToolCallContext, res classify.Result, d Decision, src audit.Source, start time.Time) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(audit.DecisionRecord{
		Timestamp:     s.now().UTC(),
		Caller:        call.Caller,
		SessionID:     call.SessionID,
		Service:       call.Service,
		Tool:          call.Tool,
		Verb:          res.Verb,
		Labels:        res.Labels.Sorted(),
		Outcome:       string(d.Outcome),
		Reason:        d.Reason,
		Source:        src,
		RuleID:        d.RuleID,
		RouteInstance: d.RouteInstance,
		PendingID:     d.PendingID,
		Digest:        protocol.ArgumentDigest(call.Arguments),
		Revision:      d.Revision,
		LatencyMicros: s.now().Sub(start).Microseconds(),
	})
}
