package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolwarden/toolwarden/internal/domain/audit"
	"github.com/toolwarden/toolwarden/internal/domain/protocol"
	"github.com/toolwarden/toolwarden/internal/domain/route"
)

// DefaultEvaluateTimeout bounds one evaluate() round trip to a protocol
// instance.
const DefaultEvaluateTimeout = 10 * time.Second

// RouteResult is the composed outcome of one route group evaluation.
type RouteResult struct {
	Response protocol.Response
	// Source distinguishes a policy-originated result from a transport
	// failure in audit.
	Source audit.Source
	// Instance is the protocol instance that produced the decisive
	// response, or the whole group's last member for composed denials.
	Instance string
}

// Router invokes registered stateful protocol evaluators and composes
// route group results under AND/OR semantics. New evaluators plug in via
// registration alone.
type Router struct {
	logger  *slog.Logger
	timeout time.Duration

	mu        sync.RWMutex
	instances map[string]protocol.Evaluator
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithEvaluateTimeout bounds each evaluate() call.
func WithEvaluateTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRouter creates an empty Router.
func NewRouter(logger *slog.Logger, opts ...RouterOption) *Router {
	r := &Router{
		logger:    logger,
		timeout:   DefaultEvaluateTimeout,
		instances: make(map[string]protocol.Evaluator),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds a protocol instance id to its evaluator. Later
// registrations replace earlier ones.
func (r *Router) Register(instance string, ev protocol.Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[instance] = ev
}

// Instances returns the registered instance ids.
func (r *Router) Instances() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.instances))
	for id := range r.instances {
		out = append(out, id)
	}
	return out
}

// Lookup returns the evaluator registered under the instance id.
func (r *Router) Lookup(instance string) (protocol.Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.instances[instance]
	return ev, ok
}

// evaluateOne runs one member's evaluate() with the bounded timeout.
// Unknown instances and transport failures surface as deny (fail closed)
// tagged as transport-sourced for audit.
func (r *Router) evaluateOne(ctx context.Context, rt route.Route, req protocol.Request) RouteResult {
	ev, ok := r.Lookup(rt.Instance)
	if !ok {
		r.logger.Error("protocol instance not registered", "instance", rt.Instance, "protocol", rt.Protocol)
		return RouteResult{
			Response: protocol.Deny(fmt.Sprintf("protocol instance %s unavailable", rt.Instance)),
			Source:   audit.SourceTransport,
			Instance: rt.Instance,
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := ev.Evaluate(callCtx, req)
	if err != nil {
		r.logger.Warn("protocol evaluation failed",
			"instance", rt.Instance,
			"protocol", rt.Protocol,
			"tool", req.Tool,
			"error", err,
		)
		return RouteResult{
			Response: protocol.Deny(fmt.Sprintf("protocol instance %s unreachable", rt.Instance)),
			Source:   audit.SourceTransport,
			Instance: rt.Instance,
		}
	}
	return RouteResult{Response: resp, Source: audit.SourceProtocol, Instance: rt.Instance}
}

// Evaluate composes one route group. AND requires every member to allow;
// the first non-allow short-circuits in registration order. OR allows on
// the first allow and otherwise surfaces the last non-allow response.
// Member state mutations are protocol-owned: an increment that ran
// before a later member denied still stands.
func (r *Router) Evaluate(ctx context.Context, g route.Group, req protocol.Request) RouteResult {
	mode := g.Compose
	if mode == "" {
		mode = route.ModeAnd
	}

	ctx, span := tracer.Start(ctx, "route.evaluate",
		trace.WithAttributes(
			attribute.String("route.compose", string(mode)),
			attribute.Int("route.members", len(g.Routes)),
		))
	defer span.End()

	res := r.evaluateGroup(ctx, mode, g, req)
	span.SetAttributes(
		attribute.String("route.instance", res.Instance),
		attribute.String("route.outcome", string(res.Response.Outcome)),
	)
	return res
}

func (r *Router) evaluateGroup(ctx context.Context, mode route.Mode, g route.Group, req protocol.Request) RouteResult {

	var last RouteResult
	for _, member := range g.Routes {
		res := r.evaluateOne(ctx, member, req)
		if mode == route.ModeAnd {
			if res.Response.Outcome != protocol.OutcomeAllow {
				return res
			}
			last = res
			continue
		}
		// OR mode.
		if res.Response.Outcome == protocol.OutcomeAllow {
			return res
		}
		last = res
	}
	if mode == route.ModeAnd {
		// Every member allowed.
		return last
	}
	return last
}
