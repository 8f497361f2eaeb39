// Package identity implements the identity stateful policy protocol:
// per-entity actor history with segregation-of-duties, four-eyes, and
// exclusive-actor rules over a (primary verb, secondary verb) pair.
//
// The entity a call acts on is recovered from extractor labels of the
// form arg:<field>:<value>, so an identity rule names the argument field
// carrying the entity identifier.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/toolwarden/toolwarden/internal/domain/protocol"
)

// Kind selects the relationship a rule enforces between the actors of
// the primary and secondary verbs on one entity.
type Kind string

const (
	// KindSeparationOfDuties forbids one actor from performing both verbs.
	KindSeparationOfDuties Kind = "separation_of_duties"
	// KindFourEyes requires the primary verb to have been performed by a
	// different actor before the secondary verb is allowed.
	KindFourEyes Kind = "four_eyes"
	// KindExclusiveActor allows the secondary verb only for the actor who
	// first performed the primary verb.
	KindExclusiveActor Kind = "exclusive_actor"
)

// Rule is one identity constraint.
type Rule struct {
	Kind Kind `json:"kind"`
	// Primary and Secondary are the constrained verbs.
	Primary   string `json:"primary"`
	Secondary string `json:"secondary"`
	// EntityField names the argument field identifying the entity, matched
	// against arg:<field>:<value> extractor labels.
	EntityField string `json:"entity_field"`
}

// actorEvent is one recorded (verb, actor) occurrence on an entity.
type actorEvent struct {
	Verb  string
	Actor string
	At    time.Time
}

// Service implements protocol.Evaluator over per-entity actor history.
type Service struct {
	rules  []Rule
	logger *slog.Logger

	mu      sync.Mutex
	history map[string][]actorEvent
	now     func() time.Time
}

// NewService creates an identity evaluator with the given rules.
func NewService(rules []Rule, logger *slog.Logger) *Service {
	return &Service{
		rules:   rules,
		logger:  logger,
		history: make(map[string][]actorEvent),
		now:     time.Now,
	}
}

// entityFromLabels extracts the entity value for a field from the call's
// extractor labels. Empty when the field was absent from the arguments.
func entityFromLabels(labels []string, field string) string {
	prefix := "arg:" + field + ":"
	for _, l := range labels {
		if strings.HasPrefix(l, prefix) {
			return l[len(prefix):]
		}
	}
	return ""
}

// Evaluate applies every rule whose verbs include the request's verb.
// A call whose entity field is absent is allowed but unrecorded: the
// rule cannot bind it to an entity.
func (s *Service) Evaluate(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rules {
		if req.Verb != r.Primary && req.Verb != r.Secondary {
			continue
		}
		entity := entityFromLabels(req.Labels, r.EntityField)
		if entity == "" {
			continue
		}
		if resp, denied := s.check(r, req, entity); denied {
			return resp, nil
		}
	}

	s.record(req)
	return protocol.Allow(), nil
}

// check evaluates one rule against one entity's history. Callers hold mu.
func (s *Service) check(r Rule, req protocol.Request, entity string) (protocol.Response, bool) {
	key := r.EntityField + "\x00" + entity
	events := s.history[key]

	switch r.Kind {
	case KindSeparationOfDuties:
		// The same actor may not hold both verbs, in either order.
		other := r.Secondary
		if req.Verb == r.Secondary {
			other = r.Primary
		}
		for _, e := range events {
			if e.Actor == req.Caller && e.Verb == other {
				s.logDeny(r, req, entity)
				return protocol.Deny(fmt.Sprintf("separation of duties: %s already performed %s on this entity", req.Caller, other)), true
			}
		}

	case KindFourEyes:
		if req.Verb != r.Secondary {
			break
		}
		sawOtherActor := false
		for _, e := range events {
			if e.Verb != r.Primary {
				continue
			}
			if e.Actor == req.Caller {
				s.logDeny(r, req, entity)
				return protocol.Deny(fmt.Sprintf("four-eyes: %s may not perform both %s and %s on this entity", req.Caller, r.Primary, r.Secondary)), true
			}
			sawOtherActor = true
		}
		if !sawOtherActor {
			s.logDeny(r, req, entity)
			return protocol.Deny(fmt.Sprintf("four-eyes: %s requires a prior %s by a different actor", r.Secondary, r.Primary)), true
		}

	case KindExclusiveActor:
		if req.Verb != r.Secondary {
			break
		}
		first := ""
		for _, e := range events {
			if e.Verb == r.Primary {
				first = e.Actor
				break
			}
		}
		if first == "" || first != req.Caller {
			s.logDeny(r, req, entity)
			return protocol.Deny(fmt.Sprintf("exclusive actor: only the actor who performed %s may perform %s on this entity", r.Primary, r.Secondary)), true
		}
	}
	return protocol.Response{}, false
}

// record appends the call to the history of every entity it binds to
// under some rule. Callers hold mu.
func (s *Service) record(req protocol.Request) {
	now := s.now().UTC()
	seen := make(map[string]struct{})
	for _, r := range s.rules {
		if req.Verb != r.Primary && req.Verb != r.Secondary {
			continue
		}
		entity := entityFromLabels(req.Labels, r.EntityField)
		if entity == "" {
			continue
		}
		key := r.EntityField + "\x00" + entity
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		s.history[key] = append(s.history[key], actorEvent{Verb: req.Verb, Actor: req.Caller, At: now})
	}
}

func (s *Service) logDeny(r Rule, req protocol.Request, entity string) {
	s.logger.Info("identity rule denied call",
		"kind", r.Kind,
		"caller", req.Caller,
		"verb", req.Verb,
		"entity_field", r.EntityField,
		"entity", entity,
	)
}

// ClearEntity discards one entity's actor history. Administrative
// action only.
func (s *Service) ClearEntity(field, entity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, field+"\x00"+entity)
}

// Compile-time interface verification.
var _ protocol.Evaluator = (*Service)(nil)
