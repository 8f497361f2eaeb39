package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/toolwarden/toolwarden/internal/adapter/outbound/state"
	"github.com/toolwarden/toolwarden/internal/domain/protocol"
	"github.com/toolwarden/toolwarden/internal/protocols/constraint"
	"github.com/toolwarden/toolwarden/internal/protocols/flow"
	"github.com/toolwarden/toolwarden/internal/protocols/identity"
	"github.com/toolwarden/toolwarden/internal/protocols/precondition"
	"github.com/toolwarden/toolwarden/internal/protocols/ratelimit"
	"github.com/toolwarden/toolwarden/internal/service"
)

// protocolRegistrar keeps the router's locally hosted protocol instances
// in sync with the authoritative state's protocol configs.
//
// An instance is rebuilt only when its declared settings change, so
// counters and histories survive unrelated state mutations. Removed
// instances stay registered until restart; routes no longer reference
// them, which makes them unreachable.
type protocolRegistrar struct {
	router *service.Router
	logger *slog.Logger

	// fingerprints maps instance id to its last-registered settings.
	fingerprints map[string]string
}

func newProtocolRegistrar(router *service.Router, logger *slog.Logger) *protocolRegistrar {
	return &protocolRegistrar{
		router:       router,
		logger:       logger,
		fingerprints: make(map[string]string),
	}
}

// sync registers new and changed instances from the given state.
func (r *protocolRegistrar) sync(st *state.PolicyState) {
	for _, pc := range st.Protocols {
		fp := pc.Protocol + "\x00" + string(pc.Settings)
		if r.fingerprints[pc.Instance] == fp {
			continue
		}

		ev, err := buildLocalEvaluator(pc, r.logger)
		if err != nil {
			r.logger.Error("protocol instance rejected",
				"instance", pc.Instance,
				"protocol", pc.Protocol,
				"error", err,
			)
			continue
		}
		r.router.Register(pc.Instance, ev)
		r.fingerprints[pc.Instance] = fp
		r.logger.Info("protocol instance registered",
			"instance", pc.Instance,
			"protocol", pc.Protocol,
		)
	}
}

// buildLocalEvaluator constructs one protocol evaluator from its state
// declaration.
func buildLocalEvaluator(pc state.ProtocolConfig, logger *slog.Logger) (protocol.Evaluator, error) {
	switch pc.Protocol {
	case "ratelimit":
		var cfg ratelimit.Config
		if err := decodeSettings(pc.Settings, &cfg); err != nil {
			return nil, err
		}
		return ratelimit.NewService(cfg, logger), nil

	case "constraint":
		var cfg constraint.Config
		if err := decodeSettings(pc.Settings, &cfg); err != nil {
			return nil, err
		}
		return constraint.NewService(cfg, logger), nil

	case "precondition":
		var cfg struct {
			Rules []precondition.Rule `json:"rules"`
		}
		if err := decodeSettings(pc.Settings, &cfg); err != nil {
			return nil, err
		}
		return precondition.NewService(cfg.Rules, logger), nil

	case "flow":
		var cfg struct {
			Rules []flow.Rule `json:"rules"`
		}
		if err := decodeSettings(pc.Settings, &cfg); err != nil {
			return nil, err
		}
		return flow.NewService(cfg.Rules, logger), nil

	case "identity":
		var cfg struct {
			Rules []identity.Rule `json:"rules"`
		}
		if err := decodeSettings(pc.Settings, &cfg); err != nil {
			return nil, err
		}
		return identity.NewService(cfg.Rules, logger), nil

	default:
		return nil, fmt.Errorf("unknown protocol kind %q", pc.Protocol)
	}
}

func decodeSettings(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return nil
}
