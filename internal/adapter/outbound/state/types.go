// Package state provides file-based persistence for the authoritative
// policy state: the single source the bundle builder reads from and the
// administrative surface writes to. The decision path never touches it.
//
// This package provides atomic writes, file locking, and backup
// functionality, plus a change watcher feeding the builder's push
// notification channel.
package state

import (
	"encoding/json"
	"time"

	"github.com/toolwarden/toolwarden/internal/domain/bundle"
	"github.com/toolwarden/toolwarden/internal/domain/classify"
	"github.com/toolwarden/toolwarden/internal/domain/route"
	"github.com/toolwarden/toolwarden/internal/domain/rule"
)

// PolicyState is the top-level structure persisted in state.json.
// It holds everything a bundle build reads in one logical snapshot.
type PolicyState struct {
	// Version is the schema version for forward compatibility. Currently "1".
	Version string `json:"version"`

	// Catalog lists the known (service, tool) pairs.
	Catalog []bundle.CatalogEntry `json:"catalog,omitempty"`

	// Grants maps caller identities to granted services.
	Grants map[string][]string `json:"grants,omitempty"`

	// Profiles is the static per-tool classification data, keyed by tool.
	Profiles map[string]classify.Profile `json:"profiles,omitempty"`

	// Overrides are operator corrections to profiles, keyed by tool.
	Overrides map[string]classify.Override `json:"overrides,omitempty"`

	// Classifiers derive labels from call arguments.
	Classifiers []classify.Classifier `json:"classifiers,omitempty"`

	// Extractors emit arg:<field>:<value> labels.
	Extractors []classify.Extractor `json:"extractors,omitempty"`

	// Rules are the policy rules evaluated in priority order.
	Rules []rule.Rule `json:"rules"`

	// Routes is the contextual routing table.
	Routes route.Table `json:"routes"`

	// Protocols declares the locally hosted protocol instances. Routes
	// reference them by instance id.
	Protocols []ProtocolConfig `json:"protocols,omitempty"`

	// Token authorizes calls to registered protocol endpoints.
	Token string `json:"token,omitempty"`

	// CreatedAt is when this state file was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this state file was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// ProtocolConfig declares one locally hosted protocol instance. Settings
// decode into the protocol package's own config type at registration.
type ProtocolConfig struct {
	// Instance is the id routes refer to.
	Instance string `json:"instance"`
	// Protocol names the protocol kind (ratelimit, constraint,
	// precondition, flow, identity).
	Protocol string `json:"protocol"`
	// Settings is the protocol-specific configuration.
	Settings json.RawMessage `json:"settings,omitempty"`
}

// Event is one change notification from the authoritative store. The
// payload is an opaque trigger: consumers always refetch full state.
type Event struct {
	// ID identifies the event for build provenance.
	ID string `json:"id"`
	// At is when the change was observed.
	At time.Time `json:"at"`
}
