// Package bundle contains the immutable policy bundle: the versioned,
// content-addressed snapshot of all fast-path decision data.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/toolwarden/toolwarden/internal/domain/classify"
	"github.com/toolwarden/toolwarden/internal/domain/route"
	"github.com/toolwarden/toolwarden/internal/domain/rule"
)

// Meta describes a built bundle for audit and distribution.
type Meta struct {
	// Revision is the content hash over the normalized payload. Same
	// content yields the same revision; any change yields a new one.
	Revision string `json:"revision"`
	// BuiltAt is when the bundle was built (UTC).
	BuiltAt time.Time `json:"built_at"`
	// SourceEvent is the id of the change event that triggered the build,
	// or "reconcile" for interval rebuilds.
	SourceEvent string `json:"source_event,omitempty"`
}

// Bundle is the immutable snapshot of all fast-path policy data. Once
// built and published a bundle is never mutated; a policy change always
// produces a new bundle with a new revision.
type Bundle struct {
	// Catalog lists the known (service, tool) pairs.
	Catalog []CatalogEntry `json:"catalog,omitempty"`
	// Grants maps caller identities to granted services.
	Grants map[string][]string `json:"grants,omitempty"`
	// Profiles is the static per-tool classification data.
	Profiles map[string]classify.Profile `json:"profiles,omitempty"`
	// Overrides are operator corrections to profiles.
	Overrides map[string]classify.Override `json:"overrides,omitempty"`
	// Classifiers derive labels from call arguments.
	Classifiers []classify.Classifier `json:"classifiers,omitempty"`
	// Extractors emit arg:<field>:<value> labels.
	Extractors []classify.Extractor `json:"extractors,omitempty"`
	// Rules is the ordered policy rule list.
	Rules []rule.Rule `json:"rules"`
	// Routes is the contextual routing table.
	Routes route.Table `json:"routes"`
	// Token authorizes calls to registered protocol endpoints.
	Token string `json:"token,omitempty"`
	// Meta carries revision and build provenance. Excluded from the
	// revision hash.
	Meta Meta `json:"meta"`
}

// CatalogEntry names one tool of one service.
type CatalogEntry struct {
	Service string `json:"service"`
	Tool    string `json:"tool"`
}

// payload is the hashed subset of a bundle: everything except Meta.
type payload struct {
	Catalog     []CatalogEntry               `json:"catalog,omitempty"`
	Grants      map[string][]string          `json:"grants,omitempty"`
	Profiles    map[string]classify.Profile  `json:"profiles,omitempty"`
	Overrides   map[string]classify.Override `json:"overrides,omitempty"`
	Classifiers []classify.Classifier        `json:"classifiers,omitempty"`
	Extractors  []classify.Extractor         `json:"extractors,omitempty"`
	Rules       []rule.Rule                  `json:"rules"`
	Routes      route.Table                  `json:"routes"`
	Token       string                       `json:"token,omitempty"`
}

// ComputeRevision returns the content hash of the bundle payload.
// encoding/json emits map keys in sorted order, so the serialization is
// deterministic for equal logical content.
func (b *Bundle) ComputeRevision() (string, error) {
	data, err := json.Marshal(payload{
		Catalog:     b.Catalog,
		Grants:      b.Grants,
		Profiles:    b.Profiles,
		Overrides:   b.Overrides,
		Classifiers: b.Classifiers,
		Extractors:  b.Extractors,
		Rules:       b.Rules,
		Routes:      b.Routes,
		Token:       b.Token,
	})
	if err != nil {
		return "", fmt.Errorf("marshal bundle payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Validate checks the build-time invariants. A bundle failing validation
// must not be published; the previous valid bundle remains in force.
func (b *Bundle) Validate() error {
	if err := rule.ValidateSet(b.Rules); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	for svc, byTool := range b.Routes.Entries {
		for tool, g := range byTool {
			if len(g.Routes) == 0 {
				return fmt.Errorf("route (%s, %s): empty group", svc, tool)
			}
			switch g.Compose {
			case "", route.ModeAnd, route.ModeOr:
			default:
				return fmt.Errorf("route (%s, %s): unknown compose mode %q", svc, tool, g.Compose)
			}
			for _, r := range g.Routes {
				if r.Instance == "" {
					return fmt.Errorf("route (%s, %s): missing instance", svc, tool)
				}
			}
		}
	}
	return nil
}

// Classification returns the classification slice of the bundle.
func (b *Bundle) Classification() classify.Ruleset {
	return classify.Ruleset{
		Profiles:    b.Profiles,
		Overrides:   b.Overrides,
		Classifiers: b.Classifiers,
		Extractors:  b.Extractors,
	}
}

// Marshal encodes the bundle (including Meta) as its transport artifact.
func (b *Bundle) Marshal() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a bundle transport artifact.
func Unmarshal(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	return &b, nil
}
