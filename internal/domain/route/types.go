// Package route contains domain types for contextual routing: the mapping
// from (service, tool) to registered stateful policy protocol instances.
package route

// Wildcard matches any tool within a service. An exact tool entry always
// shadows a wildcard entry for the same service.
const Wildcard = "*"

// Mode selects how a route group composes member responses.
type Mode string

const (
	// ModeAnd requires every member to allow; the first non-allow wins.
	ModeAnd Mode = "and"
	// ModeOr allows if any member allows; denies only when all members
	// deny, surfacing the last non-allow reason.
	ModeOr Mode = "or"
)

// Route binds one protocol instance to a (service, tool) pair.
type Route struct {
	// Service is the upstream service name.
	Service string `json:"service"`
	// Tool is the exact tool name, or Wildcard.
	Tool string `json:"tool"`
	// Protocol identifies the protocol kind (approval, ratelimit, ...).
	Protocol string `json:"protocol"`
	// Instance identifies the registered protocol instance.
	Instance string `json:"instance"`
	// Endpoint is the network address of the instance's evaluate() contract.
	Endpoint string `json:"endpoint"`
}

// Group is the set of routes registered for one (service, tool) entry,
// composed under Compose.
type Group struct {
	// Routes are the member routes, in registration order.
	Routes []Route `json:"routes"`
	// Compose selects AND/OR composition. Defaults to ModeAnd.
	Compose Mode `json:"compose,omitempty"`
}

// Table is the routing table of a bundle: (service, tool) to route group.
type Table struct {
	// Entries is keyed by service, then by exact tool name or Wildcard.
	Entries map[string]map[string]Group `json:"entries"`
}

// Resolve returns the route group for (service, tool), preferring an
// exact tool entry over the service's wildcard entry.
func (t Table) Resolve(service, tool string) (Group, bool) {
	byTool, ok := t.Entries[service]
	if !ok {
		return Group{}, false
	}
	if g, ok := byTool[tool]; ok {
		return g, true
	}
	if g, ok := byTool[Wildcard]; ok {
		return g, true
	}
	return Group{}, false
}

// Add registers a route, appending to the (service, tool) group.
// The first route added to a group fixes the group's compose mode when
// mode is non-empty.
func (t *Table) Add(r Route, mode Mode) {
	if t.Entries == nil {
		t.Entries = make(map[string]map[string]Group)
	}
	byTool := t.Entries[r.Service]
	if byTool == nil {
		byTool = make(map[string]Group)
		t.Entries[r.Service] = byTool
	}
	g := byTool[r.Tool]
	if g.Compose == "" && mode != "" {
		g.Compose = mode
	}
	g.Routes = append(g.Routes, r)
	byTool[r.Tool] = g
}
