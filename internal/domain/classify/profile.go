package classify

// Profile is the static per-tool classification data shipped in a bundle.
type Profile struct {
	// Tool is the tool name this profile describes.
	Tool string `json:"tool"`
	// Verb is the explicit operation verb (get/create/update/delete/...).
	// When empty, the verb is inferred from the tool name prefix.
	Verb string `json:"verb,omitempty"`
	// Annotations are the default behavior hints for this tool.
	Annotations Annotations `json:"annotations"`
	// Labels are static labels always attached to calls of this tool.
	Labels []string `json:"labels,omitempty"`
}

// Override is an operator-supplied correction to a tool profile.
// Overrides always win over profile defaults.
type Override struct {
	// Tool is the tool name this override applies to.
	Tool string `json:"tool"`
	// Verb replaces the profile verb when non-empty.
	Verb string `json:"verb,omitempty"`
	// Annotations replaces the profile annotation set when set.
	Annotations *Annotations `json:"annotations,omitempty"`
	// Labels are appended to the call's label set.
	Labels []string `json:"labels,omitempty"`
}

// verbPrefixes is the ordered prefix table for verb inference.
// First matching prefix wins; an unmatched name yields an empty verb,
// which no verb-conditioned rule can match (fail closed).
var verbPrefixes = []struct {
	prefix string
	verb   string
}{
	{"get_", "get"},
	{"read_", "get"},
	{"list_", "get"},
	{"search_", "get"},
	{"create_", "create"},
	{"send_", "create"},
	{"write_", "create"},
	{"update_", "update"},
	{"edit_", "update"},
	{"set_", "update"},
	{"delete_", "delete"},
	{"remove_", "delete"},
	{"drop_", "delete"},
}

// InferVerb resolves an operation verb from the tool name prefix.
// Returns "" when no prefix matches.
func InferVerb(tool string) string {
	for _, e := range verbPrefixes {
		if len(tool) > len(e.prefix) && tool[:len(e.prefix)] == e.prefix {
			return e.verb
		}
	}
	return ""
}
