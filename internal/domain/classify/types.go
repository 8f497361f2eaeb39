// Package classify contains domain types for tool call classification.
package classify

import (
	"sort"
	"strings"
)

// ToolCallContext carries everything known about an incoming tool call.
// It is constructed per call and never persisted.
type ToolCallContext struct {
	// Caller is the already-authenticated caller identity.
	Caller string
	// SessionID identifies the caller's session.
	SessionID string
	// Service is the upstream service the tool belongs to.
	Service string
	// Tool is the normalized tool name.
	Tool string
	// Arguments is the flat argument map of the call.
	Arguments map[string]interface{}
}

// Annotations are the four per-tool behavior hints resolved during
// classification. Immutable once resolved for a call.
type Annotations struct {
	ReadOnly    bool `json:"read_only"`
	Destructive bool `json:"destructive"`
	OpenWorld   bool `json:"open_world"`
	Idempotent  bool `json:"idempotent"`
}

// Get returns the named annotation value. Unknown names return (false, false).
func (a Annotations) Get(name string) (value, ok bool) {
	switch name {
	case "read_only":
		return a.ReadOnly, true
	case "destructive":
		return a.Destructive, true
	case "open_world":
		return a.OpenWorld, true
	case "idempotent":
		return a.Idempotent, true
	}
	return false, false
}

// LabelSet is a set of namespaced labels ("namespace:value").
// Append-only during classification; duplicates collapse.
type LabelSet map[string]struct{}

// NewLabelSet creates a LabelSet from the given labels.
func NewLabelSet(labels ...string) LabelSet {
	s := make(LabelSet, len(labels))
	for _, l := range labels {
		s.Add(l)
	}
	return s
}

// Add inserts a label into the set.
func (s LabelSet) Add(label string) {
	if label == "" {
		return
	}
	s[label] = struct{}{}
}

// Has reports whether the set contains the label.
func (s LabelSet) Has(label string) bool {
	_, ok := s[label]
	return ok
}

// Sorted returns the labels in lexical order.
func (s LabelSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for l := range s {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// WithPrefix returns the first label value under "prefix:", if any.
// For a label "arg:region:eu" and prefix "arg:region", it returns ("eu", true).
func (s LabelSet) WithPrefix(prefix string) (string, bool) {
	p := prefix + ":"
	for _, l := range s.Sorted() {
		if strings.HasPrefix(l, p) {
			return strings.TrimPrefix(l, p), true
		}
	}
	return "", false
}

// Result is the output of classification: the resolved operation verb,
// the accumulated label set, and the annotation set.
type Result struct {
	Verb        string
	Labels      LabelSet
	Annotations Annotations
}
