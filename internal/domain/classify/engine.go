package classify

// Ruleset is the classification slice of a policy bundle: static profiles,
// operator overrides, argument classifiers, and value extractors.
type Ruleset struct {
	Profiles    map[string]Profile
	Overrides   map[string]Override
	Classifiers []Classifier
	Extractors  []Extractor
}

// Classify resolves a tool call into (verb, labels, annotations).
// Pure function of the ruleset and the call context; an unknown tool
// yields an empty annotation/label set, which remains evaluable by the
// rule matcher's fallback rule.
func (rs Ruleset) Classify(call ToolCallContext) Result {
	res := Result{Labels: NewLabelSet()}

	// Static profile, then operator override (override wins).
	if p, ok := rs.Profiles[call.Tool]; ok {
		res.Verb = p.Verb
		res.Annotations = p.Annotations
		for _, l := range p.Labels {
			res.Labels.Add(l)
		}
	}
	if o, ok := rs.Overrides[call.Tool]; ok {
		if o.Verb != "" {
			res.Verb = o.Verb
		}
		if o.Annotations != nil {
			res.Annotations = *o.Annotations
		}
		for _, l := range o.Labels {
			res.Labels.Add(l)
		}
	}

	// No explicit verb: infer from the tool name prefix.
	if res.Verb == "" {
		res.Verb = InferVerb(call.Tool)
	}

	// Argument classifiers.
	for _, c := range rs.Classifiers {
		if c.Matches(call.Arguments) {
			for _, l := range c.Labels {
				res.Labels.Add(l)
			}
		}
	}

	// Value extractors.
	for _, e := range rs.Extractors {
		if label, ok := e.Extract(call.Arguments); ok {
			res.Labels.Add(label)
		}
	}

	return res
}
