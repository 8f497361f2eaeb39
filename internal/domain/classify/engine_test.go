package classify

import (
	"testing"
)

func testRuleset() Ruleset {
	return Ruleset{
		Profiles: map[string]Profile{
			"delete_record": {
				Tool:        "delete_record",
				Verb:        "delete",
				Annotations: Annotations{Destructive: true},
				Labels:      []string{"data:records"},
			},
			"fetch_report": {
				Tool:        "fetch_report",
				Annotations: Annotations{ReadOnly: true},
			},
		},
		Overrides: map[string]Override{
			"fetch_report": {
				Tool:   "fetch_report",
				Verb:   "get",
				Labels: []string{"scope:reporting"},
			},
		},
		Classifiers: []Classifier{
			{
				Name:      "external-recipient",
				Field:     "to",
				Predicate: PredicateNotContains,
				Value:     "@corp.example",
				Labels:    []string{"scope:external"},
			},
			{
				Name:      "large-amount",
				Field:     "amount",
				Predicate: PredicateGreaterThan,
				Number:    1000,
				Labels:    []string{"risk:high-value"},
			},
		},
		Extractors: []Extractor{{Field: "region"}},
	}
}

func TestClassify_ProfileAndOverride(t *testing.T) {
	t.Parallel()

	rs := testRuleset()
	res := rs.Classify(ToolCallContext{Tool: "fetch_report", Arguments: map[string]interface{}{}})

	if res.Verb != "get" {
		t.Errorf("Verb = %q, want %q (override wins)", res.Verb, "get")
	}
	if !res.Annotations.ReadOnly {
		t.Error("ReadOnly annotation lost")
	}
	if !res.Labels.Has("scope:reporting") {
		t.Errorf("missing override label, got %v", res.Labels.Sorted())
	}
}

func TestClassify_VerbInference(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tool string
		want string
	}{
		{"get_user", "get"},
		{"read_file", "get"},
		{"list_items", "get"},
		{"create_ticket", "create"},
		{"send_email", "create"},
		{"update_profile", "update"},
		{"edit_doc", "update"},
		{"delete_row", "delete"},
		{"remove_user", "delete"},
		{"frobnicate", ""},
		{"get_", ""},
	}
	rs := Ruleset{}
	for _, tt := range tests {
		res := rs.Classify(ToolCallContext{Tool: tt.tool})
		if res.Verb != tt.want {
			t.Errorf("Classify(%q).Verb = %q, want %q", tt.tool, res.Verb, tt.want)
		}
	}
}

func TestClassify_ClassifierTypeMismatchNeverMatches(t *testing.T) {
	t.Parallel()

	rs := testRuleset()
	// "amount" is a string: the numeric classifier must not match and must not panic.
	res := rs.Classify(ToolCallContext{
		Tool:      "send_email",
		Arguments: map[string]interface{}{"amount": "lots", "to": "x@corp.example"},
	})

	if res.Labels.Has("risk:high-value") {
		t.Error("numeric classifier matched a non-numeric value")
	}
	if res.Labels.Has("scope:external") {
		t.Error("contains classifier matched a company-domain recipient")
	}
}

func TestClassify_ClassifiersAndExtractors(t *testing.T) {
	t.Parallel()

	rs := testRuleset()
	res := rs.Classify(ToolCallContext{
		Tool: "send_email",
		Arguments: map[string]interface{}{
			"to":     "x@external.com",
			"amount": float64(5000),
			"region": "eu",
		},
	})

	for _, want := range []string{"scope:external", "risk:high-value", "arg:region:eu"} {
		if !res.Labels.Has(want) {
			t.Errorf("missing label %q, got %v", want, res.Labels.Sorted())
		}
	}

	if v, ok := res.Labels.WithPrefix("arg:region"); !ok || v != "eu" {
		t.Errorf("WithPrefix(arg:region) = %q, %v", v, ok)
	}
}

func TestClassify_UnknownToolIsEmptyButEvaluable(t *testing.T) {
	t.Parallel()

	rs := testRuleset()
	res := rs.Classify(ToolCallContext{Tool: "mystery_op"})

	if res.Verb != "" {
		t.Errorf("Verb = %q, want empty", res.Verb)
	}
	if len(res.Labels) != 0 {
		t.Errorf("Labels = %v, want empty", res.Labels.Sorted())
	}
	if res.Annotations != (Annotations{}) {
		t.Errorf("Annotations = %+v, want zero", res.Annotations)
	}
}

func TestLabelSet_Deduplicates(t *testing.T) {
	t.Parallel()

	s := NewLabelSet("a:1", "a:1", "b:2")
	if len(s) != 2 {
		t.Errorf("len = %d, want 2", len(s))
	}
}
