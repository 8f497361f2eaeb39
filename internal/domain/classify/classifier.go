package classify

import (
	"fmt"
	"strings"
)

// Predicate identifies a classifier predicate over one argument field.
type Predicate string

const (
	// PredicateContains matches when the field's string value contains Value.
	PredicateContains Predicate = "contains"
	// PredicateNotContains matches when the field's string value does not contain Value.
	PredicateNotContains Predicate = "not_contains"
	// PredicatePresent matches when the field is present in the arguments.
	PredicatePresent Predicate = "present"
	// PredicateAbsent matches when the field is absent from the arguments.
	PredicateAbsent Predicate = "absent"
	// PredicateGreaterThan matches when the field's numeric value is > Number.
	PredicateGreaterThan Predicate = "gt"
	// PredicateLessThan matches when the field's numeric value is < Number.
	PredicateLessThan Predicate = "lt"
	// PredicateEquals matches when the field's numeric value is == Number.
	PredicateEquals Predicate = "eq"
)

// Classifier derives labels from call arguments. A classifier that does
// not match (including on type mismatch) contributes nothing; it never
// fails the call.
type Classifier struct {
	// Name identifies the classifier for diagnostics.
	Name string `json:"name"`
	// Field is the argument key the predicate inspects.
	Field string `json:"field"`
	// Predicate selects the comparison to perform.
	Predicate Predicate `json:"predicate"`
	// Value is the operand for string predicates.
	Value string `json:"value,omitempty"`
	// Number is the operand for numeric predicates.
	Number float64 `json:"number,omitempty"`
	// Labels are added to the call's label set on match.
	Labels []string `json:"labels"`
}

// Matches evaluates the classifier against the argument map.
// Type mismatches (e.g. a non-numeric value for a numeric predicate)
// silently do not match.
func (c Classifier) Matches(args map[string]interface{}) bool {
	v, present := args[c.Field]

	switch c.Predicate {
	case PredicatePresent:
		return present
	case PredicateAbsent:
		return !present
	case PredicateContains, PredicateNotContains:
		if !present {
			return false
		}
		s, ok := v.(string)
		if !ok {
			return false
		}
		contains := strings.Contains(s, c.Value)
		if c.Predicate == PredicateContains {
			return contains
		}
		return !contains
	case PredicateGreaterThan, PredicateLessThan, PredicateEquals:
		if !present {
			return false
		}
		n, ok := toFloat(v)
		if !ok {
			return false
		}
		switch c.Predicate {
		case PredicateGreaterThan:
			return n > c.Number
		case PredicateLessThan:
			return n < c.Number
		default:
			return n == c.Number
		}
	}
	return false
}

// toFloat converts JSON-decoded argument values to float64.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Extractor emits a label "arg:<field>:<stringified-value>" for each
// configured field present in the arguments. Absent fields are skipped.
type Extractor struct {
	// Field is the argument key whose value is extracted.
	Field string `json:"field"`
}

// Extract returns the label for the extractor's field, or ("", false)
// when the field is absent.
func (e Extractor) Extract(args map[string]interface{}) (string, bool) {
	v, ok := args[e.Field]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("arg:%s:%v", e.Field, v), true
}
