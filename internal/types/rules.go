// internal/types/rules.go
package types

import "encoding/json"

/*
 * Wire types for trial eligibility rules.
 *
 * Rule and RuleSet decode the criteria service's payloads. Validation and
 * operator parsing live in internal/rules; this file only normalizes the
 * wire shape:
 *   - trial id arrives as "nct_id" or "trial_id"
 *   - "value" may be a scalar or a list; a scalar becomes a one-element list
 *   - absent "weight" defaults to 1.0, absent "active" defaults to true
 *   - null rule lists decode as empty lists
 */

// Category selects the patient record section a rule reads.
type Category string

const (
	CategoryDemographic Category = "demographic"
	CategoryCondition   Category = "condition"
	CategoryLabResult   Category = "lab_result"
	CategoryMedication  Category = "medication"
	CategoryBehavioral  Category = "behavioral"
	CategoryOther       Category = "other"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryDemographic, CategoryCondition, CategoryLabResult,
		CategoryMedication, CategoryBehavioral, CategoryOther:
		return true
	}
	return false
}

// DefaultRuleWeight is applied when a rule omits its weight.
const DefaultRuleWeight = 1.0

// Rule is one eligibility condition as published by the criteria service.
// Operator is kept as the raw wire token; internal/rules parses it.
type Rule struct {
	RuleID       string   `json:"rule_id"`
	Category     Category `json:"type"`
	Identifier   []string `json:"identifier"`
	Field        string   `json:"field"`
	Operator     string   `json:"operator"`
	Operands     []any    `json:"value"`
	Unit         string   `json:"unit,omitempty"`
	CodingSystem string   `json:"code_system,omitempty"`
	Code         string   `json:"code,omitempty"`
	Description  string   `json:"description,omitempty"`
	RawText      string   `json:"raw_text,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
	Weight       float64  `json:"weight"`
	Active       bool     `json:"active"`
}

// UnmarshalJSON applies the wire defaults described above.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type plain Rule
	var wire struct {
		plain
		Operands json.RawMessage `json:"value"`
		Weight   *float64        `json:"weight"`
		Active   *bool           `json:"active"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*r = Rule(wire.plain)
	r.Weight = DefaultRuleWeight
	if wire.Weight != nil {
		r.Weight = *wire.Weight
	}
	r.Active = true
	if wire.Active != nil {
		r.Active = *wire.Active
	}

	operands, err := decodeOperands(wire.Operands)
	if err != nil {
		return err
	}
	r.Operands = operands
	return nil
}

// decodeOperands accepts a JSON list or a scalar. Absent and null yield nil.
func decodeOperands(raw json.RawMessage) ([]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var scalar any
	if err := json.Unmarshal(raw, &scalar); err != nil {
		return nil, err
	}
	return []any{scalar}, nil
}

// RuleSet is one trial's inclusion and exclusion rules in declaration order.
type RuleSet struct {
	TrialID        string `json:"trial_id"`
	InclusionRules []Rule `json:"inclusion_criteria"`
	ExclusionRules []Rule `json:"exclusion_criteria"`
}

// UnmarshalJSON accepts "nct_id" as an alias of "trial_id".
func (rs *RuleSet) UnmarshalJSON(data []byte) error {
	type plain RuleSet
	var wire struct {
		plain
		NctID string `json:"nct_id"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*rs = RuleSet(wire.plain)
	if rs.TrialID == "" {
		rs.TrialID = wire.NctID
	}
	if rs.InclusionRules == nil {
		rs.InclusionRules = []Rule{}
	}
	if rs.ExclusionRules == nil {
		rs.ExclusionRules = []Rule{}
	}
	return nil
}

// TotalInclusionWeight sums the weight of active inclusion rules.
func (rs *RuleSet) TotalInclusionWeight() float64 {
	var total float64
	for _, r := range rs.InclusionRules {
		if r.Active {
			total += r.Weight
		}
	}
	return total
}
