// internal/rules/compile_test.go
package rules

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/trialmatch/trialmatch/internal/types"
)

func TestCompile_SimpleRule(t *testing.T) {
	r := newRule("inc-age", types.CategoryDemographic, []string{"age"}, "age", ">=", 18)

	compiled, err := Compile(&r)
	if err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}
	if compiled.RuleID != "inc-age" {
		t.Errorf("RuleID = %v, want inc-age", compiled.RuleID)
	}
	if compiled.Operator != OpGte {
		t.Errorf("Operator = %v, want gte", compiled.Operator)
	}
	if compiled.RawOperator != ">=" {
		t.Errorf("RawOperator = %q, want >=", compiled.RawOperator)
	}
	if compiled.Malformed != nil {
		t.Errorf("Malformed = %v, want nil", compiled.Malformed)
	}
}

func TestCompile_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *types.Rule)
	}{
		{name: "unknown operator", mutate: func(r *types.Rule) { r.Operator = "contains" }},
		{name: "unknown category", mutate: func(r *types.Rule) { r.Category = "genomic" }},
		{name: "empty identifier", mutate: func(r *types.Rule) { r.Identifier = nil }},
		{name: "empty field", mutate: func(r *types.Rule) { r.Field = "" }},
		{name: "no operands", mutate: func(r *types.Rule) { r.Operands = nil }},
		{name: "null operand", mutate: func(r *types.Rule) { r.Operands = []any{nil} }},
		{name: "too many operands", mutate: func(r *types.Rule) { r.Operands = []any{1, 2} }},
		{name: "between with one operand", mutate: func(r *types.Rule) {
			r.Operator = "between"
			r.Operands = []any{18}
		}},
		{name: "between inverted", mutate: func(r *types.Rule) {
			r.Operator = "between"
			r.Operands = []any{65, 18}
		}},
		{name: "numeric operator with text operand", mutate: func(r *types.Rule) { r.Operands = []any{"adult"} }},
		{name: "negative weight", mutate: func(r *types.Rule) { r.Weight = -1 }},
		{name: "NaN weight", mutate: func(r *types.Rule) { r.Weight = math.NaN() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRule("r", types.CategoryDemographic, []string{"age"}, "age", "gte", 18)
			tt.mutate(&r)
			_, err := Compile(&r)
			if !errors.Is(err, types.ErrMalformedRule) {
				t.Errorf("Compile() error = %v, want ErrMalformedRule", err)
			}
		})
	}
}

func TestCompile_TextOperandForEquality(t *testing.T) {
	r := newRule("exc-preg", types.CategoryCondition, []string{"pregnancy_status"}, "pregnancy_status", "==", "pregnant")
	if _, err := Compile(&r); err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}
}

func TestCompileRuleSet_KeepsMalformedInPlace(t *testing.T) {
	rs := &types.RuleSet{
		TrialID: "NCT001",
		InclusionRules: []types.Rule{
			newRule("a", types.CategoryDemographic, []string{"age"}, "age", "gte", 18),
			newRule("b", types.CategoryDemographic, []string{"age"}, "age", "approx", 18),
			newRule("c", types.CategoryDemographic, []string{"gender"}, "gender", "eq", "female"),
		},
		ExclusionRules: []types.Rule{
			newRule("x", types.CategoryCondition, []string{"code"}, "code", "eq"),
		},
	}

	trial, errs := CompileRuleSet(rs)
	if len(errs) != 2 {
		t.Fatalf("len(errs) = %d, want 2: %v", len(errs), errs)
	}
	for _, err := range errs {
		if !errors.Is(err, types.ErrMalformedRule) {
			t.Errorf("error %v does not wrap ErrMalformedRule", err)
		}
	}

	if len(trial.Inclusion) != 3 {
		t.Fatalf("len(Inclusion) = %d, want 3", len(trial.Inclusion))
	}
	order := []string{"a", "b", "c"}
	for i, id := range order {
		if trial.Inclusion[i].RuleID != id {
			t.Errorf("Inclusion[%d] = %s, want %s", i, trial.Inclusion[i].RuleID, id)
		}
	}
	if trial.Inclusion[1].Malformed == nil {
		t.Errorf("Inclusion[1].Malformed = nil, want error")
	}
	if trial.Exclusion[0].Malformed == nil {
		t.Errorf("Exclusion[0].Malformed = nil, want error")
	}
	// Malformed rules stay in the denominator.
	if trial.TotalInclusionWeight != 3 {
		t.Errorf("TotalInclusionWeight = %v, want 3", trial.TotalInclusionWeight)
	}
}

func TestCompileRuleSet_InactiveExcludedFromWeight(t *testing.T) {
	inactive := newRule("b", types.CategoryDemographic, []string{"age"}, "age", "lt", 65)
	inactive.Active = false
	heavy := newRule("c", types.CategoryDemographic, []string{"age"}, "age", "gt", 0)
	heavy.Weight = 2.5

	trial, errs := CompileRuleSet(&types.RuleSet{
		TrialID: "NCT002",
		InclusionRules: []types.Rule{
			newRule("a", types.CategoryDemographic, []string{"age"}, "age", "gte", 18),
			inactive,
			heavy,
		},
	})
	if len(errs) != 0 {
		t.Fatalf("CompileRuleSet() errs = %v, want none", errs)
	}
	if trial.TotalInclusionWeight != 3.5 {
		t.Errorf("TotalInclusionWeight = %v, want 3.5", trial.TotalInclusionWeight)
	}
}

func TestRuleSet_DecodeWireFormat(t *testing.T) {
	payload := `{
		"nct_id": "NCT04000001",
		"inclusion_criteria": [
			{"rule_id": "inc_1", "type": "demographic", "identifier": ["age"], "field": "age",
			 "operator": "between", "value": [18, 65], "unit": "years"},
			{"rule_id": "inc_2", "type": "lab_result", "identifier": ["test", "HbA1c"], "field": "value",
			 "operator": ">=", "value": 7.0, "weight": 2}
		],
		"exclusion_criteria": null
	}`

	var rs types.RuleSet
	if err := json.Unmarshal([]byte(payload), &rs); err != nil {
		t.Fatalf("Unmarshal() error = %v, want nil", err)
	}
	if rs.TrialID != "NCT04000001" {
		t.Errorf("TrialID = %q, want NCT04000001", rs.TrialID)
	}
	if rs.ExclusionRules == nil || len(rs.ExclusionRules) != 0 {
		t.Errorf("ExclusionRules = %v, want empty list", rs.ExclusionRules)
	}
	if len(rs.InclusionRules) != 2 {
		t.Fatalf("len(InclusionRules) = %d, want 2", len(rs.InclusionRules))
	}

	first, second := rs.InclusionRules[0], rs.InclusionRules[1]
	if first.Weight != 1 || !first.Active {
		t.Errorf("defaults: weight=%v active=%v, want 1 true", first.Weight, first.Active)
	}
	if len(first.Operands) != 2 {
		t.Errorf("len(first.Operands) = %d, want 2", len(first.Operands))
	}
	if len(second.Operands) != 1 || second.Operands[0] != 7.0 {
		t.Errorf("scalar value not wrapped: %v", second.Operands)
	}
	if second.Weight != 2 {
		t.Errorf("second.Weight = %v, want 2", second.Weight)
	}

	trial, errs := CompileRuleSet(&rs)
	if len(errs) != 0 {
		t.Fatalf("CompileRuleSet() errs = %v, want none", errs)
	}
	if trial.TotalInclusionWeight != 3 {
		t.Errorf("TotalInclusionWeight = %v, want 3", trial.TotalInclusionWeight)
	}
}
