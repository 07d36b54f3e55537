// internal/rules/compile.go
package rules

import (
	"fmt"
	"math"

	"github.com/trialmatch/trialmatch/internal/types"
)

/*
 * Rule compilation and validation.
 *
 * Compiles types.Rule to CompiledRule with a parsed operator and validated
 * operands, and types.RuleSet to CompiledTrial.
 *
 * A rule is malformed when it can never be evaluated:
 *   - unknown operator or category
 *   - missing identifier or field
 *   - empty operands, a null operand, or wrong arity for the operator
 *   - a non-numeric operand for a numeric operator, or an inverted range
 *   - a negative or NaN weight
 *
 * Compile rejects malformed rules. CompileRuleSet keeps them in place, in
 * declaration order, marked Malformed so they evaluate as unsatisfied and
 * still appear in the trace. One bad rule never aborts the rest of the set.
 */

// CompiledRule is a validated rule ready for evaluation.
type CompiledRule struct {
	RuleID      string
	Category    types.Category
	Identifier  []string
	Field       string
	Operator    Operator
	RawOperator string
	Operands    []any
	Weight      float64
	Active      bool
	Description string
	Malformed   error // non-nil if the rule can never be satisfied
}

// CompiledTrial is a rule set with every rule compiled.
type CompiledTrial struct {
	TrialID              string
	Inclusion            []*CompiledRule
	Exclusion            []*CompiledRule
	TotalInclusionWeight float64
}

// Compile validates rule and returns its compiled form.
// Returns an error wrapping ErrMalformedRule if the rule can never be evaluated.
func Compile(rule *types.Rule) (*CompiledRule, error) {
	op, err := ParseOperator(rule.Operator)
	if err != nil {
		return nil, err
	}

	if !rule.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", types.ErrMalformedRule, rule.Category)
	}
	if len(rule.Identifier) == 0 {
		return nil, fmt.Errorf("%w: empty identifier", types.ErrMalformedRule)
	}
	if rule.Field == "" {
		return nil, fmt.Errorf("%w: empty field", types.ErrMalformedRule)
	}
	if math.IsNaN(rule.Weight) || rule.Weight < 0 {
		return nil, fmt.Errorf("%w: invalid weight %v", types.ErrMalformedRule, rule.Weight)
	}
	if err := validateOperands(op, rule.Operands); err != nil {
		return nil, err
	}

	return &CompiledRule{
		RuleID:      rule.RuleID,
		Category:    rule.Category,
		Identifier:  rule.Identifier,
		Field:       rule.Field,
		Operator:    op,
		RawOperator: rule.Operator,
		Operands:    rule.Operands,
		Weight:      rule.Weight,
		Active:      rule.Active,
		Description: rule.Description,
	}, nil
}

// validateOperands enforces arity, non-null operands and numeric operands
// for numeric operators.
func validateOperands(op Operator, operands []any) error {
	if len(operands) == 0 {
		return fmt.Errorf("%w: no operands", types.ErrMalformedRule)
	}
	if len(operands) != op.Arity() {
		return fmt.Errorf("%w: %s takes %d operand(s), got %d",
			types.ErrMalformedRule, op, op.Arity(), len(operands))
	}
	for i, v := range operands {
		if v == nil {
			return fmt.Errorf("%w: operand %d is null", types.ErrMalformedRule, i)
		}
	}
	if !op.IsNumeric() {
		return nil
	}

	nums := make([]float64, len(operands))
	for i, v := range operands {
		n, err := coerceNumeric(v)
		if err != nil {
			return fmt.Errorf("%w: operand %d (%v) is not numeric", types.ErrMalformedRule, i, v)
		}
		nums[i] = n
	}
	if op == OpBetween && nums[0] > nums[1] {
		return fmt.Errorf("%w: inverted range [%v, %v]", types.ErrMalformedRule, nums[0], nums[1])
	}
	return nil
}

// CompileRuleSet compiles every rule of rs in declaration order.
// Malformed rules are kept as unsatisfiable placeholders; their errors are
// returned alongside so the caller can log them.
func CompileRuleSet(rs *types.RuleSet) (*CompiledTrial, []error) {
	var errs []error
	compileAll := func(rules []types.Rule) []*CompiledRule {
		out := make([]*CompiledRule, 0, len(rules))
		for i := range rules {
			cr, err := Compile(&rules[i])
			if err != nil {
				errs = append(errs, fmt.Errorf("rule %q: %w", rules[i].RuleID, err))
				cr = malformed(&rules[i], err)
			}
			out = append(out, cr)
		}
		return out
	}

	trial := &CompiledTrial{
		TrialID:   rs.TrialID,
		Inclusion: compileAll(rs.InclusionRules),
		Exclusion: compileAll(rs.ExclusionRules),
	}
	for _, cr := range trial.Inclusion {
		if cr.Active {
			trial.TotalInclusionWeight += cr.Weight
		}
	}
	return trial, errs
}

// malformed builds the placeholder for a rule that failed compilation.
// It keeps the rule's weight and active flag so it still counts toward
// the inclusion denominator.
func malformed(rule *types.Rule, err error) *CompiledRule {
	weight := rule.Weight
	if math.IsNaN(weight) || weight < 0 {
		weight = 0
	}
	return &CompiledRule{
		RuleID:      rule.RuleID,
		Category:    rule.Category,
		Identifier:  rule.Identifier,
		Field:       rule.Field,
		RawOperator: rule.Operator,
		Operands:    rule.Operands,
		Weight:      weight,
		Active:      rule.Active,
		Description: rule.Description,
		Malformed:   err,
	}
}
