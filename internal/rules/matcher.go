// internal/rules/matcher.go
package rules

import (
	"github.com/trialmatch/trialmatch/internal/types"
)

/*
 * Trial matching and scoring.
 *
 * Per patient, independently:
 *   1. Exclusion pass: every active exclusion rule is evaluated; any
 *      satisfied rule excludes the patient from the output entirely.
 *   2. Inclusion pass: every active inclusion rule is evaluated and the
 *      weights of satisfied rules are summed.
 *   3. matchPercentage = 100 * matched / TotalInclusionWeight, or 100 when
 *      the trial has no active inclusion weight.
 *
 * Inactive rules are skipped and leave no trace entry. The trace lists
 * inclusion outcomes then exclusion outcomes, each in declaration order.
 *
 * Match is pure: output order follows input order, nothing is sorted, and
 * records are only read.
 */

// Match scores every non-excluded record against trial.
// Nil records are skipped.
func Match(trial *CompiledTrial, records []*types.PatientRecord) []types.ScoredMatch {
	out := make([]types.ScoredMatch, 0, len(records))
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if sm, ok := MatchOne(trial, rec); ok {
			out = append(out, sm)
		}
	}
	return out
}

// MatchOne scores a single record. Returns false if the record is excluded.
func MatchOne(trial *CompiledTrial, rec *types.PatientRecord) (types.ScoredMatch, bool) {
	view := NewView(rec)

	exclusionTrace := make([]types.RuleResult, 0, len(trial.Exclusion))
	for _, rule := range trial.Exclusion {
		if !rule.Active {
			continue
		}
		satisfied, observed := Evaluate(rule, view)
		if satisfied {
			return types.ScoredMatch{}, false
		}
		exclusionTrace = append(exclusionTrace, traceEntry(rule, false, satisfied, observed))
	}

	trace := make([]types.RuleResult, 0, len(trial.Inclusion)+len(exclusionTrace))
	var matched float64
	for _, rule := range trial.Inclusion {
		if !rule.Active {
			continue
		}
		satisfied, observed := Evaluate(rule, view)
		if satisfied {
			matched += rule.Weight
		}
		trace = append(trace, traceEntry(rule, true, satisfied, observed))
	}
	trace = append(trace, exclusionTrace...)

	return types.ScoredMatch{
		PatientID:       rec.PatientID,
		MatchPercentage: Percentage(matched, trial.TotalInclusionWeight),
		MatchedWeight:   matched,
		TotalWeight:     trial.TotalInclusionWeight,
		PerRuleResults:  trace,
	}, true
}

// Percentage returns 100*matched/total, or 100 when total is zero.
func Percentage(matched, total float64) float64 {
	if total <= 0 {
		return 100
	}
	return 100 * matched / total
}

func traceEntry(rule *CompiledRule, inclusion, satisfied bool, observed any) types.RuleResult {
	op := rule.RawOperator
	if rule.Malformed == nil {
		op = rule.Operator.String()
	}
	return types.RuleResult{
		RuleID:        rule.RuleID,
		Category:      rule.Category,
		Field:         rule.Field,
		Operator:      op,
		ExpectedValue: rule.Operands,
		ObservedValue: observed,
		IsInclusion:   inclusion,
		Satisfied:     satisfied,
		Description:   rule.Description,
	}
}
