// internal/rules/evaluate.go
package rules

import (
	"github.com/trialmatch/trialmatch/internal/types"
)

/*
 * Single-rule evaluation.
 *
 * Evaluation flow: resolve field -> coerce (numeric operators) -> compare.
 *
 * Closed-world policy: anything short of a concrete comparison that holds
 * is unsatisfied.
 *   - malformed rule        -> (false, "MALFORMED")
 *   - unknown/absent section, entry or field -> (false, "NA")
 *   - numeric coercion failure -> (false, "ERROR")
 *
 * Evaluate never returns an error; a bad value in one record must not abort
 * a batch match.
 */

// Evaluate reports whether rule holds for the record behind v, and the
// observed value (or marker) for the trace.
func Evaluate(rule *CompiledRule, v *View) (bool, any) {
	if rule.Malformed != nil {
		return false, types.ObservedMalformed
	}

	resolved, err := Resolve(v, rule.Category, rule.Identifier, rule.Field)
	if err != nil || !resolved.Found {
		return false, types.ObservedNA
	}

	ok, err := Compare(rule.Operator, resolved.Value, rule.Operands)
	if err != nil {
		// Only ErrCoercionFailed reaches here; operands were validated at compile.
		return false, types.ObservedError
	}
	return ok, resolved.Value
}
