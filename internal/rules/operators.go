// internal/rules/operators.go
package rules

import (
	"fmt"
	"strings"

	"github.com/trialmatch/trialmatch/internal/types"
)

/*
 * Operator comparison logic.
 *
 * Implements 7 comparison operators over a closed enum dispatched through a
 * single Compare switch.
 *
 * Operators:
 *   - eq/neq: Equality; numeric when both sides are numbers, otherwise
 *     trimmed case-insensitive text
 *   - gt/lt/gte/lte: Numeric comparison after coercion
 *   - between: Inclusive numeric range [lo, hi]
 *
 * Wire tokens: each operator accepts its name ("gte") and its symbol (">=").
 * Numeric operators return ErrCoercionFailed when the observed value is not
 * numeric; the caller records that as an error marker, never an abort.
 */

// Operator is the closed set of rule comparison operators.
type Operator int

const (
	OpUnspecified Operator = iota
	OpEq
	OpNeq
	OpGt
	OpLt
	OpGte
	OpLte
	OpBetween
)

var operatorNames = map[Operator]string{
	OpEq:      "eq",
	OpNeq:     "neq",
	OpGt:      "gt",
	OpLt:      "lt",
	OpGte:     "gte",
	OpLte:     "lte",
	OpBetween: "between",
}

var operatorTokens = map[string]Operator{
	"eq": OpEq, "==": OpEq, "=": OpEq,
	"neq": OpNeq, "!=": OpNeq, "ne": OpNeq,
	"gt": OpGt, ">": OpGt,
	"lt": OpLt, "<": OpLt,
	"gte": OpGte, ">=": OpGte, "ge": OpGte,
	"lte": OpLte, "<=": OpLte, "le": OpLte,
	"between": OpBetween,
}

// ParseOperator maps a wire token to an Operator.
func ParseOperator(token string) (Operator, error) {
	op, ok := operatorTokens[strings.ToLower(strings.TrimSpace(token))]
	if !ok {
		return OpUnspecified, fmt.Errorf("%w: unknown operator %q", types.ErrMalformedRule, token)
	}
	return op, nil
}

// String returns the canonical operator name.
func (op Operator) String() string {
	if name, ok := operatorNames[op]; ok {
		return name
	}
	return "unspecified"
}

// Arity returns the number of operands the operator requires.
func (op Operator) Arity() int {
	if op == OpBetween {
		return 2
	}
	return 1
}

// IsNumeric reports whether the operator compares numerically.
func (op Operator) IsNumeric() bool {
	switch op {
	case OpGt, OpLt, OpGte, OpLte, OpBetween:
		return true
	}
	return false
}

// Compare applies op to the observed value and operands.
// Operand arity is validated at compile time; a mismatch here reports false.
func Compare(op Operator, observed any, operands []any) (bool, error) {
	if len(operands) != op.Arity() {
		return false, nil
	}

	switch op {
	case OpEq:
		return compareEqual(observed, operands[0]), nil
	case OpNeq:
		return !compareEqual(observed, operands[0]), nil
	case OpGt, OpLt, OpGte, OpLte:
		c, err := compareNumeric(observed, operands[0])
		if err != nil {
			return false, err
		}
		switch op {
		case OpGt:
			return c > 0, nil
		case OpLt:
			return c < 0, nil
		case OpGte:
			return c >= 0, nil
		default:
			return c <= 0, nil
		}
	case OpBetween:
		return compareBetween(observed, operands[0], operands[1])
	default:
		return false, nil
	}
}

// compareEqual compares numerically when both sides coerce to numbers,
// otherwise as trimmed, case-folded text. 7 equals "7.0".
func compareEqual(a, b any) bool {
	if na, err := coerceNumeric(a); err == nil {
		if nb, err := coerceNumeric(b); err == nil {
			return na == nb
		}
	}
	return strings.EqualFold(strings.TrimSpace(coerceText(a)), strings.TrimSpace(coerceText(b)))
}

// compareNumeric performs three-way numeric comparison (-1/0/1) after coercion.
func compareNumeric(a, b any) (int, error) {
	na, err := coerceNumeric(a)
	if err != nil {
		return 0, err
	}
	nb, err := coerceNumeric(b)
	if err != nil {
		return 0, err
	}
	switch {
	case na < nb:
		return -1, nil
	case na > nb:
		return 1, nil
	default:
		return 0, nil
	}
}

// compareBetween is inclusive on both bounds.
func compareBetween(value, lo, hi any) (bool, error) {
	v, err := coerceNumeric(value)
	if err != nil {
		return false, err
	}
	l, err := coerceNumeric(lo)
	if err != nil {
		return false, err
	}
	h, err := coerceNumeric(hi)
	if err != nil {
		return false, err
	}
	return l <= v && v <= h, nil
}

// toFloat64 converts value to float64 if it's a numeric type.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
