// internal/rules/coercion.go
package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/trialmatch/trialmatch/internal/types"
)

/*
 * Type coercion for rule evaluation.
 *
 * Two modes, selected by the operator:
 *   - Numeric (gt/lt/gte/lte/between): strict. Numbers pass through, numeric
 *     strings are trimmed and parsed, booleans and everything else fail.
 *   - Text (eq/neq): lenient. Every value has a string form.
 *
 * Null never reaches coercion: a nil resolved value is reported as absent
 * by the evaluator before comparison.
 */

// coerceNumeric converts value to float64 for numeric comparison.
// Whitespace-only strings, NaN and booleans return ErrCoercionFailed.
func coerceNumeric(value any) (float64, error) {
	if f, ok := toFloat64(value); ok {
		if math.IsNaN(f) {
			return 0, types.ErrCoercionFailed
		}
		return f, nil
	}

	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, types.ErrCoercionFailed
		}
		return f, nil
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return 0, types.ErrCoercionFailed
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) {
			return 0, types.ErrCoercionFailed
		}
		return f, nil
	default:
		return 0, types.ErrCoercionFailed
	}
}

// coerceText converts all types to a string representation.
func coerceText(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
