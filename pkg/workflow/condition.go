package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/quiverops/quiver/pkg/errors"
)

// CompareOp is a binary comparison operator in an if-condition.
type CompareOp string

const (
	OpEqual          CompareOp = "=="
	OpNotEqual       CompareOp = "!="
	OpGreater        CompareOp = ">"
	OpGreaterOrEqual CompareOp = ">="
	OpLess           CompareOp = "<"
	OpLessOrEqual    CompareOp = "<="
)

// Comparison is one binary comparison inside an if-condition. Operands
// may be any JSON value and may contain references.
type Comparison struct {
	LHS interface{} `json:"lhs"`
	RHS interface{} `json:"rhs"`
	Op  CompareOp   `json:"op"`
}

// EvaluateConditions evaluates an ordered list of comparisons combined by
// logical AND. Evaluation short-circuits: the first comparison that yields
// false ends the walk and later comparisons are never evaluated.
func EvaluateConditions(conditions []Comparison, resolver *Resolver) (bool, error) {
	for i, c := range conditions {
		ok, err := evaluateComparison(c, resolver)
		if err != nil {
			return false, fmt.Errorf("condition %d: %w", i, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// evaluateComparison resolves both operands, down-casts each, and
// compares them with the typing rules below.
func evaluateComparison(c Comparison, resolver *Resolver) (bool, error) {
	lhs := downcast(resolver.Resolve(c.LHS))
	rhs := downcast(resolver.Resolve(c.RHS))
	return compare(lhs, rhs, c.Op)
}

// downcast narrows a resolved operand. Strings spelled "true" or "false"
// (case-insensitive) become booleans; otherwise strings that parse as a
// signed 64-bit integer become integers, then strings that parse as a
// 64-bit float become floats. Everything else is left as-is.
func downcast(value interface{}) interface{} {
	s, ok := value.(string)
	if !ok {
		return value
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// operand classification after down-casting
const (
	kindBool = iota
	kindNumber
	kindString
	kindOther // array, object, null: not comparable
)

func classify(value interface{}) int {
	switch value.(type) {
	case bool:
		return kindBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return kindNumber
	case string:
		return kindString
	default:
		return kindOther
	}
}

// compare applies the comparison typing rules: two booleans compare as
// booleans, a boolean/number pairing compares numerically (true is 1,
// false is 0) with integer preservation, and any pairing that still
// involves a string compares the canonical textual forms. Arrays,
// objects, and null are never comparable.
func compare(lhs, rhs interface{}, op CompareOp) (bool, error) {
	lk, rk := classify(lhs), classify(rhs)
	if lk == kindOther || rk == kindOther {
		return false, &errors.ComparisonError{
			Reason: fmt.Sprintf("cannot compare %s and %s", typeName(lhs), typeName(rhs)),
		}
	}

	switch {
	case lk == kindBool && rk == kindBool:
		return compareBools(lhs.(bool), rhs.(bool), op)
	case lk != kindString && rk != kindString:
		return compareNumbers(lhs, rhs, op)
	default:
		return compareStrings(canonical(lhs), canonical(rhs), op)
	}
}

func compareBools(lhs, rhs bool, op CompareOp) (bool, error) {
	switch op {
	case OpEqual:
		return lhs == rhs, nil
	case OpNotEqual:
		return lhs != rhs, nil
	default:
		// Ordering on booleans follows the numeric casts.
		return compareInts(boolToInt(lhs), boolToInt(rhs), op)
	}
}

// compareNumbers compares two bool-or-number operands numerically. When
// both sides are integral the comparison happens in signed 64-bit integer
// space; otherwise both sides are widened to float64.
func compareNumbers(lhs, rhs interface{}, op CompareOp) (bool, error) {
	li, lok := toInt64(lhs)
	ri, rok := toInt64(rhs)
	if lok && rok {
		return compareInts(li, ri, op)
	}
	return compareFloats(toFloat64(lhs), toFloat64(rhs), op)
}

func compareInts(lhs, rhs int64, op CompareOp) (bool, error) {
	switch op {
	case OpEqual:
		return lhs == rhs, nil
	case OpNotEqual:
		return lhs != rhs, nil
	case OpGreater:
		return lhs > rhs, nil
	case OpGreaterOrEqual:
		return lhs >= rhs, nil
	case OpLess:
		return lhs < rhs, nil
	case OpLessOrEqual:
		return lhs <= rhs, nil
	default:
		return false, &errors.ComparisonError{Reason: fmt.Sprintf("unknown operator %q", op)}
	}
}

func compareFloats(lhs, rhs float64, op CompareOp) (bool, error) {
	switch op {
	case OpEqual:
		return lhs == rhs, nil
	case OpNotEqual:
		return lhs != rhs, nil
	case OpGreater:
		return lhs > rhs, nil
	case OpGreaterOrEqual:
		return lhs >= rhs, nil
	case OpLess:
		return lhs < rhs, nil
	case OpLessOrEqual:
		return lhs <= rhs, nil
	default:
		return false, &errors.ComparisonError{Reason: fmt.Sprintf("unknown operator %q", op)}
	}
}

func compareStrings(lhs, rhs string, op CompareOp) (bool, error) {
	switch op {
	case OpEqual:
		return lhs == rhs, nil
	case OpNotEqual:
		return lhs != rhs, nil
	case OpGreater:
		return lhs > rhs, nil
	case OpGreaterOrEqual:
		return lhs >= rhs, nil
	case OpLess:
		return lhs < rhs, nil
	case OpLessOrEqual:
		return lhs <= rhs, nil
	default:
		return false, &errors.ComparisonError{Reason: fmt.Sprintf("unknown operator %q", op)}
	}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// toInt64 reports whether the operand holds an integral value, widening
// booleans to 0/1 and accepting floats that are whole numbers within the
// signed 64-bit range.
func toInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case bool:
		return boolToInt(v), true
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float32:
		return toInt64(float64(v))
	case float64:
		if v != math.Trunc(v) || v < math.MinInt64 || v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func toFloat64(value interface{}) float64 {
	switch v := value.(type) {
	case bool:
		return float64(boolToInt(v))
	case int:
		return float64(v)
	case int8:
		return float64(v)
	case int16:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint8:
		return float64(v)
	case uint16:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

// canonical renders a bool-number-string operand in its canonical textual
// form for string-typed comparisons.
func canonical(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		if n, ok := toInt64(v); ok {
			return strconv.FormatInt(n, 10)
		}
		return fmt.Sprintf("%v", v)
	}
}

func typeName(value interface{}) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		if classify(value) == kindNumber {
			return "number"
		}
		return fmt.Sprintf("%T", value)
	}
}
