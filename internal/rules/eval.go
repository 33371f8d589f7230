package rules

import (
	"strings"
	"time"

	"github.com/qmlh/crewd/pkg/models"
)

// evalConditions folds a rule's condition chain left to right. Each clause's
// Logical operator combines it with the next clause; absent it defaults to
// AND. An empty chain matches nothing.
func evalConditions(conds []models.Condition, c *Context) bool {
	if len(conds) == 0 {
		return false
	}
	result := evalCondition(conds[0], c)
	for i := 1; i < len(conds); i++ {
		op := conds[i-1].Logical
		next := evalCondition(conds[i], c)
		if op == models.LogicalOr {
			result = result || next
		} else {
			result = result && next
		}
	}
	return result
}

// evalCondition applies one clause against the context. An unset field fails
// every operator except the negative ones, which pass vacuously.
func evalCondition(cond models.Condition, c *Context) bool {
	v, ok := c.Value(cond.Field)
	if !ok {
		return cond.Operator == models.OpNe || cond.Operator == models.OpNotContains
	}
	switch cond.Operator {
	case models.OpEq:
		return equal(v, cond.Value)
	case models.OpNe:
		return !equal(v, cond.Value)
	case models.OpGt:
		a, b, ok := bothNumbers(v, cond.Value)
		return ok && a > b
	case models.OpGte:
		a, b, ok := bothNumbers(v, cond.Value)
		return ok && a >= b
	case models.OpLt:
		a, b, ok := bothNumbers(v, cond.Value)
		return ok && a < b
	case models.OpLte:
		a, b, ok := bothNumbers(v, cond.Value)
		return ok && a <= b
	case models.OpContains:
		return contains(v, cond.Value)
	case models.OpNotContains:
		return !contains(v, cond.Value)
	case models.OpIn:
		list, ok := cond.Value.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if equal(v, item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func equal(a, b any) bool {
	if af, aok := toNumber(a); aok {
		if bf, bok := toNumber(b); bok {
			return af == bf
		}
		return false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	return a == b
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}
		return false
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	default:
		return false
	}
}

func bothNumbers(a, b any) (float64, float64, bool) {
	af, aok := toNumber(a)
	bf, bok := toNumber(b)
	return af, bf, aok && bok
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case time.Duration:
		return float64(n), true
	default:
		return 0, false
	}
}
