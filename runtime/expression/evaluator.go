package expression

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BDNK1/reflow/runtime"
)

// Evaluator evaluates gating predicates and step conditions against a
// context mapping step id to that step's structured output. It never fails a
// workflow: anything it cannot parse or resolve evaluates to false and is
// logged as a warning.
type Evaluator struct {
	l *slog.Logger
}

func NewEvaluator(l *slog.Logger) *Evaluator {
	if l == nil {
		l = slog.Default()
	}
	return &Evaluator{l: l}
}

// Evaluate parses and evaluates a `<ref> <op> <value>` predicate.
func (e *Evaluator) Evaluate(predicate string, ctx map[string]any) bool {
	p, err := ParsePredicate(predicate)
	if err != nil {
		e.l.Warn("Invalid predicate", "predicate", predicate, "error", err)
		return false
	}
	return e.EvaluatePredicate(p, ctx)
}

// EvaluatePredicate evaluates an already parsed predicate.
func (e *Evaluator) EvaluatePredicate(p Predicate, ctx map[string]any) bool {
	left, ok := Resolve(p.Ref, ctx)
	if !ok {
		e.l.Warn("Predicate reference could not be resolved", "predicate", p.String(), "reference", p.Ref)
		return false
	}

	result, err := compare(left, p.Op, p.Value)
	if err != nil {
		e.l.Warn("Predicate comparison failed", "predicate", p.String(), "error", err)
		return false
	}
	return result
}

// EvaluateConditions reports whether every condition on the step holds.
// A step without conditions always runs.
func (e *Evaluator) EvaluateConditions(step *runtime.StepDefinition, ctx map[string]any) bool {
	keys := make([]string, 0, len(step.Conditions))
	for k := range step.Conditions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, ref := range keys {
		if !e.Evaluate(ConditionPredicate(ref, step.Conditions[ref]), ctx) {
			e.l.Debug("Condition not met", "step", step.ID, "reference", ref)
			return false
		}
	}
	return true
}

// Resolve returns the raw value at a dotted reference, logging a warning when
// it cannot be resolved.
func (e *Evaluator) Resolve(ref string, ctx map[string]any) (any, bool) {
	v, ok := Resolve(ref, ctx)
	if !ok {
		e.l.Warn("Reference could not be resolved", "reference", ref)
	}
	return v, ok
}

// ConditionPredicate combines a condition's reference key with its declared
// expression. An expression starting with an operator is appended to the
// reference, a complete predicate stands alone, and anything else is an
// equality test against the reference.
func ConditionPredicate(ref, expr string) string {
	expr = strings.TrimSpace(expr)
	if isOperatorStart(expr) {
		return ref + " " + expr
	}
	if _, err := ParsePredicate(expr); err == nil {
		return expr
	}
	return ref + " == " + expr
}

func compare(left any, op Operator, right Literal) (bool, error) {
	switch right.Kind {
	case LiteralInt, LiteralFloat:
		l, ok := toFloat(left)
		if !ok {
			return mismatch(left, op, right)
		}
		r := right.Float
		if right.Kind == LiteralInt {
			r = float64(right.Int)
		}
		return compareOrdered(l, op, r), nil
	case LiteralString:
		l, ok := left.(string)
		if !ok {
			return mismatch(left, op, right)
		}
		return compareOrdered(l, op, right.Str), nil
	case LiteralBool:
		l, ok := left.(bool)
		if !ok {
			return mismatch(left, op, right)
		}
		switch op {
		case OpEq:
			return l == right.Bool, nil
		case OpNe:
			return l != right.Bool, nil
		}
		return false, fmt.Errorf("operator %s is not defined for booleans", op)
	}
	return false, fmt.Errorf("unknown literal kind %d", right.Kind)
}

// mismatch handles operands of different types: they are never equal and
// cannot be ordered.
func mismatch(left any, op Operator, right Literal) (bool, error) {
	switch op {
	case OpEq:
		return false, nil
	case OpNe:
		return true, nil
	}
	return false, fmt.Errorf("cannot compare %T %s %T", left, op, right.Value())
}

func compareOrdered[T float64 | string](l T, op Operator, r T) bool {
	switch op {
	case OpEq:
		return l == r
	case OpNe:
		return l != r
	case OpGt:
		return l > r
	case OpGe:
		return l >= r
	case OpLt:
		return l < r
	case OpLe:
		return l <= r
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
