package runner

import (
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/pkg/errors"
)

const defaultCondition = "success()"

// conditionState is what a step's `if:` can observe.
type conditionState struct {
	failed bool
	event  Event
	job    string
}

func (st conditionState) functions() map[string]govaluate.ExpressionFunction {
	return map[string]govaluate.ExpressionFunction{
		"success": func(args ...interface{}) (interface{}, error) { return !st.failed, nil },
		"failure": func(args ...interface{}) (interface{}, error) { return st.failed, nil },
		"always":  func(args ...interface{}) (interface{}, error) { return true, nil },
		"startsWith": func(args ...interface{}) (interface{}, error) {
			s, prefix, err := twoStrings("startsWith", args)
			if err != nil {
				return nil, err
			}
			return strings.HasPrefix(s, prefix), nil
		},
		"contains": func(args ...interface{}) (interface{}, error) {
			s, sub, err := twoStrings("contains", args)
			if err != nil {
				return nil, err
			}
			return strings.Contains(s, sub), nil
		},
	}
}

func (st conditionState) parameters() map[string]interface{} {
	return map[string]interface{}{
		"event":  string(st.event.Kind),
		"branch": st.event.Branch,
		"sha":    st.event.SHA,
		"job":    st.job,
	}
}

func twoStrings(name string, args []interface{}) (string, string, error) {
	if len(args) != 2 {
		return "", "", errors.Errorf("%s expects 2 arguments, got %d", name, len(args))
	}
	a, ok1 := args[0].(string)
	b, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return "", "", errors.Errorf("%s expects string arguments", name)
	}
	return a, b, nil
}

// normalizeCondition strips an optional ${{ }} wrapper. Without any status
// function the expression is implicitly and-ed with success().
func normalizeCondition(expr string) string {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "${{") && strings.HasSuffix(expr, "}}") {
		expr = strings.TrimSpace(expr[3 : len(expr)-2])
	}
	if expr == "" {
		return defaultCondition
	}
	if !strings.Contains(expr, "success(") && !strings.Contains(expr, "failure(") && !strings.Contains(expr, "always(") {
		return defaultCondition + " && (" + expr + ")"
	}
	return expr
}

func compileCondition(expr string, st conditionState) (*govaluate.EvaluableExpression, error) {
	compiled, err := govaluate.NewEvaluableExpressionWithFunctions(normalizeCondition(expr), st.functions())
	if err != nil {
		return nil, errors.Wrapf(err, "invalid if expression %q", expr)
	}
	return compiled, nil
}

// checkCondition validates syntax without evaluating.
func checkCondition(expr string) error {
	_, err := compileCondition(expr, conditionState{})
	return err
}

// evalCondition decides whether a step runs.
func evalCondition(expr string, st conditionState) (bool, error) {
	compiled, err := compileCondition(expr, st)
	if err != nil {
		return false, err
	}
	v, err := compiled.Evaluate(st.parameters())
	if err != nil {
		return false, errors.Wrapf(err, "evaluating if expression %q", expr)
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.Errorf("if expression %q is not boolean", expr)
	}
	return b, nil
}
