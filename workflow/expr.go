package workflow

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var exprRe = regexp.MustCompile(`\$\{\{\s*(.*?)\s*\}\}`)

var (
	ErrUndefinedAxis         = errors.New("undefined matrix axis")
	ErrUnsupportedExpression = errors.New("unsupported expression")
)

// ExprContext holds the values `${{ }}` expressions can refer to. Only plain
// property lookups are supported, there are no operators or functions.
type ExprContext struct {
	Matrix  Combination
	Trigger TriggerMetadata
}

func (c ExprContext) lookup(expr string) (string, error) {
	if name, ok := strings.CutPrefix(expr, "matrix."); ok {
		v, found := c.Matrix.Get(name)
		if !found {
			return "", fmt.Errorf("%w: %q", ErrUndefinedAxis, name)
		}
		return v, nil
	}

	switch expr {
	case "github.event_name":
		return string(c.Trigger.Kind), nil
	case "github.ref":
		return c.Trigger.Ref(), nil
	case "github.ref_name":
		return c.Trigger.Branch(), nil
	case "github.sha":
		return c.Trigger.Sha(), nil
	case "github.base_ref":
		if c.Trigger.PullRequest != nil {
			return c.Trigger.PullRequest.TargetBranch, nil
		}
		return "", nil
	case "github.head_ref":
		if c.Trigger.PullRequest != nil {
			return c.Trigger.PullRequest.SourceBranch, nil
		}
		return "", nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnsupportedExpression, expr)
}

// Interpolate substitutes every expression in s.
func Interpolate(s string, ctx ExprContext) (string, error) {
	var errs []error
	out := exprRe.ReplaceAllStringFunc(s, func(m string) string {
		expr := exprRe.FindStringSubmatch(m)[1]
		v, err := ctx.lookup(expr)
		if err != nil {
			errs = append(errs, err)
			return m
		}
		return v
	})
	return out, errors.Join(errs...)
}

// InterpolateMap returns a copy of m with every value interpolated.
func InterpolateMap(m map[string]string, ctx ExprContext) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}

	var errs []error
	out := make(map[string]string, len(m))
	for k, v := range m {
		iv, err := Interpolate(v, ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
		out[k] = iv
	}
	return out, errors.Join(errs...)
}

// CheckExpressions validates the expressions in s against the axes of m
// without needing concrete values.
func CheckExpressions(s string, m Matrix) error {
	placeholder := make(Combination, len(m))
	for i, a := range m {
		placeholder[i] = AxisValue{Name: a.Name}
	}
	_, err := Interpolate(s, ExprContext{Matrix: placeholder})
	return err
}
