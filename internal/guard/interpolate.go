package guard

import (
	"fmt"
	"strconv"

	"github.com/expr-lang/expr"

	errUtils "matrixci/internal/errors"
)

// HasExpressions reports whether s contains any ${{ }} placeholder.
func HasExpressions(s string) bool { return interpolation.MatchString(s) }

// CompileInterpolations checks every ${{ }} placeholder in s for syntax errors.
func CompileInterpolations(s string) error {
	env := Context{}.env(true)
	for _, m := range interpolation.FindAllStringSubmatch(s, -1) {
		if _, err := expr.Compile(m[1], expr.Env(env)); err != nil {
			return fmt.Errorf("%w: %q: %s", errUtils.ErrInterpolation, m[0], err.Error())
		}
	}
	return nil
}

// Interpolate replaces each ${{ expr }} in s with its value under c.
// Secrets are visible here but never to guards.
func Interpolate(s string, c Context) (string, error) {
	if !HasExpressions(s) {
		return s, nil
	}
	env := c.env(true)
	var firstErr error
	out := interpolation.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		src := interpolation.FindStringSubmatch(match)[1]
		program, err := expr.Compile(src, expr.Env(env))
		if err != nil {
			firstErr = fmt.Errorf("%w: %q: %s", errUtils.ErrInterpolation, match, err.Error())
			return match
		}
		v, err := expr.Run(program, env)
		if err != nil {
			firstErr = fmt.Errorf("%w: %q: %s", errUtils.ErrInterpolation, match, err.Error())
			return match
		}
		return render(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// InterpolateMap interpolates every value of m into a new map.
func InterpolateMap(m map[string]string, c Context) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		iv, err := Interpolate(v, c)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = iv
	}
	return out, nil
}

func render(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
