// Package guard compiles and evaluates step predicates and ${{ }} interpolations.
//
// Expressions use expr-lang syntax with GitHub-style contexts (runner, matrix,
// github, env, inputs, steps) and the status functions success(), failure(),
// always() and cancelled(). A guard without a status function is implicitly
// success() && (<guard>).
package guard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"

	errUtils "matrixci/internal/errors"
)

// DefaultGuard is the predicate of a step with no if: clause.
const DefaultGuard = "success()"

const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeSkipped   = "skipped"
	OutcomeCancelled = "cancelled"
)

var (
	interpolation = regexp.MustCompile(`(?s)\$\{\{\s*(.*?)\s*\}\}`)
	statusCall    = regexp.MustCompile(`\b(success|failure|always|cancelled)\s*\(`)
)

// StepStatus is what a guard can observe about an earlier step in the leg.
type StepStatus struct {
	ID         string
	Outcome    string
	Conclusion string
}

// Context is the evaluation environment of one guard in one leg.
type Context struct {
	RunnerOS  string
	EventName string
	Ref       string
	Matrix    map[string]string
	Env       map[string]string
	Inputs    map[string]string
	Secrets   map[string]string

	// Steps holds the prior steps of the leg in execution order.
	Steps []StepStatus

	// Cancelled is set once the leg's context has been cancelled.
	Cancelled bool
}

func (c Context) step(id string) (StepStatus, bool) {
	for _, s := range c.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepStatus{}, false
}

func (c Context) success(ids ...string) bool {
	if c.Cancelled {
		return false
	}
	if len(ids) == 0 {
		for _, s := range c.Steps {
			if s.Conclusion == OutcomeFailure {
				return false
			}
		}
		return true
	}
	for _, id := range ids {
		s, ok := c.step(id)
		if !ok || s.Conclusion != OutcomeSuccess {
			return false
		}
	}
	return true
}

func (c Context) failure(ids ...string) bool {
	if len(ids) == 0 {
		for _, s := range c.Steps {
			if s.Conclusion == OutcomeFailure {
				return true
			}
		}
		return false
	}
	for _, id := range ids {
		if s, ok := c.step(id); ok && s.Conclusion == OutcomeFailure {
			return true
		}
	}
	return false
}

func (c Context) env(withSecrets bool) map[string]any {
	steps := make(map[string]any, len(c.Steps))
	for _, s := range c.Steps {
		steps[s.ID] = map[string]any{"outcome": s.Outcome, "conclusion": s.Conclusion}
	}
	env := map[string]any{
		"runner": map[string]any{"os": c.RunnerOS},
		"github": map[string]any{"event_name": c.EventName, "ref": c.Ref},
		"matrix": stringMap(c.Matrix),
		"env":    stringMap(c.Env),
		"inputs": stringMap(c.Inputs),
		"steps":  steps,

		"success":   c.success,
		"failure":   c.failure,
		"always":    func() bool { return true },
		"cancelled": func() bool { return c.Cancelled },
	}
	if withSecrets {
		env["secrets"] = stringMap(c.Secrets)
	}
	return env
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Normalize strips a surrounding ${{ }}, substitutes the default guard for an
// empty one and adds the implicit success() where no status function is used.
func Normalize(src string) string {
	s := strings.TrimSpace(src)
	if locs := interpolation.FindAllStringSubmatchIndex(s, -1); len(locs) == 1 && locs[0][0] == 0 && locs[0][1] == len(s) {
		s = strings.TrimSpace(s[locs[0][2]:locs[0][3]])
	}
	if s == "" {
		return DefaultGuard
	}
	if !statusCall.MatchString(s) {
		return "success() && (" + s + ")"
	}
	return s
}

// Combine joins an outer guard (e.g. of a composite call) with an inner one so
// that both must hold.
func Combine(outer, inner string) string {
	o, i := Normalize(outer), Normalize(inner)
	switch {
	case o == DefaultGuard:
		return i
	case i == DefaultGuard:
		return "(" + o + ") && success()"
	default:
		return "(" + o + ") && (" + i + ")"
	}
}

// Compile checks that src is a syntactically valid guard.
func Compile(src string) error {
	norm := Normalize(src)
	if _, err := expr.Compile(norm, expr.Env(Context{}.env(false))); err != nil {
		return fmt.Errorf("%w: %q: %s", errUtils.ErrGuardSyntax, src, err.Error())
	}
	return nil
}

// Eval evaluates src against c.
func Eval(src string, c Context) (bool, error) {
	norm := Normalize(src)
	env := c.env(false)
	program, err := expr.Compile(norm, expr.Env(env))
	if err != nil {
		return false, fmt.Errorf("%w: %q: %s", errUtils.ErrGuardSyntax, src, err.Error())
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("%w: %q: %s", errUtils.ErrGuardSyntax, src, err.Error())
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q yielded %T", errUtils.ErrGuardNotBoolean, src, out)
	}
	return b, nil
}
