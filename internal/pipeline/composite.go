package pipeline

import (
	"fmt"
	"maps"
	"regexp"

	errUtils "matrixci/internal/errors"
	"matrixci/internal/guard"
)

var (
	stepRef = regexp.MustCompile(`\bsteps\.([A-Za-z_][A-Za-z0-9_]*)`)
	// statusRef matches the scoped forms success('<id>', ...) and
	// failure('<id>', ...); quotedID picks the IDs out of the arguments.
	statusRef = regexp.MustCompile(`\b(success|failure)\s*\(([^)]*)\)`)
	quotedID  = regexp.MustCompile(`'([^']*)'|"([^"]*)"`)
)

// statusRefIDs returns the step IDs named in the arguments of a status call.
func statusRefIDs(args string) []string {
	var out []string
	for _, m := range quotedID.FindAllStringSubmatch(args, -1) {
		out = append(out, m[1]+m[2])
	}
	return out
}

// expandSteps returns the steps of job with every composite call replaced by
// the composite's steps. An inlined step is named <call>_<inner> and must
// satisfy both the call's guard and its own.
func (p *Pipeline) expandSteps(job *Job) ([]Step, error) {
	out := make([]Step, 0, len(job.Steps))
	for i, s := range job.Steps {
		if !s.IsComposite() {
			out = append(out, s)
			continue
		}
		c, ok := p.Composites[s.CompositeName()]
		if !ok {
			path := fmt.Sprintf("jobs.%s.steps[%d]", job.ID, i)
			return nil, invalidCause(path, fmt.Errorf("%w: %q", errUtils.ErrUnknownComposite, s.CompositeName()))
		}

		inputs := make(map[string]string, len(c.Inputs))
		for name, in := range c.Inputs {
			inputs[name] = in.Default
		}
		for k, v := range s.With {
			inputs[k] = v
		}

		ids := make(map[string]string, len(c.Steps))
		for _, inner := range c.Steps {
			ids[inner.ID] = s.ID + "_" + inner.ID
		}
		for _, inner := range c.Steps {
			out = append(out, inline(s, inner, inputs, ids))
		}
	}
	return out, nil
}

func inline(call, inner Step, inputs, ids map[string]string) Step {
	st := inner
	st.ID = ids[inner.ID]
	st.Name = call.DisplayName() + " / " + inner.DisplayName()
	st.If = guard.Combine(call.If, renameStepRefs(inner.If, ids))
	st.With = maps.Clone(inner.With)
	st.Env = maps.Clone(call.Env)
	if st.Env == nil && inner.Env != nil {
		st.Env = map[string]string{}
	}
	maps.Copy(st.Env, inner.Env)
	st.ContinueOnError = call.ContinueOnError || inner.ContinueOnError
	st.Fatal = call.Fatal || inner.Fatal
	if st.WorkingDirectory == "" {
		st.WorkingDirectory = call.WorkingDirectory
	}
	st.Origin = call.ID
	st.Inputs = maps.Clone(inputs)
	return st
}

// renameStepRefs rewrites steps.<inner> references and scoped status calls
// to the inlined IDs.
func renameStepRefs(s string, ids map[string]string) string {
	s = stepRef.ReplaceAllStringFunc(s, func(m string) string {
		id := stepRef.FindStringSubmatch(m)[1]
		if renamed, ok := ids[id]; ok {
			return "steps." + renamed
		}
		return m
	})
	return statusRef.ReplaceAllStringFunc(s, func(m string) string {
		sub := statusRef.FindStringSubmatch(m)
		args := quotedID.ReplaceAllStringFunc(sub[2], func(q string) string {
			if renamed, ok := ids[q[1:len(q)-1]]; ok {
				return "'" + renamed + "'"
			}
			return q
		})
		return sub[1] + "(" + args + ")"
	})
}
