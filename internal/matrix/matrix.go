// Package matrix expands a job's strategy matrix into legs.
package matrix

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/samber/lo"

	errUtils "matrixci/internal/errors"
	"matrixci/internal/pipeline"
	"matrixci/internal/platform"
)

// Leg is one execution of a job for a single combination of matrix values.
type Leg struct {
	ID       string
	JobID    string
	Platform platform.Platform
	Values   map[string]string
}

// Expand returns the legs of job in a deterministic order.
//
// The cross product iterates axes in sorted name order with values in declared
// order. Exclude entries remove every combination they partially match.
// Include entries extend each combination whose original axis values they
// match, and are appended as new combinations when they match none. An
// empty matrix yields exactly one leg.
func Expand(job *pipeline.Job) ([]Leg, error) {
	m := job.Strategy.Matrix
	axes := m.AxisNames()

	var combos []map[string]string
	if len(axes) > 0 {
		combos = []map[string]string{{}}
		for _, axis := range axes {
			next := make([]map[string]string, 0, len(combos)*len(m.Axes[axis]))
			for _, c := range combos {
				for _, v := range m.Axes[axis] {
					nc := maps.Clone(c)
					nc[axis] = v
					next = append(next, nc)
				}
			}
			combos = next
		}
	}

	combos = lo.Reject(combos, func(c map[string]string, _ int) bool {
		return lo.SomeBy(m.Exclude, func(exc map[string]string) bool { return subset(exc, c) })
	})

	base := len(combos)
	for _, inc := range m.Include {
		matched := false
		for i := 0; i < base; i++ {
			if matchesAxes(inc, combos[i], m.Axes) {
				maps.Copy(combos[i], inc)
				matched = true
			}
		}
		if !matched {
			combos = append(combos, maps.Clone(inc))
		}
	}

	if m.IsEmpty() {
		combos = []map[string]string{{}}
	}
	if len(combos) == 0 {
		return nil, fmt.Errorf("%w: job %q: every combination is excluded", errUtils.ErrInvalidMatrix, job.ID)
	}

	legs := make([]Leg, 0, len(combos))
	seen := make(map[string]bool, len(combos))
	for _, values := range combos {
		id := LegID(job.ID, values)
		if seen[id] {
			continue
		}
		seen[id] = true
		p, err := pipeline.ResolveRunsOn(job, values)
		if err != nil {
			return nil, fmt.Errorf("%w: leg %s: %w", errUtils.ErrInvalidMatrix, id, err)
		}
		legs = append(legs, Leg{ID: id, JobID: job.ID, Platform: p, Values: values})
	}
	return legs, nil
}

// ExpandAll expands every job of p, jobs in sorted ID order.
func ExpandAll(p *pipeline.Pipeline) ([]Leg, error) {
	var out []Leg
	for _, id := range p.JobIDs() {
		legs, err := Expand(p.Jobs[id])
		if err != nil {
			return nil, err
		}
		out = append(out, legs...)
	}
	return out, nil
}

// LegID renders job(axis=value,...) with axis names sorted.
func LegID(jobID string, values map[string]string) string {
	if len(values) == 0 {
		return jobID
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := lo.Map(keys, func(k string, _ int) string { return k + "=" + values[k] })
	return jobID + "(" + strings.Join(parts, ",") + ")"
}

// subset reports whether every key of part has the same value in full.
func subset(part, full map[string]string) bool {
	for k, v := range part {
		if full[k] != v {
			return false
		}
	}
	return true
}

// matchesAxes reports whether inc agrees with combo on every original axis it
// names. Keys that are not original axes never prevent a match.
func matchesAxes(inc, combo map[string]string, axes map[string][]string) bool {
	for k, v := range inc {
		if _, isAxis := axes[k]; isAxis && combo[k] != v {
			return false
		}
	}
	return true
}
