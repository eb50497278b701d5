package pipeline

import (
	"fmt"
	"regexp"
	"sort"

	"matrixci/internal/guard"
	"matrixci/internal/platform"
)

var (
	// Step IDs, axis names and input names are referenced from expressions
	// (steps.<id>, matrix.<axis>, inputs.<name>) and so must be identifiers.
	identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	jobID      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)
	matrixRef  = regexp.MustCompile(`^\$\{\{\s*matrix\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}$`)
)

var shells = map[string]bool{ShellBash: true, ShellSh: true, ShellPwsh: true, ShellCmd: true}

// Validate checks a loaded pipeline. Parse already runs it; it is exported
// for definitions built in code.
func (p *Pipeline) Validate() error {
	if err := p.validateDefinition(); err != nil {
		return err
	}
	return p.validateSteps()
}

// validateDefinition checks the definition as written, before composite
// calls are inlined.
func (p *Pipeline) validateDefinition() error {
	if len(p.On.Events()) == 0 {
		return invalidf("on", "no events declared")
	}
	if len(p.Jobs) == 0 {
		return invalidf("jobs", "no jobs declared")
	}

	names := make([]string, 0, len(p.Composites))
	for name := range p.Composites {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := p.validateComposite(name, p.Composites[name]); err != nil {
			return err
		}
	}

	for _, id := range p.JobIDs() {
		if err := p.validateJob(id, p.Jobs[id]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) validateComposite(name string, c Composite) error {
	path := "composites." + name
	if len(c.Steps) == 0 {
		return invalidf(path, "no steps")
	}
	for in := range c.Inputs {
		if !identifier.MatchString(in) {
			return invalidf(path+".inputs", "input name %q is not an identifier", in)
		}
	}
	seen := make(map[string]bool, len(c.Steps))
	for i, s := range c.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", path, i)
		if s.IsComposite() {
			return invalidf(sp, "composites cannot call other composites")
		}
		if err := p.validateStepShape(sp, s); err != nil {
			return err
		}
		if seen[s.ID] {
			return invalidf(sp, "duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

func (p *Pipeline) validateJob(id string, job *Job) error {
	path := "jobs." + id
	if job == nil {
		return invalidf(path, "empty job")
	}
	if !jobID.MatchString(id) {
		return invalidf(path, "job id %q must start with a letter or underscore and contain only letters, digits, '_' or '-'", id)
	}
	if err := validateMatrix(path+".strategy.matrix", job.Strategy.Matrix); err != nil {
		return err
	}
	if job.Strategy.MaxParallel < 0 {
		return invalidf(path+".strategy.max-parallel", "must not be negative")
	}
	if err := validateRunsOn(path+".runs-on", job); err != nil {
		return err
	}
	if len(job.Steps) == 0 {
		return invalidf(path+".steps", "no steps")
	}
	for i, s := range job.Steps {
		if err := p.validateStepShape(fmt.Sprintf("%s.steps[%d]", path, i), s); err != nil {
			return err
		}
	}
	return nil
}

func validateMatrix(path string, m Matrix) error {
	for _, axis := range m.AxisNames() {
		if !identifier.MatchString(axis) {
			return invalidf(path, "axis name %q is not an identifier", axis)
		}
		if len(m.Axes[axis]) == 0 {
			return invalidf(path, "axis %q has no values", axis)
		}
	}
	for i, inc := range m.Include {
		if len(inc) == 0 {
			return invalidf(fmt.Sprintf("%s.include[%d]", path, i), "empty entry")
		}
		for k := range inc {
			if !identifier.MatchString(k) {
				return invalidf(fmt.Sprintf("%s.include[%d]", path, i), "key %q is not an identifier", k)
			}
		}
	}
	for i, exc := range m.Exclude {
		if len(exc) == 0 {
			return invalidf(fmt.Sprintf("%s.exclude[%d]", path, i), "empty entry")
		}
		for k := range exc {
			if _, ok := m.Axes[k]; !ok {
				return invalidf(fmt.Sprintf("%s.exclude[%d]", path, i), "unknown axis %q", k)
			}
		}
	}
	return nil
}

func validateRunsOn(path string, job *Job) error {
	if job.RunsOn == "" {
		return invalidf(path, "required")
	}
	if m := matrixRef.FindStringSubmatch(job.RunsOn); m != nil {
		axis := m[1]
		values := append([]string(nil), job.Strategy.Matrix.Axes[axis]...)
		for _, inc := range job.Strategy.Matrix.Include {
			if v, ok := inc[axis]; ok {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			return invalidf(path, "references unknown matrix axis %q", axis)
		}
		for _, v := range values {
			if _, err := platform.Parse(v); err != nil {
				return invalidCause(path, err)
			}
		}
		return nil
	}
	if guard.HasExpressions(job.RunsOn) {
		return invalidf(path, "must be a runner label or a single ${{ matrix.<axis> }} reference")
	}
	if _, err := platform.Parse(job.RunsOn); err != nil {
		return invalidCause(path, err)
	}
	return nil
}

// ResolveRunsOn returns the platform of job for one combination of matrix
// values.
func ResolveRunsOn(job *Job, values map[string]string) (platform.Platform, error) {
	label := job.RunsOn
	if m := matrixRef.FindStringSubmatch(label); m != nil {
		v, ok := values[m[1]]
		if !ok {
			return platform.Unknown, invalidf("jobs."+job.ID+".runs-on", "matrix value %q is not set", m[1])
		}
		label = v
	}
	return platform.Parse(label)
}

func (p *Pipeline) validateStepShape(path string, s Step) error {
	if !identifier.MatchString(s.ID) {
		return invalidf(path, "step id %q is not an identifier", s.ID)
	}
	switch {
	case s.Run != "" && s.Uses != "":
		return invalidf(path, "step %q sets both run and uses", s.ID)
	case s.Run == "" && s.Uses == "":
		return invalidf(path, "step %q sets neither run nor uses", s.ID)
	}

	if s.Run != "" {
		if s.Shell != "" && !shells[s.Shell] {
			return invalidf(path, "unknown shell %q", s.Shell)
		}
		if len(s.With) > 0 {
			return invalidf(path, "with: is only valid on uses steps")
		}
		return nil
	}

	if s.Shell != "" {
		return invalidf(path, "shell: is only valid on run steps")
	}
	if s.IsComposite() {
		c, ok := p.Composites[s.CompositeName()]
		if !ok {
			return invalidf(path, "unknown composite %q", s.CompositeName())
		}
		for k := range s.With {
			if _, ok := c.Inputs[k]; !ok {
				return invalidf(path, "composite %q has no input %q", s.CompositeName(), k)
			}
		}
		for name, in := range c.Inputs {
			if _, ok := s.With[name]; in.Required && !ok && in.Default == "" {
				return invalidf(path, "composite %q requires input %q", s.CompositeName(), name)
			}
		}
		return nil
	}

	accepted, ok := actionInputs[s.Uses]
	if !ok {
		return invalidf(path, "unknown action %q", s.Uses)
	}
	for k := range s.With {
		if _, ok := accepted[k]; !ok {
			return invalidf(path, "action %q has no input %q", s.Uses, k)
		}
	}
	for k, required := range accepted {
		if _, ok := s.With[k]; required && !ok {
			return invalidf(path, "action %q requires input %q", s.Uses, k)
		}
	}
	return nil
}

// validateSteps checks the inlined steps of every job: IDs are unique,
// expressions compile, and steps.<id> references and success('<id>') or
// failure('<id>') calls point at earlier steps.
func (p *Pipeline) validateSteps() error {
	for _, id := range p.JobIDs() {
		job := p.Jobs[id]
		seen := make(map[string]bool, len(job.Steps))
		for i, s := range job.Steps {
			path := fmt.Sprintf("jobs.%s.steps[%d]", id, i)
			if s.IsComposite() {
				return invalidf(path, "composite call %q was not expanded", s.Uses)
			}
			if seen[s.ID] {
				return invalidf(path, "duplicate step id %q", s.ID)
			}
			if err := guard.Compile(s.If); err != nil {
				return invalidCause(path+".if", err)
			}
			for _, ref := range stepRef.FindAllStringSubmatch(s.If, -1) {
				if !seen[ref[1]] {
					return invalidf(path, "step %q refers to steps.%s, which does not run before it", s.ID, ref[1])
				}
			}
			for _, ref := range statusRef.FindAllStringSubmatch(s.If, -1) {
				for _, id := range statusRefIDs(ref[2]) {
					if !seen[id] {
						return invalidf(path, "step %q refers to %s('%s'), which does not run before it", s.ID, ref[1], id)
					}
				}
			}
			for _, field := range interpolatedFields(s) {
				if err := guard.CompileInterpolations(field); err != nil {
					return invalidCause(path, err)
				}
			}
			seen[s.ID] = true
		}
	}
	return nil
}

func interpolatedFields(s Step) []string {
	out := []string{s.Run, s.WorkingDirectory}
	for _, m := range []map[string]string{s.With, s.Env, s.Inputs} {
		for _, v := range m {
			out = append(out, v)
		}
	}
	return out
}
