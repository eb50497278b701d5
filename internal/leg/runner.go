package leg

import (
	"context"
	"fmt"
	"strings"

	"matrixci/internal/matrix"
	"matrixci/internal/pipeline"
	"matrixci/internal/trigger"
)

// StepRunner executes a single step.
//
// A non-zero ExitCode is a step failure. A non-nil error means the step could
// not be executed at all (process failed to start, unknown action).
type StepRunner interface {
	RunStep(ctx context.Context, req StepRequest) (*StepOutput, error)
}

// StepRequest carries one fully interpolated step and its leg context.
type StepRequest struct {
	RunID string
	Leg   matrix.Leg
	Event trigger.Event
	Step  pipeline.Step

	// WorkDir is the leg work directory joined with the step's
	// working-directory, if any.
	WorkDir string

	// Env is the declared environment (pipeline, job, step) plus the CI
	// variables. Host passthrough is the runner's business.
	Env map[string]string
}

// StepOutput is what a runner reports back.
type StepOutput struct {
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	Artifacts []string
}

// Dispatch routes run: steps to Shell and uses: steps to Actions.
type Dispatch struct {
	Shell   StepRunner
	Actions StepRunner
}

func (d Dispatch) RunStep(ctx context.Context, req StepRequest) (*StepOutput, error) {
	r := d.Shell
	if req.Step.Uses != "" {
		r = d.Actions
	}
	if r == nil {
		return nil, fmt.Errorf("no runner for step %q", req.Step.ID)
	}
	return r.RunStep(ctx, req)
}

// SimulatedRunner succeeds every step without executing anything, except the
// ones named in Failures. It is used for what-if evaluation of guards.
type SimulatedRunner struct {
	Failures []Failure
}

// Failure forces a step to fail. Step matches a step ID or the ID of the
// composite call it was inlined from. Leg, when set, matches a leg ID or a
// runner.os value (Linux, Windows, macOS), case-insensitively.
type Failure struct {
	Step string
	Leg  string
}

// ParseFailures parses step[@leg] specs.
func ParseFailures(specs []string) ([]Failure, error) {
	out := make([]Failure, 0, len(specs))
	for _, s := range specs {
		step, leg, _ := strings.Cut(strings.TrimSpace(s), "@")
		if step == "" {
			return nil, fmt.Errorf("invalid failure %q: want step[@leg]", s)
		}
		out = append(out, Failure{Step: step, Leg: leg})
	}
	return out, nil
}

func (f Failure) matches(req StepRequest) bool {
	if f.Step != req.Step.ID && f.Step != req.Step.Origin {
		return false
	}
	if f.Leg == "" {
		return true
	}
	return strings.EqualFold(f.Leg, req.Leg.ID) || strings.EqualFold(f.Leg, req.Leg.Platform.String())
}

func (s SimulatedRunner) RunStep(ctx context.Context, req StepRequest) (*StepOutput, error) {
	if err := ctx.Err(); err != nil {
		return &StepOutput{ExitCode: 130, Stderr: []byte(err.Error())}, nil
	}
	for _, f := range s.Failures {
		if f.matches(req) {
			return &StepOutput{ExitCode: 1, Stderr: []byte("simulated failure\n")}, nil
		}
	}
	what := req.Step.Run
	if req.Step.Uses != "" {
		what = "uses " + req.Step.Uses
	}
	return &StepOutput{Stdout: []byte("simulated: " + what + "\n")}, nil
}
