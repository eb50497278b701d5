package orchestrator

import (
	"github.com/samber/lo"

	"matrixci/internal/guard"
	"matrixci/internal/matrix"
	"matrixci/internal/pipeline"
	"matrixci/internal/platform"
	"matrixci/internal/trigger"
)

// PlannedStep is the static view of one step: what it runs and the guard
// it will be evaluated with.
type PlannedStep struct {
	ID              string
	Name            string
	Origin          string
	Action          string
	Guard           string
	Fatal           bool
	ContinueOnError bool
}

// PlannedLeg is a leg that a run would schedule.
type PlannedLeg struct {
	Leg     matrix.Leg
	JobName string

	// Available is false when the leg would be reported unavailable on
	// this host.
	Available bool
	Steps     []PlannedStep
}

// Plan is what Run would schedule for an event, without executing anything.
type Plan struct {
	PipelineName string
	PipelineHash string
	Event        trigger.Event
	Triggered    bool
	Legs         []PlannedLeg
}

// BuildPlan computes the plan of p for opts. Only the event, filters,
// host and simulation flag of opts are used.
func BuildPlan(p *pipeline.Pipeline, opts Options) (*Plan, error) {
	if err := opts.Event.Validate(); err != nil {
		return nil, err
	}
	plan := &Plan{
		PipelineName: p.Name,
		PipelineHash: p.Hash(),
		Event:        opts.Event,
		Triggered:    trigger.Matches(p.On, opts.Event),
	}
	if !plan.Triggered {
		return plan, nil
	}

	host := opts.Host
	if host == platform.Unknown {
		host = platform.Host()
	}
	legs, err := SelectLegs(p, opts.Jobs, opts.Platforms)
	if err != nil {
		return nil, err
	}
	plan.Legs = lo.Map(legs, func(l matrix.Leg, _ int) PlannedLeg {
		job := p.Jobs[l.JobID]
		return PlannedLeg{
			Leg:       l,
			JobName:   lo.CoalesceOrEmpty(job.Name, job.ID),
			Available: opts.Simulate || l.Platform == host,
			Steps:     lo.Map(job.Steps, func(s pipeline.Step, _ int) PlannedStep { return planStep(s) }),
		}
	})
	return plan, nil
}

func planStep(s pipeline.Step) PlannedStep {
	action := "run"
	if s.Uses != "" {
		action = "uses: " + s.Uses
	}
	return PlannedStep{
		ID:              s.ID,
		Name:            s.DisplayName(),
		Origin:          s.Origin,
		Action:          action,
		Guard:           guard.Normalize(s.If),
		Fatal:           s.Fatal,
		ContinueOnError: s.ContinueOnError,
	}
}
