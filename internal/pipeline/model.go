// Package pipeline defines the matrixci pipeline model and its YAML loader.
//
// A pipeline is a set of jobs. Each job runs its steps once per matrix leg;
// steps are either shell commands (run:) or built-in actions (uses:). Reusable
// step groups are declared under composites: and inlined at load time.
package pipeline

import (
	"sort"
	"strings"
)

// Event names accepted under on:.
const (
	EventPush             = "push"
	EventPullRequest      = "pull_request"
	EventRelease          = "release"
	EventWorkflowDispatch = "workflow_dispatch"
)

// Built-in actions usable through uses:.
const (
	ActionCheckout       = "checkout"
	ActionUploadCoverage = "upload-coverage"
	ActionUploadArtifact = "upload-artifact"

	// CompositePrefix introduces a reference to a composite, e.g. composite/provision.
	CompositePrefix = "composite/"
)

// Shells a run step may name.
const (
	ShellBash = "bash"
	ShellSh   = "sh"
	ShellPwsh = "pwsh"
	ShellCmd  = "cmd"
)

type Pipeline struct {
	Name       string               `yaml:"name"`
	On         Triggers             `yaml:"on"`
	Env        map[string]string    `yaml:"env"`
	Composites map[string]Composite `yaml:"composites"`
	Jobs       map[string]*Job      `yaml:"jobs"`
}

// JobIDs returns the job IDs in sorted order.
func (p *Pipeline) JobIDs() []string {
	ids := make([]string, 0, len(p.Jobs))
	for id := range p.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Triggers lists the events that start the pipeline. A nil filter means the
// event is not declared.
type Triggers struct {
	Push             *EventFilter
	PullRequest      *EventFilter
	Release          *EventFilter
	WorkflowDispatch *EventFilter
}

// Filter returns the filter declared for the named event.
func (t Triggers) Filter(event string) (*EventFilter, bool) {
	var f *EventFilter
	switch event {
	case EventPush:
		f = t.Push
	case EventPullRequest:
		f = t.PullRequest
	case EventRelease:
		f = t.Release
	case EventWorkflowDispatch:
		f = t.WorkflowDispatch
	}
	return f, f != nil
}

// Events returns the declared event names in a fixed order.
func (t Triggers) Events() []string {
	var out []string
	for _, e := range []string{EventPush, EventPullRequest, EventRelease, EventWorkflowDispatch} {
		if _, ok := t.Filter(e); ok {
			out = append(out, e)
		}
	}
	return out
}

type EventFilter struct {
	Branches []string `yaml:"branches"`
	Types    []string `yaml:"types"`
}

type Job struct {
	ID       string            `yaml:"-"`
	Name     string            `yaml:"name"`
	RunsOn   string            `yaml:"runs-on"`
	Strategy Strategy          `yaml:"strategy"`
	Env      map[string]string `yaml:"env"`
	Steps    []Step            `yaml:"steps"`
}

type Strategy struct {
	FailFast    *bool  `yaml:"fail-fast"`
	MaxParallel int    `yaml:"max-parallel"`
	Matrix      Matrix `yaml:"matrix"`
}

// FailFastEnabled reports whether a failed leg cancels its sibling legs.
// Unset means enabled.
func (s Strategy) FailFastEnabled() bool { return s.FailFast == nil || *s.FailFast }

// Matrix holds the axes of a job plus include/exclude adjustments.
// Axis values are kept as written in the YAML source, so 3.13 stays "3.13".
type Matrix struct {
	Axes    map[string][]string
	Include []map[string]string
	Exclude []map[string]string
}

// AxisNames returns the axis names in sorted order.
func (m Matrix) AxisNames() []string {
	names := make([]string, 0, len(m.Axes))
	for n := range m.Axes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m Matrix) IsEmpty() bool { return len(m.Axes) == 0 && len(m.Include) == 0 }

type Step struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	If               string            `yaml:"if"`
	Run              string            `yaml:"run"`
	Shell            string            `yaml:"shell"`
	Uses             string            `yaml:"uses"`
	With             map[string]string `yaml:"with"`
	Env              map[string]string `yaml:"env"`
	ContinueOnError  bool              `yaml:"continue-on-error"`
	Fatal            bool              `yaml:"fatal"`
	WorkingDirectory string            `yaml:"working-directory"`

	// Origin is the ID of the composite call this step was inlined from.
	Origin string `yaml:"-"`
	// Inputs are the composite inputs bound for an inlined step. Values may
	// still contain ${{ }} expressions over the calling leg.
	Inputs map[string]string `yaml:"-"`
}

// DisplayName is the step name, falling back to its ID.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

func (s Step) IsComposite() bool { return strings.HasPrefix(s.Uses, CompositePrefix) }

// CompositeName returns the referenced composite for a composite call.
func (s Step) CompositeName() string {
	if !s.IsComposite() {
		return ""
	}
	return strings.TrimPrefix(s.Uses, CompositePrefix)
}

type Composite struct {
	Description string           `yaml:"description"`
	Inputs      map[string]Input `yaml:"inputs"`
	Steps       []Step           `yaml:"steps"`
}

type Input struct {
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
	Default     string `yaml:"default"`
}

// actionInputs lists the inputs each built-in action accepts; true marks a
// required input.
var actionInputs = map[string]map[string]bool{
	ActionCheckout: {
		"path": false,
	},
	ActionUploadCoverage: {
		"files":            true,
		"token":            false,
		"flags":            false,
		"fail-ci-if-error": false,
	},
	ActionUploadArtifact: {
		"name":              true,
		"path":              true,
		"if-no-files-found": false,
	},
}

// IsAction reports whether name is a built-in action.
func IsAction(name string) bool {
	_, ok := actionInputs[name]
	return ok
}
