// Package state persists run records, per-leg results and failure
// classifications under <state>/runs/<run-id>/.
package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunErrored   RunStatus = "errored"
)

// Run is the persistent record of one pipeline evaluation.
type Run struct {
	RunID        string     `json:"run_id"`
	PipelineName string     `json:"pipeline_name"`
	PipelineHash string     `json:"pipeline_hash"`
	Event        string     `json:"event"`
	Ref          string     `json:"ref,omitempty"`
	Simulated    bool       `json:"simulated"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time"`
	Status       RunStatus  `json:"status"`
	TraceHash    string     `json:"trace_hash,omitempty"`
	LegsTotal    int        `json:"legs_total"`
	LegsFailed   int        `json:"legs_failed"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	// An errored run may have failed before the pipeline could be hashed.
	if strings.TrimSpace(r.PipelineHash) == "" && r.Status != RunErrored {
		errs = append(errs, errors.New("pipeline_hash is required"))
	}
	if strings.TrimSpace(r.Event) == "" {
		errs = append(errs, errors.New("event is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case RunRunning, RunSucceeded, RunFailed, RunCancelled, RunErrored:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.LegsFailed < 0 || r.LegsFailed > r.LegsTotal {
		errs = append(errs, fmt.Errorf("legs_failed %d out of range [0,%d]", r.LegsFailed, r.LegsTotal))
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	// FailureDefinition: the pipeline or configuration is invalid; nothing ran.
	FailureDefinition FailureClass = "definition"
	// FailureProvisioning: a fatal step failed and the rest of its leg was skipped.
	FailureProvisioning FailureClass = "provisioning"
	// FailureExecution: a step failed.
	FailureExecution FailureClass = "execution"
	// FailureSystem: the engine itself failed.
	FailureSystem FailureClass = "system"
)

// Failure is the recorded reason a run did not succeed.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	LegID        *string      `json:"leg_id,omitempty"`
	StepID       *string      `json:"step_id,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureDefinition, FailureProvisioning, FailureExecution, FailureSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.LegID != nil && strings.TrimSpace(*f.LegID) == "" {
		errs = append(errs, errors.New("leg_id must not be empty when provided"))
	}
	if f.StepID != nil && strings.TrimSpace(*f.StepID) == "" {
		errs = append(errs, errors.New("step_id must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	return errors.Join(errs...)
}
