package leg

import (
	"time"

	"matrixci/internal/guard"
)

// Conclusion is the overall result of a leg.
type Conclusion string

const (
	ConclusionSucceeded Conclusion = "succeeded"
	ConclusionFailed    Conclusion = "failed"
	ConclusionCancelled Conclusion = "cancelled"
	// ConclusionUnavailable marks a leg whose platform is not the host's.
	ConclusionUnavailable Conclusion = "unavailable"
)

// Reason explains why a step was skipped or failed. Values are stable; they
// appear in traces and stored records.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonGuardFalse          Reason = "GuardFalse"
	ReasonFatalStepFailed     Reason = "FatalStepFailed"
	ReasonPlatformUnavailable Reason = "PlatformUnavailable"
	ReasonExitCode            Reason = "ExitCode"
	ReasonGuardError          Reason = "GuardError"
	ReasonInterpolationError  Reason = "InterpolationError"
	ReasonRunnerError         Reason = "RunnerError"
	ReasonCancelled           Reason = "Cancelled"
)

// StepResult is the explicit per-step record later guards are evaluated
// against.
type StepResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Origin string `json:"origin,omitempty"`

	State StepState `json:"state"`

	// Outcome is the raw result; Conclusion applies continue-on-error.
	// Both use the guard vocabulary: success, failure, skipped, cancelled.
	Outcome    string `json:"outcome"`
	Conclusion string `json:"conclusion"`

	Guard      string `json:"guard"`
	GuardValue bool   `json:"guardValue"`

	Reason      Reason `json:"reason,omitempty"`
	CauseStepID string `json:"causeStepId,omitempty"`
	Error       string `json:"error,omitempty"`

	ExitCode  int      `json:"exitCode"`
	Stdout    string   `json:"stdout,omitempty"`
	Stderr    string   `json:"stderr,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Status returns the view of this result visible to later guards.
func (r StepResult) Status() guard.StepStatus {
	return guard.StepStatus{ID: r.ID, Outcome: r.Outcome, Conclusion: r.Conclusion}
}

// Ran reports whether the step was started.
func (r StepResult) Ran() bool { return r.State == StepSucceeded || r.State == StepFailed }

// LegResult is the summary of one leg.
type LegResult struct {
	LegID    string            `json:"legId"`
	JobID    string            `json:"jobId"`
	Platform string            `json:"platform"`
	Values   map[string]string `json:"values,omitempty"`

	Conclusion Conclusion   `json:"conclusion"`
	Steps      []StepResult `json:"steps"`

	// ExecutionOrder lists the steps that were started, in order.
	ExecutionOrder []string `json:"executionOrder"`

	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Step returns the result of the named step.
func (r *LegResult) Step(id string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepResult{}, false
}

// FailedSteps returns the IDs of steps whose conclusion is failure.
func (r *LegResult) FailedSteps() []string {
	var out []string
	for _, s := range r.Steps {
		if s.Conclusion == guard.OutcomeFailure {
			out = append(out, s.ID)
		}
	}
	return out
}
