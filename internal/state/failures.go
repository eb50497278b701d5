package state

import (
	"errors"
	"fmt"
	"sort"

	errUtils "matrixci/internal/errors"
	"matrixci/internal/guard"
	"matrixci/internal/leg"
)

// DefinitionError is an invalid pipeline or configuration. Nothing ran.
type DefinitionError struct {
	Code    string
	Message string
	Cause   error
}

func (e *DefinitionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("definition failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("definition failure: %s", e.Message)
}

func (e *DefinitionError) Unwrap() error { return e.Cause }

// SystemError is a failure of the engine rather than of a step.
type SystemError struct {
	Code    string
	Message string
	Cause   error
}

func (e *SystemError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("system failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("system failure: %s", e.Message)
}

func (e *SystemError) Unwrap() error { return e.Cause }

// definitionCodes maps sentinels that mean "the definition is wrong" to the
// code stored in failure.json.
var definitionCodes = []struct {
	err  error
	code string
}{
	{errUtils.ErrPipelineNotFound, "PipelineNotFound"},
	{errUtils.ErrInvalidConfig, "InvalidConfig"},
	{errUtils.ErrInvalidMatrix, "InvalidMatrix"},
	{errUtils.ErrUnknownPlatform, "UnknownPlatform"},
	{errUtils.ErrUnknownComposite, "UnknownComposite"},
	{errUtils.ErrUnknownAction, "UnknownAction"},
	{errUtils.ErrGuardSyntax, "GuardSyntax"},
	{errUtils.ErrInvalidEvent, "InvalidEvent"},
	{errUtils.ErrInvalidPipeline, "InvalidPipeline"},
}

// Classify maps an error that stopped a run into the failure taxonomy.
// Errors it does not recognise are system failures.
func Classify(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}

	var de *DefinitionError
	if errors.As(err, &de) && de != nil {
		return Failure{
			FailureClass: FailureDefinition,
			ErrorCode:    nonEmptyOr(de.Code, "DefinitionFailure"),
			ErrorMessage: nonEmptyOr(de.Message, de.Error()),
		}, nil
	}

	var se *SystemError
	if errors.As(err, &se) && se != nil {
		return Failure{
			FailureClass: FailureSystem,
			ErrorCode:    nonEmptyOr(se.Code, "SystemFailure"),
			ErrorMessage: nonEmptyOr(se.Message, se.Error()),
		}, nil
	}

	for _, d := range definitionCodes {
		if errors.Is(err, d.err) {
			return Failure{FailureClass: FailureDefinition, ErrorCode: d.code, ErrorMessage: err.Error()}, nil
		}
	}

	return Failure{
		FailureClass: FailureSystem,
		ErrorCode:    "UnknownError",
		ErrorMessage: err.Error(),
	}, nil
}

// FailureFromLegs describes the first failing leg (by leg ID). A failed step
// that caused later steps to be skipped as fatal is a provisioning failure;
// any other failed step is an execution failure. ok is false when no leg
// failed.
func FailureFromLegs(legs []*leg.LegResult) (f Failure, ok bool) {
	sorted := make([]*leg.LegResult, 0, len(legs))
	for _, l := range legs {
		if l != nil {
			sorted = append(sorted, l)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LegID < sorted[j].LegID })

	for _, l := range sorted {
		if l.Conclusion != leg.ConclusionFailed {
			continue
		}
		fatal := map[string]bool{}
		for _, s := range l.Steps {
			if s.Reason == leg.ReasonFatalStepFailed && s.CauseStepID != "" {
				fatal[s.CauseStepID] = true
			}
		}
		for _, s := range l.Steps {
			if s.Conclusion != guard.OutcomeFailure {
				continue
			}
			legID, stepID := l.LegID, s.ID
			class, code := FailureExecution, "StepFailed"
			if fatal[s.ID] {
				class, code = FailureProvisioning, "FatalStepFailed"
			}
			return Failure{
				FailureClass: class,
				LegID:        &legID,
				StepID:       &stepID,
				ErrorCode:    code,
				ErrorMessage: stepMessage(s),
			}, true
		}
	}
	return Failure{}, false
}

func stepMessage(s leg.StepResult) string {
	switch {
	case s.Error != "":
		return fmt.Sprintf("step %s failed: %s", s.ID, s.Error)
	case s.Reason == leg.ReasonExitCode:
		return fmt.Sprintf("step %s exited with code %d", s.ID, s.ExitCode)
	case s.Reason != leg.ReasonNone:
		return fmt.Sprintf("step %s failed (%s)", s.ID, s.Reason)
	default:
		return fmt.Sprintf("step %s failed", s.ID)
	}
}

func nonEmptyOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
