package leg

import (
	"fmt"

	errUtils "matrixci/internal/errors"
)

// StepState is the runtime state of one step in one leg.
type StepState string

const (
	StepPending   StepState = "PENDING"
	StepRunning   StepState = "RUNNING"
	StepSucceeded StepState = "SUCCEEDED"
	StepFailed    StepState = "FAILED"
	StepSkipped   StepState = "SKIPPED"
)

// States maps step IDs to their current state.
type States map[string]StepState

// IsTerminal reports whether the state is final.
func IsTerminal(s StepState) bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// Transition performs a validated transition for a single step.
//
// The caller supplies the expected prior state so that a stale view is
// reported instead of silently overwritten. states is mutated only when the
// transition is valid.
func Transition(states States, stepID string, from, to StepState) error {
	cur, ok := states[stepID]
	if !ok {
		return fmt.Errorf("%w: unknown step %q", errUtils.ErrInvalidTransition, stepID)
	}
	if cur != from {
		return fmt.Errorf("%w: %q: expected %s, got %s", errUtils.ErrInvalidTransition, stepID, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("%w: %q: %s -> %s", errUtils.ErrInvalidTransition, stepID, from, to)
	}
	states[stepID] = to
	return nil
}

func isAllowedTransition(from, to StepState) bool {
	switch from {
	case StepPending:
		return to == StepRunning || to == StepSkipped
	case StepRunning:
		return to == StepSucceeded || to == StepFailed
	default:
		return false
	}
}

// SkipRemaining marks every pending step after failedID as SKIPPED.
//
// It is applied when a fatal step fails: nothing after it can meaningfully
// run, whatever its guard says. A RUNNING step after failedID is an invariant
// violation, since steps of a leg run strictly one at a time.
func SkipRemaining(order []string, states States, failedID string) ([]string, error) {
	start := -1
	for i, id := range order {
		if id == failedID {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("%w: unknown step %q", errUtils.ErrInvalidTransition, failedID)
	}
	if st := states[failedID]; st != StepFailed {
		return nil, fmt.Errorf("%w: cannot propagate from %q in state %s", errUtils.ErrInvalidTransition, failedID, st)
	}

	var skipped []string
	for _, id := range order[start+1:] {
		switch states[id] {
		case StepPending:
			states[id] = StepSkipped
			skipped = append(skipped, id)
		case StepRunning:
			return nil, fmt.Errorf("invariant violation: step %q is RUNNING after fatal step %q", id, failedID)
		}
	}
	return skipped, nil
}
