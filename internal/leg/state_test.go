package leg

import (
	"errors"
	"reflect"
	"testing"

	errUtils "matrixci/internal/errors"
)

func TestTransition_ValidAndInvalid(t *testing.T) {
	states := States{"a": StepPending}

	if err := Transition(states, "a", StepPending, StepRunning); err != nil {
		t.Fatalf("expected valid transition, got %v", err)
	}
	if err := Transition(states, "a", StepRunning, StepSucceeded); err != nil {
		t.Fatalf("expected valid transition, got %v", err)
	}

	// Terminal -> RUNNING is forbidden.
	if err := Transition(states, "a", StepSucceeded, StepRunning); !errors.Is(err, errUtils.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// Stale expectation.
	states["a"] = StepFailed
	if err := Transition(states, "a", StepPending, StepRunning); err == nil {
		t.Fatalf("expected error")
	}

	// PENDING cannot jump straight to a result.
	states["b"] = StepPending
	if err := Transition(states, "b", StepPending, StepSucceeded); err == nil {
		t.Fatalf("expected error")
	}

	if err := Transition(states, "missing", StepPending, StepRunning); err == nil {
		t.Fatalf("expected error for unknown step")
	}
}

func TestSkipRemaining_MarksLaterPendingSteps(t *testing.T) {
	order := []string{"checkout", "provision", "typecheck", "tests"}
	states := States{
		"checkout":  StepSucceeded,
		"provision": StepFailed,
		"typecheck": StepPending,
		"tests":     StepPending,
	}

	skipped, err := SkipRemaining(order, states, "provision")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(skipped, []string{"typecheck", "tests"}) {
		t.Fatalf("unexpected skipped set: %v", skipped)
	}
	if states["checkout"] != StepSucceeded {
		t.Fatalf("earlier step must be untouched, got %s", states["checkout"])
	}
	if states["tests"] != StepSkipped {
		t.Fatalf("expected tests skipped, got %s", states["tests"])
	}
}

func TestSkipRemaining_RejectsRunningDownstream(t *testing.T) {
	states := States{"a": StepFailed, "b": StepRunning}
	if _, err := SkipRemaining([]string{"a", "b"}, states, "a"); err == nil {
		t.Fatalf("expected invariant violation")
	}
}

func TestSkipRemaining_RequiresFailedStep(t *testing.T) {
	states := States{"a": StepSucceeded, "b": StepPending}
	if _, err := SkipRemaining([]string{"a", "b"}, states, "a"); err == nil {
		t.Fatalf("expected error")
	}
	if states["b"] != StepPending {
		t.Fatalf("state must not change on error")
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []StepState{StepSucceeded, StepFailed, StepSkipped} {
		if !IsTerminal(s) {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []StepState{StepPending, StepRunning} {
		if IsTerminal(s) {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
