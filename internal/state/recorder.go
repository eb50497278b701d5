package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"matrixci/internal/leg"
)

// NewRunID returns a fresh random run ID.
func NewRunID() string {
	return uuid.NewString()
}

// Recorder writes the lifecycle of a run: run.json when it starts, leg
// results and the final run.json when it ends, failure.json when it fails.
type Recorder struct {
	Store *Store

	now func() time.Time
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{Store: store, now: time.Now}
}

func (r *Recorder) clock() time.Time {
	if r.now == nil {
		return time.Now().UTC()
	}
	return r.now().UTC()
}

// StartRun persists run as running. A missing run ID or start time is filled
// in; the stored record is returned.
func (r *Recorder) StartRun(run Run) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("store is required")
	}
	if run.RunID == "" {
		run.RunID = NewRunID()
	}
	if run.StartTime.IsZero() {
		run.StartTime = r.clock()
	}
	run.Status = RunRunning
	run.EndTime = nil
	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// FinishRun stores every leg result, derives the run status and writes the
// final run record. A failed run also gets failure.json.
func (r *Recorder) FinishRun(run Run, legs []*leg.LegResult, traceHash string) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("store is required")
	}
	for _, l := range legs {
		if err := r.Store.SaveLeg(run.RunID, l); err != nil {
			return Run{}, err
		}
	}

	end := r.clock()
	run.EndTime = &end
	run.TraceHash = traceHash
	run.LegsTotal = len(legs)
	run.LegsFailed = 0
	run.Status = RunSucceeded
	for _, l := range legs {
		switch l.Conclusion {
		case leg.ConclusionFailed:
			run.LegsFailed++
			run.Status = RunFailed
		case leg.ConclusionCancelled:
			if run.Status != RunFailed {
				run.Status = RunCancelled
			}
		}
	}

	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, err
	}
	if f, ok := FailureFromLegs(legs); ok {
		if err := r.Store.SaveFailure(run.RunID, f); err != nil {
			return Run{}, err
		}
	}
	return run, nil
}

// RecordFailure marks run as errored and classifies err into failure.json.
func (r *Recorder) RecordFailure(run Run, cause error) error {
	if r == nil || r.Store == nil {
		return errors.New("store is required")
	}
	f, err := Classify(cause)
	if err != nil {
		return err
	}
	end := r.clock()
	run.EndTime = &end
	run.Status = RunErrored
	if run.StartTime.IsZero() {
		run.StartTime = end
	}
	if err := r.Store.SaveRun(run); err != nil {
		return fmt.Errorf("saving errored run: %w", err)
	}
	return r.Store.SaveFailure(run.RunID, f)
}
