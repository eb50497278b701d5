package leg

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"sync"
	"time"

	charm "github.com/charmbracelet/log"

	"matrixci/internal/guard"
	"matrixci/internal/logger"
	"matrixci/internal/matrix"
	"matrixci/internal/pipeline"
	"matrixci/internal/trace"
	"matrixci/internal/trigger"
)

// Config configures an Executor for one leg.
type Config struct {
	RunID    string
	Pipeline *pipeline.Pipeline
	Job      *pipeline.Job
	Leg      matrix.Leg
	Event    trigger.Event
	Secrets  map[string]string
	WorkDir  string
	Runner   StepRunner
	Trace    trace.Sink
}

// Executor runs the steps of one leg strictly in order.
//
// Every step's guard is evaluated against the explicit results of the steps
// before it; there is no ambient "did anything fail" flag. A failed fatal step
// marks every remaining step SKIPPED without evaluating their guards.
type Executor struct {
	cfg   Config
	order []string
	log   *charm.Logger

	mu     sync.Mutex
	states States
}

// NewExecutor creates an executor with every step PENDING.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Job == nil {
		return nil, fmt.Errorf("nil job")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("nil runner")
	}
	if cfg.Leg.JobID != "" && cfg.Leg.JobID != cfg.Job.ID {
		return nil, fmt.Errorf("leg %q belongs to job %q, not %q", cfg.Leg.ID, cfg.Leg.JobID, cfg.Job.ID)
	}
	if cfg.Leg.ID == "" {
		cfg.Leg.ID = cfg.Job.ID
		cfg.Leg.JobID = cfg.Job.ID
	}

	order := make([]string, 0, len(cfg.Job.Steps))
	states := make(States, len(cfg.Job.Steps))
	for _, s := range cfg.Job.Steps {
		if _, dup := states[s.ID]; dup {
			return nil, fmt.Errorf("duplicate step id %q", s.ID)
		}
		order = append(order, s.ID)
		states[s.ID] = StepPending
	}

	return &Executor{
		cfg:    cfg,
		order:  order,
		states: states,
		log:    logger.With("leg", cfg.Leg.ID),
	}, nil
}

// StateSnapshot returns a copy of the current step states.
func (e *Executor) StateSnapshot() States {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.states)
}

// Run executes the leg.
//
// Once ctx is cancelled, cancelled() becomes true and success() false for the
// remaining guards; steps that still run (always(), cancelled()) get a
// context that is no longer cancelled. The returned error reports engine
// invariant violations only; step failures are part of the result.
func (e *Executor) Run(ctx context.Context) (*LegResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	res := &LegResult{
		LegID:     e.cfg.Leg.ID,
		JobID:     e.cfg.Job.ID,
		Platform:  e.cfg.Leg.Platform.String(),
		Values:    maps.Clone(e.cfg.Leg.Values),
		StartedAt: start,
	}
	baseEnv := e.baseEnv()

	var (
		prior      []guard.StepStatus
		fatalCause string
	)
	for seq, st := range e.cfg.Job.Steps {
		e.mu.Lock()
		cur := e.states[st.ID]
		e.mu.Unlock()

		var r StepResult
		if cur == StepSkipped {
			r = newResult(st)
			r.State = StepSkipped
			r.Outcome, r.Conclusion = guard.OutcomeSkipped, guard.OutcomeSkipped
			r.Reason = ReasonFatalStepFailed
			r.CauseStepID = fatalCause
		} else {
			var err error
			r, err = e.runStep(ctx, st, prior, baseEnv)
			if err != nil {
				return nil, err
			}
		}

		if r.State == StepFailed && st.Fatal && r.Conclusion == guard.OutcomeFailure {
			e.mu.Lock()
			skipped, err := SkipRemaining(e.order, e.states, st.ID)
			e.mu.Unlock()
			if err != nil {
				return nil, err
			}
			fatalCause = st.ID
			if len(skipped) > 0 {
				e.log.Warn("fatal step failed, skipping the rest of the leg", "step", st.ID, "skipped", len(skipped))
			}
		}

		res.Steps = append(res.Steps, r)
		if r.Ran() {
			res.ExecutionOrder = append(res.ExecutionOrder, r.ID)
		}
		prior = append(prior, r.Status())
		recordStep(e.cfg.Trace, e.cfg.Leg.ID, seq, r)
	}

	res.Conclusion = conclude(res.Steps, ctx.Err() != nil)
	res.Duration = time.Since(start)
	trace.Emit(e.cfg.Trace, trace.Event{
		Kind:       trace.EventLegConcluded,
		LegID:      res.LegID,
		Seq:        len(res.Steps),
		Conclusion: string(res.Conclusion),
	})
	e.log.Info("leg concluded", "conclusion", res.Conclusion, "failed", res.FailedSteps())
	return res, nil
}

func (e *Executor) runStep(ctx context.Context, st pipeline.Step, prior []guard.StepStatus, baseEnv map[string]string) (StepResult, error) {
	r := newResult(st)
	gctx := e.guardContext(prior, ctx.Err() != nil, baseEnv)

	if len(st.Inputs) > 0 {
		inputs, err := guard.InterpolateMap(st.Inputs, gctx)
		if err != nil {
			return e.failBeforeStart(st, r, ReasonInterpolationError, err)
		}
		gctx.Inputs = inputs
	}

	ok, err := guard.Eval(st.If, gctx)
	if err != nil {
		return e.failBeforeStart(st, r, ReasonGuardError, err)
	}
	r.GuardValue = ok
	if !ok {
		if err := e.transition(st.ID, StepPending, StepSkipped); err != nil {
			return r, err
		}
		r.State = StepSkipped
		r.Outcome, r.Conclusion = guard.OutcomeSkipped, guard.OutcomeSkipped
		r.Reason = ReasonGuardFalse
		e.log.Debug("step skipped", "step", st.ID, "guard", r.Guard)
		return r, nil
	}

	if err := e.transition(st.ID, StepPending, StepRunning); err != nil {
		return r, err
	}
	req, err := e.request(st, gctx, baseEnv)
	if err != nil {
		return e.finish(st, r, guard.OutcomeFailure, ReasonInterpolationError, err)
	}

	runCtx := ctx
	if gctx.Cancelled {
		runCtx = context.WithoutCancel(ctx)
	}
	e.log.Debug("step started", "step", st.ID)
	started := time.Now()
	out, err := e.cfg.Runner.RunStep(runCtx, req)
	r.Duration = time.Since(started)

	switch {
	case err != nil:
		r.ExitCode = -1
		return e.finish(st, r, guard.OutcomeFailure, ReasonRunnerError, err)
	case out == nil:
		r.ExitCode = -1
		return e.finish(st, r, guard.OutcomeFailure, ReasonRunnerError, fmt.Errorf("runner returned no output"))
	}

	r.ExitCode = out.ExitCode
	r.Stdout = string(out.Stdout)
	r.Stderr = string(out.Stderr)
	r.Artifacts = out.Artifacts
	switch {
	case out.ExitCode == 0:
		return e.finish(st, r, guard.OutcomeSuccess, ReasonNone, nil)
	case !gctx.Cancelled && ctx.Err() != nil:
		return e.finish(st, r, guard.OutcomeCancelled, ReasonCancelled, ctx.Err())
	default:
		return e.finish(st, r, guard.OutcomeFailure, ReasonExitCode, nil)
	}
}

// failBeforeStart fails a step whose guard or inputs could not be evaluated.
// The step still passes through RUNNING so that the state machine is honoured.
func (e *Executor) failBeforeStart(st pipeline.Step, r StepResult, reason Reason, cause error) (StepResult, error) {
	if err := e.transition(st.ID, StepPending, StepRunning); err != nil {
		return r, err
	}
	r.ExitCode = -1
	return e.finish(st, r, guard.OutcomeFailure, reason, cause)
}

func (e *Executor) finish(st pipeline.Step, r StepResult, outcome string, reason Reason, cause error) (StepResult, error) {
	to := StepFailed
	if outcome == guard.OutcomeSuccess {
		to = StepSucceeded
	}
	if err := e.transition(st.ID, StepRunning, to); err != nil {
		return r, err
	}
	r.State = to
	r.Outcome = outcome
	r.Conclusion = outcome
	if outcome == guard.OutcomeFailure && st.ContinueOnError {
		r.Conclusion = guard.OutcomeSuccess
	}
	r.Reason = reason
	if cause != nil {
		r.Error = cause.Error()
	}

	if to == StepFailed {
		e.log.Warn("step failed", "step", st.ID, "reason", reason, "exit", r.ExitCode, "tolerated", r.Conclusion == guard.OutcomeSuccess)
	} else {
		e.log.Debug("step succeeded", "step", st.ID, "duration", r.Duration)
	}
	return r, nil
}

func (e *Executor) transition(id string, from, to StepState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Transition(e.states, id, from, to)
}

func (e *Executor) guardContext(prior []guard.StepStatus, cancelled bool, env map[string]string) guard.Context {
	return guard.Context{
		RunnerOS:  e.cfg.Leg.Platform.String(),
		EventName: e.cfg.Event.Name,
		Ref:       e.cfg.Event.Ref,
		Matrix:    e.cfg.Leg.Values,
		Env:       env,
		Secrets:   e.cfg.Secrets,
		Steps:     prior,
		Cancelled: cancelled,
	}
}

// baseEnv is the pipeline env overlaid with the job env, interpolated once
// per leg. Values that fail to interpolate are kept as written; the step
// that uses them reports the error.
func (e *Executor) baseEnv() map[string]string {
	raw := map[string]string{}
	if e.cfg.Pipeline != nil {
		maps.Copy(raw, e.cfg.Pipeline.Env)
	}
	maps.Copy(raw, e.cfg.Job.Env)

	gctx := e.guardContext(nil, false, nil)
	out, err := guard.InterpolateMap(raw, gctx)
	if err != nil {
		e.log.Warn("could not interpolate job environment", "err", err)
		return raw
	}
	return out
}

func (e *Executor) request(st pipeline.Step, gctx guard.Context, baseEnv map[string]string) (StepRequest, error) {
	var err error
	s := st
	if s.Run, err = guard.Interpolate(st.Run, gctx); err != nil {
		return StepRequest{}, fmt.Errorf("run: %w", err)
	}
	if s.With, err = guard.InterpolateMap(st.With, gctx); err != nil {
		return StepRequest{}, fmt.Errorf("with.%w", err)
	}
	if s.WorkingDirectory, err = guard.Interpolate(st.WorkingDirectory, gctx); err != nil {
		return StepRequest{}, fmt.Errorf("working-directory: %w", err)
	}
	stepEnv, err := guard.InterpolateMap(st.Env, gctx)
	if err != nil {
		return StepRequest{}, fmt.Errorf("env.%w", err)
	}
	s.Env = stepEnv

	env := maps.Clone(baseEnv)
	if env == nil {
		env = map[string]string{}
	}
	maps.Copy(env, stepEnv)
	maps.Copy(env, e.ciEnv(st.ID))

	workDir := e.cfg.WorkDir
	if s.WorkingDirectory != "" {
		if filepath.IsAbs(s.WorkingDirectory) {
			workDir = s.WorkingDirectory
		} else {
			workDir = filepath.Join(workDir, s.WorkingDirectory)
		}
	}

	return StepRequest{
		RunID:   e.cfg.RunID,
		Leg:     e.cfg.Leg,
		Event:   e.cfg.Event,
		Step:    s,
		WorkDir: workDir,
		Env:     env,
	}, nil
}

func (e *Executor) ciEnv(stepID string) map[string]string {
	return map[string]string{
		"CI":              "true",
		"MATRIXCI":        "true",
		"MATRIXCI_RUN_ID": e.cfg.RunID,
		"MATRIXCI_JOB":    e.cfg.Job.ID,
		"MATRIXCI_LEG":    e.cfg.Leg.ID,
		"MATRIXCI_STEP":   stepID,
		"MATRIXCI_EVENT":  e.cfg.Event.Name,
		"MATRIXCI_REF":    e.cfg.Event.Ref,
		"MATRIXCI_SHA":    e.cfg.Event.SHA,
		"RUNNER_OS":       e.cfg.Leg.Platform.String(),
	}
}

func newResult(st pipeline.Step) StepResult {
	return StepResult{
		ID:     st.ID,
		Name:   st.DisplayName(),
		Origin: st.Origin,
		State:  StepPending,
		Guard:  guard.Normalize(st.If),
	}
}

// conclude derives the leg conclusion: failed if any step concluded failure,
// else cancelled if the leg was cancelled, else succeeded.
func conclude(steps []StepResult, cancelled bool) Conclusion {
	for _, s := range steps {
		if s.Conclusion == guard.OutcomeFailure {
			return ConclusionFailed
		}
	}
	if cancelled {
		return ConclusionCancelled
	}
	for _, s := range steps {
		if s.Outcome == guard.OutcomeCancelled {
			return ConclusionCancelled
		}
	}
	return ConclusionSucceeded
}

// Unavailable builds the result of a leg that cannot run on this host: every
// step is SKIPPED with reason PlatformUnavailable.
func Unavailable(job *pipeline.Job, l matrix.Leg, sink trace.Sink) *LegResult {
	return notStarted(job, l, sink, ConclusionUnavailable, ReasonPlatformUnavailable)
}

// Cancelled builds the result of a leg that was cancelled before it started.
// None of its steps run, always() ones included.
func Cancelled(job *pipeline.Job, l matrix.Leg, sink trace.Sink) *LegResult {
	return notStarted(job, l, sink, ConclusionCancelled, ReasonCancelled)
}

func notStarted(job *pipeline.Job, l matrix.Leg, sink trace.Sink, c Conclusion, reason Reason) *LegResult {
	res := &LegResult{
		LegID:      l.ID,
		JobID:      job.ID,
		Platform:   l.Platform.String(),
		Values:     maps.Clone(l.Values),
		Conclusion: c,
		StartedAt:  time.Now(),
	}
	for seq, st := range job.Steps {
		r := newResult(st)
		r.State = StepSkipped
		r.Outcome, r.Conclusion = guard.OutcomeSkipped, guard.OutcomeSkipped
		r.Reason = reason
		res.Steps = append(res.Steps, r)
		recordStep(sink, l.ID, seq, r)
	}
	trace.Emit(sink, trace.Event{
		Kind:       trace.EventLegConcluded,
		LegID:      l.ID,
		Seq:        len(res.Steps),
		Conclusion: string(res.Conclusion),
	})
	return res
}

func recordStep(sink trace.Sink, legID string, seq int, r StepResult) {
	ev := trace.Event{LegID: legID, StepID: r.ID, Seq: seq, Reason: string(r.Reason)}
	switch r.State {
	case StepSkipped:
		ev.Kind = trace.EventStepSkipped
		ev.CauseStepID = r.CauseStepID
	case StepFailed:
		ev.Kind = trace.EventStepFailed
		ev.Conclusion = r.Conclusion
	default:
		ev.Kind = trace.EventStepExecuted
		ev.Artifacts = r.Artifacts
	}
	trace.Emit(sink, ev)
}
