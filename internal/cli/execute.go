package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	charm "github.com/charmbracelet/log"

	"matrixci/internal/action"
	"matrixci/internal/artifact"
	"matrixci/internal/config"
	"matrixci/internal/coverage"
	errUtils "matrixci/internal/errors"
	"matrixci/internal/history"
	"matrixci/internal/leg"
	"matrixci/internal/logger"
	"matrixci/internal/orchestrator"
	"matrixci/internal/pipeline"
	"matrixci/internal/runner"
	"matrixci/internal/state"
)

// Layout under the state directory.
const (
	ArtifactsDir = "artifacts"
	WorkTreesDir = "work"
)

// Result is what Execute reports back to the command.
type Result struct {
	ExitCode int
	Run      state.Run
	Outcome  *orchestrator.RunResult
}

// recordFailure writes failure.json for run. A failure to record is only
// logged: the caller's cause decides the exit code.
func recordFailure(log *charm.Logger, rec *state.Recorder, run state.Run, cause error) {
	if err := rec.RecordFailure(run, cause); err != nil {
		log.Warn("recording failure", "err", err)
	}
}

// Execute runs inv and records it under cfg.StateDir.
//
// The run record is created before the pipeline is loaded so that definition
// errors and panics leave a failure.json behind. The returned error carries
// the exit code (see ExitCode).
func Execute(ctx context.Context, inv Invocation, cfg *config.Config, out printer) (res Result, execErr error) {
	res.ExitCode = ExitInternalError
	if cfg == nil {
		return res, fmt.Errorf("nil config")
	}

	st, err := state.NewStore(cfg.StateDir)
	if err != nil {
		return res, errUtils.WithExitCode(err, ExitInternalError)
	}
	rec := state.NewRecorder(st)
	run := state.Run{
		RunID:     state.NewRunID(),
		Event:     inv.Event.Name,
		Ref:       inv.Event.Ref,
		Simulated: inv.Simulate,
	}
	log := logger.With("run", run.RunID)

	p, err := loadPipeline(inv.PipelinePath)
	if err != nil {
		recordFailure(log, rec, run, err)
		res.ExitCode = ExitConfigError
		return res, errUtils.WithExitCode(err, ExitConfigError)
	}
	run.PipelineName = p.Name
	run.PipelineHash = p.Hash()

	if run, err = rec.StartRun(run); err != nil {
		return res, errUtils.WithExitCode(err, ExitInternalError)
	}
	res.Run = run

	defer func() {
		if r := recover(); r != nil {
			cause := &state.SystemError{Code: "Panic", Message: fmt.Sprintf("panic: %v", r)}
			recordFailure(log, rec, run, cause)
			res.ExitCode = ExitInternalError
			res.Outcome = nil
			execErr = errUtils.WithExitCode(cause, ExitInternalError)
		}
	}()

	concurrency := inv.Concurrency
	if concurrency == 0 {
		concurrency = cfg.Concurrency
	}
	log.Info("starting run", "pipeline", p.Name, "event", inv.Event.Name, "ref", inv.Event.Ref, "simulate", inv.Simulate)
	outcome, err := orchestrator.Run(ctx, p, orchestrator.Options{
		RunID:       run.RunID,
		Event:       inv.Event,
		Secrets:     cfg.ResolveSecrets(),
		WorkDir:     inv.WorkDir,
		LegRoot:     filepath.Join(cfg.StateDir, WorkTreesDir),
		Exclude:     []string{cfg.StateDir},
		Runner:      newStepRunner(inv, cfg),
		Concurrency: concurrency,
		Simulate:    inv.Simulate,
		Platforms:   inv.Platforms,
		Jobs:        inv.Jobs,
		OnLegDone: func(l *leg.LegResult) {
			log.Info("leg done", "leg", l.LegID, "conclusion", l.Conclusion, "duration", l.Duration)
		},
	})
	if err != nil {
		// Unknown --job names are caught here, after the pipeline is known.
		if errors.Is(err, errUtils.ErrUnknownJob) {
			recordFailure(log, rec, run, &state.DefinitionError{Code: "UnknownJob", Message: err.Error(), Cause: err})
			res.ExitCode = ExitInvalidInvocation
			return res, &InvocationError{Message: err.Error()}
		}
		cause := &state.SystemError{Code: "EngineError", Message: err.Error(), Cause: err}
		recordFailure(log, rec, run, cause)
		return res, errUtils.WithExitCode(cause, ExitInternalError)
	}
	res.Outcome = outcome

	run, err = rec.FinishRun(run, outcome.Legs, outcome.TraceHash)
	if err != nil {
		return res, errUtils.WithExitCode(err, ExitInternalError)
	}
	res.Run = run

	rep := recordHistory(ctx, cfg.StateDir, run)

	if inv.TracePath != "" {
		data, err := outcome.Trace.CanonicalJSON()
		if err == nil {
			err = writeFileAtomic(inv.TracePath, append(data, '\n'))
		}
		if err != nil {
			return res, errUtils.WithExitCode(fmt.Errorf("writing trace: %w", err), ExitInternalError)
		}
	}

	out.runReport(outcome, run, rep)

	if outcome.Failed() {
		res.ExitCode = ExitPipelineFailure
		return res, errUtils.WithExitCode(errPipelineFailed, ExitPipelineFailure)
	}
	res.ExitCode = ExitSuccess
	return res, nil
}

func newStepRunner(inv Invocation, cfg *config.Config) leg.StepRunner {
	if inv.Simulate {
		return leg.SimulatedRunner{Failures: inv.Failures}
	}
	deps := action.Deps{Artifacts: artifact.NewStore(filepath.Join(cfg.StateDir, ArtifactsDir))}
	if cfg.Coverage.Endpoint != "" {
		deps.Coverage = coverage.NewUploader(cfg.Coverage.Endpoint, coverage.WithTimeout(cfg.Coverage.Timeout))
	}
	return leg.Dispatch{
		Shell:   runner.NewShellRunner(cfg.Env.Passthrough),
		Actions: action.NewRegistry(deps),
	}
}

// recordHistory indexes run and compares it with the previous run of the same
// pipeline and event. History is advisory: errors are logged, never returned.
func recordHistory(ctx context.Context, stateDir string, run state.Run) reproduction {
	var rep reproduction
	db, err := history.OpenInStateDir(stateDir)
	if err != nil {
		logger.Warn("opening run history", "err", err)
		return rep
	}
	defer db.Close()

	prev, ok, err := db.Previous(ctx, run.PipelineHash, run.Event, run.RunID)
	if err != nil {
		logger.Warn("reading run history", "err", err)
	} else if ok {
		rep = reproduction{previous: prev, found: true, reproduced: prev.TraceHash == run.TraceHash}
	}
	if err := db.Record(ctx, history.EntryFromRun(run)); err != nil {
		logger.Warn("recording run history", "err", err)
	}
	return rep
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// loadForInspection loads a pipeline for validate and plan, tagging load
// errors with ExitConfigError.
func loadForInspection(path string) (*pipeline.Pipeline, error) {
	p, err := loadPipeline(path)
	if err != nil {
		return nil, errUtils.WithExitCode(err, ExitConfigError)
	}
	return p, nil
}

