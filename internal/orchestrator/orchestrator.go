// Package orchestrator schedules the matrix legs of a pipeline run.
//
// Legs are independent: each gets its own executor, result map and work
// tree, and they only meet at the trace recorder and the sinks their steps
// write to.
// Steps within a leg stay strictly sequential.
package orchestrator

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	errUtils "matrixci/internal/errors"
	"matrixci/internal/leg"
	"matrixci/internal/logger"
	"matrixci/internal/matrix"
	"matrixci/internal/pipeline"
	"matrixci/internal/platform"
	"matrixci/internal/trace"
	"matrixci/internal/trigger"
)

// Options configures one run.
type Options struct {
	RunID   string
	Event   trigger.Event
	Secrets map[string]string

	// WorkDir is the source tree. Legs never run in it: each gets a copy
	// under LegRoot/<run-id>/<leg>, removed when the run ends. An empty
	// LegRoot means a temporary directory. Simulated legs get an empty
	// directory instead of a copy.
	WorkDir string
	LegRoot string

	// Exclude lists paths under WorkDir left out of leg work trees.
	Exclude []string

	// Runner executes steps. In simulation mode it is usually a
	// leg.SimulatedRunner.
	Runner leg.StepRunner

	// Concurrency caps the number of legs running at once across all jobs.
	// Zero means runtime.NumCPU().
	Concurrency int

	// Simulate runs every leg regardless of the host platform.
	Simulate bool

	// Host is the platform legs must match when not simulating. Unknown
	// means platform.Host().
	Host platform.Platform

	// Platforms, when non-empty, restricts the run to legs on these
	// platforms. Jobs names the jobs to run; empty means all.
	Platforms []platform.Platform
	Jobs      []string

	// OnLegDone is called once per leg as it concludes. Calls may come from
	// several goroutines.
	OnLegDone func(*leg.LegResult)
}

// RunResult is the outcome of a run. Legs are ordered by job ID, then in
// matrix expansion order.
type RunResult struct {
	RunID        string
	PipelineHash string
	Event        trigger.Event
	Triggered    bool
	Legs         []*leg.LegResult
	Trace        trace.RunTrace
	TraceHash    string
}

// Failed reports whether any leg failed.
func (r *RunResult) Failed() bool {
	return lo.SomeBy(r.Legs, func(l *leg.LegResult) bool { return l.Conclusion == leg.ConclusionFailed })
}

// Count returns how many legs concluded c.
func (r *RunResult) Count(c leg.Conclusion) int {
	return lo.CountBy(r.Legs, func(l *leg.LegResult) bool { return l.Conclusion == c })
}

// Run evaluates p for opts.Event. An event the pipeline does not trigger on
// yields a result with no legs. The returned error reports engine failures
// only; step and leg failures are part of the result.
func Run(ctx context.Context, p *pipeline.Pipeline, opts Options) (*RunResult, error) {
	if p == nil {
		return nil, fmt.Errorf("nil pipeline")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("nil runner")
	}
	if err := opts.Event.Validate(); err != nil {
		return nil, err
	}

	res := &RunResult{
		RunID:        opts.RunID,
		PipelineHash: p.Hash(),
		Event:        opts.Event,
	}
	rec := trace.NewRecorder()
	log := logger.With("run", opts.RunID)

	if !trigger.Matches(p.On, opts.Event) {
		log.Info("pipeline not triggered by event", "event", opts.Event.Name, "ref", opts.Event.Ref)
		return finish(res, rec)
	}
	res.Triggered = true

	legs, err := SelectLegs(p, opts.Jobs, opts.Platforms)
	if err != nil {
		return nil, err
	}
	if len(legs) == 0 {
		log.Warn("no legs selected")
		return finish(res, rec)
	}

	host := opts.Host
	if host == platform.Unknown {
		host = platform.Host()
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = runtime.NumCPU()
	}

	jobs := map[string]*jobScope{}
	for _, id := range lo.Uniq(lo.Map(legs, func(l matrix.Leg, _ int) string { return l.JobID })) {
		jobs[id] = newJobScope(ctx, p.Jobs[id])
	}
	defer func() {
		for _, j := range jobs {
			j.cancel()
		}
	}()

	trees, err := newWorkTrees(opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := trees.release(); err != nil {
			log.Warn("removing leg work trees", "err", err)
		}
	}()

	results := make([]*leg.LegResult, len(legs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	log.Info("starting run", "legs", len(legs), "concurrency", limit, "simulate", opts.Simulate)

	for i, l := range legs {
		scope := jobs[l.JobID]
		g.Go(func() error {
			r, err := runLeg(gctx, p, scope, l, host, opts, trees, rec)
			if err != nil {
				return fmt.Errorf("leg %s: %w", l.ID, err)
			}
			results[i] = r
			if r.Conclusion == leg.ConclusionFailed && scope.failFast {
				scope.failOnce.Do(func() {
					logger.Warn("fail-fast: cancelling remaining legs of job", "job", l.JobID, "failed", l.ID)
					scope.cancel()
				})
			}
			if opts.OnLegDone != nil {
				opts.OnLegDone(r)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.Legs = results
	return finish(res, rec)
}

// jobScope is the per-job state shared by its legs: the context fail-fast
// cancels and the max-parallel semaphore.
type jobScope struct {
	job      *pipeline.Job
	ctx      context.Context
	cancel   context.CancelFunc
	failFast bool
	failOnce sync.Once
	sem      *semaphore.Weighted
}

func newJobScope(parent context.Context, job *pipeline.Job) *jobScope {
	ctx, cancel := context.WithCancel(parent)
	s := &jobScope{
		job:      job,
		ctx:      ctx,
		cancel:   cancel,
		failFast: job.Strategy.FailFastEnabled(),
	}
	if n := job.Strategy.MaxParallel; n > 0 {
		s.sem = semaphore.NewWeighted(int64(n))
	}
	return s
}

func runLeg(gctx context.Context, p *pipeline.Pipeline, scope *jobScope, l matrix.Leg, host platform.Platform, opts Options, trees *workTrees, sink trace.Sink) (*leg.LegResult, error) {
	if !opts.Simulate && l.Platform != host {
		logger.Info("leg unavailable on this host", "leg", l.ID, "platform", l.Platform, "host", host)
		return leg.Unavailable(scope.job, l, sink), nil
	}

	// Engine errors elsewhere in the run abort this leg too.
	ctx, cancel := context.WithCancel(scope.ctx)
	defer cancel()
	stop := context.AfterFunc(gctx, cancel)
	defer stop()

	if scope.sem != nil {
		if err := scope.sem.Acquire(ctx, 1); err != nil {
			return leg.Cancelled(scope.job, l, sink), nil
		}
		defer scope.sem.Release(1)
	}
	if ctx.Err() != nil {
		logger.Info("leg cancelled before it started", "leg", l.ID)
		return leg.Cancelled(scope.job, l, sink), nil
	}

	dir, err := trees.prepare(l.ID)
	if err != nil {
		return nil, err
	}
	ex, err := leg.NewExecutor(leg.Config{
		RunID:    opts.RunID,
		Pipeline: p,
		Job:      scope.job,
		Leg:      l,
		Event:    opts.Event,
		Secrets:  opts.Secrets,
		WorkDir:  dir,
		Runner:   opts.Runner,
		Trace:    sink,
	})
	if err != nil {
		return nil, err
	}
	return ex.Run(ctx)
}

func finish(res *RunResult, rec *trace.Recorder) (*RunResult, error) {
	res.Trace = rec.Trace(res.PipelineHash)
	res.Trace.Canonicalize()
	h, err := res.Trace.Hash()
	if err != nil {
		return nil, fmt.Errorf("hashing trace: %w", err)
	}
	res.TraceHash = h
	return res, nil
}

// SelectLegs expands p and keeps the legs of the named jobs on the given
// platforms. Empty filters keep everything. Unknown job names are errors.
func SelectLegs(p *pipeline.Pipeline, jobs []string, platforms []platform.Platform) ([]matrix.Leg, error) {
	for _, j := range jobs {
		if _, ok := p.Jobs[j]; !ok {
			return nil, fmt.Errorf("%w %q (have %v)", errUtils.ErrUnknownJob, j, p.JobIDs())
		}
	}
	all, err := matrix.ExpandAll(p)
	if err != nil {
		return nil, err
	}
	out := lo.Filter(all, func(l matrix.Leg, _ int) bool {
		if len(jobs) > 0 && !lo.Contains(jobs, l.JobID) {
			return false
		}
		return len(platforms) == 0 || lo.Contains(platforms, l.Platform)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}
