package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"matrixci/internal/leg"
	"matrixci/internal/pipeline"
	"matrixci/internal/platform"
	"matrixci/internal/runner"
	"matrixci/internal/trigger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var push = trigger.Event{Name: pipeline.EventPush, Ref: "refs/heads/main"}

type runnerFunc func(ctx context.Context, req leg.StepRequest) (*leg.StepOutput, error)

func (f runnerFunc) RunStep(ctx context.Context, req leg.StepRequest) (*leg.StepOutput, error) {
	return f(ctx, req)
}

func simulate(t *testing.T, p *pipeline.Pipeline, failures ...string) *RunResult {
	t.Helper()
	f, err := leg.ParseFailures(failures)
	require.NoError(t, err)
	res, err := Run(context.Background(), p, Options{
		RunID:       "run-1",
		Event:       push,
		Secrets:     map[string]string{"CODECOV_TOKEN": "t"},
		WorkDir:     t.TempDir(),
		Runner:      leg.SimulatedRunner{Failures: f},
		Concurrency: 3,
		Simulate:    true,
	})
	require.NoError(t, err)
	return res
}

func legIDs(res *RunResult) []string {
	out := make([]string, len(res.Legs))
	for i, l := range res.Legs {
		out[i] = l.LegID
	}
	return out
}

func mustParse(t *testing.T, src string) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.Parse([]byte(src))
	require.NoError(t, err)
	return p
}

func TestRun_DefaultPipelineSimulated(t *testing.T) {
	res := simulate(t, pipeline.Default())

	require.True(t, res.Triggered)
	assert.Equal(t, []string{
		"test(os=ubuntu-latest,runtime=3.13)",
		"test(os=windows-latest,runtime=3.13)",
		"test(os=macos-latest,runtime=3.13)",
	}, legIDs(res))
	assert.False(t, res.Failed())
	assert.Equal(t, 3, res.Count(leg.ConclusionSucceeded))
	assert.NotEmpty(t, res.TraceHash)
	assert.Equal(t, res.PipelineHash, res.Trace.PipelineHash)

	linux := res.Legs[0]
	assert.Contains(t, linux.ExecutionOrder, "coverage")
	assert.NotContains(t, linux.ExecutionOrder, "publish")

	windows := res.Legs[1]
	assert.Contains(t, windows.ExecutionOrder, "publish")
	assert.NotContains(t, windows.ExecutionOrder, "coverage")
}

func TestRun_LegsAreIsolated(t *testing.T) {
	res := simulate(t, pipeline.Default(), "typecheck@Linux")

	assert.Equal(t, leg.ConclusionFailed, res.Legs[0].Conclusion)
	assert.Equal(t, leg.ConclusionSucceeded, res.Legs[1].Conclusion)
	assert.Equal(t, leg.ConclusionSucceeded, res.Legs[2].Conclusion)
	assert.True(t, res.Failed())

	// tests still ran, coverage was skipped on the failing leg.
	linux := res.Legs[0]
	assert.Contains(t, linux.ExecutionOrder, "tests")
	cov, ok := linux.Step("coverage")
	require.True(t, ok)
	assert.Equal(t, leg.StepSkipped, cov.State)
}

func TestRun_TraceHashIsReproducible(t *testing.T) {
	a := simulate(t, pipeline.Default(), "package@Windows")
	b := simulate(t, pipeline.Default(), "package@Windows")
	c := simulate(t, pipeline.Default())

	assert.Equal(t, a.TraceHash, b.TraceHash)
	assert.NotEqual(t, a.TraceHash, c.TraceHash)
}

func TestRun_NotTriggered(t *testing.T) {
	res, err := Run(context.Background(), pipeline.Default(), Options{
		RunID:    "r",
		Event:    trigger.Event{Name: pipeline.EventPush, Ref: "refs/heads/feature"},
		Runner:   leg.SimulatedRunner{},
		Simulate: true,
	})
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.Empty(t, res.Legs)
	assert.NotEmpty(t, res.TraceHash)
}

func TestRun_InvalidEvent(t *testing.T) {
	_, err := Run(context.Background(), pipeline.Default(), Options{Event: trigger.Event{Name: "schedule"}, Runner: leg.SimulatedRunner{}})
	assert.Error(t, err)
}

func TestRun_UnavailableLegs(t *testing.T) {
	res, err := Run(context.Background(), pipeline.Default(), Options{
		RunID:  "r",
		Event:  push,
		Runner: leg.SimulatedRunner{},
		Host:   platform.Linux,
	})
	require.NoError(t, err)
	require.Len(t, res.Legs, 3)
	assert.Equal(t, leg.ConclusionSucceeded, res.Legs[0].Conclusion)
	assert.Equal(t, leg.ConclusionUnavailable, res.Legs[1].Conclusion)
	assert.Equal(t, leg.ConclusionUnavailable, res.Legs[2].Conclusion)
	assert.False(t, res.Failed())
}

func TestRun_PlatformFilter(t *testing.T) {
	res, err := Run(context.Background(), pipeline.Default(), Options{
		RunID:     "r",
		Event:     push,
		Runner:    leg.SimulatedRunner{},
		Simulate:  true,
		Platforms: []platform.Platform{platform.Windows},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"test(os=windows-latest,runtime=3.13)"}, legIDs(res))

	_, err = Run(context.Background(), pipeline.Default(), Options{
		Event:  push,
		Runner: leg.SimulatedRunner{},
		Jobs:   []string{"nope"},
	})
	assert.Error(t, err)
}

const failFastPipeline = `
name: fail fast
on: [push]
jobs:
  build:
    runs-on: ${{ matrix.os }}
    strategy:
      fail-fast: %s
      matrix:
        os: [ubuntu-latest, windows-latest]
    steps:
      - id: work
        run: build
`

func TestRun_FailFastCancelsSiblings(t *testing.T) {
	p := mustParse(t, fmt.Sprintf(failFastPipeline, "true"))

	runner := runnerFunc(func(ctx context.Context, req leg.StepRequest) (*leg.StepOutput, error) {
		if req.Leg.Platform == platform.Windows {
			return &leg.StepOutput{ExitCode: 1}, nil
		}
		<-ctx.Done()
		return &leg.StepOutput{ExitCode: 130}, nil
	})

	res, err := Run(context.Background(), p, Options{RunID: "r", Event: push, Runner: runner, Simulate: true, Concurrency: 2})
	require.NoError(t, err)
	require.Len(t, res.Legs, 2)
	assert.Equal(t, leg.ConclusionCancelled, res.Legs[0].Conclusion)
	assert.Equal(t, leg.ConclusionFailed, res.Legs[1].Conclusion)
}

func TestRun_NoFailFastKeepsSiblings(t *testing.T) {
	p := mustParse(t, fmt.Sprintf(failFastPipeline, "false"))

	runner := runnerFunc(func(ctx context.Context, req leg.StepRequest) (*leg.StepOutput, error) {
		if req.Leg.Platform == platform.Windows {
			return &leg.StepOutput{ExitCode: 1}, nil
		}
		select {
		case <-ctx.Done():
			return &leg.StepOutput{ExitCode: 130}, nil
		case <-time.After(50 * time.Millisecond):
			return &leg.StepOutput{}, nil
		}
	})

	res, err := Run(context.Background(), p, Options{RunID: "r", Event: push, Runner: runner, Simulate: true, Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, leg.ConclusionSucceeded, res.Legs[0].Conclusion)
	assert.Equal(t, leg.ConclusionFailed, res.Legs[1].Conclusion)
}

func TestRun_MaxParallel(t *testing.T) {
	p := mustParse(t, `
name: limited
on: [push]
jobs:
  build:
    runs-on: ubuntu-latest
    strategy:
      max-parallel: 1
      matrix:
        shard: ["1", "2", "3"]
    steps:
      - run: work
`)

	var active, peak atomic.Int32
	runner := runnerFunc(func(ctx context.Context, req leg.StepRequest) (*leg.StepOutput, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return &leg.StepOutput{}, nil
	})

	res, err := Run(context.Background(), p, Options{RunID: "r", Event: push, Runner: runner, Simulate: true, Concurrency: 3})
	require.NoError(t, err)
	assert.Len(t, res.Legs, 3)
	assert.Equal(t, int32(1), peak.Load())
}

func TestRun_OnLegDone(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	_, err := Run(context.Background(), pipeline.Default(), Options{
		RunID:    "r",
		Event:    push,
		Runner:   leg.SimulatedRunner{},
		Simulate: true,
		OnLegDone: func(r *leg.LegResult) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, r.LegID)
		},
	})
	require.NoError(t, err)
	assert.Len(t, seen, 3)
}

func TestRun_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Run(ctx, pipeline.Default(), Options{RunID: "r", Event: push, Runner: leg.SimulatedRunner{}, Simulate: true})
	require.NoError(t, err)
	for _, l := range res.Legs {
		assert.Equal(t, leg.ConclusionCancelled, l.Conclusion, l.LegID)
		assert.Empty(t, l.ExecutionOrder)
	}
}

const markerPipeline = `
name: markers
on: push
jobs:
  mark:
    runs-on: ${{ matrix.os }}
    strategy:
      matrix:
        os: [ubuntu-latest]
        v: [a, b]
    steps:
      - id: write
        run: echo ${{ matrix.v }} > marker && sleep 0.5
      - id: check
        run: test "$(cat marker)" = "${{ matrix.v }}"
`

func TestRun_ConcurrentLegsGetPrivateWorkTrees(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("pipeline targets ubuntu-latest")
	}
	src := t.TempDir()
	res, err := Run(context.Background(), mustParse(t, markerPipeline), Options{
		RunID:       "run-1",
		Event:       push,
		WorkDir:     src,
		LegRoot:     filepath.Join(t.TempDir(), "work"),
		Runner:      runner.NewShellRunner([]string{"PATH"}),
		Concurrency: 2,
		Host:        platform.Linux,
	})
	require.NoError(t, err)

	require.Len(t, res.Legs, 2)
	for _, l := range res.Legs {
		assert.Equal(t, leg.ConclusionSucceeded, l.Conclusion, l.LegID)
	}
	assert.NoFileExists(t, filepath.Join(src, "marker"))
}

func TestRun_WorkTreesSeededFromSource(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "pkg", "main.txt"), []byte("hello"), 0o644))
	stateDir := filepath.Join(src, ".matrixci")
	require.NoError(t, os.MkdirAll(stateDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "history.db"), []byte("x"), 0o644))
	legRoot := filepath.Join(stateDir, "work")

	var mu sync.Mutex
	dirs := map[string]string{}
	r := runnerFunc(func(_ context.Context, req leg.StepRequest) (*leg.StepOutput, error) {
		if req.Step.ID != "write" {
			return &leg.StepOutput{}, nil
		}
		mu.Lock()
		dirs[req.Leg.ID] = req.WorkDir
		mu.Unlock()

		data, err := os.ReadFile(filepath.Join(req.WorkDir, "pkg", "main.txt"))
		if err != nil || string(data) != "hello" {
			return &leg.StepOutput{ExitCode: 1, Stderr: []byte("source not seeded")}, nil
		}
		if _, err := os.Stat(filepath.Join(req.WorkDir, ".matrixci")); err == nil {
			return &leg.StepOutput{ExitCode: 1, Stderr: []byte("state dir copied")}, nil
		}
		if err := os.WriteFile(filepath.Join(req.WorkDir, "pkg", "main.txt"), []byte(req.Leg.ID), 0o644); err != nil {
			return nil, err
		}
		return &leg.StepOutput{}, nil
	})

	res, err := Run(context.Background(), mustParse(t, markerPipeline), Options{
		RunID:       "run-1",
		Event:       push,
		WorkDir:     src,
		LegRoot:     legRoot,
		Exclude:     []string{stateDir},
		Runner:      r,
		Concurrency: 2,
		Host:        platform.Linux,
	})
	require.NoError(t, err)
	for _, l := range res.Legs {
		assert.Equal(t, leg.ConclusionSucceeded, l.Conclusion, l.LegID)
	}

	require.Len(t, dirs, 2)
	a, b := dirs["mark(os=ubuntu-latest,v=a)"], dirs["mark(os=ubuntu-latest,v=b)"]
	assert.NotEqual(t, a, b)
	assert.Equal(t, filepath.Join(legRoot, "run-1", "mark_os-ubuntu-latest_v-a"), a)

	// The source tree is untouched and the work trees are gone.
	data, err := os.ReadFile(filepath.Join(src, "pkg", "main.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.NoDirExists(t, filepath.Join(legRoot, "run-1"))
}

func TestRun_SimulatedWorkTreesStartEmpty(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.txt"), []byte("hello"), 0o644))

	var seen atomic.Int32
	r := runnerFunc(func(_ context.Context, req leg.StepRequest) (*leg.StepOutput, error) {
		entries, err := os.ReadDir(req.WorkDir)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 && req.WorkDir != src {
			seen.Add(1)
		}
		return &leg.StepOutput{}, nil
	})
	res, err := Run(context.Background(), mustParse(t, markerPipeline), Options{
		RunID:    "run-1",
		Event:    push,
		WorkDir:  src,
		Runner:   r,
		Simulate: true,
	})
	require.NoError(t, err)
	assert.False(t, res.Failed())
	assert.Equal(t, int32(2), seen.Load())
}
