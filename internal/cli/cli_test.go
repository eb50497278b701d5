package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	charm "github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrixci/internal/config"
	"matrixci/internal/leg"
	"matrixci/internal/state"
)

const smallPipeline = `
name: small
on:
  push:
    branches: [main]
jobs:
  build:
    runs-on: ${{ matrix.os }}
    strategy:
      fail-fast: false
      matrix:
        os: [ubuntu-latest, windows-latest]
    steps:
      - id: compile
        run: make
      - id: tests
        run: make test
      - id: report
        if: always()
        run: echo done
`

func runCLI(t *testing.T, workDir string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--workdir", workDir, "--log-level", "off", "--color", "never"}, args...)
	code := Main(context.Background(), full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writePipeline(t *testing.T, dir, src string) string {
	t.Helper()
	path := filepath.Join(dir, "matrixci.yaml")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func loadRuns(t *testing.T, workDir string) []state.Run {
	t.Helper()
	st, err := state.NewStore(filepath.Join(workDir, ".matrixci"))
	require.NoError(t, err)
	ids, err := st.ListRunIDs()
	require.NoError(t, err)
	var runs []state.Run
	for _, id := range ids {
		r, err := st.LoadRun(id)
		require.NoError(t, err)
		runs = append(runs, r)
	}
	return runs
}

func TestRun_SimulatedSuccess(t *testing.T) {
	work := t.TempDir()
	writePipeline(t, work, smallPipeline)

	code, out, errOut := runCLI(t, work, "run", "--simulate")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "build(os=ubuntu-latest)")
	assert.Contains(t, out, "build(os=windows-latest)")
	assert.Contains(t, out, "SUCCEEDED")

	runs := loadRuns(t, work)
	require.Len(t, runs, 1)
	assert.Equal(t, state.RunSucceeded, runs[0].Status)
	assert.Equal(t, 2, runs[0].LegsTotal)
	assert.True(t, runs[0].Simulated)
	assert.NotEmpty(t, runs[0].TraceHash)
}

func TestRun_ForcedFailureExitsOneAndRecordsFailure(t *testing.T) {
	work := t.TempDir()
	writePipeline(t, work, smallPipeline)

	code, out, _ := runCLI(t, work, "run", "--simulate", "--fail", "tests@Windows")
	require.Equal(t, ExitPipelineFailure, code)
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "1 succeeded, 1 failed")

	runs := loadRuns(t, work)
	require.Len(t, runs, 1)
	assert.Equal(t, state.RunFailed, runs[0].Status)
	assert.Equal(t, 1, runs[0].LegsFailed)

	st, err := state.NewStore(filepath.Join(work, ".matrixci"))
	require.NoError(t, err)
	f, ok, err := st.LoadFailure(runs[0].RunID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.FailureExecution, f.FailureClass)
	require.NotNil(t, f.StepID)
	assert.Equal(t, "tests", *f.StepID)

	legs, err := st.LoadLegs(runs[0].RunID)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	windows := legs[1]
	if !strings.Contains(windows.LegID, "windows") {
		windows = legs[0]
	}
	report, ok := windows.Step("report")
	require.True(t, ok)
	assert.True(t, report.Ran(), "always() step must run after a failure")
}

func TestRun_ReproducedAcrossRuns(t *testing.T) {
	work := t.TempDir()
	writePipeline(t, work, smallPipeline)

	code, _, errOut := runCLI(t, work, "run", "--simulate", "--trace", "first.json")
	require.Equal(t, ExitSuccess, code, errOut)
	code, out, errOut := runCLI(t, work, "run", "--simulate", "--trace", "second.json")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "reproduced evaluation of run")

	first, err := os.ReadFile(filepath.Join(work, "first.json"))
	require.NoError(t, err)
	second, err := os.ReadFile(filepath.Join(work, "second.json"))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
	assert.True(t, json.Valid(first))
}

func TestRun_InvalidPipelineIsConfigError(t *testing.T) {
	work := t.TempDir()
	writePipeline(t, work, "name: broken\non: [push]\njobs: {}\n")

	code, _, errOut := runCLI(t, work, "run", "--simulate")
	require.Equal(t, ExitConfigError, code)
	assert.Contains(t, errOut, "matrixci:")

	runs := loadRuns(t, work)
	require.Len(t, runs, 1)
	assert.Equal(t, state.RunErrored, runs[0].Status)

	st, err := state.NewStore(filepath.Join(work, ".matrixci"))
	require.NoError(t, err)
	f, ok, err := st.LoadFailure(runs[0].RunID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.FailureDefinition, f.FailureClass)
}

func TestRun_NotTriggered(t *testing.T) {
	work := t.TempDir()
	writePipeline(t, work, smallPipeline)

	code, out, errOut := runCLI(t, work, "run", "--simulate", "--ref", "feature/x")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "not triggered")
}

func TestRun_ReleaseEventDefaultsToPublished(t *testing.T) {
	work := t.TempDir()

	code, out, errOut := runCLI(t, work, "run", "--simulate", "--event", "release", "--ref", "refs/tags/v1.0")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.NotContains(t, out, "not triggered")

	code, out, errOut = runCLI(t, work, "run", "--simulate", "--event", "release", "--action", "created", "--ref", "refs/tags/v1.0")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "not triggered")
}

func TestRun_DefaultPipelineWhenNoFile(t *testing.T) {
	work := t.TempDir()

	code, out, errOut := runCLI(t, work, "run", "--simulate", "--fail", "typecheck@Linux")
	require.Equal(t, ExitPipelineFailure, code, errOut)
	assert.Contains(t, out, "test(os=ubuntu-latest,runtime=3.13)")
	assert.Contains(t, out, "typecheck")
}

func TestExitCodes(t *testing.T) {
	work := t.TempDir()
	writePipeline(t, work, smallPipeline)

	tests := []struct {
		name  string
		args  []string
		empty bool // run in a work directory without matrixci.yaml
		want  int
	}{
		{"fail without simulate", []string{"run", "--fail", "tests"}, false, ExitInvalidInvocation},
		{"unknown event", []string{"run", "--simulate", "--event", "schedule"}, false, ExitInvalidInvocation},
		{"unknown platform", []string{"run", "--simulate", "--platform", "plan9"}, false, ExitInvalidInvocation},
		{"unknown job", []string{"run", "--simulate", "--job", "nope"}, false, ExitInvalidInvocation},
		{"negative concurrency", []string{"run", "--simulate", "--concurrency", "-1"}, false, ExitInvalidInvocation},
		{"unknown flag", []string{"run", "--bogus"}, false, ExitInvalidInvocation},
		{"unknown command", []string{"frobnicate"}, false, ExitInvalidInvocation},
		{"extra argument", []string{"validate", "x"}, false, ExitInvalidInvocation},
		{"bad color", []string{"--color", "sometimes", "validate"}, false, ExitInvalidInvocation},
		{"watch built-in pipeline", []string{"plan", "--watch"}, true, ExitInvalidInvocation},
		{"missing pipeline file", []string{"run", "--pipeline", "missing.yaml"}, false, ExitConfigError},
		{"missing config file", []string{"--config", "nope.yaml", "validate"}, false, ExitConfigError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := work
			if tt.empty {
				dir = t.TempDir()
			}
			code, _, errOut := runCLI(t, dir, tt.args...)
			assert.Equal(t, tt.want, code, errOut)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Run("built-in", func(t *testing.T) {
		code, out, errOut := runCLI(t, t.TempDir(), "validate")
		require.Equal(t, ExitSuccess, code, errOut)
		assert.Contains(t, out, "(built-in): ok")
		assert.Contains(t, out, "legs:   3")
	})

	t.Run("file", func(t *testing.T) {
		work := t.TempDir()
		writePipeline(t, work, smallPipeline)
		code, out, errOut := runCLI(t, work, "validate")
		require.Equal(t, ExitSuccess, code, errOut)
		assert.Contains(t, out, "name:   small")
		assert.Contains(t, out, "jobs:   build")
		assert.Contains(t, out, "legs:   2")
	})

	t.Run("invalid", func(t *testing.T) {
		work := t.TempDir()
		writePipeline(t, work, "name: x\non: [push]\njobs:\n  a:\n    runs-on: beos\n    steps:\n      - run: x\n")
		code, _, _ := runCLI(t, work, "validate")
		assert.Equal(t, ExitConfigError, code)
	})
}

func TestPlan_ShowsNormalizedGuards(t *testing.T) {
	work := t.TempDir()
	writePipeline(t, work, smallPipeline)

	code, out, errOut := runCLI(t, work, "plan", "--platform", "linux")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "build(os=ubuntu-latest)")
	assert.NotContains(t, out, "build(os=windows-latest)")
	assert.Contains(t, out, "success()")
	assert.Contains(t, out, "always()")
}

func TestHistoryAndArtifacts(t *testing.T) {
	work := t.TempDir()
	writePipeline(t, work, smallPipeline)

	code, _, _ := runCLI(t, work, "artifacts", "list", "latest")
	assert.Equal(t, ExitInvalidInvocation, code)

	code, out, _ := runCLI(t, work, "history")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "no runs recorded")

	code, _, errOut := runCLI(t, work, "run", "--simulate")
	require.Equal(t, ExitSuccess, code, errOut)
	runs := loadRuns(t, work)
	require.Len(t, runs, 1)

	code, out, errOut = runCLI(t, work, "history", "--limit", "5")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, runs[0].RunID)
	assert.Contains(t, out, "succeeded")

	code, out, errOut = runCLI(t, work, "artifacts", "list", "latest")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "no artifacts")

	code, _, _ = runCLI(t, work, "artifacts", "get", runs[0].RunID, "missing")
	assert.Equal(t, ExitInvalidInvocation, code)

	code, _, _ = runCLI(t, work, "artifacts", "list", "no-such-run")
	assert.Equal(t, ExitInvalidInvocation, code)
}

const shellPipeline = `
name: shell
on: [push]
jobs:
  build:
    runs-on: ubuntu-latest
    steps:
      - id: make
        shell: sh
        run: mkdir -p dist && echo "$MATRIXCI_SHA" > dist/out.txt
      - id: publish
        uses: upload-artifact
        with:
          name: dist
          path: dist/*.txt
`

func TestRun_ExecutesShellStepsAndStoresArtifacts(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("pipeline targets ubuntu-latest")
	}
	work := t.TempDir()
	writePipeline(t, work, shellPipeline)

	code, out, errOut := runCLI(t, work, "run", "--sha", "deadbeef")
	require.Equal(t, ExitSuccess, code, out+errOut)

	// The leg ran in its own work tree, which is gone once the run ends.
	assert.NoFileExists(t, filepath.Join(work, "dist", "out.txt"))
	runs := loadRuns(t, work)
	require.Len(t, runs, 1)
	assert.NoDirExists(t, filepath.Join(work, ".matrixci", WorkTreesDir, runs[0].RunID))

	code, out, errOut = runCLI(t, work, "artifacts", "list", "latest")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "dist")
	assert.Contains(t, out, "build")

	dest := filepath.Join(t.TempDir(), "restored")
	code, out, errOut = runCLI(t, work, "artifacts", "get", "latest", "dist", "--dest", dest)
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "restored 1 file(s)")

	b, err := os.ReadFile(filepath.Join(dest, "dist", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "deadbeef\n", string(b))
}

func TestNewStepRunner(t *testing.T) {
	cfg := &config.Config{StateDir: t.TempDir()}

	_, ok := newStepRunner(Invocation{Simulate: true}, cfg).(leg.SimulatedRunner)
	assert.True(t, ok)

	d, ok := newStepRunner(Invocation{}, cfg).(leg.Dispatch)
	require.True(t, ok)
	assert.NotNil(t, d.Shell)
	assert.NotNil(t, d.Actions)
}

func TestRun_UnknownJobRecordsFailure(t *testing.T) {
	work := t.TempDir()
	writePipeline(t, work, smallPipeline)

	code, _, _ := runCLI(t, work, "run", "--simulate", "--job", "nope")
	require.Equal(t, ExitInvalidInvocation, code)

	runs := loadRuns(t, work)
	require.Len(t, runs, 1)
	assert.Equal(t, state.RunErrored, runs[0].Status)

	st, err := state.NewStore(filepath.Join(work, ".matrixci"))
	require.NoError(t, err)
	f, ok, err := st.LoadFailure(runs[0].RunID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.FailureDefinition, f.FailureClass)
	assert.Equal(t, "UnknownJob", f.ErrorCode)
}

func TestRecordFailure_LogsWhenRecordingFails(t *testing.T) {
	st, err := state.NewStore(t.TempDir())
	require.NoError(t, err)
	var buf bytes.Buffer
	log := charm.New(&buf)

	// An invalid run ID makes the store refuse the write.
	run := state.Run{RunID: "bad/id", Event: "push", Ref: "refs/heads/main"}
	recordFailure(log, state.NewRecorder(st), run, &state.SystemError{Code: "EngineError", Message: "boom"})

	assert.Contains(t, buf.String(), "recording failure")
	assert.Contains(t, buf.String(), "bad/id")
}
