// Package runner executes run: steps as shell processes.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"matrixci/internal/leg"
	"matrixci/internal/logger"
	"matrixci/internal/pipeline"
)

// ExitCancelled is reported for a step killed because its leg was cancelled.
const ExitCancelled = 130

// ShellRunner runs steps through the platform shell with an allow-listed
// environment.
//
// The process sees only the variables in the request (declared env and CI
// variables) plus the host variables named in Passthrough. Everything else
// in the host environment is invisible to the step.
type ShellRunner struct {
	Passthrough []string

	lookupEnv func(string) (string, bool)
}

// NewShellRunner creates a runner passing the named host variables through.
func NewShellRunner(passthrough []string) *ShellRunner {
	return &ShellRunner{Passthrough: passthrough, lookupEnv: os.LookupEnv}
}

// RunStep implements leg.StepRunner.
//
// On context cancellation the whole process group is killed and the step
// reports ExitCancelled. Failing to start the shell is returned as an error.
func (r *ShellRunner) RunStep(ctx context.Context, req leg.StepRequest) (*leg.StepOutput, error) {
	if req.Step.Run == "" {
		return nil, fmt.Errorf("step %q has no run script", req.Step.ID)
	}

	shell := req.Step.Shell
	if shell == "" {
		shell = req.Leg.Platform.DefaultShell()
	}
	name, args, err := shellCommand(shell, req.Step.Run)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = r.buildEnv(req.Env)
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := logger.With("leg", req.Leg.ID, "step", req.Step.ID)
	log.Debug("starting shell", "shell", shell, "dir", cmd.Dir)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", shell, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		log.Warn("step killed", "cause", ctx.Err())
		fmt.Fprintf(&stderr, "\nstep cancelled: %v\n", ctx.Err())
		return &leg.StepOutput{ExitCode: ExitCancelled, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute %s: %w", shell, err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &leg.StepOutput{
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// shellCommand returns the argv that runs script under shell, using the same
// fail-early flags CI runners use.
func shellCommand(shell, script string) (string, []string, error) {
	switch shell {
	case pipeline.ShellBash:
		return "bash", []string{"--noprofile", "--norc", "-eo", "pipefail", "-c", script}, nil
	case pipeline.ShellSh:
		return "sh", []string{"-e", "-c", script}, nil
	case pipeline.ShellPwsh:
		return "pwsh", []string{"-NoLogo", "-NoProfile", "-NonInteractive", "-Command", script}, nil
	case pipeline.ShellCmd:
		return "cmd", []string{"/D", "/E:ON", "/V:OFF", "/S", "/C", script}, nil
	default:
		return "", nil, fmt.Errorf("unsupported shell %q", shell)
	}
}

// buildEnv constructs the allow-listed environment: passthrough host
// variables first, then the request's variables, which win on conflict.
// The result is sorted so that the process sees a stable environment.
func (r *ShellRunner) buildEnv(declared map[string]string) []string {
	lookup := r.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	merged := make(map[string]string, len(declared)+len(r.Passthrough))
	for _, name := range r.Passthrough {
		if v, ok := lookup(name); ok {
			merged[name] = v
		}
	}
	for k, v := range declared {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
