package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"matrixci/internal/leg"
	"matrixci/internal/pipeline"
	"matrixci/internal/platform"
	"matrixci/internal/trigger"
)

// Invocation is the canonical description of a run or plan, resolved from
// flags. All paths are absolute.
type Invocation struct {
	WorkDir      string
	PipelinePath string // empty means the built-in pipeline
	Event        trigger.Event
	Simulate     bool
	Failures     []leg.Failure
	Platforms    []platform.Platform
	Jobs         []string
	Concurrency  int
	TracePath    string
}

// globalFlags are shared by every command.
type globalFlags struct {
	workDir    string
	configPath string
	logLevel   string
	color      string
}

func (g *globalFlags) register(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVarP(&g.workDir, "workdir", "C", "", "Work directory (default: current directory)")
	f.StringVar(&g.configPath, "config", "", "Config file (default: <workdir>/.matrixci.yaml)")
	f.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error, off")
	f.StringVar(&g.color, "color", "auto", "Colored output: auto, always, never")
}

// resolveWorkDir returns the absolute work directory.
func (g *globalFlags) resolveWorkDir() (string, error) {
	dir := g.workDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolving current directory: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", invalidInvocationf("invalid --workdir %q: %v", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", invalidInvocationf("--workdir %q is not a directory", dir)
	}
	return filepath.Clean(abs), nil
}

// selectionFlags pick the event and the legs for run and plan.
type selectionFlags struct {
	pipelinePath string
	event        string
	ref          string
	sha          string
	action       string
	platforms    []string
	jobs         []string
	simulate     bool
}

func (s *selectionFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&s.pipelinePath, "pipeline", "p", "", "Pipeline file (default: <workdir>/"+pipeline.DefaultFileName+", else the built-in pipeline)")
	f.StringVar(&s.event, "event", pipeline.EventPush, "Triggering event: push, pull_request, release, workflow_dispatch")
	f.StringVar(&s.ref, "ref", "refs/heads/main", "Git ref of the event; a bare branch name is expanded to refs/heads/<name>")
	f.StringVar(&s.sha, "sha", "", "Commit SHA of the event")
	f.StringVar(&s.action, "action", "", "Release action (release events only; default "+trigger.DefaultReleaseAction+")")
	f.StringSliceVar(&s.platforms, "platform", nil, "Only legs on these platforms (linux, windows, macos)")
	f.StringSliceVar(&s.jobs, "job", nil, "Only these jobs")
	f.BoolVar(&s.simulate, "simulate", false, "Simulate every step instead of executing it; legs run on any host")
}

func (s *selectionFlags) invocation(workDir string) (Invocation, error) {
	inv := Invocation{WorkDir: workDir, Simulate: s.simulate, Jobs: lo.Uniq(s.jobs)}

	ref := strings.TrimSpace(s.ref)
	if ref != "" && !strings.HasPrefix(ref, "refs/") {
		ref = "refs/heads/" + ref
	}
	inv.Event = trigger.Event{Name: strings.TrimSpace(s.event), Ref: ref, SHA: s.sha, Action: strings.TrimSpace(s.action)}
	if err := inv.Event.Validate(); err != nil {
		return Invocation{}, invalidInvocationf("--event: %v", err)
	}
	switch {
	case inv.Event.Name != pipeline.EventRelease && inv.Event.Action != "":
		return Invocation{}, invalidInvocationf("--action only applies to release events")
	case inv.Event.Name == pipeline.EventRelease && inv.Event.Action == "":
		inv.Event.Action = trigger.DefaultReleaseAction
	}

	for _, label := range s.platforms {
		p, err := platform.Parse(label)
		if err != nil {
			return Invocation{}, invalidInvocationf("--platform: %v", err)
		}
		inv.Platforms = append(inv.Platforms, p)
	}
	inv.Platforms = lo.Uniq(inv.Platforms)

	path, err := discoverPipeline(workDir, s.pipelinePath)
	if err != nil {
		return Invocation{}, err
	}
	inv.PipelinePath = path
	return inv, nil
}

// discoverPipeline resolves --pipeline under workDir. Without the flag it
// falls back to <workDir>/matrixci.yaml and then to the built-in pipeline
// (empty path).
func discoverPipeline(workDir, flagValue string) (string, error) {
	if strings.TrimSpace(flagValue) != "" {
		return resolveUnderWorkDir(workDir, flagValue)
	}
	candidate := filepath.Join(workDir, pipeline.DefaultFileName)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return "", nil
}

func resolveUnderWorkDir(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if clean == "." {
		return "", invalidInvocationf("path must not be '.'")
	}
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	return filepath.Clean(filepath.Join(workDir, clean)), nil
}

// loadPipeline loads inv's pipeline, or the built-in one when no path is set.
func loadPipeline(path string) (*pipeline.Pipeline, error) {
	if path == "" {
		return pipeline.Default(), nil
	}
	return pipeline.Load(path)
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return invalidInvocationf("%s expects %d argument(s), got %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) > n {
			return invalidInvocationf("%s accepts at most %d argument(s), got %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}
