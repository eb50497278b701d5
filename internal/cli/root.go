// Package cli is the matrixci command surface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"matrixci/internal/config"
	errUtils "matrixci/internal/errors"
	"matrixci/internal/logger"
)

// app is the state shared by the commands of one invocation. PersistentPreRunE
// fills it in before any command runs.
type app struct {
	flags globalFlags

	workDir string
	cfg     *config.Config
	out     printer
	closer  io.Closer

	// started is set once flags and arguments were accepted; errors before
	// that are invocation errors.
	started bool
}

// NewRootCommand builds the matrixci command tree writing to stdout and stderr.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	root, _ := newRoot(stdout, stderr)
	return root
}

func newRoot(stdout, stderr io.Writer) (*cobra.Command, *app) {
	a := &app{out: printer{w: stdout}}

	root := &cobra.Command{
		Use:   "matrixci",
		Short: "Run CI pipelines across a platform matrix",
		Long: `matrixci expands a pipeline's build matrix into legs, one per platform
and axis combination, and runs each leg's steps with guard-controlled
conditional execution. Legs are isolated: a failure in one never affects
another.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.setup()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &InvocationError{Message: err.Error()}
	})
	a.flags.register(root)

	root.AddCommand(
		newRunCommand(a),
		newPlanCommand(a),
		newValidateCommand(a),
		newArtifactsCommand(a),
		newHistoryCommand(a),
	)
	return root, a
}

func (a *app) setup() error {
	a.started = true
	switch a.flags.color {
	case "auto", "always", "never":
	default:
		return invalidInvocationf("--color must be auto, always or never (got %q)", a.flags.color)
	}
	a.out.color = useColor(a.flags.color, a.out.w)

	wd, err := a.flags.resolveWorkDir()
	if err != nil {
		return err
	}
	a.workDir = wd

	configPath := ""
	if a.flags.configPath != "" {
		if configPath, err = resolveUnderWorkDir(wd, a.flags.configPath); err != nil {
			return err
		}
	}
	cfg, err := config.Load(wd, configPath)
	if err != nil {
		return errUtils.WithExitCode(err, ExitConfigError)
	}
	if a.flags.logLevel != "" {
		cfg.Log.Level = a.flags.logLevel
	}
	closer, err := logger.Configure(logger.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return errUtils.WithExitCode(err, ExitConfigError)
	}
	a.cfg, a.closer = cfg, closer
	return nil
}

// Main runs the matrixci command line and returns the process exit code.
func Main(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root, a := newRoot(stdout, stderr)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if a.closer != nil {
		_ = a.closer.Close()
	}
	if err == nil {
		return ExitSuccess
	}
	code := ExitCode(err)
	if code == ExitInternalError && !a.started {
		// Cobra rejects unknown commands and arguments before any hook runs.
		code = ExitInvalidInvocation
	}
	if !errors.Is(err, errPipelineFailed) {
		_, _ = fmt.Fprintf(stderr, "matrixci: %v\n", err)
	}
	return code
}
