package cli

import (
	"github.com/spf13/cobra"

	"matrixci/internal/leg"
)

func newRunCommand(a *app) *cobra.Command {
	var (
		sel         selectionFlags
		failures    []string
		concurrency int
		tracePath   string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline for an event",
		Example: `  matrixci run --event push --ref main
  matrixci run --simulate --fail typecheck@Windows
  matrixci run --platform linux --job test --trace trace.json`,
		Args: maxArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			inv, err := sel.invocation(a.workDir)
			if err != nil {
				return err
			}
			if len(failures) > 0 && !inv.Simulate {
				return invalidInvocationf("--fail requires --simulate")
			}
			if inv.Failures, err = leg.ParseFailures(failures); err != nil {
				return invalidInvocationf("--fail: %v", err)
			}
			if concurrency < 0 {
				return invalidInvocationf("--concurrency must be >= 0 (got %d)", concurrency)
			}
			inv.Concurrency = concurrency
			if tracePath != "" {
				if inv.TracePath, err = resolveUnderWorkDir(a.workDir, tracePath); err != nil {
					return err
				}
			}

			_, err = Execute(cmd.Context(), inv, a.cfg, a.out)
			return err
		},
	}
	sel.register(cmd)
	f := cmd.Flags()
	f.StringArrayVar(&failures, "fail", nil, "Force a step to fail in simulation: step[@leg], where leg is a leg ID or a runner OS")
	f.IntVar(&concurrency, "concurrency", 0, "Maximum legs running at once (default: config, else number of CPUs)")
	f.StringVar(&tracePath, "trace", "", "Write the canonical run trace to this file")
	return cmd
}
