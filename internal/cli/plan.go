package cli

import (
	"context"

	"github.com/spf13/cobra"

	"matrixci/internal/logger"
	"matrixci/internal/orchestrator"
)

func newPlanCommand(a *app) *cobra.Command {
	var (
		sel   selectionFlags
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the legs and steps a run would schedule, with their guards",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			inv, err := sel.invocation(a.workDir)
			if err != nil {
				return err
			}
			if watch && inv.PipelinePath == "" {
				return invalidInvocationf("--watch needs a pipeline file; the built-in pipeline cannot change")
			}
			if err := printPlan(a.out, inv); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			return watchPlan(cmd.Context(), a.out, inv)
		},
	}
	sel.register(cmd)
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-plan whenever the pipeline file changes")
	return cmd
}

func printPlan(out printer, inv Invocation) error {
	p, err := loadForInspection(inv.PipelinePath)
	if err != nil {
		return err
	}
	plan, err := orchestrator.BuildPlan(p, orchestrator.Options{
		Event:     inv.Event,
		Simulate:  inv.Simulate,
		Platforms: inv.Platforms,
		Jobs:      inv.Jobs,
	})
	if err != nil {
		return &InvocationError{Message: err.Error()}
	}
	out.planReport(plan)
	return nil
}

// watchPlan re-plans on every change until ctx is done. Errors in the edited
// file are printed and watching continues.
func watchPlan(ctx context.Context, out printer, inv Invocation) error {
	logger.Info("watching pipeline", "path", inv.PipelinePath)
	return watchFile(ctx, inv.PipelinePath, watchDebounce, func() {
		out.printf("\n")
		if err := printPlan(out, inv); err != nil {
			out.printf("%s %v\n", out.style(colorRed).Render("error:"), err)
		}
	})
}
