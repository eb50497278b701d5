package cli

import (
	"strings"

	"github.com/spf13/cobra"

	errUtils "matrixci/internal/errors"
	"matrixci/internal/matrix"
)

func newValidateCommand(a *app) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a pipeline definition without running it",
		Args:  maxArgs(0),
		RunE: func(_ *cobra.Command, _ []string) error {
			resolved, err := discoverPipeline(a.workDir, path)
			if err != nil {
				return err
			}
			p, err := loadForInspection(resolved)
			if err != nil {
				return err
			}
			legs, err := matrix.ExpandAll(p)
			if err != nil {
				return errUtils.WithExitCode(err, ExitConfigError)
			}
			source := resolved
			if source == "" {
				source = "(built-in)"
			}
			a.out.printf("%s: ok\n", source)
			a.out.printf("  name:   %s\n", p.Name)
			a.out.printf("  on:     %s\n", strings.Join(p.On.Events(), ", "))
			a.out.printf("  jobs:   %s\n", strings.Join(p.JobIDs(), ", "))
			a.out.printf("  legs:   %d\n", len(legs))
			a.out.printf("  hash:   %s\n", p.Hash())
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "pipeline", "p", "", "Pipeline file (default: <workdir>/matrixci.yaml, else the built-in pipeline)")
	return cmd
}
