package cli

import (
	"errors"
	"path/filepath"

	"github.com/spf13/cobra"

	"matrixci/internal/artifact"
	errUtils "matrixci/internal/errors"
	"matrixci/internal/state"
)

// latestRun is accepted wherever a run ID is expected.
const latestRun = "latest"

func newArtifactsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Inspect and restore artifacts uploaded by runs",
	}

	list := &cobra.Command{
		Use:   "list <run-id|latest>",
		Short: "List the artifacts of a run",
		Args:  exactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			runID, err := a.resolveRunID(args[0])
			if err != nil {
				return err
			}
			manifests, err := a.artifacts().List(runID)
			if err != nil {
				return err
			}
			a.out.artifactsReport(manifests)
			return nil
		},
	}

	var dest string
	get := &cobra.Command{
		Use:   "get <run-id|latest> <name>",
		Short: "Copy an artifact's files into a directory",
		Args:  exactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			runID, err := a.resolveRunID(args[0])
			if err != nil {
				return err
			}
			target := filepath.Join(a.workDir, args[1])
			if dest != "" {
				if target, err = resolveUnderWorkDir(a.workDir, dest); err != nil {
					return err
				}
			}
			m, err := a.artifacts().Restore(runID, args[1], target)
			if err != nil {
				if errors.Is(err, errUtils.ErrArtifactNotFound) {
					return &InvocationError{Message: err.Error()}
				}
				return err
			}
			a.out.printf("restored %d file(s) of %s from run %s into %s\n", len(m.Files), m.Name, runID, target)
			return nil
		},
	}
	get.Flags().StringVarP(&dest, "dest", "d", "", "Destination directory (default: <workdir>/<name>)")

	cmd.AddCommand(list, get)
	return cmd
}

func (a *app) artifacts() *artifact.Store {
	return artifact.NewStore(filepath.Join(a.cfg.StateDir, ArtifactsDir))
}

// resolveRunID checks that runID exists, resolving "latest" to the most
// recently started run.
func (a *app) resolveRunID(runID string) (string, error) {
	st, err := state.NewStore(a.cfg.StateDir)
	if err != nil {
		return "", err
	}
	if runID != latestRun {
		if _, err := st.LoadRun(runID); err != nil {
			if errors.Is(err, errUtils.ErrRunNotFound) {
				return "", invalidInvocationf("run %q not found", runID)
			}
			return "", err
		}
		return runID, nil
	}

	ids, err := st.ListRunIDs()
	if err != nil {
		return "", err
	}
	var latest state.Run
	for _, id := range ids {
		r, err := st.LoadRun(id)
		if err != nil {
			continue
		}
		if latest.RunID == "" || r.StartTime.After(latest.StartTime) {
			latest = r
		}
	}
	if latest.RunID == "" {
		return "", invalidInvocationf("no runs recorded in %s", st.Root())
	}
	return latest.RunID, nil
}
