package cli

import (
	"github.com/spf13/cobra"

	"matrixci/internal/history"
)

func newHistoryCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return invalidInvocationf("--limit must be positive (got %d)", limit)
			}
			db, err := history.OpenInStateDir(a.cfg.StateDir)
			if err != nil {
				return err
			}
			defer db.Close()
			entries, err := db.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			a.out.historyReport(entries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	return cmd
}
