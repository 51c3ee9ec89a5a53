package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pipesync/internal/syncer"
	"github.com/hyperengineering/pipesync/internal/workspace"
)

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-entity sync state for a workspace",
	Args:  cobra.NoArgs,
	RunE:  runSyncStatus,
}

func runSyncStatus(cmd *cobra.Command, args []string) error {
	return withSyncTarget(cmd, func(ctx context.Context, ws *workspace.Workspace) error {
		statuses, err := ws.Syncer.Status(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if syncJSONOutput {
			return printJSON(out, map[string]any{
				"workspace": ws.ID,
				"entities":  statuses,
			})
		}

		fmt.Fprintf(out, "Workspace: %s\n\n", ws.ID)
		tw := newTabWriter(out)
		fmt.Fprintln(tw, "ENTITY\tLAST SYNC\tLAST RUN\tCHECKPOINT")
		for _, st := range statuses {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				st.Entity, formatLastSync(st), formatLastRun(st), formatCheckpoint(st))
		}
		tw.Flush()
		return nil
	})
}

func formatLastSync(st syncer.EntityStatus) string {
	if st.LastSync == nil {
		return "-"
	}
	return st.LastSync.Format("2006-01-02 15:04")
}

func formatLastRun(st syncer.EntityStatus) string {
	if st.LastRun == nil {
		return "-"
	}
	run := st.LastRun
	return fmt.Sprintf("%s %s (%d synced, %d failed)", run.Mode, run.Status, run.Synced, run.Failed)
}

func formatCheckpoint(st syncer.EntityStatus) string {
	if st.Checkpoint == nil {
		return "-"
	}
	return fmt.Sprintf("offset %d (%d processed)", st.Checkpoint.Offset, st.Checkpoint.Processed)
}
