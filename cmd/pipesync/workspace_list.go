package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all workspaces",
	Args:  cobra.NoArgs,
	RunE:  runWorkspaceList,
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	mgr, err := resolveWorkspaceManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	// List already returns entries sorted by ID
	infos, err := mgr.List(ctx)
	if err != nil {
		return fmt.Errorf("list workspaces: %w", err)
	}

	if workspaceJSONOutput {
		items := make([]map[string]any, len(infos))
		for i, info := range infos {
			items[i] = map[string]any{
				"id":            info.ID,
				"size_bytes":    info.SizeBytes,
				"created":       info.Created,
				"last_accessed": info.LastAccessed,
				"description":   info.Description,
			}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"workspaces": items,
			"total":      len(items),
		})
	}

	if len(infos) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No workspaces found.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tSIZE\tCREATED\tDESCRIPTION")
	for _, info := range infos {
		desc := info.Description
		if desc == "" {
			desc = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			info.ID,
			formatSize(info.SizeBytes),
			info.Created.Format("2006-01-02 15:04"),
			desc,
		)
	}
	w.Flush()

	return nil
}
