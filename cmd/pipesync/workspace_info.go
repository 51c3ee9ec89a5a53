package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pipesync/internal/workspace"
)

var workspaceInfoCmd = &cobra.Command{
	Use:   "info <workspace-id>",
	Short: "Show detailed information about a workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceInfo,
}

func runWorkspaceInfo(cmd *cobra.Command, args []string) error {
	id := args[0]
	ctx := context.Background()

	mgr, err := resolveWorkspaceManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	// Read metadata from the inventory rather than loading the full
	// workspace stack; info never needs a CRM client or a database handle.
	infos, err := mgr.List(ctx)
	if err != nil {
		return err
	}
	var found *workspace.Info
	for i := range infos {
		if infos[i].ID == id {
			found = &infos[i]
			break
		}
	}
	if found == nil {
		return workspace.ErrNotFound
	}

	path := filepath.Join(mgr.Root(), id)
	out := cmd.OutOrStdout()

	if workspaceJSONOutput {
		return printJSON(out, map[string]any{
			"id":            found.ID,
			"description":   found.Description,
			"created":       found.Created,
			"last_accessed": found.LastAccessed,
			"size_bytes":    found.SizeBytes,
			"path":          path,
		})
	}

	fmt.Fprintf(out, "Workspace:     %s\n", found.ID)
	if found.Description != "" {
		fmt.Fprintf(out, "Description:   %s\n", found.Description)
	}
	fmt.Fprintf(out, "Created:       %s\n", found.Created.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(out, "Last Accessed: %s\n", found.LastAccessed.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(out, "Size:          %s\n", formatSize(found.SizeBytes))
	fmt.Fprintf(out, "Path:          %s\n", path)

	return nil
}
