package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pipesync/internal/workspace"
)

var deleteForce bool

var workspaceDeleteCmd = &cobra.Command{
	Use:   "delete <workspace-id>",
	Short: "Delete a workspace and all its data",
	Long:  "Permanently delete a workspace, its local CRM mirror, and its metadata. The default workspace cannot be deleted. Requires --force or interactive confirmation.",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceDelete,
}

func init() {
	workspaceDeleteCmd.Flags().BoolVar(&deleteForce, "force", false,
		"Skip confirmation prompt")
}

func runWorkspaceDelete(cmd *cobra.Command, args []string) error {
	id := args[0]
	ctx := context.Background()

	// Early check: refuse default workspace deletion with a clear message
	if workspace.IsDefault(id) {
		return fmt.Errorf("cannot delete the default workspace")
	}

	mgr, err := resolveWorkspaceManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := workspace.ValidateID(id); err != nil {
		return err
	}

	// Interactive confirmation unless --force
	if !deleteForce {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "WARNING: This will permanently delete workspace %q and all its data.\n", id)
		fmt.Fprint(errOut, "Type the workspace ID to confirm: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		input, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}

		if strings.TrimSpace(input) != id {
			fmt.Fprintln(errOut, "Aborted. Workspace ID did not match.")
			return nil
		}
	}

	if err := mgr.Delete(ctx, id); err != nil {
		return err
	}

	if workspaceJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":      id,
			"deleted": true,
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deleted workspace %q\n", id)
	return nil
}
