package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pipesync/internal/workspace"
)

var (
	createDescription string
	createIfNotExists bool
)

var workspaceCreateCmd = &cobra.Command{
	Use:   "create <workspace-id>",
	Short: "Create a new workspace",
	Long:  "Create a new workspace with the given ID. Workspace IDs are lowercase alphanumeric with hyphens (e.g., acme-prod).",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceCreate,
}

func init() {
	workspaceCreateCmd.Flags().StringVar(&createDescription, "description", "",
		"Human-readable description")
	workspaceCreateCmd.Flags().BoolVar(&createIfNotExists, "if-not-exists", false,
		"Exit 0 if workspace already exists")
}

func runWorkspaceCreate(cmd *cobra.Command, args []string) error {
	id := args[0]
	ctx := context.Background()

	mgr, err := resolveWorkspaceManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	ws, err := mgr.Create(ctx, id, createDescription)
	if err != nil {
		if errors.Is(err, workspace.ErrExists) && createIfNotExists {
			// Idempotent mode: load the existing workspace and report it
			existing, loadErr := mgr.Get(ctx, id)
			if loadErr != nil {
				return fmt.Errorf("workspace exists but could not be loaded: %w", loadErr)
			}
			if workspaceJSONOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"id":              existing.ID,
					"created":         existing.Meta.Created,
					"description":     existing.Meta.Description,
					"already_existed": true,
				})
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Workspace %q already exists\n", id)
			return nil
		}
		return err
	}

	if workspaceJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":          ws.ID,
			"created":     ws.Meta.Created,
			"description": ws.Meta.Description,
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created workspace %q\n", ws.ID)
	return nil
}
