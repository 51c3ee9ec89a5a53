package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pipesync/internal/clock"
	"github.com/hyperengineering/pipesync/internal/config"
	"github.com/hyperengineering/pipesync/internal/kv"
	"github.com/hyperengineering/pipesync/internal/workspace"
)

var (
	workspaceRootOverride string
	workspaceJSONOutput   bool
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage pipesync workspaces",
	Long:  "Create, list, inspect, and delete workspaces without running the server.",
}

func init() {
	workspaceCmd.PersistentFlags().StringVar(&workspaceRootOverride, "root", "",
		"Workspace root path (overrides config and PIPESYNC_WORKSPACES_ROOT)")
	workspaceCmd.PersistentFlags().BoolVar(&workspaceJSONOutput, "json", false,
		"Output in JSON format")

	workspaceCmd.AddCommand(workspaceCreateCmd)
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceInfoCmd)
	workspaceCmd.AddCommand(workspaceDeleteCmd)
}

// resolveWorkspaceManager creates a Manager from config with optional
// --root override. Workspace commands only touch the filesystem, so the
// manager runs on an in-process KV store (the daemon's badger directory
// is single-process) and tolerates a missing CRM token.
func resolveWorkspaceManager() (*workspace.Manager, error) {
	rootPath := workspaceRootOverride
	if rootPath == "" {
		cfg, err := config.LoadCLI()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		rootPath = cfg.Workspaces.RootPath
	}

	return workspace.NewManager(workspace.Options{
		Root:   rootPath,
		KV:     kv.NewMemory(clock.NewSystem()),
		Tokens: optionalTokens,
	})
}

// optionalTokens resolves the CRM token when one is set and otherwise
// returns an empty token. Workspace commands never call the CRM, so a
// missing token must not block scaffolding.
func optionalTokens(id string) (string, error) {
	token, err := workspace.EnvTokens(id)
	if err != nil {
		return "", nil
	}
	return token, nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// formatSize returns a human-readable file size.
func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
