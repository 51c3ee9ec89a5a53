package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pipesync/internal/archive"
	"github.com/hyperengineering/pipesync/internal/clock"
	"github.com/hyperengineering/pipesync/internal/config"
	"github.com/hyperengineering/pipesync/internal/kv"
	"github.com/hyperengineering/pipesync/internal/workspace"
)

var (
	syncWorkspace  string
	syncJSONOutput bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run and inspect CRM syncs",
	Long:  "Run full, incremental, or resumed syncs against the CRM and inspect sync state, without going through the HTTP API.",
}

func init() {
	syncCmd.PersistentFlags().StringVarP(&syncWorkspace, "workspace", "w", workspace.DefaultID,
		"Workspace to sync")
	syncCmd.PersistentFlags().BoolVar(&syncJSONOutput, "json", false,
		"Output in JSON format")

	syncCmd.AddCommand(syncRunCmd)
	syncCmd.AddCommand(syncIncrementalCmd)
	syncCmd.AddCommand(syncResumeCmd)
	syncCmd.AddCommand(syncStatusCmd)
}

// resolveSyncManager builds the full workspace stack for CLI syncs. The
// KV store comes from config so checkpoints written by one invocation
// survive to the next; callers must close both returns.
func resolveSyncManager() (*workspace.Manager, kv.Store, error) {
	cfg, err := config.LoadCLI()
	if err != nil {
		return nil, nil, err
	}

	clk := clock.NewSystem()
	kvStore, err := kv.Open(cfg.KV.DSN, clk)
	if err != nil {
		return nil, nil, err
	}

	archiver, err := archive.New(archive.Config{
		Endpoint:  cfg.Archive.Endpoint,
		Region:    cfg.Archive.Region,
		Bucket:    cfg.Archive.Bucket,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		UseSSL:    cfg.Archive.UseSSL,
		URLExpiry: time.Duration(cfg.Archive.URLExpiry),
	})
	if err != nil {
		kvStore.Close()
		return nil, nil, err
	}

	opts, err := managerOptions(cfg, kvStore, clk, archiver, nil)
	if err != nil {
		kvStore.Close()
		return nil, nil, err
	}
	mgr, err := workspace.NewManager(opts)
	if err != nil {
		kvStore.Close()
		return nil, nil, err
	}
	return mgr, kvStore, nil
}

// syncTarget loads the workspace named by --workspace.
func syncTarget(ctx context.Context, mgr *workspace.Manager) (*workspace.Workspace, error) {
	return mgr.Get(ctx, syncWorkspace)
}
