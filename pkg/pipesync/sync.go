package pipesync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// SyncStatus returns the per-entity sync posture of one workspace.
func (c *Client) SyncStatus(ctx context.Context, workspace string) (*SyncStatus, error) {
	var out SyncStatus
	path := c.workspacePath(workspace, "/sync/status")
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerSync runs a sync of one entity and returns the finished run's
// result. The call is synchronous; long full syncs belong in the CLI or
// scheduler. An empty mode lets the server default to incremental.
func (c *Client) TriggerSync(ctx context.Context, workspace string, entity EntityType, mode SyncMode) (*SyncResult, error) {
	if entity == "" {
		return nil, fmt.Errorf("entity is required")
	}

	query := url.Values{}
	if mode != "" {
		query.Set("mode", string(mode))
	}

	var out SyncResult
	path := c.workspacePath(workspace, "/sync/"+url.PathEscape(string(entity)))
	if err := c.do(ctx, http.MethodPost, path, query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
