package pipesync

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// ListConflicts returns the open-conflict review queue for a workspace.
// opts may be nil for the server defaults.
func (c *Client) ListConflicts(ctx context.Context, workspace string, opts *ConflictListOptions) (*ConflictList, error) {
	query := url.Values{}
	if opts != nil {
		if opts.Entity != "" {
			query.Set("entity", string(opts.Entity))
		}
		if opts.Limit > 0 {
			query.Set("limit", strconv.Itoa(opts.Limit))
		}
	}

	var out ConflictList
	path := c.workspacePath(workspace, "/conflicts")
	if err := c.do(ctx, http.MethodGet, path, query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveConflict settles one conflict and returns its terminal state.
// The manual strategy parks the conflict for review instead.
func (c *Client) ResolveConflict(ctx context.Context, workspace, conflictID string, req ResolveRequest) (*Conflict, error) {
	var out Conflict
	path := c.workspacePath(workspace, "/conflicts/"+url.PathEscape(conflictID)+"/resolve")
	if err := c.do(ctx, http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
