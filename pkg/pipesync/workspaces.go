package pipesync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// workspaceListEnvelope matches the inventory response wrapper.
type workspaceListEnvelope struct {
	Workspaces []Workspace `json:"workspaces"`
}

// createWorkspaceRequest is the body for workspace creation.
type createWorkspaceRequest struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// ListWorkspaces returns the workspace inventory sorted by ID.
func (c *Client) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	var out workspaceListEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/v1/workspaces/", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Workspaces, nil
}

// CreateWorkspace provisions a workspace. IDs are lowercase alphanumeric
// with hyphens.
func (c *Client) CreateWorkspace(ctx context.Context, id, description string) (*Workspace, error) {
	body := createWorkspaceRequest{ID: id, Description: description}
	var out Workspace
	if err := c.do(ctx, http.MethodPost, "/api/v1/workspaces/", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteWorkspace removes a workspace and all its data. The default
// workspace cannot be deleted.
func (c *Client) DeleteWorkspace(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.workspacePath(id, ""), nil, nil, nil)
}

// workspacePath builds /api/v1/workspaces/{id}{suffix} with the ID
// escaped.
func (c *Client) workspacePath(id, suffix string) string {
	return fmt.Sprintf("/api/v1/workspaces/%s%s", url.PathEscape(id), suffix)
}
