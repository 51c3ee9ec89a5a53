package api

import (
	"context"
	"errors"

	"github.com/hyperengineering/pipesync/internal/workspace"
)

// workspaceContextKey is the context key for the resolved workspace.
type workspaceContextKey struct{}

// workspaceIDContextKey is the context key for the workspace ID (for logging).
type workspaceIDContextKey struct{}

// ErrNoWorkspaceInContext indicates no workspace was found in the context.
var ErrNoWorkspaceInContext = errors.New("no workspace in context")

// WithWorkspace returns a new context with the workspace attached.
func WithWorkspace(ctx context.Context, ws *workspace.Workspace) context.Context {
	return context.WithValue(ctx, workspaceContextKey{}, ws)
}

// WorkspaceFromContext extracts the workspace from the context.
// Returns ErrNoWorkspaceInContext if not present or nil.
func WorkspaceFromContext(ctx context.Context) (*workspace.Workspace, error) {
	ws, ok := ctx.Value(workspaceContextKey{}).(*workspace.Workspace)
	if !ok || ws == nil {
		return nil, ErrNoWorkspaceInContext
	}
	return ws, nil
}

// MustWorkspaceFromContext extracts the workspace or panics.
// Use only when middleware guarantees workspace presence.
func MustWorkspaceFromContext(ctx context.Context) *workspace.Workspace {
	ws, err := WorkspaceFromContext(ctx)
	if err != nil {
		panic("workspace not in context: middleware misconfiguration")
	}
	return ws
}

// WithWorkspaceID returns a new context with the workspace ID attached.
func WithWorkspaceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workspaceIDContextKey{}, id)
}

// WorkspaceIDFromContext extracts the workspace ID from the context.
// Returns the default workspace ID if not present or empty.
func WorkspaceIDFromContext(ctx context.Context) string {
	id, ok := ctx.Value(workspaceIDContextKey{}).(string)
	if !ok || id == "" {
		return workspace.DefaultID
	}
	return id
}
