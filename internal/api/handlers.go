package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/pipesync/internal/workspace"
)

// Handler implements the API handlers
type Handler struct {
	manager *workspace.Manager
	apiKey  string
	version string
}

// NewHandler creates a new Handler over the workspace manager.
func NewHandler(manager *workspace.Manager, apiKey, version string) *Handler {
	return &Handler{
		manager: manager,
		apiKey:  apiKey,
		version: version,
	}
}

// HealthResponse reports service liveness and the workspace inventory.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Workspaces int    `json:"workspaces"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	infos, err := h.manager.List(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	resp := HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Workspaces: len(infos),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WorkspaceListResponse wraps the workspace inventory.
type WorkspaceListResponse struct {
	Workspaces []workspace.Info `json:"workspaces"`
}

// ListWorkspaces handles GET /api/v1/workspaces
func (h *Handler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	infos, err := h.manager.List(r.Context())
	if err != nil {
		slog.Error("list workspaces failed", "component", "api", "error", err)
		MapDomainError(w, r, err)
		return
	}

	resp := WorkspaceListResponse{Workspaces: infos}
	// Ensure workspaces is [] not null in JSON
	if resp.Workspaces == nil {
		resp.Workspaces = []workspace.Info{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// CreateWorkspaceRequest is the body for POST /api/v1/workspaces.
type CreateWorkspaceRequest struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// CreateWorkspace handles POST /api/v1/workspaces
func (h *Handler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	ws, err := h.manager.Create(r.Context(), req.ID, req.Description)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	resp := workspace.Info{
		ID:           ws.ID,
		Created:      ws.Meta.Created,
		LastAccessed: ws.Meta.LastAccessed,
		Description:  ws.Meta.Description,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// DeleteWorkspace handles DELETE /api/v1/workspaces/{workspace}
func (h *Handler) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspace")
	if err := h.manager.Delete(r.Context(), id); err != nil {
		MapDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
