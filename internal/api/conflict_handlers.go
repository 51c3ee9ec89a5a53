package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/pipesync/internal/conflict"
	"github.com/hyperengineering/pipesync/internal/types"
	"github.com/hyperengineering/pipesync/internal/validation"
)

const (
	// DefaultConflictLimit bounds conflict listings when the caller does
	// not pass a limit.
	DefaultConflictLimit = 50

	// MaxConflictLimit is the hard cap on one conflict listing.
	MaxConflictLimit = 500
)

// ConflictListResponse carries the open-conflict review queue.
type ConflictListResponse struct {
	Workspace string               `json:"workspace"`
	Conflicts []*conflict.Conflict `json:"conflicts"`
}

// parseConflictQuery extracts and validates query parameters for GET /conflicts.
func parseConflictQuery(r *http.Request) (types.EntityType, int, error) {
	entity := types.EntityType(r.URL.Query().Get("entity"))
	if entity != "" && !entity.Valid() {
		return "", 0, fmt.Errorf("unknown entity type %q", entity)
	}

	limit := DefaultConflictLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			return "", 0, fmt.Errorf("invalid limit parameter: must be an integer")
		}
		if n < 1 {
			return "", 0, fmt.Errorf("invalid limit parameter: must be >= 1")
		}
		if n > MaxConflictLimit {
			n = MaxConflictLimit
		}
		limit = n
	}

	return entity, limit, nil
}

// ListConflicts handles GET /api/v1/workspaces/{workspace}/conflicts
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ws := MustWorkspaceFromContext(ctx)

	entity, limit, err := parseConflictQuery(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	conflicts, err := ws.Detector.Open(ctx, entity, limit)
	if err != nil {
		slog.Error("conflict listing failed",
			"component", "api",
			"workspace", ws.ID,
			"error", err,
		)
		MapDomainError(w, r, err)
		return
	}

	resp := ConflictListResponse{Workspace: ws.ID, Conflicts: conflicts}
	// Ensure conflicts is [] not null in JSON
	if resp.Conflicts == nil {
		resp.Conflicts = []*conflict.Conflict{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ResolveConflictRequest is the body for POST /conflicts/{id}/resolve.
// Merged is only consulted by the merge strategy; it overrides the
// rule-derived merge when present.
type ResolveConflictRequest struct {
	Strategy   string         `json:"strategy"`
	Merged     map[string]any `json:"merged,omitempty"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	Notes      string         `json:"notes,omitempty"`
}

// ResolveConflict handles POST /api/v1/workspaces/{workspace}/conflicts/{id}/resolve
// The manual strategy parks the conflict for review; any other strategy
// settles it immediately and the resolved conflict comes back as the
// response.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ws := MustWorkspaceFromContext(ctx)
	conflictID := chi.URLParam(r, "id")

	// 1. Parse request
	var req ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	var v validation.Collector
	v.Add(validation.ValidateULID("id", conflictID))
	v.Add(validation.ValidateEnum("strategy", req.Strategy, conflict.StrategyNames()))
	if v.HasErrors() {
		WriteProblemWithErrors(w, r, "conflict resolution request is invalid", v.Errors())
		return
	}
	strategy := conflict.Strategy(req.Strategy)

	// 2. Park or settle
	var (
		resolved *conflict.Conflict
		err      error
	)
	if strategy == conflict.Manual {
		var c *conflict.Conflict
		c, err = ws.Detector.Get(ctx, conflictID)
		if err == nil {
			resolved, err = ws.Resolver.Resolve(ctx, c, conflict.Manual)
		}
	} else {
		resolved, err = ws.Resolver.RecordResolution(ctx, conflictID, conflict.Resolution{
			Strategy:   strategy,
			Merged:     req.Merged,
			ResolvedBy: req.ResolvedBy,
			Notes:      req.Notes,
		})
	}
	if err != nil {
		slog.Error("conflict resolution failed",
			"component", "api",
			"workspace", ws.ID,
			"conflict_id", conflictID,
			"strategy", strategy,
			"error", err,
		)
		MapDomainError(w, r, err)
		return
	}

	// 3. Return the settled conflict
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resolved)

	slog.Info("conflict resolution recorded",
		"component", "api",
		"action", "conflict_resolve",
		"workspace", ws.ID,
		"conflict_id", conflictID,
		"strategy", strategy,
		"status", resolved.Status,
	)
}
