package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/pipesync/internal/syncer"
	"github.com/hyperengineering/pipesync/internal/types"
)

// SyncStatusResponse reports per-entity sync posture for one workspace.
type SyncStatusResponse struct {
	Workspace string                `json:"workspace"`
	Entities  []syncer.EntityStatus `json:"entities"`
}

// SyncStatus handles GET /api/v1/workspaces/{workspace}/sync/status
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ws := MustWorkspaceFromContext(ctx)

	statuses, err := ws.Syncer.Status(ctx)
	if err != nil {
		slog.Error("sync status failed",
			"component", "api",
			"action", "sync_status_failed",
			"workspace", ws.ID,
			"error", err,
		)
		MapDomainError(w, r, err)
		return
	}

	resp := SyncStatusResponse{Workspace: ws.ID, Entities: statuses}
	// Ensure entities is [] not null in JSON
	if resp.Entities == nil {
		resp.Entities = []syncer.EntityStatus{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// syncModes are the accepted values for the trigger's mode parameter.
// resume is an operation rather than a stored run mode: it continues a
// full sync from its checkpoint.
const (
	syncModeFull        = "full"
	syncModeIncremental = "incremental"
	syncModeResume      = "resume"
)

// parseSyncTrigger extracts and validates the entity path segment and
// mode query parameter for POST /sync/{entity}.
func parseSyncTrigger(r *http.Request) (types.EntityType, string, error) {
	entity := types.EntityType(chi.URLParam(r, "entity"))
	if !entity.Valid() {
		return "", "", fmt.Errorf("unknown entity type %q", entity)
	}

	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = syncModeIncremental
	}
	switch mode {
	case syncModeFull, syncModeIncremental, syncModeResume:
	default:
		return "", "", fmt.Errorf("invalid mode parameter: must be full, incremental, or resume")
	}

	return entity, mode, nil
}

// TriggerSync handles POST /api/v1/workspaces/{workspace}/sync/{entity}
// The call is synchronous: the response carries the finished run's
// result. Long full syncs should go through the CLI or scheduler.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	ws := MustWorkspaceFromContext(ctx)

	// 1. Validate trigger parameters
	entity, mode, err := parseSyncTrigger(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// 2. Run the requested sync
	var result *types.SyncResult
	switch mode {
	case syncModeFull:
		result, err = ws.Syncer.SyncEntity(ctx, entity)
	case syncModeIncremental:
		result, err = ws.Syncer.PerformIncrementalSync(ctx, entity)
	case syncModeResume:
		result, err = ws.Syncer.ResumeSync(ctx, entity)
	}
	if err != nil {
		slog.Error("triggered sync failed",
			"component", "api",
			"action", "sync_trigger_failed",
			"workspace", ws.ID,
			"entity", entity,
			"mode", mode,
			"error", err,
		)
		MapDomainError(w, r, err)
		return
	}

	// 3. Return the run result
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)

	slog.Info("sync triggered",
		"component", "api",
		"action", "sync_trigger",
		"workspace", ws.ID,
		"entity", entity,
		"mode", mode,
		"synced", result.Synced,
		"failed", result.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
