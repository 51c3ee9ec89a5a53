package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hyperengineering/pipesync/internal/types"
	"github.com/hyperengineering/pipesync/internal/workspace"
)

// pagedPersons serves a single complete persons page for full-sync tests.
func pagedPersons() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /persons", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"success": true,
			"data": [
				{"id": 101, "name": "Dana Whitfield", "email": "dana@acme.test", "update_time": "2024-05-01 10:00:00"},
				{"id": 102, "name": "Lee Ortiz", "email": "lee@acme.test", "update_time": "2024-05-01 11:00:00"}
			],
			"additional_data": {"pagination": {"more_items_in_collection": false}}
		}`)
	})
	return mux
}

// --- Sync Status Tests ---

func TestSyncStatus_FreshWorkspace(t *testing.T) {
	_, router := newTestServer(t, nil)

	req := authedRequest(http.MethodGet, "/api/v1/workspaces/default/sync/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp SyncStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Workspace != "default" {
		t.Errorf("workspace = %q, want %q", resp.Workspace, "default")
	}
	if len(resp.Entities) != 4 {
		t.Fatalf("got %d entities, want 4", len(resp.Entities))
	}

	wantOrder := []types.EntityType{
		types.EntityPersons,
		types.EntityOrganizations,
		types.EntityDeals,
		types.EntityActivities,
	}
	for i, want := range wantOrder {
		st := resp.Entities[i]
		if st.Entity != want {
			t.Errorf("entities[%d] = %s, want %s", i, st.Entity, want)
		}
		if st.LastSync != nil {
			t.Errorf("entities[%d].last_sync = %v, want absent before any sync", i, st.LastSync)
		}
		if st.LastRun != nil {
			t.Errorf("entities[%d].last_run = %+v, want absent before any sync", i, st.LastRun)
		}
	}
}

func TestSyncStatus_UnknownWorkspace(t *testing.T) {
	_, router := newTestServer(t, nil)

	req := authedRequest(http.MethodGet, "/api/v1/workspaces/ghost/sync/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// --- Trigger Sync Tests ---

func TestTriggerSync_FullMode(t *testing.T) {
	ts := newFakeCRM(t, pagedPersons())

	manager, router := newTestServer(t, func(o *workspace.Options) {
		o.Client.BaseURL = ts.URL
	})

	req := authedRequest(http.MethodPost, "/api/v1/workspaces/default/sync/persons?mode=full", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp struct {
		Entity string `json:"entity"`
		Synced int    `json:"synced"`
		Failed int    `json:"failed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Entity != "persons" {
		t.Errorf("entity = %q, want %q", resp.Entity, "persons")
	}
	if resp.Synced != 2 {
		t.Errorf("synced = %d, want 2", resp.Synced)
	}
	if resp.Failed != 0 {
		t.Errorf("failed = %d, want 0", resp.Failed)
	}
	if !strings.Contains(w.Body.String(), `"errors":[]`) {
		t.Errorf("expected empty errors array, got: %s", w.Body.String())
	}

	// The records must land in the workspace mirror
	ctx := context.Background()
	ws, err := manager.Get(ctx, "default")
	if err != nil {
		t.Fatalf("Get(default) error = %v", err)
	}
	count, err := ws.DB.Count(ctx, "persons")
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 2 {
		t.Errorf("persons count = %d, want 2", count)
	}
}

func TestTriggerSync_StatusReflectsRun(t *testing.T) {
	ts := newFakeCRM(t, pagedPersons())

	_, router := newTestServer(t, func(o *workspace.Options) {
		o.Client.BaseURL = ts.URL
	})

	trigger := authedRequest(http.MethodPost, "/api/v1/workspaces/default/sync/persons?mode=full", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, trigger)
	if w.Code != http.StatusOK {
		t.Fatalf("trigger status = %d, want %d, body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	status := authedRequest(http.MethodGet, "/api/v1/workspaces/default/sync/status", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, status)
	if w.Code != http.StatusOK {
		t.Fatalf("status request = %d, want %d, body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp SyncStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	persons := resp.Entities[0]
	if persons.Entity != types.EntityPersons {
		t.Fatalf("entities[0] = %s, want persons", persons.Entity)
	}
	if persons.LastSync == nil {
		t.Error("last_sync is nil after a completed run")
	}
	if persons.LastRun == nil {
		t.Fatal("last_run is nil after a completed run")
	}
	if persons.LastRun.Status != types.SyncStatusCompleted {
		t.Errorf("last_run.status = %s, want %s", persons.LastRun.Status, types.SyncStatusCompleted)
	}
	if persons.LastRun.Mode != types.SyncModeFull {
		t.Errorf("last_run.mode = %s, want %s", persons.LastRun.Mode, types.SyncModeFull)
	}
	if persons.LastRun.Synced != 2 {
		t.Errorf("last_run.synced = %d, want 2", persons.LastRun.Synced)
	}
	// A completed walk leaves no checkpoint behind
	if persons.Checkpoint != nil {
		t.Errorf("checkpoint = %+v, want nil after completion", persons.Checkpoint)
	}
}

func TestTriggerSync_DefaultModeIsIncremental(t *testing.T) {
	// With no prior sync the incremental path falls back to a full walk,
	// so a fresh workspace still ends up fully mirrored
	ts := newFakeCRM(t, pagedPersons())

	_, router := newTestServer(t, func(o *workspace.Options) {
		o.Client.BaseURL = ts.URL
	})

	req := authedRequest(http.MethodPost, "/api/v1/workspaces/default/sync/persons", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp struct {
		Synced int `json:"synced"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Synced != 2 {
		t.Errorf("synced = %d, want 2", resp.Synced)
	}
}

func TestTriggerSync_UnknownEntity(t *testing.T) {
	_, router := newTestServer(t, nil)

	req := authedRequest(http.MethodPost, "/api/v1/workspaces/default/sync/widgets", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d, body: %s", w.Code, http.StatusBadRequest, w.Body.String())
	}

	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal response as RFC 7807: %v", err)
	}
	if p.Detail != `unknown entity type "widgets"` {
		t.Errorf("detail = %q, want unknown entity type message", p.Detail)
	}
}

func TestTriggerSync_InvalidMode(t *testing.T) {
	_, router := newTestServer(t, nil)

	req := authedRequest(http.MethodPost, "/api/v1/workspaces/default/sync/persons?mode=turbo", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d, body: %s", w.Code, http.StatusBadRequest, w.Body.String())
	}

	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal response as RFC 7807: %v", err)
	}
	if p.Detail != "invalid mode parameter: must be full, incremental, or resume" {
		t.Errorf("detail = %q, want mode validation message", p.Detail)
	}
}

func TestTriggerSync_CRMRejection(t *testing.T) {
	// Non-retryable CRM errors surface as 502 so callers can tell a
	// broken upstream from a broken server
	mux := http.NewServeMux()
	mux.HandleFunc("GET /persons", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"success": false, "error": "invalid api token"}`)
	})
	ts := newFakeCRM(t, mux)

	_, router := newTestServer(t, func(o *workspace.Options) {
		o.Client.BaseURL = ts.URL
	})

	req := authedRequest(http.MethodPost, "/api/v1/workspaces/default/sync/persons?mode=full", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d, body: %s", w.Code, http.StatusBadGateway, w.Body.String())
	}

	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal response as RFC 7807: %v", err)
	}
	if p.Type != "https://pipesync.dev/errors/upstream-error" {
		t.Errorf("type = %v, want https://pipesync.dev/errors/upstream-error", p.Type)
	}
}
