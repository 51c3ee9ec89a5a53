package e2e

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/hyperengineering/pipesync/internal/types"
)

// syncResult is the wire shape of a triggered sync run.
type syncResult struct {
	Entity string `json:"entity"`
	Synced int    `json:"synced"`
	Failed int    `json:"failed"`
}

// syncStatus is the wire shape of GET /sync/status.
type syncStatus struct {
	Workspace string         `json:"workspace"`
	Entities  []entityStatus `json:"entities"`
}

type entityStatus struct {
	Entity   string     `json:"entity"`
	LastSync *time.Time `json:"last_sync"`
	LastRun  *struct {
		Mode   string `json:"mode"`
		Status string `json:"status"`
		Synced int    `json:"synced"`
	} `json:"last_run"`
	Checkpoint *struct {
		Offset    int `json:"offset"`
		Processed int `json:"processed"`
	} `json:"checkpoint"`
}

func (s syncStatus) entity(t *testing.T, name string) entityStatus {
	t.Helper()
	for _, e := range s.Entities {
		if e.Entity == name {
			return e
		}
	}
	t.Fatalf("entity %s missing from status: %+v", name, s.Entities)
	return entityStatus{}
}

func TestSyncE2E_FullSyncPaginatesIntoMirror(t *testing.T) {
	env := setupServerEnvNoAutomation(t)
	env.createWorkspace(t, "acme")

	seeded := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		env.crm.seed(types.EntityPersons, seeded, map[string]any{
			"name":  fmt.Sprintf("Person %02d", i),
			"email": fmt.Sprintf("person%02d@example.com", i),
		})
	}

	w := env.request(t, http.MethodPost, "/api/v1/workspaces/acme/sync/persons?mode=full", nil)
	requireStatus(t, w, http.StatusOK)

	var result syncResult
	decodeBody(t, w, &result)
	if result.Entity != "persons" || result.Synced != 25 || result.Failed != 0 {
		t.Fatalf("sync result = %+v, want 25 persons synced cleanly", result)
	}

	// PageSize 10 walks the collection in exactly three pages.
	for _, line := range []string{
		"GET /persons?limit=10&start=0",
		"GET /persons?limit=10&start=10",
		"GET /persons?limit=10&start=20",
	} {
		if n := env.crm.countRequests(line); n != 1 {
			t.Errorf("%s fetched %d times, want 1", line, n)
		}
	}

	db := openWorkspaceDB(t, env.root, "acme")
	if n := countRows(t, db, "SELECT COUNT(*) FROM persons"); n != 25 {
		t.Errorf("mirror rows = %d, want 25", n)
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM persons WHERE synced_at IS NOT NULL"); n != 25 {
		t.Errorf("rows stamped synced_at = %d, want 25", n)
	}
	if n := countRows(t, db,
		"SELECT COUNT(*) FROM sync_runs WHERE entity_type = 'persons' AND status = 'completed'"); n != 1 {
		t.Errorf("completed runs = %d, want 1", n)
	}
}

func TestSyncE2E_IncrementalAppliesEditsAndTombstones(t *testing.T) {
	env := setupServerEnvNoAutomation(t)
	env.createWorkspace(t, "acme")

	seeded := time.Now().UTC().Add(-time.Hour)
	kept := env.crm.seed(types.EntityPersons, seeded, map[string]any{"name": "Kept"})
	edited := env.crm.seed(types.EntityPersons, seeded, map[string]any{"name": "Old Name"})
	removed := env.crm.seed(types.EntityPersons, seeded, map[string]any{"name": "Doomed"})

	w := env.request(t, http.MethodPost, "/api/v1/workspaces/acme/sync/persons?mode=full", nil)
	requireStatus(t, w, http.StatusOK)

	// Everything below the cutoff happens after the full run started.
	after := time.Now().UTC().Add(2 * time.Second)
	env.crm.touch(types.EntityPersons, edited, after, map[string]any{"name": "New Name"})
	added := env.crm.seed(types.EntityPersons, after, map[string]any{"name": "Late Arrival"})
	env.crm.remove(types.EntityPersons, removed, after)

	w = env.request(t, http.MethodPost, "/api/v1/workspaces/acme/sync/persons?mode=incremental", nil)
	requireStatus(t, w, http.StatusOK)

	var result syncResult
	decodeBody(t, w, &result)
	// Two upserts plus one tombstone.
	if result.Synced != 3 || result.Failed != 0 {
		t.Fatalf("incremental result = %+v, want 3 synced", result)
	}

	db := openWorkspaceDB(t, env.root, "acme")
	if n := countRows(t, db, "SELECT COUNT(*) FROM persons WHERE deleted_at IS NULL"); n != 3 {
		t.Errorf("live rows = %d, want 3", n)
	}
	if n := countRows(t, db,
		"SELECT COUNT(*) FROM persons WHERE remote_id = ? AND deleted_at IS NOT NULL", removed); n != 1 {
		t.Errorf("removed record not tombstoned locally")
	}
	if got := mirrorFields(t, db, "persons", edited)["name"]; got != "New Name" {
		t.Errorf("edited name = %v, want remote edit applied", got)
	}
	if got := mirrorFields(t, db, "persons", added)["name"]; got != "Late Arrival" {
		t.Errorf("added name = %v, want new record mirrored", got)
	}
	if got := mirrorFields(t, db, "persons", kept)["name"]; got != "Kept" {
		t.Errorf("untouched name = %v, want unchanged", got)
	}
}

func TestSyncE2E_IncrementalFallsBackToFullWhenNeverSynced(t *testing.T) {
	env := setupServerEnvNoAutomation(t)
	env.createWorkspace(t, "acme")

	seeded := time.Now().UTC().Add(-time.Hour)
	env.crm.seed(types.EntityOrganizations, seeded, map[string]any{"name": "Initech"})
	env.crm.seed(types.EntityOrganizations, seeded, map[string]any{"name": "Globex"})

	w := env.request(t, http.MethodPost, "/api/v1/workspaces/acme/sync/organizations?mode=incremental", nil)
	requireStatus(t, w, http.StatusOK)

	var result syncResult
	decodeBody(t, w, &result)
	if result.Synced != 2 {
		t.Fatalf("synced = %d, want 2", result.Synced)
	}

	db := openWorkspaceDB(t, env.root, "acme")
	if n := countRows(t, db,
		"SELECT COUNT(*) FROM sync_runs WHERE entity_type = 'organizations' AND mode = 'full'"); n != 1 {
		t.Errorf("full-mode runs = %d, want the fallback recorded as full", n)
	}
}

func TestSyncE2E_ResumeContinuesFromCheckpoint(t *testing.T) {
	env := setupServerEnvNoAutomation(t)
	env.createWorkspace(t, "acme")

	seeded := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		env.crm.seed(types.EntityPersons, seeded, map[string]any{
			"name": fmt.Sprintf("Person %02d", i),
		})
	}

	// The third page fails on both client attempts, killing the run
	// after two pages committed.
	env.crm.failPage(types.EntityPersons, 20, 2)

	w := env.request(t, http.MethodPost, "/api/v1/workspaces/acme/sync/persons?mode=full", nil)
	requireStatus(t, w, http.StatusBadGateway)

	w = env.request(t, http.MethodGet, "/api/v1/workspaces/acme/sync/status", nil)
	requireStatus(t, w, http.StatusOK)
	var status syncStatus
	decodeBody(t, w, &status)
	persons := status.entity(t, "persons")
	if persons.Checkpoint == nil || persons.Checkpoint.Offset != 20 {
		t.Fatalf("checkpoint = %+v, want offset 20 after two committed pages", persons.Checkpoint)
	}
	if persons.LastRun == nil || persons.LastRun.Status != "failed" {
		t.Fatalf("last run = %+v, want failed", persons.LastRun)
	}
	if persons.LastSync != nil {
		t.Error("last_sync set by a failed run")
	}

	w = env.request(t, http.MethodPost, "/api/v1/workspaces/acme/sync/persons?mode=resume", nil)
	requireStatus(t, w, http.StatusOK)
	var result syncResult
	decodeBody(t, w, &result)
	if result.Synced != 5 {
		t.Errorf("resumed synced = %d, want only the remaining page", result.Synced)
	}

	db := openWorkspaceDB(t, env.root, "acme")
	if n := countRows(t, db, "SELECT COUNT(*) FROM persons"); n != 25 {
		t.Errorf("mirror rows = %d, want 25 after resume", n)
	}
	// The resumed run never re-fetches the committed pages.
	if n := env.crm.countRequests("GET /persons?limit=10&start=0"); n != 1 {
		t.Errorf("first page fetched %d times, want 1", n)
	}

	w = env.request(t, http.MethodGet, "/api/v1/workspaces/acme/sync/status", nil)
	requireStatus(t, w, http.StatusOK)
	status = syncStatus{}
	decodeBody(t, w, &status)
	persons = status.entity(t, "persons")
	if persons.Checkpoint != nil {
		t.Errorf("checkpoint = %+v, want cleared after completion", persons.Checkpoint)
	}
	if persons.LastRun == nil || persons.LastRun.Status != "completed" {
		t.Errorf("last run = %+v, want completed", persons.LastRun)
	}
	if persons.LastSync == nil {
		t.Error("last_sync missing after completed run")
	}
}

func TestSyncE2E_WorkspacesAreIsolated(t *testing.T) {
	env := setupServerEnvNoAutomation(t)
	env.createWorkspace(t, "acme")
	env.createWorkspace(t, "globex")

	seeded := time.Now().UTC().Add(-time.Hour)
	env.crm.seed(types.EntityPersons, seeded, map[string]any{"name": "Shared Remote"})

	w := env.request(t, http.MethodPost, "/api/v1/workspaces/acme/sync/persons?mode=full", nil)
	requireStatus(t, w, http.StatusOK)

	acme := openWorkspaceDB(t, env.root, "acme")
	globex := openWorkspaceDB(t, env.root, "globex")
	if n := countRows(t, acme, "SELECT COUNT(*) FROM persons"); n != 1 {
		t.Errorf("acme rows = %d, want 1", n)
	}
	if n := countRows(t, globex, "SELECT COUNT(*) FROM persons"); n != 0 {
		t.Errorf("globex rows = %d, want 0; syncing one workspace leaked into another", n)
	}
}
