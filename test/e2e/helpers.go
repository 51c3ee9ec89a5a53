package e2e

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/pipesync/internal/api"
	"github.com/hyperengineering/pipesync/internal/automation"
	"github.com/hyperengineering/pipesync/internal/clock"
	"github.com/hyperengineering/pipesync/internal/kv"
	"github.com/hyperengineering/pipesync/internal/pipedrive"
	"github.com/hyperengineering/pipesync/internal/sentiment"
	"github.com/hyperengineering/pipesync/internal/storage"
	"github.com/hyperengineering/pipesync/internal/syncer"
	"github.com/hyperengineering/pipesync/internal/types"
	"github.com/hyperengineering/pipesync/internal/workspace"

	_ "modernc.org/sqlite"
)

const testAPIKey = "e2e-api-key"

// --- Fake CRM ---

type crmRecord struct {
	fields    map[string]any
	updatedAt time.Time
}

type crmDeletion struct {
	id int64
	at time.Time
}

// fakeCRM is an in-memory Pipedrive stand-in behind a real listener, so
// it serves both in-process routers and spawned binaries. Records keep
// their field maps verbatim; update_time is rendered in the CRM wire
// format on the way out.
type fakeCRM struct {
	srv *httptest.Server

	mu       sync.Mutex
	nextID   int64
	data     map[types.EntityType]map[int64]*crmRecord
	deleted  map[types.EntityType][]crmDeletion
	failures map[string]int
	reqs     []string
}

func newFakeCRM(t *testing.T) *fakeCRM {
	t.Helper()
	f := &fakeCRM{
		nextID:   1000,
		data:     make(map[types.EntityType]map[int64]*crmRecord),
		deleted:  make(map[types.EntityType][]crmDeletion),
		failures: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /persons/search", f.handleSearch)
	for _, entity := range types.AllEntityTypes() {
		path := "/" + string(entity)
		mux.HandleFunc("GET "+path, f.listHandler(entity))
		mux.HandleFunc("POST "+path, f.createHandler(entity))
		mux.HandleFunc("GET "+path+"/deleted", f.deletedHandler(entity))
		mux.HandleFunc("GET "+path+"/{id}", f.itemHandler(entity))
		mux.HandleFunc("PUT "+path+"/{id}", f.updateHandler(entity))
	}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.reqs = append(f.reqs, r.Method+" "+r.URL.RequestURI())
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCRM) URL() string { return f.srv.URL }

// seed inserts a record and returns its id.
func (f *fakeCRM) seed(entity types.EntityType, updatedAt time.Time, fields map[string]any) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.data[entity] == nil {
		f.data[entity] = make(map[int64]*crmRecord)
	}
	f.data[entity][id] = &crmRecord{fields: cloneFields(fields), updatedAt: updatedAt}
	return id
}

// touch applies a remote-side edit, merging fields and moving update_time.
func (f *fakeCRM) touch(entity types.EntityType, id int64, updatedAt time.Time, fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[entity][id]
	if !ok {
		return
	}
	for k, v := range fields {
		rec.fields[k] = v
	}
	rec.updatedAt = updatedAt
}

// remove deletes a record and marks it in the deleted-items feed.
func (f *fakeCRM) remove(entity types.EntityType, id int64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data[entity], id)
	f.deleted[entity] = append(f.deleted[entity], crmDeletion{id: id, at: at})
}

// record returns a copy of a stored record's fields, nil when absent.
func (f *fakeCRM) record(entity types.EntityType, id int64) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[entity][id]
	if !ok {
		return nil
	}
	return cloneFields(rec.fields)
}

// failPage makes the next n list requests for entity at the given start
// offset return a server error, so page-level failure paths can run
// against an otherwise healthy CRM.
func (f *fakeCRM) failPage(entity types.EntityType, start, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[string(entity)+":"+strconv.Itoa(start)] = n
}

// requests returns every request line seen so far.
func (f *fakeCRM) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reqs...)
}

// countRequests counts requests whose "METHOD /path" line starts with prefix.
func (f *fakeCRM) countRequests(prefix string) int {
	var n int
	for _, line := range f.requests() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeCRM) render(id int64, rec *crmRecord) map[string]any {
	out := cloneFields(rec.fields)
	out["id"] = id
	out["update_time"] = pipedrive.FormatTime(rec.updatedAt)
	return out
}

func (f *fakeCRM) listHandler(entity types.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		f.mu.Lock()
		failKey := string(entity) + ":" + q.Get("start")
		if n := f.failures[failKey]; n > 0 {
			f.failures[failKey] = n - 1
			f.mu.Unlock()
			writeCRMError(w, http.StatusInternalServerError, "temporary backend error")
			return
		}
		var ids []int64
		if raw := q.Get("ids"); raw != "" {
			for _, part := range strings.Split(raw, ",") {
				if id, err := strconv.ParseInt(part, 10, 64); err == nil {
					ids = append(ids, id)
				}
			}
		} else {
			for id := range f.data[entity] {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		var since time.Time
		if raw := q.Get("since_timestamp"); raw != "" {
			since, _ = pipedrive.ParseTime(raw)
		}

		var all []map[string]any
		for _, id := range ids {
			rec, ok := f.data[entity][id]
			if !ok {
				continue
			}
			if !since.IsZero() && !rec.updatedAt.After(since) {
				continue
			}
			all = append(all, f.render(id, rec))
		}
		f.mu.Unlock()

		start, _ := strconv.Atoi(q.Get("start"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		if limit <= 0 {
			limit = 100
		}
		if start > len(all) {
			start = len(all)
		}
		end := start + limit
		if end > len(all) {
			end = len(all)
		}

		writeEnvelope(w, http.StatusOK, all[start:end], map[string]any{
			"pagination": map[string]any{
				"start":                    start,
				"limit":                    limit,
				"more_items_in_collection": end < len(all),
				"next_start":               end,
			},
		})
	}
}

func (f *fakeCRM) itemHandler(entity types.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
		f.mu.Lock()
		rec, ok := f.data[entity][id]
		var body map[string]any
		if ok {
			body = f.render(id, rec)
		}
		f.mu.Unlock()

		if !ok {
			writeCRMError(w, http.StatusNotFound, "Record not found")
			return
		}
		writeEnvelope(w, http.StatusOK, body, nil)
	}
}

func (f *fakeCRM) createHandler(entity types.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			writeCRMError(w, http.StatusBadRequest, "invalid body")
			return
		}
		f.mu.Lock()
		f.nextID++
		id := f.nextID
		if f.data[entity] == nil {
			f.data[entity] = make(map[int64]*crmRecord)
		}
		rec := &crmRecord{fields: fields, updatedAt: time.Now().UTC()}
		f.data[entity][id] = rec
		body := f.render(id, rec)
		f.mu.Unlock()

		writeEnvelope(w, http.StatusCreated, body, nil)
	}
}

func (f *fakeCRM) updateHandler(entity types.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			writeCRMError(w, http.StatusBadRequest, "invalid body")
			return
		}

		f.mu.Lock()
		rec, ok := f.data[entity][id]
		var body map[string]any
		if ok {
			for k, v := range fields {
				rec.fields[k] = v
			}
			rec.updatedAt = time.Now().UTC()
			body = f.render(id, rec)
		}
		f.mu.Unlock()

		if !ok {
			writeCRMError(w, http.StatusNotFound, "Record not found")
			return
		}
		writeEnvelope(w, http.StatusOK, body, nil)
	}
}

func (f *fakeCRM) deletedHandler(entity types.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var since time.Time
		if raw := r.URL.Query().Get("since_timestamp"); raw != "" {
			since, _ = pipedrive.ParseTime(raw)
		}

		f.mu.Lock()
		var rows []map[string]any
		for _, d := range f.deleted[entity] {
			if !since.IsZero() && !d.at.After(since) {
				continue
			}
			rows = append(rows, map[string]any{"id": d.id})
		}
		f.mu.Unlock()

		writeEnvelope(w, http.StatusOK, rows, map[string]any{
			"pagination": map[string]any{"more_items_in_collection": false},
		})
	}
}

func (f *fakeCRM) handleSearch(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("term")

	f.mu.Lock()
	var items []map[string]any
	for id, rec := range f.data[types.EntityPersons] {
		if email, _ := rec.fields["email"].(string); email == term {
			items = append(items, map[string]any{"item": f.render(id, rec)})
		}
	}
	f.mu.Unlock()

	writeEnvelope(w, http.StatusOK, map[string]any{"items": items}, nil)
}

func writeEnvelope(w http.ResponseWriter, status int, data any, additional map[string]any) {
	body := map[string]any{"success": true, "data": data}
	if additional != nil {
		body["additional_data"] = additional
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeCRMError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// --- Scripted Qualifier ---

// scriptedQualifier returns a canned verdict and records every reply it
// sees, standing in for the OpenAI-backed qualifier.
type scriptedQualifier struct {
	mu      sync.Mutex
	verdict sentiment.Qualification
	err     error
	replies []types.ReplyEvent
}

var _ sentiment.Qualifier = (*scriptedQualifier)(nil)

func (q *scriptedQualifier) Qualify(_ context.Context, reply types.ReplyEvent) (*sentiment.Qualification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.replies = append(q.replies, reply)
	if q.err != nil {
		return nil, q.err
	}
	out := q.verdict
	return &out, nil
}

func (q *scriptedQualifier) script(verdict sentiment.Qualification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.verdict = verdict
	q.err = nil
}

func (q *scriptedQualifier) scriptFailure(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

// --- Server Environment ---

// testEnv is a full in-process server: real workspaces on disk, real
// sqlite mirrors, a real CRM client pointed at the fake CRM, and the
// production router in front.
type testEnv struct {
	root      string
	crm       *fakeCRM
	kv        kv.Store
	manager   *workspace.Manager
	router    http.Handler
	qualifier *scriptedQualifier
}

func setupServerEnv(t *testing.T) *testEnv {
	t.Helper()
	return setupEnv(t, true)
}

// setupServerEnvNoAutomation builds the same stack without a reply
// qualifier, the shape of a deployment that never set OPENAI_API_KEY.
func setupServerEnvNoAutomation(t *testing.T) *testEnv {
	t.Helper()
	return setupEnv(t, false)
}

func setupEnv(t *testing.T, withQualifier bool) *testEnv {
	t.Helper()

	crm := newFakeCRM(t)
	clk := clock.NewSystem()
	kvStore := kv.NewMemory(clk)

	env := &testEnv{
		root: t.TempDir(),
		crm:  crm,
		kv:   kvStore,
	}

	opts := workspace.Options{
		Root:   env.root,
		KV:     kvStore,
		Clock:  clk,
		Tokens: func(string) (string, error) { return "e2e-crm-token", nil },
		Client: pipedrive.Options{
			BaseURL:      crm.URL(),
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
		},
		Sync:       syncer.Options{PageSize: 10, WriteBatch: 5},
		Notifier:   automation.LogNotifier{},
		Automation: automation.DefaultConfig(),
	}
	if withQualifier {
		env.qualifier = &scriptedQualifier{}
		opts.Qualifier = env.qualifier
	}

	manager, err := workspace.NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { manager.Close() })
	env.manager = manager

	handler := api.NewHandler(manager, testAPIKey, "e2e")
	env.router = api.NewRouter(handler, nil)
	return env
}

// createWorkspace provisions a workspace through the manager, the same
// path the API handler takes.
func (env *testEnv) createWorkspace(t *testing.T, id string) *workspace.Workspace {
	t.Helper()
	ws, err := env.manager.Create(context.Background(), id, "e2e workspace")
	if err != nil {
		t.Fatalf("create workspace %s: %v", id, err)
	}
	return ws
}

// --- HTTP Helpers ---

// request performs an authenticated request against the in-process router.
func (env *testEnv) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return env.requestWithKey(t, method, path, body, testAPIKey)
}

func (env *testEnv) requestWithKey(t *testing.T, method, path string, body any, key string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

// requireStatus fails the test with the response body when the status
// does not match, which is usually a problem document worth seeing.
func requireStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

// --- Workspace DB Inspection ---

// openWorkspaceDB opens a workspace's sqlite mirror directly, reading
// around the server the way an operator with sqlite3 would.
func openWorkspaceDB(t *testing.T, root, workspaceID string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(root, workspaceID, "crm.db"))
	if err != nil {
		t.Fatalf("open workspace db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count query %q: %v", query, err)
	}
	return n
}

// localID returns the mirror row's local identifier for a remote record.
func localID(t *testing.T, db *sql.DB, table string, remoteID int64) string {
	t.Helper()
	var id string
	err := db.QueryRow(
		fmt.Sprintf("SELECT id FROM %s WHERE remote_id = ?", table), remoteID,
	).Scan(&id)
	if err != nil {
		t.Fatalf("load %s %d local id: %v", table, remoteID, err)
	}
	return id
}

// mirrorFields loads the payload column of one mirror row by remote id.
func mirrorFields(t *testing.T, db *sql.DB, table string, remoteID int64) map[string]any {
	t.Helper()
	var payload string
	err := db.QueryRow(
		fmt.Sprintf("SELECT payload FROM %s WHERE remote_id = ?", table), remoteID,
	).Scan(&payload)
	if err != nil {
		t.Fatalf("load %s %d payload: %v", table, remoteID, err)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		t.Fatalf("decode %s %d payload: %v", table, remoteID, err)
	}
	return fields
}

// localEdit mutates one field of a mirrored record the way the host
// application would: updated_at moves, synced_at stays, so the record
// reads as locally dirty.
func localEdit(t *testing.T, ws *workspace.Workspace, entity types.EntityType, remoteID int64, field string, value any, at time.Time) {
	t.Helper()
	ctx := context.Background()
	rec, err := storage.GetByRemoteID(ctx, ws.DB, entity, remoteID)
	if err != nil {
		t.Fatalf("load local %s %d: %v", entity, remoteID, err)
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]any)
	}
	rec.Fields[field] = value
	rec.UpdatedAt = at
	row, err := storage.RecordToRow(*rec)
	if err != nil {
		t.Fatalf("shape local %s %d: %v", entity, remoteID, err)
	}
	if err := ws.DB.Upsert(ctx, storage.EntityTable(entity), row); err != nil {
		t.Fatalf("store local edit on %s %d: %v", entity, remoteID, err)
	}
}
