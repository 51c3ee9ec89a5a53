package conflict

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/pipesync/internal/clock"
	"github.com/hyperengineering/pipesync/internal/pipedrive"
	"github.com/hyperengineering/pipesync/internal/storage"
	"github.com/hyperengineering/pipesync/internal/types"
)

var testBase = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// --- Remote double ---

type remoteUpdate struct {
	entity  types.EntityType
	id      int64
	fields  map[string]any
	version int64 // -1 when the update carried no version guard
}

type fakeRemote struct {
	mu         sync.Mutex
	records    map[types.EntityType]map[int64]types.RemoteRecord
	versions   map[int64]int64
	updates    []remoteUpdate
	updateErrs map[int64]error
	fetchCalls int
	batchCalls [][]int64
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records:    make(map[types.EntityType]map[int64]types.RemoteRecord),
		versions:   make(map[int64]int64),
		updateErrs: make(map[int64]error),
	}
}

func (f *fakeRemote) put(rec types.RemoteRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records[rec.Type] == nil {
		f.records[rec.Type] = make(map[int64]types.RemoteRecord)
	}
	f.records[rec.Type][rec.ID] = rec
}

func (f *fakeRemote) remove(entity types.EntityType, id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records[entity], id)
}

// edit overlays field values on a stored record and advances its update
// time, the way an agent editing in the CRM would.
func (f *fakeRemote) edit(entity types.EntityType, id int64, fields map[string]any, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[entity][id]
	clone := make(map[string]any, len(rec.Fields)+len(fields))
	for k, v := range rec.Fields {
		clone[k] = v
	}
	for k, v := range fields {
		clone[k] = v
	}
	clone["update_time"] = pipedrive.FormatTime(at)
	rec.Fields = clone
	rec.UpdateTime = at
	f.records[entity][id] = rec
}

func (f *fakeRemote) failUpdate(id int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateErrs[id] = err
}

func (f *fakeRemote) setVersion(id, version int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[id] = version
}

func (f *fakeRemote) pushed() []remoteUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remoteUpdate(nil), f.updates...)
}

func (f *fakeRemote) batchIDs() [][]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]int64(nil), f.batchCalls...)
}

func (f *fakeRemote) FetchOne(ctx context.Context, entity types.EntityType, id int64) (*types.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	rec, ok := f.records[entity][id]
	if !ok {
		return nil, &pipedrive.APIError{StatusCode: 404, Message: "not found"}
	}
	out := rec
	return &out, nil
}

func (f *fakeRemote) FetchByIDs(ctx context.Context, entity types.EntityType, ids []int64, chunkSize int) ([]types.RemoteRecord, []types.RecordError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls = append(f.batchCalls, append([]int64(nil), ids...))

	var records []types.RemoteRecord
	var failed []types.RecordError
	for _, id := range ids {
		rec, ok := f.records[entity][id]
		if !ok {
			failed = append(failed, types.RecordError{RemoteID: id, Messages: []string{"not found"}})
			continue
		}
		records = append(records, rec)
	}
	return records, failed, nil
}

func (f *fakeRemote) UpdateEntity(ctx context.Context, entity types.EntityType, id int64, fields map[string]any) (*types.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.updateErrs[id]; err != nil {
		return nil, err
	}
	f.updates = append(f.updates, remoteUpdate{entity: entity, id: id, fields: fields, version: -1})
	rec := f.applyLocked(entity, id, fields)
	return &rec, nil
}

func (f *fakeRemote) UpdateEntityWithVersion(ctx context.Context, entity types.EntityType, id int64, fields map[string]any, version int64) (*types.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.updateErrs[id]; err != nil {
		return nil, err
	}
	if server, ok := f.versions[id]; ok && server != version {
		return nil, &pipedrive.VersionConflictError{
			Path:    "/" + string(entity) + "/" + "update",
			Version: version,
			Message: "stale version",
		}
	}
	f.updates = append(f.updates, remoteUpdate{entity: entity, id: id, fields: fields, version: version})
	rec := f.applyLocked(entity, id, fields)

	next := version + 1
	f.versions[id] = next
	clone := make(map[string]any, len(rec.Fields)+1)
	for k, v := range rec.Fields {
		clone[k] = v
	}
	clone["version"] = float64(next)
	rec.Fields = clone
	f.records[entity][id] = rec
	return &rec, nil
}

func (f *fakeRemote) applyLocked(entity types.EntityType, id int64, fields map[string]any) types.RemoteRecord {
	rec := f.records[entity][id]
	clone := make(map[string]any, len(rec.Fields)+len(fields))
	for k, v := range rec.Fields {
		clone[k] = v
	}
	for k, v := range fields {
		clone[k] = v
	}
	rec.Fields = clone
	if f.records[entity] == nil {
		f.records[entity] = make(map[int64]types.RemoteRecord)
	}
	f.records[entity][id] = rec
	return rec
}

// --- Fixture ---

type conflictFixture struct {
	db       *storage.SQLite
	remote   *fakeRemote
	clk      *clock.Fake
	detector *Detector
	resolver *Resolver
}

func newConflictFixture(t *testing.T) *conflictFixture {
	t.Helper()
	clk := clock.NewFake(testBase)
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "crm.db"), clk)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	remote := newFakeRemote()
	return &conflictFixture{
		db:       db,
		remote:   remote,
		clk:      clk,
		detector: NewDetector(db, remote, clk),
		resolver: NewResolver(db, remote, nil, clk),
	}
}

func (fx *conflictFixture) withRules(rules MergeRules) {
	fx.resolver = NewResolver(fx.db, fx.remote, rules, fx.clk)
}

// person builds a remote person record with the API's envelope fields.
func person(id int64, fields map[string]any, updated time.Time) types.RemoteRecord {
	base := map[string]any{
		"id":          float64(id),
		"update_time": pipedrive.FormatTime(updated),
	}
	for k, v := range fields {
		base[k] = v
	}
	return types.RemoteRecord{ID: id, Type: types.EntityPersons, Fields: base, UpdateTime: updated}
}

// seedSynced stores matching local and remote copies as if sync wrote
// the local mirror at syncedAt.
func (fx *conflictFixture) seedSynced(t *testing.T, rec types.RemoteRecord, syncedAt time.Time) types.LocalRecord {
	t.Helper()
	local := storage.NewLocalRecord(rec, syncedAt)
	row, err := storage.RecordToRow(local)
	if err != nil {
		t.Fatalf("shape local record: %v", err)
	}
	if err := fx.db.Upsert(context.Background(), storage.EntityTable(rec.Type), row); err != nil {
		t.Fatalf("seed local %d: %v", rec.ID, err)
	}
	fx.remote.put(rec)
	return local
}

// editLocal simulates a user editing local fields at the given time.
// Only updated_at moves; synced_at stays where sync left it.
func (fx *conflictFixture) editLocal(t *testing.T, entity types.EntityType, localID string, fields map[string]any, at time.Time) {
	t.Helper()
	ctx := context.Background()
	local, err := storage.GetByLocalID(ctx, fx.db, entity, localID)
	if err != nil {
		t.Fatalf("load local %s: %v", localID, err)
	}
	for k, v := range fields {
		local.Fields[k] = v
	}
	payload, err := json.Marshal(local.Fields)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	if _, err := fx.db.Update(ctx, storage.EntityTable(entity), storage.Row{
		"payload":    string(payload),
		"updated_at": at,
	}, storage.Eq("id", localID)); err != nil {
		t.Fatalf("edit local %s: %v", localID, err)
	}
}

// divergedPerson seeds one person synced two hours before testBase, then
// edits the name locally and the phone remotely, and returns the
// detected conflict.
func (fx *conflictFixture) divergedPerson(t *testing.T, id int64) *Conflict {
	t.Helper()
	syncedAt := testBase.Add(-2 * time.Hour)
	rec := person(id, map[string]any{
		"name":  "Ada Lovelace",
		"phone": "555-0100",
		"email": "ada@example.test",
	}, syncedAt.Add(-time.Hour))

	local := fx.seedSynced(t, rec, syncedAt)
	fx.editLocal(t, types.EntityPersons, local.LocalID, map[string]any{"name": "Ada K. Lovelace"}, testBase.Add(-30*time.Minute))
	fx.remote.edit(types.EntityPersons, id, map[string]any{"phone": "555-0199"}, testBase.Add(-15*time.Minute))

	c, err := fx.detector.Detect(context.Background(), types.EntityPersons, local.LocalID, syncedAt)
	if err != nil {
		t.Fatalf("detect person %d: %v", id, err)
	}
	if c == nil {
		t.Fatalf("expected a conflict for person %d", id)
	}
	return c
}

func mustCount(t *testing.T, db *storage.SQLite, table string, filters ...storage.Filter) int64 {
	t.Helper()
	n, err := db.Count(context.Background(), table, filters...)
	if err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
