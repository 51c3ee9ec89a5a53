package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"github.com/hyperengineering/pipesync/internal/clock"
	"github.com/hyperengineering/pipesync/internal/pipedrive"
	"github.com/hyperengineering/pipesync/internal/storage"
	"github.com/hyperengineering/pipesync/internal/types"
)

// RemoteReader is the slice of the CRM client the detector needs.
type RemoteReader interface {
	FetchOne(ctx context.Context, entity types.EntityType, id int64) (*types.RemoteRecord, error)
	FetchByIDs(ctx context.Context, entity types.EntityType, ids []int64, chunkSize int) ([]types.RemoteRecord, []types.RecordError, error)
}

// bookkeepingFields are API envelope fields that move on every write and
// never carry user data, so they are excluded from diffing.
var bookkeepingFields = map[string]bool{
	"id":          true,
	"add_time":    true,
	"update_time": true,
	"version":     true,
}

// Detector finds records that were modified on both sides since the last
// synchronization point.
type Detector struct {
	db  storage.Database
	crm RemoteReader
	clk clock.Clock
}

// NewDetector builds a detector over the workspace database and CRM
// client. A nil clock falls back to wall time.
func NewDetector(db storage.Database, crm RemoteReader, clk clock.Clock) *Detector {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Detector{db: db, crm: crm, clk: clk}
}

// Detect compares the local record behind localID with its remote
// counterpart. It returns a conflict when both copies changed after
// lastSync, listing only the fields whose values actually differ, and
// nil when at most one side changed. A record freshly written by sync
// does not count as a local edit. Detected conflicts are persisted;
// repeated detection of the same open divergence refreshes the stored
// row instead of opening another.
func (d *Detector) Detect(ctx context.Context, entity types.EntityType, localID string, lastSync time.Time) (*Conflict, error) {
	if !entity.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", entity)
	}

	local, err := storage.GetByLocalID(ctx, d.db, entity, localID)
	if err != nil {
		return nil, fmt.Errorf("load local %s %q: %w", entity.Singular(), localID, err)
	}
	if local.Deleted() {
		return nil, nil
	}

	remote, err := d.crm.FetchOne(ctx, entity, local.RemoteID)
	if err != nil {
		if pipedrive.IsNotFound(err) {
			// Deleted remotely; that is a tombstone for sync, not a
			// field-level conflict.
			return nil, nil
		}
		return nil, fmt.Errorf("fetch remote %s %d: %w", entity.Singular(), local.RemoteID, err)
	}

	c := evaluate(*local, *remote, lastSync)
	if c == nil {
		return nil, nil
	}
	if err := d.persist(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// DetectBatch applies the same rule across many records with one local
// read and one remote fetch. Records whose remote copy cannot be loaded
// are skipped and logged; they do not abort the scan.
func (d *Detector) DetectBatch(ctx context.Context, entity types.EntityType, localIDs []string, lastSync time.Time) ([]*Conflict, error) {
	if !entity.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", entity)
	}
	if len(localIDs) == 0 {
		return nil, nil
	}

	ids := make([]any, len(localIDs))
	for i, id := range localIDs {
		ids[i] = id
	}
	rows, err := d.db.Select(ctx, storage.EntityTable(entity), storage.Query{
		Filters: []storage.Filter{storage.In("id", ids...)},
	})
	if err != nil {
		return nil, fmt.Errorf("load local %s batch: %w", entity, err)
	}

	locals := make([]types.LocalRecord, 0, len(rows))
	remoteIDs := make([]int64, 0, len(rows))
	for _, row := range rows {
		local, err := storage.RowToRecord(entity, row)
		if err != nil {
			return nil, err
		}
		if local.Deleted() {
			continue
		}
		locals = append(locals, local)
		remoteIDs = append(remoteIDs, local.RemoteID)
	}
	if len(locals) == 0 {
		return nil, nil
	}

	remotes, failed, err := d.crm.FetchByIDs(ctx, entity, remoteIDs, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch remote %s batch: %w", entity, err)
	}
	if len(failed) > 0 {
		slog.Warn("remote records unavailable during conflict scan",
			"component", "conflict",
			"entity", entity,
			"unavailable", len(failed),
		)
	}

	byID := make(map[int64]types.RemoteRecord, len(remotes))
	for _, r := range remotes {
		byID[r.ID] = r
	}

	var conflicts []*Conflict
	for _, local := range locals {
		remote, ok := byID[local.RemoteID]
		if !ok {
			continue
		}
		c := evaluate(local, remote, lastSync)
		if c == nil {
			continue
		}
		if err := d.persist(ctx, c); err != nil {
			return conflicts, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, nil
}

// evaluate applies the detection rule to one record pair. It returns nil
// unless both sides changed after lastSync.
func evaluate(local types.LocalRecord, remote types.RemoteRecord, lastSync time.Time) *Conflict {
	if !locallyModified(local, lastSync) || !remote.UpdateTime.After(lastSync) {
		return nil
	}
	return &Conflict{
		Entity:         local.Type,
		RemoteID:       local.RemoteID,
		LocalRecord:    local,
		RemoteRecord:   remote,
		Fields:         diffFields(local.Fields, remote.Fields),
		LocalModified:  local.UpdatedAt,
		RemoteModified: remote.UpdateTime,
		Status:         StatusDetected,
	}
}

// locallyModified distinguishes a user edit from a sync write: sync
// writes stamp updated_at and synced_at together, edits move only
// updated_at.
func locallyModified(local types.LocalRecord, lastSync time.Time) bool {
	if !local.UpdatedAt.After(lastSync) {
		return false
	}
	return local.SyncedAt == nil || local.UpdatedAt.After(*local.SyncedAt)
}

// diffFields lists the fields whose values differ between the two
// copies, in field-name order. Envelope bookkeeping fields are ignored.
func diffFields(local, remote map[string]any) []FieldDiff {
	names := make(map[string]bool, len(local)+len(remote))
	for name := range local {
		names[name] = true
	}
	for name := range remote {
		names[name] = true
	}

	ordered := make([]string, 0, len(names))
	for name := range names {
		if bookkeepingFields[name] {
			continue
		}
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	diffs := make([]FieldDiff, 0, len(ordered))
	for _, name := range ordered {
		lv, rv := local[name], remote[name]
		if reflect.DeepEqual(lv, rv) {
			continue
		}
		diffs = append(diffs, FieldDiff{Field: name, Local: lv, Remote: rv})
	}
	return diffs
}

// persist stores the conflict. An open (unresolved) conflict for the
// same record is refreshed in place; only after resolution does renewed
// divergence open a new row.
func (d *Detector) persist(ctx context.Context, c *Conflict) error {
	rows, err := d.db.Select(ctx, conflictsTable, storage.Query{
		Filters: []storage.Filter{
			storage.Eq("entity_type", string(c.Entity)),
			storage.Eq("remote_id", c.RemoteID),
			storage.Ne("status", string(StatusResolved)),
		},
		OrderBy: "detected_at",
		Desc:    true,
		Limit:   1,
	})
	if err != nil {
		return fmt.Errorf("look up open conflict: %w", err)
	}

	if len(rows) > 0 {
		open, err := rowToConflict(rows[0])
		if err != nil {
			return err
		}
		c.ID = open.ID
		c.Status = open.Status
		c.DetectedAt = open.DetectedAt
	} else {
		c.ID = newConflictID()
		c.DetectedAt = d.clk.Now().UTC()
	}

	row, err := conflictToRow(c)
	if err != nil {
		return err
	}
	if err := d.db.Upsert(ctx, conflictsTable, row); err != nil {
		return fmt.Errorf("store conflict: %w", err)
	}

	slog.Debug("conflict detected",
		"component", "conflict",
		"entity", c.Entity,
		"remote_id", c.RemoteID,
		"conflict_id", c.ID,
		"fields", len(c.Fields),
	)
	return nil
}

// Open lists unresolved conflicts, newest first, optionally filtered to
// one entity type. A zero limit returns everything.
func (d *Detector) Open(ctx context.Context, entity types.EntityType, limit int) ([]*Conflict, error) {
	filters := []storage.Filter{storage.Ne("status", string(StatusResolved))}
	if entity != "" {
		if !entity.Valid() {
			return nil, fmt.Errorf("unknown entity type %q", entity)
		}
		filters = append(filters, storage.Eq("entity_type", string(entity)))
	}

	rows, err := d.db.Select(ctx, conflictsTable, storage.Query{
		Filters: filters,
		OrderBy: "detected_at",
		Desc:    true,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list open conflicts: %w", err)
	}

	conflicts := make([]*Conflict, 0, len(rows))
	var decodeErrs []error
	for _, row := range rows {
		c, err := rowToConflict(row)
		if err != nil {
			decodeErrs = append(decodeErrs, err)
			continue
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, errors.Join(decodeErrs...)
}

// Get loads one conflict by id.
func (d *Detector) Get(ctx context.Context, id string) (*Conflict, error) {
	return loadConflict(ctx, d.db, id)
}

func loadConflict(ctx context.Context, db storage.Database, id string) (*Conflict, error) {
	rows, err := db.Select(ctx, conflictsTable, storage.Query{
		Filters: []storage.Filter{storage.Eq("id", id)},
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("load conflict %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, storage.ErrNotFound
	}
	return rowToConflict(rows[0])
}
