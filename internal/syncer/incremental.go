package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hyperengineering/pipesync/internal/pipedrive"
	"github.com/hyperengineering/pipesync/internal/storage"
	"github.com/hyperengineering/pipesync/internal/types"
)

// changelogCursorKey is the sync_meta key holding the change feed cursor.
const changelogCursorKey = "changelog_cursor"

func lastSyncKey(entity types.EntityType) string {
	return "last_sync:" + string(entity)
}

// LastSync returns when entity last completed a sync, or the zero time
// when it never has.
func (e *Engine) LastSync(ctx context.Context, entity types.EntityType) (time.Time, error) {
	raw, err := e.db.GetMeta(ctx, lastSyncKey(entity))
	if errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return storage.ParseTime(raw)
}

// PerformIncrementalSync replays everything that changed since the last
// completed sync: modified records are re-upserted and remote deletions
// become local tombstones. An entity that has never synced gets a full
// sync instead. Incremental walks are cheap enough that they carry no
// checkpoint; a failed run is simply repeated from the same cutoff.
func (e *Engine) PerformIncrementalSync(ctx context.Context, entity types.EntityType, opts ...SyncOption) (*types.SyncResult, error) {
	if !entity.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", entity)
	}
	since, err := e.LastSync(ctx, entity)
	if err != nil {
		return nil, err
	}
	if since.IsZero() {
		return e.SyncEntity(ctx, entity, opts...)
	}
	cfg := resolveConfig(opts)

	started := e.clk.Now().UTC()
	run := e.beginRun(ctx, entity, types.SyncModeIncremental, started)
	result := &types.SyncResult{Entity: entity}

	walk := &pageWalk{
		entity: entity,
		extra:  map[string]any{"since_timestamp": pipedrive.FormatTime(since)},
	}
	runErr := e.walkCollection(ctx, walk, cfg, result)
	if runErr == nil {
		deleted, err := e.applyTombstones(ctx, entity, since)
		result.Synced += deleted
		runErr = err
	}
	result.Duration = e.clk.Now().Sub(started)

	if runErr != nil {
		e.finishRun(ctx, run, result, runErr)
		slog.Error("incremental sync failed",
			"component", "syncer",
			"workspace", e.workspace,
			"entity", entity,
			"run_id", run.ID,
			"error", runErr,
		)
		return nil, runErr
	}

	e.recordLastSync(ctx, entity, started)
	e.finishRun(ctx, run, result, nil)
	slog.Info("incremental sync completed",
		"component", "syncer",
		"workspace", e.workspace,
		"entity", entity,
		"run_id", run.ID,
		"since", pipedrive.FormatTime(since),
		"synced", result.Synced,
		"failed", result.Failed,
	)
	return result, nil
}

// applyTombstones soft-deletes local copies of records the CRM deleted
// after the cutoff, reporting how many rows were actually tombstoned.
func (e *Engine) applyTombstones(ctx context.Context, entity types.EntityType, since time.Time) (int, error) {
	ids, err := e.crm.DeletedSince(ctx, entity, since)
	if err != nil {
		return 0, fmt.Errorf("list deleted %s: %w", entity, err)
	}
	table := storage.EntityTable(entity)
	var deleted int
	for _, id := range ids {
		affected, err := e.db.Delete(ctx, table, storage.Eq("remote_id", id))
		if err != nil {
			return deleted, fmt.Errorf("tombstone %s %d: %w", entity, id, err)
		}
		deleted += int(affected)
	}
	return deleted, nil
}

// ApplyChange applies one normalized change event to local storage.
// Events carrying a payload are stored directly; bare events are
// re-fetched from the CRM first. Deletions tombstone the local copy, and
// deleting a record that was never synced is a no-op.
func (e *Engine) ApplyChange(ctx context.Context, event types.ChangeEvent) error {
	if !event.Entity.Valid() {
		return fmt.Errorf("unknown entity type %q", event.Entity)
	}
	if !event.Action.Valid() {
		return fmt.Errorf("unknown change action %q", event.Action)
	}
	table := storage.EntityTable(event.Entity)

	if event.Action == types.ChangeDeleted {
		if _, err := e.db.Delete(ctx, table, storage.Eq("remote_id", event.RemoteID)); err != nil {
			return fmt.Errorf("tombstone %s %d: %w", event.Entity, event.RemoteID, err)
		}
		return nil
	}

	record, err := e.changeRecord(ctx, event)
	if err != nil {
		return err
	}
	if e.validate {
		if msgs := ValidateRecord(*record); len(msgs) > 0 {
			return fmt.Errorf("invalid %s %d: %s", event.Entity, event.RemoteID, strings.Join(msgs, "; "))
		}
	}
	row, err := storage.RecordToRow(storage.NewLocalRecord(*record, e.clk.Now()))
	if err != nil {
		return fmt.Errorf("shape %s %d: %w", event.Entity, event.RemoteID, err)
	}
	if err := e.db.Upsert(ctx, table, row); err != nil {
		return fmt.Errorf("store %s %d: %w", event.Entity, event.RemoteID, err)
	}
	return nil
}

// changeRecord turns an event into a full remote record, preferring the
// embedded payload over a round trip to the CRM.
func (e *Engine) changeRecord(ctx context.Context, event types.ChangeEvent) (*types.RemoteRecord, error) {
	if event.Payload != nil {
		raw, err := json.Marshal(event.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event.Entity, err)
		}
		record, err := pipedrive.DecodeRecord(event.Entity, raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", event.Entity, err)
		}
		return record, nil
	}
	record, err := e.crm.FetchOne(ctx, event.Entity, event.RemoteID)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %d: %w", event.Entity, event.RemoteID, err)
	}
	return record, nil
}

// ChangelogResult summarizes one replay of the change feed.
type ChangelogResult struct {
	Counts  map[types.EntityType]map[types.ChangeAction]int `json:"counts"`
	Synced  int                                             `json:"synced"`
	Failed  int                                             `json:"failed"`
	Skipped int                                             `json:"skipped"`
	Errors  []types.RecordError                             `json:"errors,omitempty"`
}

// SyncFromChangelog replays the CRM change feed from since, or from the
// stored cursor when since is zero. Entries for objects or actions this
// system does not track count as skipped, never failed. Only the latest
// action per record is applied, so a delete that follows an update
// cannot resurrect the record.
//
// Entities apply independently: one entity failing does not stop the
// rest, and the joined error reports every failure alongside the partial
// result. The cursor advances to the newest entry seen only when every
// entity applied cleanly, so a failed replay retries from the same spot.
func (e *Engine) SyncFromChangelog(ctx context.Context, since time.Time) (*ChangelogResult, error) {
	if since.IsZero() {
		cursor, err := e.changelogCursor(ctx)
		if err != nil {
			return nil, err
		}
		since = cursor
	}

	result := &ChangelogResult{Counts: make(map[types.EntityType]map[types.ChangeAction]int)}

	type recordKey struct {
		entity types.EntityType
		id     int64
	}
	final := make(map[recordKey]types.ChangeAction)
	var order []recordKey
	var newest time.Time

	start := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := e.crm.Changelog(ctx, since, start, e.pageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch changelog at offset %d: %w", start, err)
		}
		for _, entry := range page.Entries {
			event, err := entry.Event()
			if err != nil {
				result.Skipped++
				continue
			}
			if event.Timestamp.After(newest) {
				newest = event.Timestamp
			}
			k := recordKey{event.Entity, event.RemoteID}
			if _, seen := final[k]; !seen {
				order = append(order, k)
			}
			final[k] = event.Action

			counts := result.Counts[event.Entity]
			if counts == nil {
				counts = make(map[types.ChangeAction]int)
				result.Counts[event.Entity] = counts
			}
			counts[event.Action]++
		}
		if !page.More || len(page.Entries) == 0 {
			break
		}
		start = page.NextStart
	}

	upserts := make(map[types.EntityType][]int64)
	tombstones := make(map[types.EntityType][]int64)
	for _, k := range order {
		if final[k] == types.ChangeDeleted {
			tombstones[k.entity] = append(tombstones[k.entity], k.id)
		} else {
			upserts[k.entity] = append(upserts[k.entity], k.id)
		}
	}

	var errs []error
	for _, entity := range types.AllEntityTypes() {
		upsertIDs, deleteIDs := upserts[entity], tombstones[entity]
		if len(upsertIDs) == 0 && len(deleteIDs) == 0 {
			continue
		}
		entityResult, err := e.applyFeedChanges(ctx, entity, upsertIDs, deleteIDs)

		result.Synced += entityResult.Synced
		result.Failed += entityResult.Failed
		result.Errors = append(result.Errors, entityResult.Errors...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return result, errors.Join(errs...)
	}

	if !newest.IsZero() {
		if err := e.db.SetMeta(ctx, changelogCursorKey, storage.FormatTime(newest)); err != nil {
			slog.Warn("changelog cursor update failed",
				"component", "syncer",
				"workspace", e.workspace,
				"error", err,
			)
		}
	}
	slog.Info("changelog replay completed",
		"component", "syncer",
		"workspace", e.workspace,
		"synced", result.Synced,
		"failed", result.Failed,
		"skipped", result.Skipped,
	)
	return result, nil
}

// applyFeedChanges lands one entity's share of a feed replay under its
// own audit run.
func (e *Engine) applyFeedChanges(ctx context.Context, entity types.EntityType, upsertIDs, deleteIDs []int64) (*types.SyncResult, error) {
	started := e.clk.Now().UTC()
	run := e.beginRun(ctx, entity, types.SyncModeChangelog, started)
	result := &types.SyncResult{Entity: entity}

	var runErr error
	if len(upsertIDs) > 0 {
		records, fetchErrs, err := e.crm.FetchByIDs(ctx, entity, upsertIDs, 0)
		if err != nil {
			runErr = fmt.Errorf("fetch changed %s: %w", entity, err)
		} else {
			recErrs := append([]types.RecordError(nil), fetchErrs...)
			if e.validate {
				records, recErrs = filterValid(records, recErrs)
			}
			synced, writeErrs := e.writeRecords(ctx, entity, records)
			recErrs = append(recErrs, writeErrs...)

			result.Synced += synced
			result.Failed += len(recErrs)
			result.Errors = append(result.Errors, recErrs...)
		}
	}
	if runErr == nil {
		table := storage.EntityTable(entity)
		for _, id := range deleteIDs {
			affected, err := e.db.Delete(ctx, table, storage.Eq("remote_id", id))
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, types.RecordError{RemoteID: id, Messages: []string{err.Error()}})
				continue
			}
			result.Synced += int(affected)
		}
	}

	result.Duration = e.clk.Now().Sub(started)
	e.finishRun(ctx, run, result, runErr)
	return result, runErr
}

func (e *Engine) changelogCursor(ctx context.Context) (time.Time, error) {
	raw, err := e.db.GetMeta(ctx, changelogCursorKey)
	if errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return storage.ParseTime(raw)
}
