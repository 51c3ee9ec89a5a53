// Package syncer walks remote CRM collections into per-workspace local
// storage. Full syncs checkpoint after every committed page so an
// interrupted run resumes where it stopped; incremental syncs replay
// only what changed since the last completed run. Every store is an
// upsert keyed on the remote id, so repeating any part of a sync is
// harmless.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/pipesync/internal/clock"
	"github.com/hyperengineering/pipesync/internal/kv"
	"github.com/hyperengineering/pipesync/internal/pipedrive"
	"github.com/hyperengineering/pipesync/internal/storage"
	"github.com/hyperengineering/pipesync/internal/types"
)

// Defaults applied when Options leaves a knob at zero.
const (
	DefaultPageSize   = 100
	DefaultWriteBatch = 50
)

// CRM is the remote API surface the engine consumes. *pipedrive.Client
// satisfies it.
type CRM interface {
	FetchPage(ctx context.Context, entity types.EntityType, start, limit int, extra map[string]any) (*types.RemotePage, error)
	FetchOne(ctx context.Context, entity types.EntityType, id int64) (*types.RemoteRecord, error)
	FetchByIDs(ctx context.Context, entity types.EntityType, ids []int64, chunkSize int) ([]types.RemoteRecord, []types.RecordError, error)
	DeletedSince(ctx context.Context, entity types.EntityType, since time.Time) ([]int64, error)
	Changelog(ctx context.Context, since time.Time, start, limit int) (*pipedrive.ChangelogPage, error)
}

// RunArchiver receives the summary of every finished run for offsite
// retention. Archive failures are logged, never fatal to the sync.
type RunArchiver interface {
	ArchiveRun(ctx context.Context, workspace string, run types.SyncRun, result *types.SyncResult) error
}

// Options configures an Engine.
type Options struct {
	// Workspace namespaces checkpoints and archived run summaries.
	Workspace string
	// PageSize is the page size for remote collection walks.
	PageSize int
	// WriteBatch caps how many records go into one storage transaction.
	WriteBatch int
	// Validate drops records that fail local field validation instead of
	// storing them.
	Validate bool
	// Archiver, when set, receives every finished run summary.
	Archiver RunArchiver
	// Clock defaults to the system clock.
	Clock clock.Clock
}

// Engine syncs remote CRM entities into a workspace's local database.
// Engines are cheap; each workspace gets its own.
type Engine struct {
	workspace   string
	crm         CRM
	db          storage.Database
	checkpoints *checkpointStore
	clk         clock.Clock
	pageSize    int
	writeBatch  int
	validate    bool
	archiver    RunArchiver
}

// New builds an Engine over the given CRM client, local database, and
// checkpoint store.
func New(crm CRM, db storage.Database, checkpoints kv.Store, opts Options) *Engine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	writeBatch := opts.WriteBatch
	if writeBatch <= 0 {
		writeBatch = DefaultWriteBatch
	}
	return &Engine{
		workspace:   opts.Workspace,
		crm:         crm,
		db:          db,
		checkpoints: &checkpointStore{kv: checkpoints, workspace: opts.Workspace},
		clk:         clk,
		pageSize:    pageSize,
		writeBatch:  writeBatch,
		validate:    opts.Validate,
		archiver:    opts.Archiver,
	}
}

type syncConfig struct {
	progress func(types.Progress)
	rate     func(types.RateEstimate)
	maxItems int
}

// SyncOption tunes a single sync call.
type SyncOption func(*syncConfig)

// WithProgress registers a callback invoked after every committed page.
// PerformInitialSync runs entities concurrently, so the callback must be
// safe for concurrent use; Progress.Entity tells the streams apart.
func WithProgress(fn func(types.Progress)) SyncOption {
	return func(c *syncConfig) { c.progress = fn }
}

// WithRate registers a callback for rolling throughput estimates.
func WithRate(fn func(types.RateEstimate)) SyncOption {
	return func(c *syncConfig) { c.rate = fn }
}

// WithMaxItems stops the walk after n records. Zero means no cap.
func WithMaxItems(n int) SyncOption {
	return func(c *syncConfig) { c.maxItems = n }
}

func resolveConfig(opts []SyncOption) syncConfig {
	var cfg syncConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// SyncEntity runs a full sync of one entity from the top of the
// collection, ignoring any saved checkpoint. On failure the sync_runs
// row records the partial counts and the checkpoint written after the
// last committed page makes the run resumable.
func (e *Engine) SyncEntity(ctx context.Context, entity types.EntityType, opts ...SyncOption) (*types.SyncResult, error) {
	if !entity.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", entity)
	}
	return e.runFull(ctx, entity, nil, resolveConfig(opts))
}

// ResumeSync continues an interrupted full sync from its checkpoint, or
// starts from the top when none is saved.
func (e *Engine) ResumeSync(ctx context.Context, entity types.EntityType, opts ...SyncOption) (*types.SyncResult, error) {
	if !entity.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", entity)
	}
	cp, err := e.checkpoints.Load(ctx, entity)
	if err != nil {
		return nil, err
	}
	return e.runFull(ctx, entity, cp, resolveConfig(opts))
}

// PerformInitialSync runs a full sync of every entity type concurrently.
// One entity failing does not stop the others; the joined error reports
// every failure and the results map holds the entities that completed.
func (e *Engine) PerformInitialSync(ctx context.Context, opts ...SyncOption) (map[types.EntityType]*types.SyncResult, error) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[types.EntityType]*types.SyncResult)
		errs    []error
	)
	for _, entity := range types.AllEntityTypes() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := e.SyncEntity(ctx, entity, opts...)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", entity, err))
				return
			}
			results[entity] = result
		}()
	}
	wg.Wait()
	return results, errors.Join(errs...)
}

func (e *Engine) runFull(ctx context.Context, entity types.EntityType, cp *Checkpoint, cfg syncConfig) (*types.SyncResult, error) {
	started := e.clk.Now().UTC()
	walk := &pageWalk{entity: entity, started: started, checkpointed: true}
	if cp != nil {
		walk.offset = cp.Offset
		walk.processed = cp.Processed
		if !cp.Started.IsZero() {
			walk.started = cp.Started
		}
		slog.Info("resuming sync from checkpoint",
			"component", "syncer",
			"workspace", e.workspace,
			"entity", entity,
			"offset", cp.Offset,
			"processed", cp.Processed,
		)
	}

	run := e.beginRun(ctx, entity, types.SyncModeFull, started)
	result := &types.SyncResult{Entity: entity}

	runErr := e.walkCollection(ctx, walk, cfg, result)
	result.Duration = e.clk.Now().Sub(started)

	if runErr != nil {
		e.finishRun(ctx, run, result, runErr)
		slog.Error("sync failed",
			"component", "syncer",
			"workspace", e.workspace,
			"entity", entity,
			"run_id", run.ID,
			"synced", result.Synced,
			"failed", result.Failed,
			"error", runErr,
		)
		return nil, runErr
	}

	if err := e.checkpoints.Clear(ctx, entity); err != nil {
		slog.Warn("checkpoint clear failed",
			"component", "syncer",
			"workspace", e.workspace,
			"entity", entity,
			"error", err,
		)
	}
	e.recordLastSync(ctx, entity, started)
	e.finishRun(ctx, run, result, nil)
	slog.Info("sync completed",
		"component", "syncer",
		"workspace", e.workspace,
		"entity", entity,
		"run_id", run.ID,
		"synced", result.Synced,
		"failed", result.Failed,
		"duration", result.Duration.String(),
	)
	return result, nil
}

// pageWalk is the cursor state of one paginated collection walk.
// checkpointed walks persist their cursor after every committed page.
type pageWalk struct {
	entity       types.EntityType
	extra        map[string]any
	offset       int
	processed    int
	started      time.Time
	checkpointed bool
}

// walkCollection drives a paginated walk, storing each page before
// advancing the cursor. The error return is a page-level failure; record
// failures land in result and do not stop the walk.
func (e *Engine) walkCollection(ctx context.Context, w *pageWalk, cfg syncConfig, result *types.SyncResult) error {
	tracker := newProgressTracker(w.entity, e.clk, cfg)
	tracker.seed(w.processed)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		limit := e.pageSize
		if cfg.maxItems > 0 && w.processed+limit > cfg.maxItems {
			limit = cfg.maxItems - w.processed
		}
		if limit <= 0 {
			return nil
		}

		page, err := e.crm.FetchPage(ctx, w.entity, w.offset, limit, w.extra)
		if err != nil {
			return fmt.Errorf("fetch %s page at offset %d: %w", w.entity, w.offset, err)
		}

		recErrs := append([]types.RecordError(nil), page.Failed...)
		records := page.Records
		if e.validate {
			records, recErrs = filterValid(records, recErrs)
		}
		synced, writeErrs := e.writeRecords(ctx, w.entity, records)
		recErrs = append(recErrs, writeErrs...)

		result.Synced += synced
		result.Failed += len(recErrs)
		result.Errors = append(result.Errors, recErrs...)

		walked := len(page.Records) + len(page.Failed)
		w.processed += walked
		w.offset = page.NextStart

		if w.checkpointed {
			cp := Checkpoint{Entity: w.entity, Offset: w.offset, Processed: w.processed, Started: w.started}
			if err := e.checkpoints.Save(ctx, cp); err != nil {
				slog.Warn("checkpoint save failed",
					"component", "syncer",
					"workspace", e.workspace,
					"entity", w.entity,
					"error", err,
				)
			}
		}
		tracker.observe(w.processed, page.Total)

		if !page.More || walked == 0 {
			return nil
		}
	}
}

// writeRecords persists records in write-batch sized transactions. A
// chunk whose transaction rolls back is retried record by record, so one
// bad record costs only itself rather than its whole chunk.
func (e *Engine) writeRecords(ctx context.Context, entity types.EntityType, records []types.RemoteRecord) (int, []types.RecordError) {
	table := storage.EntityTable(entity)
	now := e.clk.Now()

	var synced int
	var failed []types.RecordError
	for start := 0; start < len(records); start += e.writeBatch {
		end := start + e.writeBatch
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		rows := make([]storage.Row, 0, len(chunk))
		sources := make([]types.RemoteRecord, 0, len(chunk))
		for _, rec := range chunk {
			row, err := storage.RecordToRow(storage.NewLocalRecord(rec, now))
			if err != nil {
				failed = append(failed, types.RecordError{RemoteID: rec.ID, Messages: []string{err.Error()}})
				continue
			}
			rows = append(rows, row)
			sources = append(sources, rec)
		}
		if len(rows) == 0 {
			continue
		}

		batchErr := e.db.BatchUpsert(ctx, table, rows)
		if batchErr == nil {
			synced += len(rows)
			continue
		}
		slog.Warn("batch upsert failed, retrying records individually",
			"component", "syncer",
			"workspace", e.workspace,
			"entity", entity,
			"chunk_size", len(rows),
			"error", batchErr,
		)
		for i, row := range rows {
			if err := e.db.Upsert(ctx, table, row); err != nil {
				failed = append(failed, types.RecordError{RemoteID: sources[i].ID, Messages: []string{err.Error()}})
				continue
			}
			synced++
		}
	}
	return synced, failed
}

// beginRun persists the audit row for a starting run. Persistence
// failures are logged, not fatal: the sync is worth more than its audit
// trail.
func (e *Engine) beginRun(ctx context.Context, entity types.EntityType, mode types.SyncMode, started time.Time) types.SyncRun {
	run := types.SyncRun{
		ID:        storage.NewRunID(),
		Entity:    entity,
		Mode:      mode,
		Status:    types.SyncStatusRunning,
		StartedAt: started,
	}
	if err := e.db.Insert(ctx, "sync_runs", storage.SyncRunToRow(run)); err != nil {
		slog.Warn("sync run insert failed",
			"component", "syncer",
			"workspace", e.workspace,
			"entity", entity,
			"run_id", run.ID,
			"error", err,
		)
	}
	return run
}

// finishRun closes out the audit row and hands the summary to the
// archiver. It runs detached from ctx cancellation so an aborted sync
// still records its failed status.
func (e *Engine) finishRun(ctx context.Context, run types.SyncRun, result *types.SyncResult, runErr error) {
	ctx = context.WithoutCancel(ctx)
	finished := e.clk.Now().UTC()
	run.FinishedAt = &finished
	run.Synced = result.Synced
	run.Failed = result.Failed
	if runErr != nil {
		run.Status = types.SyncStatusFailed
		run.Error = runErr.Error()
	} else {
		run.Status = types.SyncStatusCompleted
	}

	row := storage.SyncRunToRow(run)
	delete(row, "id")
	if _, err := e.db.Update(ctx, "sync_runs", row, storage.Eq("id", run.ID)); err != nil {
		slog.Warn("sync run update failed",
			"component", "syncer",
			"workspace", e.workspace,
			"entity", run.Entity,
			"run_id", run.ID,
			"error", err,
		)
	}

	if e.archiver == nil {
		return
	}
	if err := e.archiver.ArchiveRun(ctx, e.workspace, run, result); err != nil {
		slog.Warn("run archive failed",
			"component", "syncer",
			"workspace", e.workspace,
			"run_id", run.ID,
			"error", err,
		)
	}
}

// recordLastSync stores the incremental cutoff for entity. The cutoff is
// the run's start, not its end, so records changed mid-run are replayed
// next time rather than missed.
func (e *Engine) recordLastSync(ctx context.Context, entity types.EntityType, started time.Time) {
	if err := e.db.SetMeta(ctx, lastSyncKey(entity), storage.FormatTime(started)); err != nil {
		slog.Warn("last sync timestamp update failed",
			"component", "syncer",
			"workspace", e.workspace,
			"entity", entity,
			"error", err,
		)
	}
}

// EntityStatus is the sync posture of one entity type: the incremental
// cutoff, the most recent run, and any resumable checkpoint.
type EntityStatus struct {
	Entity     types.EntityType `json:"entity"`
	LastSync   *time.Time       `json:"last_sync,omitempty"`
	LastRun    *types.SyncRun   `json:"last_run,omitempty"`
	Checkpoint *Checkpoint      `json:"checkpoint,omitempty"`
}

// Status reports the sync posture of every entity type.
func (e *Engine) Status(ctx context.Context) ([]EntityStatus, error) {
	entities := types.AllEntityTypes()
	out := make([]EntityStatus, 0, len(entities))
	for _, entity := range entities {
		st := EntityStatus{Entity: entity}

		last, err := e.LastSync(ctx, entity)
		if err != nil {
			return nil, err
		}
		if !last.IsZero() {
			st.LastSync = &last
		}

		rows, err := e.db.Select(ctx, "sync_runs", storage.Query{
			Filters: []storage.Filter{storage.Eq("entity_type", string(entity))},
			OrderBy: "started_at",
			Desc:    true,
			Limit:   1,
		})
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			run := storage.RowToSyncRun(rows[0])
			st.LastRun = &run
		}

		cp, err := e.checkpoints.Load(ctx, entity)
		if err != nil {
			return nil, err
		}
		st.Checkpoint = cp

		out = append(out, st)
	}
	return out, nil
}
