package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/pipesync/internal/clock"
	"github.com/hyperengineering/pipesync/internal/storage"
	"github.com/hyperengineering/pipesync/internal/types"
)

// RemoteWriter is the slice of the CRM client resolution needs.
type RemoteWriter interface {
	UpdateEntity(ctx context.Context, entity types.EntityType, id int64, fields map[string]any) (*types.RemoteRecord, error)
	UpdateEntityWithVersion(ctx context.Context, entity types.EntityType, id int64, fields map[string]any, version int64) (*types.RemoteRecord, error)
}

// Resolver settles conflicts against both systems and keeps the stored
// conflict record as the audit trail.
type Resolver struct {
	db    storage.Database
	crm   RemoteWriter
	rules MergeRules
	clk   clock.Clock
}

// NewResolver builds a resolver. A nil rules map leaves every field on
// the default merge policy; a nil clock falls back to wall time.
func NewResolver(db storage.Database, crm RemoteWriter, rules MergeRules, clk clock.Clock) *Resolver {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Resolver{db: db, crm: crm, rules: rules, clk: clk}
}

// Resolve settles the conflict with the given strategy. Automatic
// strategies apply their side effects and mark the conflict resolved;
// Manual parks it for review until RecordResolution. A conflict that
// already reached resolved returns ErrAlreadyResolved untouched.
func (r *Resolver) Resolve(ctx context.Context, c *Conflict, strategy Strategy) (*Conflict, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
	if c.Resolved() {
		return nil, ErrAlreadyResolved
	}

	if strategy == Manual {
		c.Status = StatusPending
		if err := r.writeBack(ctx, c); err != nil {
			return nil, err
		}
		slog.Info("conflict parked for review",
			"component", "conflict",
			"entity", c.Entity,
			"remote_id", c.RemoteID,
			"conflict_id", c.ID,
		)
		return c, nil
	}

	return r.settle(ctx, c, Resolution{Strategy: strategy, ResolvedBy: "auto"})
}

// RecordResolution finalizes a parked conflict with a reviewer's choice.
// The chosen strategy's side effects run now; nothing was mutated while
// the conflict sat in the queue.
func (r *Resolver) RecordResolution(ctx context.Context, conflictID string, res Resolution) (*Conflict, error) {
	if !res.Strategy.Valid() || res.Strategy == Manual {
		return nil, fmt.Errorf("resolution needs a concrete strategy, got %q", res.Strategy)
	}

	c, err := loadConflict(ctx, r.db, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Resolved() {
		return nil, ErrAlreadyResolved
	}
	if res.ResolvedBy == "" {
		res.ResolvedBy = "manual"
	}
	return r.settle(ctx, c, res)
}

// BatchOutcome reports one conflict's resolution attempt.
type BatchOutcome struct {
	Conflict *Conflict
	Err      error
}

// ResolveBatch applies one strategy across many conflicts. Each conflict
// settles independently; a failure lands in its outcome and does not
// stop the rest.
func (r *Resolver) ResolveBatch(ctx context.Context, conflicts []*Conflict, strategy Strategy) []BatchOutcome {
	outcomes := make([]BatchOutcome, 0, len(conflicts))
	for _, c := range conflicts {
		resolved, err := r.Resolve(ctx, c, strategy)
		if err != nil {
			outcomes = append(outcomes, BatchOutcome{Conflict: c, Err: fmt.Errorf("conflict %s: %w", c.ID, err)})
			continue
		}
		outcomes = append(outcomes, BatchOutcome{Conflict: resolved})
	}
	return outcomes
}

// ResolveBatchMixed settles each conflict with its own strategy, keyed
// by conflict id. Conflicts without an assignment fail individually.
func (r *Resolver) ResolveBatchMixed(ctx context.Context, conflicts []*Conflict, strategies map[string]Strategy) []BatchOutcome {
	outcomes := make([]BatchOutcome, 0, len(conflicts))
	for _, c := range conflicts {
		strategy, ok := strategies[c.ID]
		if !ok {
			outcomes = append(outcomes, BatchOutcome{Conflict: c, Err: fmt.Errorf("conflict %s: no strategy assigned", c.ID)})
			continue
		}
		resolved, err := r.Resolve(ctx, c, strategy)
		if err != nil {
			outcomes = append(outcomes, BatchOutcome{Conflict: c, Err: fmt.Errorf("conflict %s: %w", c.ID, err)})
			continue
		}
		outcomes = append(outcomes, BatchOutcome{Conflict: resolved})
	}
	return outcomes
}

// UpdateWithOptimisticLock pushes updates to the remote record guarded
// by the locally known version. A stale version surfaces as
// *pipedrive.VersionConflictError with neither side modified; on success
// the local mirror adopts the server's post-update state.
func (r *Resolver) UpdateWithOptimisticLock(ctx context.Context, entity types.EntityType, remoteID int64, updates map[string]any) (*types.RemoteRecord, error) {
	if !entity.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", entity)
	}
	local, err := storage.GetByRemoteID(ctx, r.db, entity, remoteID)
	if err != nil {
		return nil, fmt.Errorf("load local %s %d: %w", entity.Singular(), remoteID, err)
	}

	remote, err := r.crm.UpdateEntityWithVersion(ctx, entity, remoteID, updates, local.Version)
	if err != nil {
		return nil, err
	}

	rec := storage.NewLocalRecord(*remote, r.clk.Now())
	row, err := storage.RecordToRow(rec)
	if err != nil {
		return nil, err
	}
	if err := r.db.Upsert(ctx, storage.EntityTable(entity), row); err != nil {
		return nil, fmt.Errorf("store %s %d: %w", entity.Singular(), remoteID, err)
	}
	return remote, nil
}

// settle runs the strategy's side effects, then marks the conflict
// resolved. Order matters: a failed side effect leaves the conflict open
// and the stored record untouched.
func (r *Resolver) settle(ctx context.Context, c *Conflict, res Resolution) (*Conflict, error) {
	switch res.Strategy {
	case LocalWins:
		if err := r.pushLocal(ctx, c); err != nil {
			return nil, err
		}
	case RemoteWins:
		if err := r.adoptRemote(ctx, c); err != nil {
			return nil, err
		}
	case Merge:
		if res.Merged == nil {
			res.Merged = mergeFields(c, r.rules)
		}
		if err := r.applyMerged(ctx, c, res.Merged); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("strategy %q cannot settle a conflict", res.Strategy)
	}

	now := r.clk.Now().UTC()
	c.Status = StatusResolved
	c.Strategy = res.Strategy
	c.Resolution = &res
	c.ResolvedAt = &now
	if err := r.writeBack(ctx, c); err != nil {
		return nil, err
	}

	slog.Info("conflict resolved",
		"component", "conflict",
		"entity", c.Entity,
		"remote_id", c.RemoteID,
		"conflict_id", c.ID,
		"strategy", res.Strategy,
		"fields", len(c.Fields),
	)
	return c, nil
}

// pushLocal sends the local values of the diverging fields to the remote
// system; the local copy stays as it is.
func (r *Resolver) pushLocal(ctx context.Context, c *Conflict) error {
	fields := make(map[string]any, len(c.Fields))
	for _, diff := range c.Fields {
		fields[diff.Field] = diff.Local
	}
	if len(fields) == 0 {
		return nil
	}
	if _, err := r.crm.UpdateEntity(ctx, c.Entity, c.RemoteID, fields); err != nil {
		return fmt.Errorf("push local %s %d: %w", c.Entity.Singular(), c.RemoteID, err)
	}
	return nil
}

// adoptRemote overwrites the local copy with the remote snapshot; the
// remote side stays as it is. The local id survives the rewrite.
func (r *Resolver) adoptRemote(ctx context.Context, c *Conflict) error {
	rec := storage.NewLocalRecord(c.RemoteRecord, r.clk.Now())
	row, err := storage.RecordToRow(rec)
	if err != nil {
		return err
	}
	if err := r.db.Upsert(ctx, storage.EntityTable(c.Entity), row); err != nil {
		return fmt.Errorf("adopt remote %s %d: %w", c.Entity.Singular(), c.RemoteID, err)
	}
	return nil
}

// applyMerged writes the merged values to both systems, remote first.
func (r *Resolver) applyMerged(ctx context.Context, c *Conflict, merged map[string]any) error {
	if len(merged) > 0 {
		if _, err := r.crm.UpdateEntity(ctx, c.Entity, c.RemoteID, merged); err != nil {
			return fmt.Errorf("push merged %s %d: %w", c.Entity.Singular(), c.RemoteID, err)
		}
	}

	local, err := storage.GetByRemoteID(ctx, r.db, c.Entity, c.RemoteID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		snapshot := c.LocalRecord
		local = &snapshot
	}
	if local.Fields == nil {
		local.Fields = make(map[string]any, len(merged))
	}
	for field, value := range merged {
		local.Fields[field] = value
	}
	now := r.clk.Now().UTC()
	local.UpdatedAt = now
	local.SyncedAt = &now
	local.RemoteTime = c.RemoteModified

	row, err := storage.RecordToRow(*local)
	if err != nil {
		return err
	}
	if err := r.db.Upsert(ctx, storage.EntityTable(c.Entity), row); err != nil {
		return fmt.Errorf("store merged %s %d: %w", c.Entity.Singular(), c.RemoteID, err)
	}
	return nil
}

// writeBack persists the conflict's current state. Rows that already
// reached resolved are never touched; hand-built conflicts that were
// never stored are inserted as they are.
func (r *Resolver) writeBack(ctx context.Context, c *Conflict) error {
	if c.ID == "" {
		c.ID = newConflictID()
		if c.DetectedAt.IsZero() {
			c.DetectedAt = r.clk.Now().UTC()
		}
		row, err := conflictToRow(c)
		if err != nil {
			return err
		}
		if err := r.db.Insert(ctx, conflictsTable, row); err != nil {
			return fmt.Errorf("store conflict: %w", err)
		}
		return nil
	}

	row, err := conflictToRow(c)
	if err != nil {
		return err
	}
	delete(row, "id")
	affected, err := r.db.Update(ctx, conflictsTable, row,
		storage.Eq("id", c.ID), storage.Ne("status", string(StatusResolved)))
	if err != nil {
		return fmt.Errorf("store conflict %s: %w", c.ID, err)
	}
	if affected == 0 {
		n, err := r.db.Count(ctx, conflictsTable, storage.Eq("id", c.ID))
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyResolved
		}
		full, err := conflictToRow(c)
		if err != nil {
			return err
		}
		if err := r.db.Insert(ctx, conflictsTable, full); err != nil {
			return fmt.Errorf("store conflict %s: %w", c.ID, err)
		}
	}
	return nil
}
