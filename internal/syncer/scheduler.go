package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/pipesync/internal/types"
)

// Scheduler runs an incremental sync pass over a set of entity types on
// a fixed interval.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	entities []types.EntityType
}

// NewScheduler creates a scheduler driving the given engine. When no
// entities are named, every entity type syncs each pass.
func NewScheduler(engine *Engine, interval time.Duration, entities ...types.EntityType) *Scheduler {
	if len(entities) == 0 {
		entities = types.AllEntityTypes()
	}
	return &Scheduler{engine: engine, interval: interval, entities: entities}
}

// Run starts the scheduler loop. It blocks until ctx is cancelled.
//
// The first pass runs immediately rather than waiting an interval, so
// changes that landed while the service was down are picked up promptly.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("sync scheduler started",
		"component", "syncer",
		"worker", "sync-scheduler",
		"workspace", s.engine.workspace,
		"interval", s.interval.String(),
		"entities", len(s.entities),
	)

	ticks, stop := s.engine.clk.Ticker(s.interval)
	defer stop()

	s.syncAll(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync scheduler stopped",
				"component", "syncer",
				"worker", "sync-scheduler",
				"workspace", s.engine.workspace,
				"reason", "context_cancelled",
			)
			return
		case <-ticks:
			s.syncAll(ctx)
		}
	}
}

// syncAll runs one incremental pass, continuing past individual entity
// failures.
func (s *Scheduler) syncAll(ctx context.Context) {
	var synced, failed int
	for _, entity := range s.entities {
		if ctx.Err() != nil {
			return
		}
		result, err := s.engine.PerformIncrementalSync(ctx, entity)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("scheduled sync failed",
				"component", "syncer",
				"worker", "sync-scheduler",
				"workspace", s.engine.workspace,
				"entity", entity,
				"error", err,
			)
			failed++
			continue
		}
		synced += result.Synced
	}
	if synced > 0 || failed > 0 {
		slog.Debug("scheduled sync cycle completed",
			"component", "syncer",
			"worker", "sync-scheduler",
			"workspace", s.engine.workspace,
			"records_synced", synced,
			"entities_failed", failed,
		)
	}
}
