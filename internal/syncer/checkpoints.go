package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/pipesync/internal/kv"
	"github.com/hyperengineering/pipesync/internal/types"
)

// checkpointTTL bounds how long a half-finished full sync stays
// resumable. A walk abandoned for longer restarts from the top.
const checkpointTTL = 24 * time.Hour

// Checkpoint records how far a full sync has walked a collection. It is
// written only after the page it describes has been committed locally,
// so resuming from one never skips records.
type Checkpoint struct {
	Entity    types.EntityType `json:"entity"`
	Offset    int              `json:"offset"`
	Processed int              `json:"processed"`
	Started   time.Time        `json:"started_at"`
}

// checkpointStore persists sync cursors in the shared KV store,
// namespaced by workspace so tenants never see each other's progress.
type checkpointStore struct {
	kv        kv.Store
	workspace string
}

func (s *checkpointStore) key(entity types.EntityType) string {
	return "sync_progress:" + s.workspace + ":" + string(entity)
}

// Load returns the saved checkpoint for entity, or nil when none exists.
func (s *checkpointStore) Load(ctx context.Context, entity types.EntityType) (*Checkpoint, error) {
	raw, err := s.kv.Get(ctx, s.key(entity))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// Save overwrites the checkpoint for cp.Entity, refreshing its expiry.
func (s *checkpointStore) Save(ctx context.Context, cp Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.kv.Set(ctx, s.key(cp.Entity), raw, checkpointTTL); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Clear removes the checkpoint for entity. Clearing a missing
// checkpoint is not an error.
func (s *checkpointStore) Clear(ctx context.Context, entity types.EntityType) error {
	return s.kv.Del(ctx, s.key(entity))
}
