package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/pipesync/internal/types"
)

// NewLocalRecord shapes a freshly fetched remote record for local
// storage. The local id is assigned here and, thanks to the remote_id
// conflict key, survives every later re-sync of the same record.
func NewLocalRecord(remote types.RemoteRecord, now time.Time) types.LocalRecord {
	synced := now.UTC()
	return types.LocalRecord{
		LocalID:    ulid.Make().String(),
		RemoteID:   remote.ID,
		Type:       remote.Type,
		Fields:     remote.Fields,
		Version:    versionFrom(remote.Fields),
		RemoteTime: remote.UpdateTime,
		UpdatedAt:  now.UTC(),
		SyncedAt:   &synced,
	}
}

// RecordToRow flattens a local record into its table row.
func RecordToRow(record types.LocalRecord) (Row, error) {
	fields := record.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", record.Type.Singular(), err)
	}

	return Row{
		"id":                record.LocalID,
		"remote_id":         record.RemoteID,
		"payload":           string(payload),
		"version":           record.Version,
		"remote_updated_at": record.RemoteTime,
		"updated_at":        record.UpdatedAt,
		"synced_at":         record.SyncedAt,
		"deleted_at":        record.DeletedAt,
	}, nil
}

// RowToRecord rebuilds a local record from its table row.
func RowToRecord(t types.EntityType, row Row) (types.LocalRecord, error) {
	record := types.LocalRecord{Type: t}
	record.LocalID, _ = row["id"].(string)
	record.RemoteID = intValue(row["remote_id"])
	record.Version = intValue(row["version"])
	record.RemoteTime = timeValue(row["remote_updated_at"])
	record.UpdatedAt = timeValue(row["updated_at"])
	record.SyncedAt = timePtr(row["synced_at"])
	record.DeletedAt = timePtr(row["deleted_at"])

	if payload, _ := row["payload"].(string); payload != "" {
		if err := json.Unmarshal([]byte(payload), &record.Fields); err != nil {
			return record, fmt.Errorf("decoding payload for %s %d: %w", t.Singular(), record.RemoteID, err)
		}
	}
	return record, nil
}

// GetByRemoteID loads one entity mirror row, tombstoned or not.
func GetByRemoteID(ctx context.Context, db Database, entity types.EntityType, remoteID int64) (*types.LocalRecord, error) {
	return getRecord(ctx, db, entity, Eq("remote_id", remoteID))
}

// GetByLocalID loads one entity mirror row by its local identifier.
func GetByLocalID(ctx context.Context, db Database, entity types.EntityType, localID string) (*types.LocalRecord, error) {
	return getRecord(ctx, db, entity, Eq("id", localID))
}

func getRecord(ctx context.Context, db Database, entity types.EntityType, filter Filter) (*types.LocalRecord, error) {
	rows, err := db.Select(ctx, EntityTable(entity), Query{
		Filters: []Filter{filter},
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	record, err := RowToRecord(entity, rows[0])
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// SyncRunToRow flattens a sync run audit record.
func SyncRunToRow(run types.SyncRun) Row {
	return Row{
		"id":          run.ID,
		"entity_type": string(run.Entity),
		"mode":        string(run.Mode),
		"status":      string(run.Status),
		"synced":      run.Synced,
		"failed":      run.Failed,
		"error":       nullableString(run.Error),
		"started_at":  run.StartedAt,
		"finished_at": run.FinishedAt,
	}
}

// RowToSyncRun rebuilds a sync run from its audit row.
func RowToSyncRun(row Row) types.SyncRun {
	run := types.SyncRun{
		Synced: int(intValue(row["synced"])),
		Failed: int(intValue(row["failed"])),
	}
	run.ID, _ = row["id"].(string)
	if s, ok := row["entity_type"].(string); ok {
		run.Entity = types.EntityType(s)
	}
	if s, ok := row["mode"].(string); ok {
		run.Mode = types.SyncMode(s)
	}
	if s, ok := row["status"].(string); ok {
		run.Status = types.SyncStatus(s)
	}
	run.Error, _ = row["error"].(string)
	run.StartedAt = timeValue(row["started_at"])
	run.FinishedAt = timePtr(row["finished_at"])
	return run
}

// NewRunID mints a sortable sync run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

func versionFrom(fields map[string]any) int64 {
	switch v := fields["version"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func intValue(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func timeValue(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func timePtr(v any) *time.Time {
	t := timeValue(v)
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
