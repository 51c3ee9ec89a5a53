package storage

import (
	"github.com/hyperengineering/pipesync/internal/types"
)

// TableSchema declares the structure of one table. The SQL layer uses it
// to build parameterized statements at runtime, so Columns must match the
// migration CREATE TABLE exactly.
type TableSchema struct {
	// Name is the SQL table name.
	Name string

	// Columns lists every column in table order.
	Columns []string

	// Key is the conflict target for upserts. Entity tables conflict on
	// remote_id so the local id survives re-syncs; defaults to "id".
	Key string

	// SoftDelete routes Delete through a deleted_at tombstone instead of
	// DELETE FROM.
	SoftDelete bool
}

// entityColumns is the shared layout of the four entity mirror tables.
var entityColumns = []string{
	"id",
	"remote_id",
	"payload",
	"version",
	"remote_updated_at",
	"updated_at",
	"synced_at",
	"deleted_at",
}

var tables = map[string]TableSchema{
	"persons":       {Name: "persons", Columns: entityColumns, Key: "remote_id", SoftDelete: true},
	"organizations": {Name: "organizations", Columns: entityColumns, Key: "remote_id", SoftDelete: true},
	"deals":         {Name: "deals", Columns: entityColumns, Key: "remote_id", SoftDelete: true},
	"activities":    {Name: "activities", Columns: entityColumns, Key: "remote_id", SoftDelete: true},
	"conflicts": {
		Name: "conflicts",
		Columns: []string{
			"id",
			"entity_type",
			"remote_id",
			"local_record",
			"remote_record",
			"fields",
			"local_modified",
			"remote_modified",
			"status",
			"strategy",
			"resolution",
			"detected_at",
			"resolved_at",
		},
		Key: "id",
	},
	"sync_runs": {
		Name: "sync_runs",
		Columns: []string{
			"id",
			"entity_type",
			"mode",
			"status",
			"synced",
			"failed",
			"error",
			"started_at",
			"finished_at",
		},
		Key: "id",
	},
	"sync_meta": {
		Name:    "sync_meta",
		Columns: []string{"key", "value", "updated_at"},
		Key:     "key",
	},
}

// Schema returns the registered schema for a table.
func Schema(table string) (TableSchema, bool) {
	s, ok := tables[table]
	return s, ok
}

// EntityTable returns the mirror table name for an entity type. The table
// names intentionally match types.EntityType values.
func EntityTable(t types.EntityType) string {
	return string(t)
}
