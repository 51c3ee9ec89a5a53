package storage

import (
	"context"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEq      Op = "="
	OpNe      Op = "!="
	OpGt      Op = ">"
	OpGte     Op = ">="
	OpLt      Op = "<"
	OpLte     Op = "<="
	OpLike    Op = "LIKE"
	OpIn      Op = "IN"
	OpIsNull  Op = "IS NULL"
	OpNotNull Op = "IS NOT NULL"
)

// Filter is one WHERE predicate. Value is ignored for the null operators.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Eq builds an equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Op: OpEq, Value: value}
}

// Ne builds an inequality filter.
func Ne(field string, value any) Filter {
	return Filter{Field: field, Op: OpNe, Value: value}
}

// In builds a set-membership filter. An empty set matches nothing.
func In(field string, values ...any) Filter {
	return Filter{Field: field, Op: OpIn, Value: values}
}

// IsNull builds a null check; NotNull its inverse.
func IsNull(field string) Filter {
	return Filter{Field: field, Op: OpIsNull}
}

func NotNull(field string) Filter {
	return Filter{Field: field, Op: OpNotNull}
}

// Query shapes a Select. The zero value selects everything in table order.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// Row is one table row keyed by column name. Values round-trip as the
// driver's native types: INTEGER as int64, REAL as float64, TEXT as
// string, NULL as nil.
type Row map[string]any

// Database is the per-workspace persistence boundary. Implementations are
// table-generic; the schema registry supplies column layout and conflict
// keys so callers never hand-write SQL.
type Database interface {
	Select(ctx context.Context, table string, q Query) ([]Row, error)
	Count(ctx context.Context, table string, filters ...Filter) (int64, error)
	Insert(ctx context.Context, table string, row Row) error
	BatchInsert(ctx context.Context, table string, rows []Row) error
	// Update applies the row's columns to every matching row and reports
	// how many changed.
	Update(ctx context.Context, table string, row Row, filters ...Filter) (int64, error)
	// Upsert inserts or, on a conflict-key collision, updates every other
	// column. The local id column is never overwritten by an upsert.
	Upsert(ctx context.Context, table string, row Row) error
	// BatchUpsert applies all rows in one transaction; any failure rolls
	// the whole batch back so callers can retry records individually.
	BatchUpsert(ctx context.Context, table string, rows []Row) error
	// Delete tombstones rows on soft-delete tables and removes them
	// otherwise, reporting how many rows were affected.
	Delete(ctx context.Context, table string, filters ...Filter) (int64, error)
	// GetMeta and SetMeta read and write the sync_meta key/value facts.
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
	Close() error
}
