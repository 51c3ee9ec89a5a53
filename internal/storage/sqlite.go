package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hyperengineering/pipesync/internal/clock"
)

// SQLite is the file-backed Database implementation, one file per
// workspace.
type SQLite struct {
	db  *sql.DB
	clk clock.Clock
}

var _ Database = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at dbPath, applies
// pragmas, and runs migrations. A nil clock falls back to wall time.
func NewSQLite(dbPath string, clk clock.Clock) (*SQLite, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	if clk == nil {
		clk = clock.NewSystem()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, clk: clk}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	schema, err := schemaFor(table)
	if err != nil {
		return nil, err
	}
	if err := validateFilters(schema, q.Filters); err != nil {
		return nil, err
	}

	query := "SELECT " + strings.Join(schema.Columns, ", ") + " FROM " + schema.Name
	where, args := buildWhere(q.Filters)
	query += where

	if q.OrderBy != "" {
		if !schema.hasColumn(q.OrderBy) {
			return nil, fmt.Errorf("unknown order column %q in %s", q.OrderBy, schema.Name)
		}
		query += " ORDER BY " + q.OrderBy
		if q.Desc {
			query += " DESC"
		}
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	} else if q.Offset > 0 {
		// SQLite requires a LIMIT clause before OFFSET.
		query += " LIMIT -1"
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", schema.Name, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(schema.Columns, rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", schema.Name, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLite) Count(ctx context.Context, table string, filters ...Filter) (int64, error) {
	schema, err := schemaFor(table)
	if err != nil {
		return 0, err
	}
	if err := validateFilters(schema, filters); err != nil {
		return 0, err
	}

	where, args := buildWhere(filters)
	var count int64
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+schema.Name+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", schema.Name, err)
	}
	return count, nil
}

func (s *SQLite) Insert(ctx context.Context, table string, row Row) error {
	schema, err := schemaFor(table)
	if err != nil {
		return err
	}
	query, args, err := insertSQL(schema, row)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert into %s: %w", schema.Name, err)
	}
	return nil
}

func (s *SQLite) BatchInsert(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	schema, err := schemaFor(table)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for i, row := range rows {
		query, args, err := insertSQL(schema, row)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("row %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s row %d: %w", schema.Name, i, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Update(ctx context.Context, table string, row Row, filters ...Filter) (int64, error) {
	schema, err := schemaFor(table)
	if err != nil {
		return 0, err
	}
	if err := validateColumns(schema, row); err != nil {
		return 0, err
	}
	if err := validateFilters(schema, filters); err != nil {
		return 0, err
	}
	if len(row) == 0 {
		return 0, fmt.Errorf("empty update for %s", schema.Name)
	}

	setClauses := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	for _, col := range schema.Columns {
		value, ok := row[col]
		if !ok {
			continue
		}
		setClauses = append(setClauses, col+" = ?")
		args = append(args, toSQL(value))
	}

	where, whereArgs := buildWhere(filters)
	res, err := s.db.ExecContext(ctx,
		"UPDATE "+schema.Name+" SET "+strings.Join(setClauses, ", ")+where,
		append(args, whereArgs...)...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", schema.Name, err)
	}
	return res.RowsAffected()
}

func (s *SQLite) Upsert(ctx context.Context, table string, row Row) error {
	schema, err := schemaFor(table)
	if err != nil {
		return err
	}
	query, args, err := upsertSQL(schema, row)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert into %s: %w", schema.Name, err)
	}
	return nil
}

func (s *SQLite) BatchUpsert(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	schema, err := schemaFor(table)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for i, row := range rows {
		query, args, err := upsertSQL(schema, row)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("row %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("upsert %s row %d: %w", schema.Name, i, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Delete(ctx context.Context, table string, filters ...Filter) (int64, error) {
	schema, err := schemaFor(table)
	if err != nil {
		return 0, err
	}
	if err := validateFilters(schema, filters); err != nil {
		return 0, err
	}

	where, args := buildWhere(filters)

	if schema.SoftDelete {
		now := FormatTime(s.clk.Now())
		guard := " AND deleted_at IS NULL"
		if where == "" {
			guard = " WHERE deleted_at IS NULL"
		}
		res, err := s.db.ExecContext(ctx,
			"UPDATE "+schema.Name+" SET deleted_at = ?, updated_at = ?"+where+guard,
			append([]any{now, now}, args...)...)
		if err != nil {
			return 0, fmt.Errorf("soft delete from %s: %w", schema.Name, err)
		}
		return res.RowsAffected()
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM "+schema.Name+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", schema.Name, err)
	}
	return res.RowsAffected()
}

func (s *SQLite) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get meta %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLite) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, FormatTime(s.clk.Now()))
	if err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}
	return nil
}

// --- SQL builders ---

func schemaFor(table string) (TableSchema, error) {
	schema, ok := Schema(table)
	if !ok {
		return TableSchema{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return schema, nil
}

func (s TableSchema) hasColumn(name string) bool {
	for _, col := range s.Columns {
		if col == name {
			return true
		}
	}
	return false
}

func (s TableSchema) conflictKey() string {
	if s.Key != "" {
		return s.Key
	}
	return "id"
}

func validateColumns(schema TableSchema, row Row) error {
	for key := range row {
		if !schema.hasColumn(key) {
			return fmt.Errorf("unknown column %q in %s", key, schema.Name)
		}
	}
	return nil
}

func validateFilters(schema TableSchema, filters []Filter) error {
	for _, f := range filters {
		if !schema.hasColumn(f.Field) {
			return fmt.Errorf("unknown filter column %q in %s", f.Field, schema.Name)
		}
	}
	return nil
}

// buildWhere renders filters into a WHERE clause. Fields must already be
// validated against the schema.
func buildWhere(filters []Filter) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	for _, f := range filters {
		switch f.Op {
		case OpIsNull:
			clauses = append(clauses, f.Field+" IS NULL")
		case OpNotNull:
			clauses = append(clauses, f.Field+" IS NOT NULL")
		case OpIn:
			values, _ := f.Value.([]any)
			if len(values) == 0 {
				clauses = append(clauses, "1 = 0")
				continue
			}
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
			clauses = append(clauses, f.Field+" IN ("+placeholders+")")
			for _, v := range values {
				args = append(args, toSQL(v))
			}
		default:
			op := f.Op
			if op == "" {
				op = OpEq
			}
			clauses = append(clauses, fmt.Sprintf("%s %s ?", f.Field, op))
			args = append(args, toSQL(f.Value))
		}
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func insertSQL(schema TableSchema, row Row) (string, []any, error) {
	if err := validateColumns(schema, row); err != nil {
		return "", nil, err
	}
	if len(row) == 0 {
		return "", nil, fmt.Errorf("empty row for %s", schema.Name)
	}

	cols := make([]string, 0, len(row))
	placeholders := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	for _, col := range schema.Columns {
		value, ok := row[col]
		if !ok {
			continue
		}
		cols = append(cols, col)
		placeholders = append(placeholders, "?")
		args = append(args, toSQL(value))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		schema.Name, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	return query, args, nil
}

// upsertSQL builds INSERT ... ON CONFLICT(key) DO UPDATE SET. The update
// clauses exclude the conflict key and the local id column, so re-syncing
// a record never reassigns its local identity.
func upsertSQL(schema TableSchema, row Row) (string, []any, error) {
	if err := validateColumns(schema, row); err != nil {
		return "", nil, err
	}
	key := schema.conflictKey()
	if _, ok := row[key]; !ok {
		return "", nil, fmt.Errorf("%w: %s.%s", ErrMissingKey, schema.Name, key)
	}

	cols := make([]string, 0, len(row))
	placeholders := make([]string, 0, len(row))
	updateClauses := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	for _, col := range schema.Columns {
		value, ok := row[col]
		if !ok {
			continue
		}
		cols = append(cols, col)
		placeholders = append(placeholders, "?")
		args = append(args, toSQL(value))
		if col != key && col != "id" {
			updateClauses = append(updateClauses, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}

	var query string
	if len(updateClauses) == 0 {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO NOTHING",
			schema.Name, strings.Join(cols, ", "), strings.Join(placeholders, ", "), key)
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
			schema.Name, strings.Join(cols, ", "), strings.Join(placeholders, ", "), key,
			strings.Join(updateClauses, ", "))
	}
	return query, args, nil
}

// toSQL converts Go values to SQL-safe parameters. Maps and slices are
// stored as JSON text; times as RFC 3339 strings.
func toSQL(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		if val.IsZero() {
			return nil
		}
		return FormatTime(val)
	case *time.Time:
		if val == nil || val.IsZero() {
			return nil
		}
		return FormatTime(*val)
	case map[string]any, []any, []string:
		b, _ := json.Marshal(val)
		return string(b)
	default:
		return v
	}
}

func scanRow(columns []string, scanner interface{ Scan(...any) error }) (Row, error) {
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := scanner.Scan(ptrs...); err != nil {
		return nil, err
	}

	row := make(Row, len(columns))
	for i, col := range columns {
		switch v := values[i].(type) {
		case []byte:
			row[col] = string(v)
		default:
			row[col] = v
		}
	}
	return row, nil
}

// timeFormat is fixed-width so lexicographic comparison in SQL matches
// temporal order; RFC3339Nano would trim trailing zeros and break range
// filters at whole-second boundaries.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders a timestamp for storage, always UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// ParseTime reads a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
