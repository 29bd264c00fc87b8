// Package store is the processed layer (HOLD2) of a service: one SQLite file
// per service with a records table keyed by a deterministic id. Writes are
// idempotent upserts applied in a single transaction per batch.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/drblury/holdflow/internal/runtime/event"
	"github.com/drblury/holdflow/internal/runtime/jsoncodec"
)

// Reserved columns present in every records table.
const (
	ColumnID        = "id"
	ColumnData      = "data"
	ColumnCreatedAt = "created_at"
	ColumnUpdatedAt = "updated_at"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Column is an extra, service-defined column. Its value is taken from the
// record field of the same name on every upsert.
type Column struct {
	Name string
	Type string // SQLite affinity: TEXT, INTEGER, REAL
}

// Schema describes the records table of one service.
type Schema struct {
	Table   string
	Columns []Column
	// Indexes lists extra columns that get a plain index.
	Indexes []string
}

// DefaultSchema returns the minimal table for service: <service>_records.
func DefaultSchema(service string) Schema {
	return Schema{Table: TableName(service)}
}

// TableName derives a safe table name from a service name.
func TableName(service string) string {
	var b strings.Builder
	for _, r := range service {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "s_" + name
	}
	return name + "_records"
}

// WithColumns returns a copy of s with extra columns appended.
func (s Schema) WithColumns(cols ...Column) Schema {
	s.Columns = append(slices.Clone(s.Columns), cols...)
	return s
}

// WithIndexes returns a copy of s with extra indexed columns.
func (s Schema) WithIndexes(cols ...string) Schema {
	s.Indexes = append(slices.Clone(s.Indexes), cols...)
	return s
}

// Validate rejects unsafe identifiers and clashes with reserved columns.
func (s Schema) Validate() error {
	var errs []error
	if !identifierPattern.MatchString(s.Table) {
		errs = append(errs, fmt.Errorf("invalid table name %q", s.Table))
	}
	seen := map[string]bool{}
	for _, c := range s.Columns {
		switch {
		case !identifierPattern.MatchString(c.Name):
			errs = append(errs, fmt.Errorf("invalid column name %q", c.Name))
		case isReserved(c.Name):
			errs = append(errs, fmt.Errorf("column %q is reserved", c.Name))
		case seen[c.Name]:
			errs = append(errs, fmt.Errorf("duplicate column %q", c.Name))
		}
		seen[c.Name] = true
		switch strings.ToUpper(c.Type) {
		case "", "TEXT", "INTEGER", "REAL", "NUMERIC", "BLOB":
		default:
			errs = append(errs, fmt.Errorf("column %q: unsupported type %q", c.Name, c.Type))
		}
	}
	for _, idx := range s.Indexes {
		if !seen[idx] && !isReserved(idx) {
			errs = append(errs, fmt.Errorf("index on unknown column %q", idx))
		}
	}
	return errors.Join(errs...)
}

func (s Schema) columnNames() []string {
	names := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		names = append(names, c.Name)
	}
	return names
}

func isReserved(name string) bool {
	switch name {
	case ColumnID, ColumnData, ColumnCreatedAt, ColumnUpdatedAt:
		return true
	}
	return false
}

// Row is one record to upsert.
type Row struct {
	ID   string
	Data map[string]any
}

// Record is one stored row.
type Record struct {
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store wraps one service database.
type Store struct {
	db     *sql.DB
	path   string
	schema Schema
	now    func() time.Time
}

// Open opens (or creates) the database at path and brings the table up to
// schema, adding missing extra columns.
func Open(ctx context.Context, path string, schema Schema) (*Store, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("store schema: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, path: path, schema: schema, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return s, nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Schema returns the table description.
func (s *Store) Schema() Schema { return s.schema }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id         TEXT PRIMARY KEY,
		data       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, s.schema.Table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}

	existing, err := s.columns(ctx)
	if err != nil {
		return err
	}
	for _, c := range s.schema.Columns {
		if existing[c.Name] {
			continue
		}
		colType := strings.ToUpper(c.Type)
		if colType == "" {
			colType = "TEXT"
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", s.schema.Table, c.Name, colType)); err != nil {
			return fmt.Errorf("add column %s: %w", c.Name, err)
		}
	}

	indexes := append([]string{ColumnCreatedAt}, s.schema.Indexes...)
	for _, col := range indexes {
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)", s.schema.Table, col, s.schema.Table, col)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index on %s: %w", col, err)
		}
	}
	return nil
}

func (s *Store) columns(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", s.schema.Table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Upsert writes rows in one transaction. A row whose id exists is replaced
// when its data differs; created_at is kept. Either every row lands or none.
func (s *Store) Upsert(ctx context.Context, rows []Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	for i, r := range rows {
		if r.ID == "" {
			return 0, fmt.Errorf("row %d: id is required", i)
		}
	}

	extra := s.schema.columnNames()
	cols := append([]string{ColumnID, ColumnData, ColumnCreatedAt, ColumnUpdatedAt}, extra...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	updates := []string{"data = excluded.data", "updated_at = excluded.updated_at"}
	for _, c := range extra {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s WHERE %s.data IS NOT excluded.data",
		s.schema.Table, strings.Join(cols, ", "), placeholders, strings.Join(updates, ", "), s.schema.Table,
	)

	type prepared struct {
		args []any
	}
	now := event.FormatTimestamp(s.now())
	batch := make([]prepared, 0, len(rows))
	for _, r := range rows {
		data, err := jsoncodec.Marshal(nonNil(r.Data))
		if err != nil {
			return 0, fmt.Errorf("encode row %s: %w", r.ID, err)
		}
		args := []any{r.ID, string(data), now, now}
		for _, c := range extra {
			v, err := columnValue(r.Data[c])
			if err != nil {
				return 0, fmt.Errorf("encode row %s column %s: %w", r.ID, c, err)
			}
			args = append(args, v)
		}
		batch = append(batch, prepared{args: args})
	}

	err := retryOp(ctx, defaultRetryConfig, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		st, err := tx.PrepareContext(ctx, stmt)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		for _, p := range batch {
			if _, err := st.ExecContext(ctx, p.args...); err != nil {
				_ = st.Close()
				_ = tx.Rollback()
				return err
			}
		}
		_ = st.Close()
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("upsert %d rows into %s: %w", len(rows), s.schema.Table, err)
	}
	return len(rows), nil
}

// Get returns the record stored under id.
func (s *Store) Get(ctx context.Context, id string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, data, created_at, updated_at FROM %s WHERE id = ?", s.schema.Table), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Query selects records. Filter keys naming an extra column compare that
// column; any other key compares the top-level JSON field of data.
type Query struct {
	Filters map[string]any
	Limit   int
	Offset  int
	// Oldest orders by created_at ascending; the default is newest first.
	Oldest bool
}

// Query returns matching records.
func (s *Store) Query(ctx context.Context, q Query) ([]Record, error) {
	where, args, err := s.whereClause(q.Filters)
	if err != nil {
		return nil, err
	}
	order := "DESC"
	if q.Oldest {
		order = "ASC"
	}
	stmt := fmt.Sprintf("SELECT id, data, created_at, updated_at FROM %s%s ORDER BY created_at %s, id %s",
		s.schema.Table, where, order, order)
	if q.Limit > 0 {
		stmt += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, max(q.Offset, 0))
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.schema.Table, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of records matching filters (all when nil).
func (s *Store) Count(ctx context.Context, filters map[string]any) (int64, error) {
	where, args, err := s.whereClause(filters)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s%s", s.schema.Table, where), args...).Scan(&n)
	return n, err
}

// GroupCount counts records per distinct value of field, which may be an
// extra column or a top-level data field.
func (s *Store) GroupCount(ctx context.Context, field string) (map[string]int64, error) {
	expr, err := s.fieldExpr(field)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT COALESCE(%s, ''), COUNT(*) FROM %s GROUP BY 1", expr, s.schema.Table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var (
			key string
			n   int64
		)
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

// Tables lists the tables in the database.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	return listTables(ctx, s.db)
}

func (s *Store) whereClause(filters map[string]any) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		expr, err := s.fieldExpr(k)
		if err != nil {
			return "", nil, err
		}
		v, err := columnValue(filters[k])
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, expr+" = ?")
		args = append(args, v)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func (s *Store) fieldExpr(field string) (string, error) {
	if !identifierPattern.MatchString(field) {
		return "", fmt.Errorf("invalid filter field %q", field)
	}
	if isReserved(field) || slices.Contains(s.schema.columnNames(), field) {
		return field, nil
	}
	return fmt.Sprintf("json_extract(data, '$.%s')", field), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec                  Record
		data                 string
		createdAt, updatedAt string
	)
	if err := row.Scan(&rec.ID, &data, &createdAt, &updatedAt); err != nil {
		return Record{}, err
	}
	obj, err := jsoncodec.UnmarshalObject([]byte(data))
	if err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", rec.ID, err)
	}
	rec.Data = obj
	rec.CreatedAt, _ = event.ParseTimestamp(createdAt)
	rec.UpdatedAt, _ = event.ParseTimestamp(updatedAt)
	return rec, nil
}

// columnValue converts a record field into something database/sql stores.
// Structured values are stored as JSON text.
func columnValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64:
		return t, nil
	case time.Time:
		return event.FormatTimestamp(t), nil
	default:
		data, err := jsoncodec.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
}

func nonNil(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return data
}

func listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}
