package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"slices"
)

// Info describes a database file without writing to it.
type Info struct {
	Exists bool     `json:"exists"`
	Tables []string `json:"tables"`
	// Rows is the row count of the inspected table, -1 when it is missing.
	Rows int64 `json:"rows"`
}

// Inspect opens path read-only and counts the rows of table. A missing file
// is reported through Info.Exists, not as an error.
func Inspect(ctx context.Context, path, table string) (Info, error) {
	info := Info{Rows: -1}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return info, nil
		}
		return info, err
	}
	info.Exists = true

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=query_only(1)")
	if err != nil {
		return info, fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	tables, err := listTables(ctx, db)
	if err != nil {
		return info, fmt.Errorf("list tables: %w", err)
	}
	info.Tables = tables

	if table == "" || !identifierPattern.MatchString(table) || !slices.Contains(tables, table) {
		return info, nil
	}
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&info.Rows); err != nil {
		return info, fmt.Errorf("count %s: %w", table, err)
	}
	return info, nil
}
