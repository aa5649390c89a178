package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/RealZimboGuy/approvalflow/internal/config"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// placeholder returns the correct bind variable for the given index based on DB type.
// Postgres uses $1, $2... while MySQL and SQLite use ?
func placeholder(i int) string {
	db := config.GetSystemSettingString(config.DATABASE_TYPE)
	if db == config.DATABASE_TYPE_POSTGRES {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// placeholders returns n comma separated bind variables starting at index from.
func placeholders(from, n int) string {
	pps := make([]string, 0, n)
	for i := 0; i < n; i++ {
		pps = append(pps, placeholder(from+i))
	}
	return strings.Join(pps, ", ")
}

func supportsReturning() bool {
	return config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_POSTGRES
}

func formatDateInDatabase(t time.Time) string {
	switch config.GetSystemSettingString(config.DATABASE_TYPE) {
	case config.DATABASE_TYPE_SQLLITE:
		return t.UTC().Format("2006-01-02 15:04:05.000")
	case config.DATABASE_TYPE_MYSQL:
		return t.UTC().Format("2006-01-02 15:04:05.000000")
	}
	// PostgreSQL supports RFC3339
	return t.UTC().Format(time.RFC3339Nano)
}

func formatDateInDatabaseNull(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return formatDateInDatabase(t.Time)
}

// dateBefore returns a predicate checking column < the bind variable at idx.
// SQLite stores timestamps as text so both sides go through julianday().
func dateBefore(column string, idx int) string {
	if config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_SQLLITE {
		return fmt.Sprintf("julianday(%s) < julianday(%s)", column, placeholder(idx))
	}
	return fmt.Sprintf("%s < %s", column, placeholder(idx))
}

// dateNotAfter is column <= the bind variable at idx.
func dateNotAfter(column string, idx int) string {
	if config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_SQLLITE {
		return fmt.Sprintf("julianday(%s) <= julianday(%s)", column, placeholder(idx))
	}
	return fmt.Sprintf("%s <= %s", column, placeholder(idx))
}

// insertReturningID runs an INSERT and returns the generated id, using
// RETURNING where the dialect has it.
func insertReturningID(ctx context.Context, q queryer, base string, vals ...any) (int64, error) {
	var id int64
	if supportsReturning() {
		err := q.QueryRowContext(ctx, base+" RETURNING id", vals...).Scan(&id)
		return id, err
	}
	res, err := q.ExecContext(ctx, base, vals...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
