package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// SQLExecutor represents both sql.DB and sql.Tx
type SQLExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Ensure sql.DB and sql.Tx implement SQLExecutor
var (
	_ SQLExecutor = (*sql.DB)(nil)
	_ SQLExecutor = (*sql.Tx)(nil)
)

type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == SQLite {
		return "sqlite3"
	}
	return "postgres"
}

// rebind turns $n placeholders into SQLite's ?n form, which binds by the
// same ordinal. Queries never contain a literal '$'.
func (d Dialect) rebind(query string) string {
	if d != SQLite {
		return query
	}
	return strings.ReplaceAll(query, "$", "?")
}

// forUpdate is the row-lock suffix. SQLite units of work take the write
// lock at BEGIN (_txlock=immediate) so rows need no extra locking.
func (d Dialect) forUpdate() string {
	if d == SQLite {
		return ""
	}
	return " FOR UPDATE"
}

// isUniqueViolation reports whether err is a unique constraint failure on
// the given column (postgres reports constraint names, sqlite table.column).
func (d Dialect) isUniqueViolation(err error, constraint, column string) bool {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return pqErr.Code == "23505" && (constraint == "" || pqErr.Constraint == constraint)
	}
	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		unique := sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
		return unique && (column == "" || strings.Contains(sqliteErr.Error(), column))
	}
	return false
}

// executor applies the dialect to every statement before it reaches the driver.
type executor struct {
	SQLExecutor
	dialect Dialect
}

func (e executor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return e.SQLExecutor.ExecContext(ctx, e.dialect.rebind(query), args...)
}

func (e executor) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return e.SQLExecutor.QueryContext(ctx, e.dialect.rebind(query), args...)
}

func (e executor) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return e.SQLExecutor.QueryRowContext(ctx, e.dialect.rebind(query), args...)
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
