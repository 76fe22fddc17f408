package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/qustavo/dotsql"
)

//go:embed queries/*.sql
var queriesFS embed.FS

// Queries provides access to named SQL queries loaded from embedded .sql files.
// Uses dotsql for named query management and sqlx for database operations.
//
// A query whose text differs per engine is stored twice with the driver name
// as suffix (e.g. "vacuum-sqlite3", "vacuum-postgres"); lookups by the bare
// name pick the variant matching the open driver.
type Queries struct {
	dot *dotsql.DotSql
	db  *sqlx.DB
}

// LoadQueries loads all .sql files from embedded filesystem and returns Queries instance.
// Named queries accessible by name (e.g., "upsert-event", "count-by-status").
func LoadQueries(db *sqlx.DB) (*Queries, error) {
	var combined strings.Builder

	err := fs.WalkDir(queriesFS, "queries", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".sql" {
			return nil
		}

		content, err := queriesFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		combined.Write(content)
		combined.WriteByte('\n')
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load query files: %w", err)
	}

	dot, err := dotsql.LoadFromString(combined.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse queries: %w", err)
	}

	return &Queries{dot: dot, db: db}, nil
}

// DB returns the underlying connection pool.
func (q *Queries) DB() *sqlx.DB { return q.db }

// Driver returns the driver name of the underlying connection.
func (q *Queries) Driver() string { return q.db.DriverName() }

// Raw returns the unbound text of a named query, preferring the variant for
// the current driver.
func (q *Queries) Raw(name string) (string, error) {
	if query, err := q.dot.Raw(name + "-" + q.db.DriverName()); err == nil {
		return query, nil
	}
	query, err := q.dot.Raw(name)
	if err != nil {
		return "", fmt.Errorf("query not found: %s", name)
	}
	return query, nil
}

// ExecContext executes a named query with placeholder conversion for database compatibility.
// Uses sqlx Rebind to convert ? placeholders to $1, $2 for PostgreSQL.
func (q *Queries) ExecContext(ctx context.Context, name string, args ...any) (sql.Result, error) {
	query, err := q.Raw(name)
	if err != nil {
		return nil, err
	}
	return q.db.ExecContext(ctx, q.db.Rebind(query), args...)
}

// GetContext retrieves a single row into dest using a named query.
func (q *Queries) GetContext(ctx context.Context, name string, dest any, args ...any) error {
	query, err := q.Raw(name)
	if err != nil {
		return err
	}
	return q.db.GetContext(ctx, dest, q.db.Rebind(query), args...)
}

// SelectContext retrieves multiple rows into dest slice using a named query.
func (q *Queries) SelectContext(ctx context.Context, name string, dest any, args ...any) error {
	query, err := q.Raw(name)
	if err != nil {
		return err
	}
	return q.db.SelectContext(ctx, dest, q.db.Rebind(query), args...)
}

// InTx runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back otherwise.
func (q *Queries) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{q: q, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Tx exposes named queries bound to one transaction.
type Tx struct {
	q  *Queries
	tx *sqlx.Tx
}

// ExecContext executes a named query inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, name string, args ...any) (sql.Result, error) {
	query, err := t.q.Raw(name)
	if err != nil {
		return nil, err
	}
	return t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
}

// NamedExecContext executes a named query whose parameters are :field
// references resolved against arg's db tags.
func (t *Tx) NamedExecContext(ctx context.Context, name string, arg any) (sql.Result, error) {
	query, err := t.q.Raw(name)
	if err != nil {
		return nil, err
	}
	return t.tx.NamedExecContext(ctx, query, arg)
}

// ExecInContext executes a named query containing an IN (?) clause. Slice
// arguments are expanded with sqlx.In before rebinding.
func (t *Tx) ExecInContext(ctx context.Context, name string, args ...any) (sql.Result, error) {
	query, err := t.q.Raw(name)
	if err != nil {
		return nil, err
	}
	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to expand %s: %w", name, err)
	}
	return t.tx.ExecContext(ctx, t.tx.Rebind(expanded), expandedArgs...)
}

// SelectInContext is ExecInContext for queries that return rows, such as an
// UPDATE ... RETURNING with an IN (?) clause.
func (t *Tx) SelectInContext(ctx context.Context, name string, dest any, args ...any) error {
	query, err := t.q.Raw(name)
	if err != nil {
		return err
	}
	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return fmt.Errorf("failed to expand %s: %w", name, err)
	}
	return t.tx.SelectContext(ctx, dest, t.tx.Rebind(expanded), expandedArgs...)
}
