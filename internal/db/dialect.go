package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects placeholder syntax and migration dialect.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite3"
	}
	return "postgres"
}

// Queryer is satisfied by *DB and *Tx. Repositories write queries with
// Postgres-style $N placeholders; Queryer rewrites them for the active dialect.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps *sql.DB with the dialect it was opened with.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Wrap adapts an already open *sql.DB.
func Wrap(conn *sql.DB, dialect Dialect) *DB {
	return &DB{DB: conn, dialect: dialect}
}

func (d *DB) Dialect() Dialect { return d.dialect }

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	q, a := rebind(d.dialect, query, args)
	return d.DB.ExecContext(ctx, q, a...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	q, a := rebind(d.dialect, query, args)
	return d.DB.QueryContext(ctx, q, a...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	q, a := rebind(d.dialect, query, args)
	return d.DB.QueryRowContext(ctx, q, a...)
}

// WithTx runs fn inside a transaction, committing on nil and rolling back otherwise.
func (d *DB) WithTx(ctx context.Context, fn func(q Queryer) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{Tx: tx, dialect: d.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Tx wraps *sql.Tx with placeholder rewriting.
type Tx struct {
	*sql.Tx
	dialect Dialect
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	q, a := rebind(t.dialect, query, args)
	return t.Tx.ExecContext(ctx, q, a...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	q, a := rebind(t.dialect, query, args)
	return t.Tx.QueryContext(ctx, q, a...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	q, a := rebind(t.dialect, query, args)
	return t.Tx.QueryRowContext(ctx, q, a...)
}

// rebind turns $N placeholders into positional ? for SQLite, duplicating
// arguments when a placeholder is referenced more than once.
func rebind(d Dialect, query string, args []any) (string, []any) {
	if d != SQLite || !strings.Contains(query, "$") {
		return query, args
	}

	var b strings.Builder
	b.Grow(len(query))
	out := make([]any, 0, len(args))
	inQuote := false

	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inQuote = !inQuote
			b.WriteByte(c)
			continue
		}
		if c != '$' || inQuote {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte(c)
			continue
		}
		n, err := strconv.Atoi(query[i+1 : j])
		if err != nil || n < 1 || n > len(args) {
			// leave it for the driver to reject
			b.WriteString(query[i:j])
			i = j - 1
			continue
		}
		b.WriteByte('?')
		out = append(out, args[n-1])
		i = j - 1
	}
	return b.String(), out
}
