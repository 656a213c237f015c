package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
)

// Builder is any goqu dataset that renders to SQL.
type Builder interface {
	ToSQL() (string, []interface{}, error)
}

// Conn is one checked-out connection with its open transaction. It is used
// by exactly one command and finished with Commit or Rollback, then Release.
type Conn struct {
	conn     *sql.Conn
	tx       *sql.Tx
	dialect  goqu.DialectWrapper
	finished bool
}

// Dialect returns the SQL builder for this connection's backend.
func (c *Conn) Dialect() goqu.DialectWrapper {
	return c.dialect
}

// Exec runs a built statement.
func (c *Conn) Exec(ctx context.Context, b Builder) (sql.Result, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build statement: %w", err)
	}
	return c.tx.ExecContext(ctx, query, args...)
}

// Query runs a built query.
func (c *Conn) Query(ctx context.Context, b Builder) (*sql.Rows, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return c.tx.QueryContext(ctx, query, args...)
}

// QueryRow runs a built query expected to return at most one row.
func (c *Conn) QueryRow(ctx context.Context, b Builder) (*sql.Row, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return c.tx.QueryRowContext(ctx, query, args...), nil
}

// ExecRaw runs a literal statement.
func (c *Conn) ExecRaw(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.tx.ExecContext(ctx, query, args...)
}

// QueryRaw runs a literal query.
func (c *Conn) QueryRaw(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.tx.QueryContext(ctx, query, args...)
}

// Exists reports whether the query returns any row.
func (c *Conn) Exists(ctx context.Context, ds *goqu.SelectDataset) (bool, error) {
	row, err := c.QueryRow(ctx, ds.Select(goqu.L("1")).Limit(1))
	if err != nil {
		return false, err
	}
	var one int
	switch err := row.Scan(&one); {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// Count returns COUNT(*) over the dataset.
func (c *Conn) Count(ctx context.Context, ds *goqu.SelectDataset) (int64, error) {
	row, err := c.QueryRow(ctx, ds.Select(goqu.COUNT(goqu.Star())))
	if err != nil {
		return 0, err
	}
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Commit commits the transaction.
func (c *Conn) Commit() error {
	if c.finished {
		return nil
	}
	c.finished = true
	return c.tx.Commit()
}

// Rollback aborts the transaction. Rolling back a finished transaction is
// a no-op.
func (c *Conn) Rollback() error {
	if c.finished {
		return nil
	}
	c.finished = true
	if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// Release returns the connection to the pool, rolling back anything still
// open.
func (c *Conn) Release() error {
	rbErr := c.Rollback()
	if err := c.conn.Close(); err != nil {
		return err
	}
	return rbErr
}
