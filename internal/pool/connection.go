package pool

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Conn is a single session with the database. *sql.Conn satisfies it.
type Conn interface {
	PingContext(ctx context.Context) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

// Connection is a pooled Conn plus its bookkeeping. While busy it is owned
// exclusively by the caller that acquired it.
type Connection struct {
	id        string
	conn      Conn
	createdAt time.Time

	lastUsed   atomic.Int64
	queryCount atomic.Int64
	errorCount atomic.Int64
}

func newConnection(conn Conn, now time.Time) *Connection {
	c := &Connection{
		id:        uuid.NewString(),
		conn:      conn,
		createdAt: now,
	}
	c.lastUsed.Store(now.UnixNano())
	return c
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// CreatedAt returns when the connection was opened.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// LastUsedAt returns when the connection was last returned to the pool.
func (c *Connection) LastUsedAt() time.Time { return time.Unix(0, c.lastUsed.Load()) }

// QueryCount returns the number of statements issued on this connection.
func (c *Connection) QueryCount() int64 { return c.queryCount.Load() }

// ErrorCount returns the number of statements that failed on this connection.
func (c *Connection) ErrorCount() int64 { return c.errorCount.Load() }

func (c *Connection) touch(now time.Time) { c.lastUsed.Store(now.UnixNano()) }

func (c *Connection) track(err error) {
	c.queryCount.Add(1)
	if err != nil {
		c.errorCount.Add(1)
	}
}

// ExecContext runs a statement that returns no rows.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := c.conn.ExecContext(ctx, query, args...)
	c.track(err)
	return res, err
}

// QueryContext runs a statement that returns rows.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	c.track(err)
	return rows, err
}

// BeginTx starts a transaction on this connection.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := c.conn.BeginTx(ctx, opts)
	if err != nil {
		c.errorCount.Add(1)
	}
	return tx, err
}

// PingContext verifies the connection is alive.
func (c *Connection) PingContext(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}
