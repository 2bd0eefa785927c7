// Package database provides the PostgreSQL client and migration utilities.
// All durable state (reports, jobs, idempotency records, sessions, session
// events, index entries, and memory nodes) lives behind this package's pool.
package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/inquest-ai/inquest/pkg/config"
)

// Client wraps the pgx pool and exposes the small relational surface the
// core uses: parameterized queries, transactions, insert-if-absent, and
// vector search.
type Client struct {
	pool *pgxpool.Pool
	dsn  string
}

// NewClient connects, verifies reachability, and runs pending migrations.
func NewClient(ctx context.Context, cfg config.DatabaseConfig) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	c := &Client{pool: pool, dsn: cfg.DSN()}
	if err := c.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return c, nil
}

// Pool exposes the underlying pgx pool for direct queries.
func (c *Client) Pool() *pgxpool.Pool { return c.pool }

// DSN returns the connection string, used by the NOTIFY listener which needs
// its own dedicated connection.
func (c *Client) DSN() string { return c.dsn }

// Close releases the pool.
func (c *Client) Close() {
	c.pool.Close()
}

// StdDB opens a database/sql handle over the same DSN. Used by golang-migrate;
// callers must Close it.
func (c *Client) StdDB() (*stdsql.DB, error) {
	db, err := stdsql.Open("pgx", c.dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database/sql handle: %w", err)
	}
	return db, nil
}

// InTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func (c *Client) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// InsertOutcome reports whether InsertIfAbsent inserted a fresh row or found
// an existing one.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	Existing
)

// Execer is the statement-execution surface shared by *pgxpool.Pool and
// pgx.Tx, so insert-if-absent works both standalone and inside a transaction.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// InsertIfAbsent executes an INSERT ... ON CONFLICT DO NOTHING statement and
// reports whether the row was inserted. The statement must target exactly one
// row. Used for idempotency-key claims, where the first insert wins.
func InsertIfAbsent(ctx context.Context, db Execer, sql string, args ...any) (InsertOutcome, error) {
	tag, err := db.Exec(ctx, sql, args...)
	if err != nil {
		return Existing, fmt.Errorf("insert-if-absent: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return Inserted, nil
	}
	return Existing, nil
}
