// Package db provides the PostgreSQL layer of the WorkHub coordination
// engine: a pgx connection-pool wrapper, the schema for the coordination
// tables, and a LISTEN/NOTIFY subscriber used to wake the publisher loop.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDB wraps a PostgreSQL connection pool with helper methods using
// the pgx driver. The coordination store needs direct SQL control and
// explicit transactions, so it works on this wrapper rather than an ORM.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB creates a new PostgreSQL connection pool. The connection
// string is the standard form:
//
//	postgresql://[user[:password]@][host][:port][/dbname][?param1=value1&...]
func NewPostgresDB(ctx context.Context, connString string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the connection pool.
func (db *PostgresDB) Close() {
	db.pool.Close()
}

// Ping verifies the database is reachable. The flush strategies use this
// as the readiness probe before attempting a coordinator call.
func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Exec executes a SQL statement.
func (db *PostgresDB) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := db.pool.Exec(ctx, sql, args...)
	return err
}

// Query executes a query that returns rows. Caller must close the rows.
func (db *PostgresDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return db.pool.Query(ctx, sql, args...)
}

// QueryRow executes a query that returns a single row.
func (db *PostgresDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return db.pool.QueryRow(ctx, sql, args...)
}

// Begin starts a transaction. The work coordinator runs every batch inside
// exactly one of these.
func (db *PostgresDB) Begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// Pool returns the underlying connection pool for advanced operations such
// as dedicated LISTEN connections.
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}
