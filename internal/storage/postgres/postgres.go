/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/asyncgate/asyncgate/internal/storage"
)

// conn is the subset of pgxpool.Pool and pgx.Tx this package needs.
// queries is built against conn so the exact same method bodies serve
// both the top-level Store (pool) and a Tx (wraps one pgx.Tx).
type conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries implements storage.Queries against any conn; Store and Tx
// each embed one bound to a different underlying connection.
type queries struct {
	c conn
}

// Store is the pool-level handle: reads that do not need transactional
// composition go straight through the pool, and BeginTx opens a real
// SQL transaction for the rest.
type Store struct {
	pool *pgxpool.Pool
	queries
}

// New constructs a Store over an already-connected pool. Callers are
// responsible for pool.Close() at shutdown.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{c: pool}}
}

// BeginTx opens a transaction and returns it wrapped as a storage.Tx.
func (s *Store) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, queries: queries{c: tx}}, nil
}

// Tx wraps one pgx.Tx and supplies the savepoint bracket operations
// the engine's state-change-plus-receipt contract needs.
type Tx struct {
	tx pgx.Tx
	queries
}

func (t *Tx) Savepoint(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, "SAVEPOINT "+quoteIdent(name))
	return err
}

func (t *Tx) RollbackToSavepoint(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+quoteIdent(name))
	return err
}

func (t *Tx) ReleaseSavepoint(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT "+quoteIdent(name))
	return err
}

func (t *Tx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *Tx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// quoteIdent double-quotes a Postgres identifier. Savepoint names in
// this codebase are always compile-time string literals (see
// internal/engine and internal/sweeper), never user input, but this
// keeps the statement well-formed regardless.
func quoteIdent(name string) string {
	return `"` + name + `"`
}

var _ storage.Store = (*Store)(nil)
var _ storage.Tx = (*Tx)(nil)
