package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNoTenant is returned when a tenant-scoped operation is attempted
// without a tenant id.
var ErrNoTenant = errors.New("store: tenant id required")

// ErrNotFound is returned when a row does not exist within the current
// tenant scope. Row-level security makes "wrong tenant" and "missing"
// indistinguishable on purpose.
var ErrNotFound = errors.New("store: not found")

// Querier is the subset of pgx used by per-statement operations, so the
// same method works on a pool, a connection, or a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is the pool surface the store depends on. pgxpool.Pool and
// pgxmock both satisfy it.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists all durable platform state in Postgres. Every
// tenant-owned table carries a row-level-security policy keyed on the
// app.current_tenant session setting; tenant-scoped work must run inside
// InTenantTx so the policy sees the right tenant. A query issued without
// the setting returns zero rows rather than leaking across tenants.
type Store struct {
	pool PgxPool
}

func New(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

// InTenantTx begins a transaction, binds app.current_tenant for its
// duration (set_config with is_local=true clears it at commit/rollback,
// so the connection returns to the pool unscoped), runs fn, and commits.
// Any error from fn rolls the transaction back and propagates.
func (s *Store) InTenantTx(ctx context.Context, tenantID uuid.UUID, fn func(tx pgx.Tx) error) error {
	if tenantID == uuid.Nil {
		return ErrNoTenant
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tenant tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true)`, tenantID.String()); err != nil {
		return fmt.Errorf("store: set tenant scope: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit tenant tx: %w", err)
	}
	return nil
}
