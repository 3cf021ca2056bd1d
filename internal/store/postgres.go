/**
 * @description
 * PostgreSQL implementation of the `Store` interface. A single `queries` value
 * carries every SQL statement and runs against either the pool or a pgx.Tx,
 * so the same code path serves plain reads, the engine's transactions and
 * nested savepoints.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/jackc/pgx/v5/pgxpool: Connection pooling.
 */

package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Capabilities describes optional schema features. It is computed once at
// startup and shared by pointer with every query value.
type Capabilities struct {
	CardTier          bool
	RelationshipTable bool
}

// DetectCapabilities inspects information_schema for the optional columns and tables.
func DetectCapabilities(ctx context.Context, pool *pgxpool.Pool) (*Capabilities, error) {
	caps := &Capabilities{}

	columnQuery := `
        SELECT EXISTS (
            SELECT 1 FROM information_schema.columns
            WHERE table_schema = current_schema()
              AND table_name = $1
              AND column_name = $2
        )
    `
	if err := pool.QueryRow(ctx, columnQuery, "loyalty_cards", "tier").Scan(&caps.CardTier); err != nil {
		return nil, fmt.Errorf("failed to inspect loyalty_cards.tier: %w", err)
	}

	tableQuery := `
        SELECT EXISTS (
            SELECT 1 FROM information_schema.tables
            WHERE table_schema = current_schema()
              AND table_name = $1
        )
    `
	if err := pool.QueryRow(ctx, tableQuery, "customer_business_relationships").Scan(&caps.RelationshipTable); err != nil {
		return nil, fmt.Errorf("failed to inspect customer_business_relationships: %w", err)
	}

	return caps, nil
}

// Options bounds how long a transaction may wait.
type Options struct {
	LockTimeout      time.Duration
	StatementTimeout time.Duration
}

// PostgresStore is the pool-backed Store.
type PostgresStore struct {
	*queries
	pool *pgxpool.Pool
	opts Options
}

// NewPostgresStore creates a new PostgresStore. A nil caps is treated as "no optional features".
func NewPostgresStore(pool *pgxpool.Pool, caps *Capabilities, opts Options) *PostgresStore {
	if caps == nil {
		caps = &Capabilities{}
	}
	return &PostgresStore{
		queries: &queries{db: pool, caps: caps},
		pool:    pool,
		opts:    opts,
	}
}

// RunInTx implements Store.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(Queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := applyLocalTimeouts(ctx, tx, s.opts); err != nil {
		return err
	}

	if err := fn(&queries{db: tx, caps: s.queries.caps}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func applyLocalTimeouts(ctx context.Context, tx pgx.Tx, opts Options) error {
	if opts.LockTimeout > 0 {
		if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", durationSetting(opts.LockTimeout)); err != nil {
			return fmt.Errorf("failed to set lock_timeout: %w", err)
		}
	}
	if opts.StatementTimeout > 0 {
		if _, err := tx.Exec(ctx, "SELECT set_config('statement_timeout', $1, true)", durationSetting(opts.StatementTimeout)); err != nil {
			return fmt.Errorf("failed to set statement_timeout: %w", err)
		}
	}
	return nil
}

// durationSetting renders d the way Postgres GUCs expect, e.g. "3000ms".
func durationSetting(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
}

type queries struct {
	db   dbtx
	caps *Capabilities
}

// Savepoint implements Queries. On a pgx.Tx, Begin creates a SAVEPOINT.
func (q *queries) Savepoint(ctx context.Context, fn func(Queries) error) error {
	sp, err := q.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to open savepoint: %w", err)
	}
	defer sp.Rollback(ctx)

	if err := fn(&queries{db: sp, caps: q.caps}); err != nil {
		return err
	}
	return sp.Commit(ctx)
}
