// Package postgres implements the repository registry on PostgreSQL through pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storefront/checkout/internal/repositories"
)

// Migrations holds the schema applied by platform/postgres.Migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations holding the SQL files.
const MigrationsDir = "migrations"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type txKey struct{}

// Store implements repositories.Registry on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ repositories.Registry = (*Store)(nil)

// NewStore wraps an open pool. Close releases it.
func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("postgres store: pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Carts() repositories.CartRepository                 { return cartRepository{s} }
func (s *Store) Coupons() repositories.CouponRepository             { return couponRepository{s} }
func (s *Store) Redemptions() repositories.RedemptionRepository     { return redemptionRepository{s} }
func (s *Store) Orders() repositories.OrderRepository               { return orderRepository{s} }
func (s *Store) Inventory() repositories.InventoryRepository        { return inventoryRepository{s} }
func (s *Store) Prices() repositories.PriceRepository               { return priceRepository{s} }
func (s *Store) PendingDeltas() repositories.PendingDeltaRepository { return pendingDeltaRepository{s} }
func (s *Store) Counters() repositories.CounterRepository           { return counterRepository{s} }

// RunInTx runs fn inside one database transaction. Nested calls share the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("postgres store: transaction function is nil")
	}
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// q returns the transaction bound to ctx, or the pool.
func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// atomic runs fn in its own transaction, or in a savepoint when ctx already carries one, so a
// failing step can be rolled back without aborting the caller's transaction.
func (s *Store) atomic(ctx context.Context, fn func(tx pgx.Tx) error) error {
	if outer, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return pgx.BeginFunc(ctx, outer, fn)
	}
	return pgx.BeginFunc(ctx, s.pool, fn)
}

// mapError converts pgx failures into repository errors the services understand.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repositories.NotFound(op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation, pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected,
			pgerrcode.CheckViolation, pgerrcode.ForeignKeyViolation:
			return repositories.Conflict(op, err)
		case pgerrcode.AdminShutdown, pgerrcode.CannotConnectNow, pgerrcode.TooManyConnections,
			pgerrcode.QueryCanceled, pgerrcode.LockNotAvailable:
			return repositories.Unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return repositories.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
