package db

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Locker serializes exclusive operations on a named key across processes.
type Locker interface {
	WithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) error
}

// AdvisoryLocker implements Locker with Postgres session-level advisory locks.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

// WithLock pins one connection, takes pg_advisory_lock(key) on it, runs fn
// with that connection in ctx and releases the lock on every exit path.
func (l *AdvisoryLocker) WithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) (err error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return fmt.Errorf("advisory lock %d: %w", key, err)
	}
	defer func() {
		if _, uerr := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key); uerr != nil && err == nil {
			err = fmt.Errorf("advisory unlock %d: %w", key, uerr)
		}
	}()

	return fn(context.WithValue(ctx, DBConnKey, conn))
}

// AdvisoryXactLock takes a transaction-scoped advisory lock on name. It is
// released by the enclosing transaction's commit or rollback.
func AdvisoryXactLock(ctx context.Context, name string) error {
	tx := TxFromContext(ctx)
	if tx == nil {
		return errors.New("advisory xact lock requires a transaction in context")
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, name); err != nil {
		return fmt.Errorf("advisory xact lock %q: %w", name, err)
	}
	return nil
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func (l *LocalLocker) WithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[int64]*sync.Mutex)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}
