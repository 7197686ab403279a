package db

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	DBConnKey  contextKey = "db_conn"
	DBTxKey    contextKey = "db_tx"
	txHooksKey contextKey = "db_tx_hooks"
)

// ConnFromContext retrieves a pinned database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TxFromContext retrieves the active transaction from context, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the connection pinned in ctx and returns a
// context carrying it.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, errors.New("no database connection in context")
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// Transactor runs fn inside a unit of work. Nested calls join the outer one.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type txHooks struct {
	mu  sync.Mutex
	fns []func(ctx context.Context)
	end []func()
}

func (h *txHooks) add(fn func(ctx context.Context)) {
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

func (h *txHooks) run(ctx context.Context) {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ctx)
	}
}

// finish runs the end hooks once, newest first, whether the unit of work
// committed or rolled back.
func (h *txHooks) finish() {
	h.mu.Lock()
	end := h.end
	h.end = nil
	h.mu.Unlock()
	for i := len(end) - 1; i >= 0; i-- {
		end[i]()
	}
}

// OnTxEnd registers fn to run when the enclosing unit of work ends, on
// commit and on rollback. Outside a unit of work fn runs immediately.
func OnTxEnd(ctx context.Context, fn func()) {
	if h, ok := ctx.Value(txHooksKey).(*txHooks); ok && h != nil {
		h.mu.Lock()
		h.end = append(h.end, fn)
		h.mu.Unlock()
		return
	}
	fn()
}

// AfterCommit registers fn to run once the enclosing unit of work commits.
// Outside a unit of work fn runs immediately. Hooks are dropped on rollback
// and receive a context detached from the finished transaction.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	if h, ok := ctx.Value(txHooksKey).(*txHooks); ok && h != nil {
		h.add(fn)
		return
	}
	fn(Detach(ctx))
}

// Detach returns a context that keeps ctx's values but carries no
// transaction, pinned connection, or cancellation.
func Detach(ctx context.Context) context.Context {
	ctx = context.WithoutCancel(ctx)
	ctx = context.WithValue(ctx, DBTxKey, nil)
	ctx = context.WithValue(ctx, DBConnKey, nil)
	return context.WithValue(ctx, txHooksKey, nil)
}

// PoolTransactor implements Transactor on a pgx pool.
type PoolTransactor struct {
	pool *pgxpool.Pool
}

func NewTransactor(pool *pgxpool.Pool) *PoolTransactor {
	return &PoolTransactor{pool: pool}
}

func (t *PoolTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	var (
		tx  pgx.Tx
		err error
	)
	if c := ConnFromContext(ctx); c != nil {
		tx, err = c.Begin(ctx)
	} else {
		tx, err = t.pool.Begin(ctx)
	}
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	hooks := &txHooks{}
	defer func() {
		tx.Rollback(ctx)
		hooks.finish()
	}()

	txCtx := context.WithValue(ctx, DBTxKey, tx)
	txCtx = context.WithValue(txCtx, txHooksKey, hooks)

	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	hooks.finish()
	hooks.run(Detach(ctx))
	return nil
}

// LocalTransactor gives in-memory stores the unit-of-work shape: fn runs
// directly and after-commit hooks fire when it returns without error.
type LocalTransactor struct{}

func (LocalTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if h, ok := ctx.Value(txHooksKey).(*txHooks); ok && h != nil {
		return fn(ctx)
	}
	hooks := &txHooks{}
	defer hooks.finish()
	if err := fn(context.WithValue(ctx, txHooksKey, hooks)); err != nil {
		return err
	}
	hooks.finish()
	hooks.run(Detach(ctx))
	return nil
}
