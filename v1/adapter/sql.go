package adapter

import (
	"context"
	"database/sql"
	"sync"

	"github.com/mirkobrombin/go-txlease/v1/lease"
)

// SQLTx is a database/sql transaction owned by a lease.
type SQLTx struct {
	tx   *sql.Tx
	mu   sync.Mutex
	done bool
}

// BeginSQL opens a transaction on db. opts may be nil.
func BeginSQL(ctx context.Context, db *sql.DB, opts *sql.TxOptions) (*SQLTx, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(context.WithoutCancel(ctx), opts)
	if err != nil {
		return nil, mapErr(err)
	}
	return &SQLTx{tx: tx}, nil
}

// SQLFactory returns a lease.Factory opening transactions on db.
func SQLFactory(db *sql.DB, opts *sql.TxOptions) lease.Factory {
	return func(ctx context.Context) (lease.Resource, error) {
		return BeginSQL(ctx, db, opts)
	}
}

// Tx returns the underlying transaction.
func (s *SQLTx) Tx() *sql.Tx { return s.tx }

// Commit implements lease.Resource.Commit.
func (s *SQLTx) Commit(ctx context.Context) error {
	return s.finish(ctx, s.tx.Commit)
}

// Rollback implements lease.Resource.Rollback.
func (s *SQLTx) Rollback(ctx context.Context) error {
	return s.finish(ctx, s.tx.Rollback)
}

// Release rolls back a transaction that was never finalized.
func (s *SQLTx) Release() error {
	return s.finish(context.Background(), s.tx.Rollback)
}

func (s *SQLTx) finish(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.done = true
	return mapErr(fn())
}
