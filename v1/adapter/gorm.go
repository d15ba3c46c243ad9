package adapter

import (
	"context"
	"database/sql"
	"sync"

	"gorm.io/gorm"

	"github.com/mirkobrombin/go-txlease/v1/lease"
)

// GormTx is a GORM transaction owned by a lease.
type GormTx struct {
	tx   *gorm.DB
	mu   sync.Mutex
	done bool
}

// GormOption configures GormFactory and BeginGorm.
type GormOption func(*gormOptions)

type gormOptions struct {
	txOptions *sql.TxOptions
	session   *gorm.Session
}

// WithGormTxOptions sets the isolation level and read-only flag.
func WithGormTxOptions(o *sql.TxOptions) GormOption {
	return func(g *gormOptions) {
		g.txOptions = o
	}
}

// WithGormSession opens the transaction on a session with the given config.
func WithGormSession(s *gorm.Session) GormOption {
	return func(g *gormOptions) {
		g.session = s
	}
}

// BeginGorm opens a transaction on db.
func BeginGorm(ctx context.Context, db *gorm.DB, opts ...GormOption) (*GormTx, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var o gormOptions
	for _, opt := range opts {
		opt(&o)
	}
	conn := db
	if o.session != nil {
		conn = conn.Session(o.session)
	}
	tx := conn.WithContext(context.WithoutCancel(ctx)).Begin(optsOrNil(o.txOptions)...)
	if tx.Error != nil {
		return nil, mapErr(tx.Error)
	}
	return &GormTx{tx: tx}, nil
}

func optsOrNil(o *sql.TxOptions) []*sql.TxOptions {
	if o == nil {
		return nil
	}
	return []*sql.TxOptions{o}
}

// GormFactory returns a lease.Factory opening GORM transactions on db.
func GormFactory(db *gorm.DB, opts ...GormOption) lease.Factory {
	return func(ctx context.Context) (lease.Resource, error) {
		return BeginGorm(ctx, db, opts...)
	}
}

// DB returns the transaction handle. Statements issued on it take part in
// the transaction; pass a context with WithContext for per-call deadlines.
func (g *GormTx) DB() *gorm.DB { return g.tx }

// Commit implements lease.Resource.Commit.
func (g *GormTx) Commit(ctx context.Context) error {
	return g.finish(ctx, func() error { return g.tx.Commit().Error })
}

// Rollback implements lease.Resource.Rollback.
func (g *GormTx) Rollback(ctx context.Context) error {
	return g.finish(ctx, func() error { return g.tx.Rollback().Error })
}

// Release rolls back a transaction that was never finalized. The connection
// returns to the pool when the transaction ends.
func (g *GormTx) Release() error {
	return g.finish(context.Background(), func() error { return g.tx.Rollback().Error })
}

func (g *GormTx) finish(ctx context.Context, fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return nil
	}
	if err := checkCtx(ctx); err != nil {
		return err
	}
	g.done = true
	return mapErr(fn())
}
