// Package adapter provides lease.Resource implementations for common
// transactional backends: GORM and database/sql transactions and Redis
// MULTI/EXEC pipelines.
//
// Transactions are opened on a context detached from the caller's
// cancellation. A lease outlives the request that began it, and database/sql
// rolls a transaction back as soon as the context it was begun with is done.
package adapter

import (
	"context"
	"database/sql"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	txerrors "github.com/mirkobrombin/go-txlease/v1/errors"
)

const defaultOpTimeout = 5 * time.Second

// mapErr translates driver errors into the shared sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return txerrors.ErrTimeout
	case errors.Is(err, redis.ErrClosed), errors.Is(err, sql.ErrConnDone):
		return txerrors.ErrConnectionClosed
	}
	return err
}

// checkCtx fails fast on a context that is already done.
func checkCtx(ctx context.Context) error {
	return mapErr(ctx.Err())
}
