package adapter

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-txlease/v1/lease"
)

// RedisTx queues commands on a MULTI/EXEC pipeline. Commit sends them in a
// single transaction; Rollback drops them without contacting the server.
type RedisTx struct {
	pipe    redis.Pipeliner
	timeout time.Duration
	mu      sync.Mutex
	done    bool
}

// RedisOption configures RedisFactory.
type RedisOption func(*RedisTx)

// WithRedisTimeout bounds the EXEC round trip.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(r *RedisTx) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// BeginRedis starts a pipeline on client.
func BeginRedis(ctx context.Context, client redis.UniversalClient, opts ...RedisOption) (*RedisTx, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	r := &RedisTx{pipe: client.TxPipeline(), timeout: defaultOpTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RedisFactory returns a lease.Factory starting pipelines on client.
func RedisFactory(client redis.UniversalClient, opts ...RedisOption) lease.Factory {
	return func(ctx context.Context) (lease.Resource, error) {
		return BeginRedis(ctx, client, opts...)
	}
}

// Pipeline returns the pipeline commands are queued on.
func (r *RedisTx) Pipeline() redis.Pipeliner { return r.pipe }

// Commit implements lease.Resource.Commit.
func (r *RedisTx) Commit(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	if err := checkCtx(ctx); err != nil {
		return err
	}
	r.done = true
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if _, err := r.pipe.Exec(cctx); err != nil {
		return mapErr(err)
	}
	return nil
}

// Rollback implements lease.Resource.Rollback.
func (r *RedisTx) Rollback(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.done = true
	r.pipe.Discard()
	return nil
}

// Release discards anything still queued.
func (r *RedisTx) Release() error {
	return r.Rollback(context.Background())
}
