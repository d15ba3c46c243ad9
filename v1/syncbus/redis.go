package syncbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	txerrors "github.com/mirkobrombin/go-txlease/v1/errors"
)

const redisBusTimeout = 5 * time.Second

// RedisBus implements Bus on top of Redis pub/sub. All keys share
// RevocationChannel; the message body is the key.
type RedisBus struct {
	client *redis.Client
	routes *router

	startMu   sync.Mutex
	pubsub    *redis.PubSub
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, routes: newRouter()}
}

// Start subscribes to RevocationChannel and waits for Redis to confirm.
// Subscribe calls it on first use; calling it up front surfaces connection
// errors early. Later calls are no-ops.
func (b *RedisBus) Start(ctx context.Context) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.routes.isClosed() {
		return txerrors.ErrConnectionClosed
	}
	if b.pubsub != nil {
		return nil
	}
	ps := b.client.Subscribe(context.Background(), RevocationChannel)
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if _, err := ps.Receive(cctx); err != nil {
		_ = ps.Close()
		return redisErr(err)
	}
	b.pubsub = ps
	go b.dispatch(ps)
	return nil
}

func (b *RedisBus) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		b.delivered.Add(b.routes.deliver(msg.Payload))
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.routes.isClosed() {
		return txerrors.ErrConnectionClosed
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, RevocationChannel, key).Err(); err != nil {
		return redisErr(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The shared subscription is confirmed
// by Redis before it returns.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	ch, ok := b.routes.add(key)
	if !ok {
		return nil, txerrors.ErrConnectionClosed
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe. The shared Redis subscription
// stays open.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.routes.remove(key, ch)
	return nil
}

// Subscribers returns the number of local subscriptions on key.
func (b *RedisBus) Subscribers(key string) int {
	return b.routes.count(key)
}

// Close drops every subscription. Later calls return ErrConnectionClosed.
// The Redis client itself is left open.
func (b *RedisBus) Close() error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if !b.routes.close() || b.pubsub == nil {
		return nil
	}
	return b.pubsub.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

func redisErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return txerrors.ErrTimeout
	}
	if errors.Is(err, redis.ErrClosed) {
		return txerrors.ErrConnectionClosed
	}
	return err
}
