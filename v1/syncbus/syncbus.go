// Package syncbus carries lease revocations between processes. A process that
// holds a lease subscribes to its revocation key; anyone may publish on it to
// ask the holder to roll the lease back.
//
// Remote buses do not open a server-side subscription per key. Every
// revocation travels on one shared channel (RevocationChannel on Redis,
// RevocationTopic on NATS and Kafka) with the key as payload, and each
// process routes it to its local subscribers.
package syncbus

import (
	"context"
	"sync/atomic"
)

// Bus provides a minimal pub/sub mechanism keyed by string. Messages carry no
// payload, only the fact that the key fired.
type Bus interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

const leaseKeyPrefix = "txlease:revoke:"

const (
	// RevocationChannel is the Redis pub/sub channel shared by all keys.
	RevocationChannel = "txlease:revoke"
	// RevocationTopic is the NATS subject and Kafka topic shared by all
	// keys. Kafka deployments must create it up front.
	RevocationTopic = "txlease.revoke"
)

// LeaseKey returns the bus key carrying revocations for lease id.
func LeaseKey(id string) string {
	return leaseKeyPrefix + id
}

// RevokeLease publishes a revocation for lease id.
func RevokeLease(ctx context.Context, b Bus, id string) error {
	return b.Publish(ctx, LeaseKey(id))
}

// SubscribeLease subscribes to revocations for lease id. The subscription is
// dropped, and the channel closed, when ctx is done.
func SubscribeLease(ctx context.Context, b Bus, id string) (chan struct{}, error) {
	return b.Subscribe(ctx, LeaseKey(id))
}

// UnsubscribeLease cancels a revocation subscription.
func UnsubscribeLease(ctx context.Context, b Bus, id string, ch chan struct{}) error {
	return b.Unsubscribe(ctx, LeaseKey(id), ch)
}

// Metrics reports bus throughput.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a local implementation of Bus, used when a single process
// both holds and revokes leases, and in tests.
type InMemoryBus struct {
	routes    *router
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{routes: newRouter()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := b.routes.deliver(key)
	b.published.Add(1)
	b.delivered.Add(n)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, _ := b.routes.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe. The channel is closed.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.routes.remove(key, ch)
	return nil
}

// Subscribers returns the number of live subscriptions on key.
func (b *InMemoryBus) Subscribers(key string) int {
	return b.routes.count(key)
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

func unsubscribeOnDone(ctx context.Context, b Bus, key string, ch chan struct{}) {
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
}
