package syncbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"

	txerrors "github.com/mirkobrombin/go-txlease/v1/errors"
)

const natsFlushTimeout = 5 * time.Second

// NATSBus implements Bus using a NATS backend. All keys share
// RevocationTopic; the message data is the key.
type NATSBus struct {
	conn   *nats.Conn
	routes *router

	startMu   sync.Mutex
	sub       *nats.Subscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, routes: newRouter()}
}

// Start subscribes to RevocationTopic and flushes the subscription to the
// server, so a publish issued afterwards is observed. Later calls are
// no-ops.
func (b *NATSBus) Start(ctx context.Context) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.routes.isClosed() {
		return txerrors.ErrConnectionClosed
	}
	if b.sub != nil {
		return nil
	}
	sub, err := b.conn.Subscribe(RevocationTopic, func(m *nats.Msg) {
		b.delivered.Add(b.routes.deliver(string(m.Data)))
	})
	if err != nil {
		return natsErr(err)
	}
	if err := b.conn.FlushTimeout(natsFlushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return natsErr(err)
	}
	b.sub = sub
	return nil
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.routes.isClosed() {
		return txerrors.ErrConnectionClosed
	}
	if err := b.conn.Publish(RevocationTopic, []byte(key)); err != nil {
		return natsErr(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
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

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.routes.remove(key, ch)
	return nil
}

// Subscribers returns the number of local subscriptions on key.
func (b *NATSBus) Subscribers(key string) int {
	return b.routes.count(key)
}

// Close drops every subscription. The connection itself is left open.
func (b *NATSBus) Close() error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if !b.routes.close() || b.sub == nil {
		return nil
	}
	if err := b.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

func natsErr(err error) error {
	if errors.Is(err, nats.ErrConnectionClosed) {
		return txerrors.ErrConnectionClosed
	}
	if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return txerrors.ErrTimeout
	}
	return err
}
