package syncbus

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"

	txerrors "github.com/mirkobrombin/go-txlease/v1/errors"
)

func newNATSBus(t *testing.T) (*NATSBus, context.Context) {
	t.Helper()
	addr := os.Getenv("TXLEASE_TEST_NATS_ADDR")

	var (
		conn *nats.Conn
		s    *server.Server
		err  error
	)
	if addr != "" {
		t.Logf("TestNATSBus: using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
	} else {
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	bus := NewNATSBus(conn)
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return bus, context.Background()
}

func TestNATSBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, ctx := newNATSBus(t)
	id := uuid.NewString()
	ch, err := SubscribeLease(ctx, bus, id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := RevokeLease(ctx, bus, id); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	waitDelivered(t, bus.Metrics, 1)
	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestNATSBusContextBasedUnsubscribe(t *testing.T) {
	bus, _ := newNATSBus(t)
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	if n := bus.Subscribers("key"); n != 0 {
		t.Fatalf("subscription still present after context cancel: %d", n)
	}
}

func TestNATSBusSharedSubscription(t *testing.T) {
	bus, ctx := newNATSBus(t)
	a, err := bus.Subscribe(ctx, "shared")
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	b, err := bus.Subscribe(ctx, "shared")
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	if err := bus.Publish(ctx, "shared"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, ch := range []chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber missed publish")
		}
	}
	if err := bus.Unsubscribe(ctx, "shared", a); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if n := bus.Subscribers("shared"); n != 1 {
		t.Fatalf("expected one remaining subscriber, got %d", n)
	}
}

func TestNATSBusSharesOneSubscription(t *testing.T) {
	bus, ctx := newNATSBus(t)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var chans []chan struct{}
	for i := 0; i < 20; i++ {
		ch, err := SubscribeLease(subCtx, bus, uuid.NewString())
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		chans = append(chans, ch)
	}
	if n := bus.conn.NumSubscriptions(); n != 1 {
		t.Fatalf("expected one NATS subscription, got %d", n)
	}

	if err := RevokeLease(ctx, bus, "unknown"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := bus.conn.FlushTimeout(time.Second); err != nil {
		t.Fatalf("flush: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	for _, ch := range chans {
		select {
		case <-ch:
			t.Fatal("revocation for an unknown lease delivered")
		default:
		}
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := bus.conn.NumSubscriptions(); n != 0 {
		t.Fatalf("expected no NATS subscriptions after Close, got %d", n)
	}
	if _, err := bus.Subscribe(ctx, "key"); !errors.Is(err, txerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestNATSBusPublishAfterConnClose(t *testing.T) {
	bus, ctx := newNATSBus(t)
	bus.conn.Close()
	if err := bus.Publish(ctx, "key"); !errors.Is(err, txerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
