package adapter_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-txlease/v1/adapter"
	txerrors "github.com/mirkobrombin/go-txlease/v1/errors"
	"github.com/mirkobrombin/go-txlease/v1/lease"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisTxCommit(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	tx, err := adapter.BeginRedis(ctx, client)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	tx.Pipeline().Set(ctx, "balance:alice", "10", 0)
	tx.Pipeline().Incr(ctx, "transfers")
	if mr.Exists("balance:alice") {
		t.Fatal("queued command reached the server before commit")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if v, _ := mr.Get("balance:alice"); v != "10" {
		t.Fatalf("expected 10, got %q", v)
	}
	if v, _ := mr.Get("transfers"); v != "1" {
		t.Fatalf("expected 1, got %q", v)
	}
	if err := tx.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestRedisTxRollback(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	tx, err := adapter.BeginRedis(ctx, client)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	tx.Pipeline().Set(ctx, "balance:bob", "5", 0)
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit after rollback should be a no-op: %v", err)
	}
	if mr.Exists("balance:bob") {
		t.Fatal("rolled back command reached the server")
	}
}

func TestRedisTxClosedClient(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	tx, err := adapter.BeginRedis(ctx, client)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	tx.Pipeline().Set(ctx, "k", "v", 0)
	_ = client.Close()
	if err := tx.Commit(ctx); !errors.Is(err, txerrors.ErrConnectionClosed) {
		t.Fatalf("expected connection closed, got %v", err)
	}
}

func TestRedisLeaseCommit(t *testing.T) {
	mr, client := newRedis(t)
	m, _ := newManager(t)
	ctx := context.Background()

	id, err := m.Begin(ctx, adapter.RedisFactory(client))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = m.Do(ctx, id, func(ctx context.Context, r lease.Resource) error {
		r.(*adapter.RedisTx).Pipeline().HSet(ctx, "order:1", "status", "paid")
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if err := m.Commit(ctx, id); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if v := mr.HGet("order:1", "status"); v != "paid" {
		t.Fatalf("expected paid, got %q", v)
	}
}
