package watchbus

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisWatchBus(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	bus := NewRedisWatchBus(client)
	ctx := context.Background()

	// history published before the watch is not replayed
	if err := bus.Publish(ctx, AllOutcomesKey, []byte("old")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ch, err := bus.Watch(ctx, AllOutcomesKey)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, AllOutcomesKey, []byte("a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "a" {
			t.Fatalf("unexpected %s", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	if err := bus.Unwatch(ctx, AllOutcomesKey, ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected message after unwatch")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("channel not closed after unwatch")
	}
}
