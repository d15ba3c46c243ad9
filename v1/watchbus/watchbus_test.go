package watchbus

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryWatchBus(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	ch, err := bus.Watch(ctx, "k1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "k1", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "hello" {
			t.Fatalf("unexpected %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	if err := bus.Unwatch(ctx, "k1", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unwatch")
	}
	if n := bus.Watchers("k1"); n != 0 {
		t.Fatalf("expected no watchers, got %d", n)
	}
}

func TestInMemoryWatchBusKeysAreIsolated(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	mine, _ := bus.Watch(ctx, "mine")
	all, _ := bus.Watch(ctx, AllOutcomesKey)

	_ = bus.Publish(ctx, "other", []byte("x"))
	_ = bus.Publish(ctx, AllOutcomesKey, []byte("y"))

	select {
	case msg := <-mine:
		t.Fatalf("unexpected message %s", msg)
	case msg := <-all:
		if string(msg) != "y" {
			t.Fatalf("unexpected %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestInMemoryWatchBusContextCancel(t *testing.T) {
	bus := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Watch(ctx, AllOutcomesKey)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch not dropped on cancel")
	}
	if _, err := bus.Watch(ctx, AllOutcomesKey); err == nil {
		t.Fatal("expected error watching with a done context")
	}
}

func TestInMemoryWatchBusSlowWatcherDoesNotBlock(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	if _, err := bus.Watch(ctx, AllOutcomesKey); err != nil {
		t.Fatalf("watch: %v", err)
	}
	done := make(chan struct{})
	go func() {
		for i := 0; i < watchBuffer*4; i++ {
			_ = bus.Publish(ctx, AllOutcomesKey, []byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow watcher")
	}
}
