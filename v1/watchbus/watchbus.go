// Package watchbus streams lease outcomes to watchers. The lease manager
// publishes every finalization once, on AllOutcomesKey; watchers interested
// in a single lease filter the feed by outcome id.
package watchbus

import "context"

// AllOutcomesKey carries every outcome published by a manager.
const AllOutcomesKey = "txlease:outcomes"

// WatchBus provides a simple message bus for streaming events.
// Clients can publish messages to a key and watch for updates.
type WatchBus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. Returned channel receives
	// message payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}
