package cache

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cache defines the operations the lease history needs.
//
// T represents the type of values stored in the cache.
type Cache[T any] interface {
	// Get retrieves a value for the given key. The boolean return
	// indicates whether the key was found.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for the given key for the specified TTL.
	// A non-positive TTL keeps the entry until it is invalidated.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate removes the key from the cache.
	Invalidate(ctx context.Context, key string) error
}

// InMemoryCache is a map-backed cache with TTL support. Entries are also
// kept in a heap ordered by expiry, so eviction and sweeping touch only the
// entries they remove.
type InMemoryCache[T any] struct {
	mu            sync.RWMutex
	items         map[string]*entry[T]
	byExpiry      expiryHeap[T]
	hits          atomic.Uint64
	misses        atomic.Uint64
	sweepInterval time.Duration
	maxEntries    int
	now           func() time.Time
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	evictionCounter prometheus.Counter
}

type entry[T any] struct {
	key       string
	value     T
	expiresAt time.Time
	index     int
}

// expiryHeap orders entries by expiry; entries without one sort last.
type expiryHeap[T any] []*entry[T]

func (h expiryHeap[T]) Len() int { return len(h) }

func (h expiryHeap[T]) Less(i, j int) bool {
	a, b := h[i].expiresAt, h[j].expiresAt
	if a.IsZero() || b.IsZero() {
		return b.IsZero() && !a.IsZero()
	}
	return a.Before(b)
}

func (h expiryHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap[T]) Push(x any) {
	e := x.(*entry[T])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *expiryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// InMemoryOption configures an InMemoryCache.
type InMemoryOption[T any] func(*InMemoryCache[T])

// WithSweepInterval sets the interval at which expired items are removed.
// A zero or negative duration disables the background sweeper.
func WithSweepInterval[T any](d time.Duration) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.sweepInterval = d
	}
}

// WithMaxEntries caps the number of entries. When full, the entry closest to
// expiry is dropped. A non-positive value means unbounded.
func WithMaxEntries[T any](n int) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.maxEntries = n
	}
}

// WithNow overrides the time source used for expiry checks.
func WithNow[T any](now func() time.Time) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics registers an eviction counter on reg.
func WithMetrics[T any](reg prometheus.Registerer) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txlease_history_evictions_total",
			Help: "Total number of history entries evicted",
		})
		reg.MustRegister(c.evictionCounter)
	}
}

const defaultSweepInterval = time.Minute

// NewInMemory returns a new InMemoryCache. Unless disabled through
// WithSweepInterval, a background goroutine removes expired items every
// minute; call Close to stop it.
func NewInMemory[T any](opts ...InMemoryOption[T]) *InMemoryCache[T] {
	ctx, cancel := context.WithCancel(context.Background())
	c := &InMemoryCache[T]{
		items:         make(map[string]*entry[T]),
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweeper()
	}
	return c
}

// Get implements Cache.Get.
func (c *InMemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	c.mu.RLock()
	e, ok := c.items[key]
	var (
		value T
		live  bool
	)
	if ok {
		value, live = e.value, !c.expired(e.expiresAt)
	}
	c.mu.RUnlock()
	if !live {
		c.misses.Add(1)
		return zero, false, nil
	}
	c.hits.Add(1)
	return value, true, nil
}

// Set implements Cache.Set.
func (c *InMemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, exists := c.items[key]; exists {
		e.value, e.expiresAt = value, exp
		heap.Fix(&c.byExpiry, e.index)
		return nil
	}
	if c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.evictOneLocked()
	}
	e := &entry[T]{key: key, value: value, expiresAt: exp}
	heap.Push(&c.byExpiry, e)
	c.items[key] = e
	return nil
}

// Invalidate implements Cache.Invalidate.
func (c *InMemoryCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if e, ok := c.items[key]; ok {
		heap.Remove(&c.byExpiry, e.index)
		delete(c.items, key)
	}
	c.mu.Unlock()
	return nil
}

func (c *InMemoryCache[T]) expired(expiresAt time.Time) bool {
	return !expiresAt.IsZero() && c.now().After(expiresAt)
}

// evictOneLocked drops the entry that expires first; entries without an
// expiry are only chosen when nothing else is left.
func (c *InMemoryCache[T]) evictOneLocked() {
	if c.byExpiry.Len() == 0 {
		return
	}
	e := heap.Pop(&c.byExpiry).(*entry[T])
	delete(c.items, e.key)
	if c.evictionCounter != nil {
		c.evictionCounter.Inc()
	}
}

func (c *InMemoryCache[T]) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *InMemoryCache[T]) removeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for c.byExpiry.Len() > 0 && c.expired(c.byExpiry[0].expiresAt) {
		e := heap.Pop(&c.byExpiry).(*entry[T])
		delete(c.items, e.key)
		removed++
		if c.evictionCounter != nil {
			c.evictionCounter.Inc()
		}
	}
	return removed
}

// Close stops the background sweeper and drops every entry.
func (c *InMemoryCache[T]) Close() {
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	c.items = make(map[string]*entry[T])
	c.byExpiry = nil
	c.mu.Unlock()
}

// Stats reports basic metrics about cache usage.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Metrics returns current metrics for the cache.
func (c *InMemoryCache[T]) Metrics() Stats {
	c.mu.RLock()
	size := len(c.items)
	c.mu.RUnlock()
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   size,
	}
}
