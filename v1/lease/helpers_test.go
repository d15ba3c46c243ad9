package lease

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-txlease/v1/clock"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeResource struct {
	commits   atomic.Int32
	rollbacks atomic.Int32
	releases  atomic.Int32

	commitErr   error
	rollbackErr error
	releaseErr  error
	panicOn     Op

	mu         sync.Mutex
	ctxErr     error
	finalizeAt time.Time
}

func (f *fakeResource) Commit(ctx context.Context) error {
	f.commits.Add(1)
	f.observe(ctx)
	if f.panicOn == OpCommit {
		panic("commit exploded")
	}
	return f.commitErr
}

func (f *fakeResource) Rollback(ctx context.Context) error {
	f.rollbacks.Add(1)
	f.observe(ctx)
	if f.panicOn == OpRollback {
		panic("rollback exploded")
	}
	return f.rollbackErr
}

func (f *fakeResource) Release() error {
	f.releases.Add(1)
	return f.releaseErr
}

func (f *fakeResource) observe(ctx context.Context) {
	f.mu.Lock()
	f.ctxErr = ctx.Err()
	f.finalizeAt = time.Now()
	f.mu.Unlock()
}

func (f *fakeResource) finalized() int32 {
	return f.commits.Load() + f.rollbacks.Load()
}

func factoryFor(r Resource) Factory {
	return func(context.Context) (Resource, error) { return r, nil }
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager returns a manager on a manual clock whose background
// sweeper never fires unless the test advances time by an hour.
func newTestManager(t *testing.T, opts ...Option) (*Manager, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	base := []Option{
		WithClock(clk),
		WithLogger(quietLogger()),
		WithSweepInterval(time.Hour),
		WithExpireAfter(10 * time.Second),
	}
	m := NewManager(append(base, opts...)...)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, clk
}

func begin(t *testing.T, m *Manager, r Resource) string {
	t.Helper()
	id, err := m.Begin(context.Background(), factoryFor(r))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
