package lease

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-txlease/v1/clock"
	"github.com/mirkobrombin/go-txlease/v1/syncbus"
)

func (m *Manager) runSweeper(t clock.Ticker) {
	defer m.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C():
			m.Sweep(m.ctx)
		}
	}
}

// Sweep rolls back every lease older than the expiration threshold and
// returns how many it claimed. It never waits on a lease guard: a lease busy
// in Do is skipped and expired by Do itself. Failures are logged, counted
// and passed to the failure hook; they are never returned. The background
// sweeper calls Sweep once per interval, so a lease created at T is rolled
// back at the first tick after T+ExpireAfter.
func (m *Manager) Sweep(ctx context.Context) int {
	start := time.Now()
	var span trace.Span
	if m.tracer != nil {
		ctx, span = m.tracer.Start(ctx, "Manager.Sweep")
	}

	now := m.opts.clock.Now()
	expired := 0
	for _, l := range m.registry.Snapshot() {
		age := now.Sub(l.createdAt)
		if age <= m.opts.expireAfter {
			continue
		}
		if !l.guard.TryLock() {
			// Do holds the lease, or a finalize already claimed it. Do
			// rolls it back when it returns; the retry covers a Do that
			// returned before seeing the flag.
			l.expireOnRelease.Store(true)
			if !l.guard.TryLock() {
				continue
			}
		}
		claimed, ok := m.registry.TryRemove(l.id)
		if !ok {
			// finalized concurrently
			l.guard.Unlock()
			continue
		}
		expired++
		if err := m.finalizeHeld(ctx, claimed, OpRollback, TriggerExpired); err != nil {
			m.log.Warn("txlease: expired lease rollback failed", "lease", l.id, "age", age, "error", err)
			continue
		}
		m.log.Info("txlease: lease expired", "lease", l.id, "age", age)
	}

	m.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if span != nil {
		span.SetAttributes(attribute.Int("txlease.expired", expired))
		span.End()
	}
	return expired
}

// subscribeRevocation subscribes l to its revocation key. It must run
// before l is published in the registry.
func (m *Manager) subscribeRevocation(l *Lease) chan struct{} {
	if m.opts.bus == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := syncbus.SubscribeLease(ctx, m.opts.bus, l.id)
	if err != nil {
		cancel()
		m.log.Warn("txlease: revocation subscribe failed", "lease", l.id, "error", err)
		return nil
	}
	l.stopWatch = cancel
	return ch
}

func (m *Manager) watchRevocation(l *Lease, ch chan struct{}) {
	if _, ok := <-ch; !ok {
		// unsubscribed: the lease was finalized or the bus closed
		return
	}
	claimed, ok := m.registry.TryRemove(l.id)
	if !ok {
		return
	}
	if err := m.finalizeLease(context.Background(), claimed, OpRollback, TriggerRevoked); err != nil {
		m.log.Warn("txlease: revoked lease rollback failed", "lease", l.id, "error", err)
		return
	}
	m.log.Info("txlease: lease revoked", "lease", l.id)
}
