package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-txlease/v1/metrics"
	"github.com/mirkobrombin/go-txlease/v1/syncbus"
	"github.com/mirkobrombin/go-txlease/v1/watchbus"
)

const tracerName = "github.com/mirkobrombin/go-txlease/v1/lease"

// Manager owns the lease registry and its expiration sweeper.
type Manager struct {
	registry *Registry
	opts     options
	log      *slog.Logger
	metrics  *metrics.LeaseMetrics
	tracer   trace.Tracer

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager builds a Manager and starts its sweeper. Call Close to stop it.
func NewManager(opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		registry: NewRegistry(),
		opts:     o,
		log:      o.logger,
		metrics:  metrics.NewLeaseMetrics(),
		ctx:      ctx,
		cancel:   cancel,
	}
	if o.registerer != nil {
		m.metrics.Register(o.registerer)
	}
	if o.tracerProvider != nil {
		m.tracer = o.tracerProvider.Tracer(tracerName)
	}
	ticker := o.clock.NewTicker(o.sweepInterval)
	m.wg.Add(1)
	go m.runSweeper(ticker)
	return m
}

// Begin opens a resource with factory and registers it under a fresh lease
// id. If the factory fails nothing is registered and its error is returned
// wrapped.
func (m *Manager) Begin(ctx context.Context, factory Factory) (string, error) {
	if factory == nil {
		return "", ErrNilFactory
	}
	if m.closed.Load() {
		return "", ErrClosed
	}
	res, err := factory(ctx)
	if err != nil {
		return "", fmt.Errorf("txlease: begin: %w", err)
	}
	id, err := m.opts.newID()
	if err != nil {
		m.discard(ctx, res, "")
		return "", fmt.Errorf("txlease: generate lease id: %w", err)
	}
	l := &Lease{id: id, resource: res, createdAt: m.opts.clock.Now()}
	revoked := m.subscribeRevocation(l)
	if err := m.registry.Insert(l); err != nil {
		if l.stopWatch != nil {
			l.stopWatch()
		}
		m.discard(ctx, res, id)
		return "", err
	}
	m.metrics.Begun.Inc()
	m.metrics.Active.Inc()

	// Close may have drained the registry between the check above and Insert.
	if m.closed.Load() {
		if l, ok := m.registry.TryRemove(id); ok {
			_ = m.finalizeLease(ctx, l, OpRollback, TriggerShutdown)
		}
		return "", ErrClosed
	}
	if revoked != nil {
		go m.watchRevocation(l, revoked)
	}
	m.log.Debug("txlease: lease begun", "lease", id)
	return id, nil
}

// Commit commits the lease's resource and releases it. It returns
// ErrLeaseNotFound when the lease is unknown or already finalized, and a
// *FinalizeError when the commit itself fails. Once the lease is claimed the
// commit runs to completion even if ctx is cancelled.
func (m *Manager) Commit(ctx context.Context, id string) error {
	return m.finalizeTraced(ctx, "Manager.Commit", id, OpCommit, TriggerExplicit)
}

// Rollback is the rollback counterpart of Commit.
func (m *Manager) Rollback(ctx context.Context, id string) error {
	return m.finalizeTraced(ctx, "Manager.Rollback", id, OpRollback, TriggerExplicit)
}

// Revoke rolls back a lease held by this manager. When the lease is not
// held locally and a bus is configured, the revocation is published so the
// process holding it rolls it back; Revoke then returns nil without waiting.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	err := m.finalizeTraced(ctx, "Manager.Revoke", id, OpRollback, TriggerRevoked)
	if !errors.Is(err, ErrLeaseNotFound) || m.opts.bus == nil {
		return err
	}
	if perr := syncbus.RevokeLease(ctx, m.opts.bus, id); perr != nil {
		return fmt.Errorf("txlease: publish revocation: %w", perr)
	}
	return nil
}

// Do runs fn with the lease's resource while holding the lease guard, so it
// never overlaps a commit, rollback or sweep of the same lease. A commit or
// rollback issued while fn runs waits for it. The sweeper does not wait: it
// skips the lease, and Do rolls it back with TriggerExpired once fn returns. Do
// returns ErrLeaseNotFound when the lease is no longer registered, otherwise
// fn's error. fn must not call Commit, Rollback or Revoke for the same id.
func (m *Manager) Do(ctx context.Context, id string, fn func(context.Context, Resource) error) error {
	l, ok := m.registry.Get(id)
	if !ok {
		return ErrLeaseNotFound
	}
	l.guard.Lock()
	held := true
	defer func() {
		if held {
			l.guard.Unlock()
		}
	}()
	if cur, ok := m.registry.Get(id); !ok || cur != l {
		return ErrLeaseNotFound
	}
	err := fn(ctx, l.resource)
	held = false
	m.expireSkipped(ctx, l)
	return err
}

// expireSkipped is called with l's guard held and releases it. A lease the
// sweeper skipped while the guard was held is rolled back here.
func (m *Manager) expireSkipped(ctx context.Context, l *Lease) {
	if !l.expireOnRelease.Load() {
		l.guard.Unlock()
		return
	}
	claimed, ok := m.registry.TryRemove(l.id)
	if !ok {
		l.guard.Unlock()
		return
	}
	age := m.opts.clock.Now().Sub(l.createdAt)
	if err := m.finalizeHeld(ctx, claimed, OpRollback, TriggerExpired); err != nil {
		m.log.Warn("txlease: expired lease rollback failed", "lease", l.id, "age", age, "error", err)
		return
	}
	m.log.Info("txlease: lease expired", "lease", l.id, "age", age)
}

// Info describes an active lease.
func (m *Manager) Info(id string) (Info, bool) {
	l, ok := m.registry.Get(id)
	if !ok {
		return Info{}, false
	}
	return m.info(l), true
}

// Active lists every registered lease, oldest first.
func (m *Manager) Active() []Info {
	leases := m.registry.Snapshot()
	out := make([]Info, 0, len(leases))
	for _, l := range leases {
		out = append(out, m.info(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of registered leases.
func (m *Manager) Len() int {
	return m.registry.Len()
}

// Logger returns the logger set with WithLogger, or slog.Default.
func (m *Manager) Logger() *slog.Logger {
	return m.log
}

// Outcome reports how a recently finalized lease ended. It needs a history
// store (WithHistory); without one it always reports false.
func (m *Manager) Outcome(ctx context.Context, id string) (Outcome, bool, error) {
	if m.opts.history == nil {
		return Outcome{}, false, nil
	}
	return m.opts.history.Get(ctx, id)
}

// Close stops the sweeper and rolls back every remaining lease with
// TriggerShutdown. Rollback failures are joined into the returned error.
// Begin returns ErrClosed afterwards. Close is idempotent.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.cancel()
		m.wg.Wait()

		var (
			mu   sync.Mutex
			errs []error
			g    errgroup.Group
		)
		g.SetLimit(m.opts.shutdownConcurrency)
		for _, l := range m.registry.Snapshot() {
			id := l.id
			g.Go(func() error {
				claimed, ok := m.registry.TryRemove(id)
				if !ok {
					return nil
				}
				if err := m.finalizeLease(ctx, claimed, OpRollback, TriggerShutdown); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		m.closeErr = errors.Join(errs...)
		if m.closeErr != nil {
			m.log.Warn("txlease: shutdown rollback failures", "error", m.closeErr)
		}
	})
	return m.closeErr
}

func (m *Manager) info(l *Lease) Info {
	return Info{ID: l.id, CreatedAt: l.createdAt, Age: m.opts.clock.Now().Sub(l.createdAt)}
}

func (m *Manager) finalizeTraced(ctx context.Context, name, id string, op Op, trig Trigger) (err error) {
	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("txlease.lease", id)))
		defer func() {
			switch {
			case errors.Is(err, ErrLeaseNotFound):
				span.SetAttributes(attribute.Bool("txlease.found", false))
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}
	l, ok := m.registry.TryRemove(id)
	if !ok {
		return ErrLeaseNotFound
	}
	return m.finalizeLease(ctx, l, op, trig)
}

// finalizeLease runs op on a lease the caller has already removed from the
// registry, then releases the resource. Only the winner of TryRemove may
// call it.
func (m *Manager) finalizeLease(ctx context.Context, l *Lease, op Op, trig Trigger) error {
	l.guard.Lock()
	return m.finalizeHeld(ctx, l, op, trig)
}

// finalizeHeld is finalizeLease for a caller that already holds l's guard.
// The guard is released before the outcome is recorded.
func (m *Manager) finalizeHeld(ctx context.Context, l *Lease, op Op, trig Trigger) error {
	m.metrics.Active.Dec()
	if l.stopWatch != nil {
		l.stopWatch()
	}

	fctx := context.WithoutCancel(ctx)
	err := func() error {
		defer l.guard.Unlock()
		err := callFinalize(fctx, l.resource, op)
		if rerr := l.resource.Release(); rerr != nil {
			m.metrics.ReleaseFailures.Inc()
			m.log.Warn("txlease: release failed", "lease", l.id, "trigger", string(trig), "error", rerr)
			m.notify(Failure{ID: l.id, Op: OpRelease, Trigger: trig, Err: rerr})
		}
		return err
	}()

	now := m.opts.clock.Now()
	m.metrics.LeaseAge.Observe(now.Sub(l.createdAt).Seconds())
	m.metrics.Finalized.WithLabelValues(string(op), string(trig)).Inc()

	outcome := Outcome{ID: l.id, Op: op, Trigger: trig, FinalizedAt: now}
	if err != nil {
		m.metrics.FinalizeFailures.WithLabelValues(string(op), string(trig)).Inc()
		m.notify(Failure{ID: l.id, Op: op, Trigger: trig, Err: err})
		outcome.Err = err.Error()
		err = &FinalizeError{ID: l.id, Op: op, Err: err}
	}
	m.remember(fctx, outcome)
	return err
}

// callFinalize turns a panicking resource into an ordinary failure so that
// one bad lease cannot take down the sweeper.
func callFinalize(ctx context.Context, r Resource, op Op) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("txlease: %s panicked: %v", op, p)
		}
	}()
	if op == OpCommit {
		return r.Commit(ctx)
	}
	return r.Rollback(ctx)
}

// discard disposes of a resource that never made it into the registry.
func (m *Manager) discard(ctx context.Context, r Resource, id string) {
	fctx := context.WithoutCancel(ctx)
	if err := callFinalize(fctx, r, OpRollback); err != nil {
		m.log.Warn("txlease: rollback of unregistered resource failed", "lease", id, "error", err)
	}
	if err := r.Release(); err != nil {
		m.log.Warn("txlease: release of unregistered resource failed", "lease", id, "error", err)
	}
}

func (m *Manager) notify(f Failure) {
	if m.opts.onFailure != nil {
		m.opts.onFailure(f)
	}
}

func (m *Manager) remember(ctx context.Context, o Outcome) {
	if m.opts.history != nil {
		if err := m.opts.history.Set(ctx, o.ID, o, m.opts.historyTTL); err != nil {
			m.log.Debug("txlease: history write failed", "lease", o.ID, "error", err)
		}
	}
	if m.opts.watch == nil {
		return
	}
	data, err := json.Marshal(o)
	if err != nil {
		return
	}
	if err := m.opts.watch.Publish(ctx, watchbus.AllOutcomesKey, data); err != nil {
		m.log.Debug("txlease: outcome publish failed", "lease", o.ID, "error", err)
	}
}
