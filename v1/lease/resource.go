package lease

import "context"

// Resource is a finalizable handle owned by a lease, for example an open
// database transaction. The manager calls exactly one of Commit or Rollback,
// then Release, and never touches the resource again.
type Resource interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// Release frees whatever backs the resource. It is called after
	// finalization whatever its outcome and must be idempotent.
	Release() error
}

// Factory opens a new resource for Begin.
type Factory func(ctx context.Context) (Resource, error)

// ResourceFuncs adapts plain functions to Resource. Nil functions are no-ops.
type ResourceFuncs struct {
	CommitFunc   func(ctx context.Context) error
	RollbackFunc func(ctx context.Context) error
	ReleaseFunc  func() error
}

// Commit implements Resource.Commit.
func (r ResourceFuncs) Commit(ctx context.Context) error {
	if r.CommitFunc == nil {
		return nil
	}
	return r.CommitFunc(ctx)
}

// Rollback implements Resource.Rollback.
func (r ResourceFuncs) Rollback(ctx context.Context) error {
	if r.RollbackFunc == nil {
		return nil
	}
	return r.RollbackFunc(ctx)
}

// Release implements Resource.Release.
func (r ResourceFuncs) Release() error {
	if r.ReleaseFunc == nil {
		return nil
	}
	return r.ReleaseFunc()
}
