package lease

import "sync"

// Registry is a concurrent map from lease id to lease. It holds no business
// logic; TryRemove is the single arbitration point for finalization.
type Registry struct {
	mu     sync.Mutex
	leases map[string]*Lease
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{leases: make(map[string]*Lease)}
}

// Insert adds l. It fails with ErrDuplicateLease if the id is taken.
func (r *Registry) Insert(l *Lease) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.leases[l.id]; ok {
		return ErrDuplicateLease
	}
	r.leases[l.id] = l
	return nil
}

// TryRemove removes and returns the lease for id. Exactly one concurrent
// caller observes true for a given id.
func (r *Registry) TryRemove(id string) (*Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[id]
	if ok {
		delete(r.leases, id)
	}
	return l, ok
}

// Get returns the lease for id without removing it.
func (r *Registry) Get(id string) (*Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[id]
	return l, ok
}

// Snapshot returns the leases registered at the time of the call, in no
// particular order. Later insertions and removals do not affect it.
func (r *Registry) Snapshot() []*Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Lease, 0, len(r.leases))
	for _, l := range r.leases {
		out = append(out, l)
	}
	return out
}

// Len returns the number of registered leases.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leases)
}
