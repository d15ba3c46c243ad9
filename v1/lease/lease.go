package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Lease is a registered resource. Its fields are immutable after Begin,
// except for the guard serialising finalization.
type Lease struct {
	id        string
	resource  Resource
	createdAt time.Time

	guard     sync.Mutex
	stopWatch context.CancelFunc
	// expireOnRelease is set by a sweep that found the guard held by Do.
	expireOnRelease atomic.Bool
}

// ID returns the lease id.
func (l *Lease) ID() string { return l.id }

// CreatedAt returns the registration time.
func (l *Lease) CreatedAt() time.Time { return l.createdAt }

// Info is a read-only view of an active lease.
type Info struct {
	ID        string
	CreatedAt time.Time
	Age       time.Duration
}

// Outcome records how a lease was finalized.
type Outcome struct {
	ID          string    `json:"id"`
	Op          Op        `json:"op"`
	Trigger     Trigger   `json:"trigger"`
	Err         string    `json:"error,omitempty"`
	FinalizedAt time.Time `json:"finalizedAt"`
}

// Failed reports whether the commit or rollback returned an error.
func (o Outcome) Failed() bool { return o.Err != "" }
