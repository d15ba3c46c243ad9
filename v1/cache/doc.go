// Package cache provides the short-lived stores the lease manager uses to
// remember how recently finalized leases ended. The in-memory cache spawns a
// background goroutine that periodically sweeps expired entries; the sweep
// interval can be customized through options when creating the cache.
package cache
