// Package lease tracks in-flight transactional resources, such as open
// database transactions, behind opaque lease ids and guarantees that each
// one is finalized exactly once.
//
// A caller obtains a lease with Manager.Begin and later finalizes it with
// Commit or Rollback. A background sweeper rolls back leases that outlive
// the configured expiration. Every path that finalizes a lease first removes
// it from the Registry; removal is atomic, so only one of an explicit
// Commit, an explicit Rollback, a sweep, a bus revocation or a shutdown ever
// touches a given resource. The losers observe ErrLeaseNotFound.
package lease
