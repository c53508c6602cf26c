// Package lock provides the distributed mutual-exclusion layer that
// guarantees at most one in-flight withdrawal per account and currency.
// Locks are records in the shared ephemeral store: acquisition is an atomic
// set-if-absent with a freshly generated token, release is an atomic
// compare-and-delete against that token, and the TTL destroys the lock if
// the holder crashes. Acquisition order under contention is whoever's
// set-if-absent wins; only mutual exclusion is guaranteed, not fairness.
package lock
