// Package lock provides a mutual-exclusion lease over a named resource with
// Redis and in-memory implementations.
//
// A lock is held by whoever presents the token used to acquire it and always
// carries an expiry, so a crashed holder cannot block others forever. Release
// and Refresh only act when the presented token still owns the lock; a holder
// whose lease expired can never remove a successor's lock.
package lock
