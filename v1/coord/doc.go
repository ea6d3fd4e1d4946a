// Package coord adapts a Redis client into the coordination store used by
// the flash-sale core: atomic scripts, counters, TTL-bearing keys and an
// append-only stream with consumer groups and manual acknowledgement.
//
// Every call runs under a per-operation timeout and a circuit breaker.
// Transport failures, timeouts and an open breaker all surface as
// errors.ErrCoordinationUnavailable; redis.Nil never escapes this package.
// When the caller's own context ends first, its context error is returned
// unwrapped by the taxonomy and does not count against the breaker.
//
// The per-operation timeout bounds socket reads only when the client is
// built with ContextTimeoutEnabled; otherwise ReadTimeout is the real bound.
package coord
