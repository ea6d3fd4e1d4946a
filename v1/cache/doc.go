// Package cache serves read-mostly entities from the coordination store in
// front of an authoritative source.
//
// Aside implements cache-aside with two rebuild strategies. The mutex
// strategy lets a single holder of a per-key lock reload an expired or
// missing entry while everyone else waits and re-reads. The logical strategy
// never lets entries expire in the store; readers of a logically stale entry
// get the old value at once while one of them refreshes it in the background.
// Absent entities are remembered with a short-lived null marker so repeated
// lookups of ids that do not exist never reach the source.
//
// RistrettoCache is a process-local tier for values that tolerate a few
// seconds of staleness.
package cache
