// Package fulfillment moves admitted orders from the coordination store's
// order stream into durable storage.
//
// Records are consumed through a consumer group with manual acknowledgement.
// A record is acknowledged only after it has been persisted, recognised as a
// duplicate, or found to be undecodable; anything else stays pending and is
// retried by the backlog sweep. Pending records of consumers that went away
// are claimed once they have been idle long enough, so every admitted order
// is eventually persisted exactly once.
package fulfillment
