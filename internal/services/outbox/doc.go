// Package outbox delivers signed events to relays with persistence-backed
// retries.
//
// Publish hands an event to the relay pool and records the relays that did
// not accept it. RetryFailed re-publishes due entries to those relays only,
// backing off exponentially between attempts and dropping entries that run
// out of attempts.
package outbox
