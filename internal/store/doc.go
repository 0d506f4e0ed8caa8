// Package store provides persistence for the settlement service and the CLI.
//
// It contains concrete implementations of the domain storage interfaces:
//   - MongoStore: products, sellers, hold invoices, reservations and the
//     settlement retry queue (domain.SettlementStore).
//   - MemoryStore: an in-process SettlementStore for development and tests.
//   - SQLiteOutbox and MemoryOutbox: events still owed to relays
//     (domain.OutboxStore).
//   - SignerFileStore: the CLI's signer session, sealed with a passphrase
//     and written atomically under the configured home directory.
//
// All methods are safe for concurrent use.
package store
