// Package settlement runs a seller's hold-invoice marketplace flow.
//
// An Engine serves one seller. Each sweep (Engine.Init):
//   - reconciles pending invoices against the seller's Lightning node,
//     cancelling offers whose reservation expired and settling invoices
//     the buyer has paid;
//   - drains the settlement retry queue;
//   - listens briefly for gift-wrapped order requests and answers each with
//     an OFFER (hold invoice) or a FAILED message.
//
// The store is the only source of truth between sweeps. The preimage of a
// hold invoice lives only in the store and is revealed to the node, never to
// the buyer. A Scheduler runs sweeps for one or all active sellers.
package settlement
