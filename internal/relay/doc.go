// Package relay provides a pooled websocket client for Nostr relays that
// implements domain.RelayPool.
//
// The pool is the only owner of relay connections. Relays are registered by
// URL and connected lazily on first use; a background sweep puts a relay to
// sleep (disconnects it) once it has had no subscriptions for longer than the
// keep-alive window, and the next use wakes it up again.
//
// Supported operations include:
//   - Subscribing to filters across several relays as one logical
//     subscription, with signature verification and de-duplication.
//   - Fetching stored events once, resolving after end-of-stored-events.
//   - Publishing an event to several relays and collecting per-relay OKs.
//
// A failing relay never fails the whole call. Subscribe skips relays it cannot
// reach, and Publish reports per-relay outcomes. Every wait is bounded by a
// timeout (see package bounded).
package relay
