// Package main runs the in-memory Nostr relay used by bazaar during
// development and tests.
//
// Endpoints
//
//	GET / (websocket upgrade)
//	    Nostr client protocol: EVENT, REQ, CLOSE answered with OK, EVENT,
//	    EOSE and CLOSED.
//
//	GET /health
//	    Liveness check.
//
// Behaviour
//
//   - All events are held in memory and lost on process exit.
//   - With --verify (the default) events whose id or signature does not
//     check out are answered with OK false.
//   - The default listen address is :7447.
//
// Point bazaar at it with BAZAAR_RELAYS=ws://127.0.0.1:7447.
package main
