// Package httpapi exposes the settlement sweeps over HTTP.
//
// Routes
//
//	POST /v1/sellers/{pubkey}/sweep
//	    Run one sweep for an active seller. Callers either present the shared
//	    secret as a bearer token or, without one, are rate limited per client.
//	    404 when the seller is unknown or inactive.
//
//	POST /v1/sweep
//	    Sweep every active seller, then drain the outbox. Requires the shared
//	    secret; disabled when none is configured.
//
//	GET /health
//	    Liveness check.
//
// Responses are JSON. Every request is access-logged with method, path,
// remote, status, bytes and duration.
package httpapi
