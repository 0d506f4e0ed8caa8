// Package lightning holds the payment-channel adapters used by the
// settlement engine: lnd talks to a seller's LND node over gRPC and mock is
// a scriptable in-memory node for development and tests.
package lightning
