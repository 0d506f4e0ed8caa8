// Package lnd adapts a seller's LND node to domain.PaymentChannel.
//
// Hold invoices are created, settled and cancelled through invoicesrpc;
// lookups go through lnrpc. Authentication uses the node's TLS certificate
// and a macaroon, given either as file paths or inline.
package lnd
