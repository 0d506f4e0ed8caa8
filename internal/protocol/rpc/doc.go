// Package rpc implements the request/response layer of remote signing (NIP-46).
//
// # Overview
//
// A client sends {id, method, params} to a remote signer and later receives
// {id, result, error}. Transport (encryption, relays) lives elsewhere; this
// package only builds ids and correlates responses with pending requests.
//
// # Flows
//
// Caller:
//  1. Take an id from IDGenerator.Next.
//  2. Register the id in the Table before the request leaves the process.
//  3. Send the request, then wait on the returned channel.
//
// Inbound:
//  1. Every decrypted response goes through Table.Dispatch.
//  2. Unknown ids are ignored.
//  3. result == "auth_url" keeps the request pending and fires the challenge
//     handler once, with the URL carried in the error field.
//  4. Otherwise the request is removed and resolved with the result, or
//     rejected with a *RemoteError when error is set.
//
// # Errors
//
// ErrChallengeAborted is delivered when the user aborts an auth challenge.
// ErrClosed is delivered to every pending request when the table closes.
package rpc
