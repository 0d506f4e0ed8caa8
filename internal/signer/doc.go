// Package signer implements domain.Signer three ways.
//
//   - Local holds a secp256k1 key in memory; at rest the key is sealed with a
//     passphrase (see crypto.Seal).
//   - Extension forwards to a browser-extension bridge supplied by the host
//     environment and fails fast when none is present.
//   - Bunker forwards every call to a remote signer over relays using NIP-46
//     requests correlated by id (see package rpc).
//
// Marshal and Restore move any of them through a JSON blob of the form
// {"type": ..., "pubkey": ..., ...}. Secrets inside the blob are always
// sealed with the caller's passphrase, which must pass the strength policy.
package signer
