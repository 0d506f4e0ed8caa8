// Package crypto exposes the minimal primitives bazaar needs on top of go-nostr.
//
// Contents
//
//   - Nostr secp256k1 key generation and derivation (GenerateSecretKey,
//     PublicKey, ValidPublicKey)
//   - NIP-44 payload encryption between two keys (Encrypt, Decrypt)
//   - Passphrase-sealed secrets for keys at rest (Seal, SealedSecret.Open)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// # Notes
//
// Keys are hex strings, as go-nostr expects. Callers should treat returned
// secrets as sensitive and wipe byte copies with memzero.Zero when practical.
package crypto
