// Package giftwrap hides a private message inside two encryption layers (NIP-59).
//
// # Layers
//
//   - Rumor: the unsigned inner event (kind 14) authored by the sender.
//   - Seal: kind 13, content is the rumor encrypted by the sender's signer for
//     the recipient, signed by the sender, timestamp randomized into the past.
//   - Wrap: kind 1059, content is the seal encrypted with a one-time key,
//     signed by that key, and tagged with the recipient.
//
// Only the recipient learns who sent the rumor. Relays see a random key
// talking to the recipient.
//
// # Errors
//
// ErrNotGiftWrap and ErrAuthorMismatch flag malformed or spoofed input. Other
// errors wrap signer or decoding failures.
package giftwrap
