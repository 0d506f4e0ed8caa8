package interfaces

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Signer is a signing and encryption capability for one Nostr identity.
//
// Implementations hold the key locally, delegate to a browser extension, or
// forward every call to a remote bunker. Callers must not assume any of them
// is fast: every method may block on I/O and honours ctx.
type Signer interface {
	// Type names the variant ("local", "extension", "bunker").
	Type() string
	// Connect establishes the session and returns a status string.
	Connect(ctx context.Context) (string, error)
	// GetPublicKey returns the hex public key of the identity.
	GetPublicKey(ctx context.Context) (string, error)
	// SignEvent fills in pubkey, id and signature on a copy of tmpl.
	SignEvent(ctx context.Context, tmpl nostr.Event) (nostr.Event, error)
	// Encrypt seals plaintext for peer (hex pubkey) with NIP-44.
	Encrypt(ctx context.Context, peer, plaintext string) (string, error)
	// Decrypt opens a NIP-44 payload from peer.
	Decrypt(ctx context.Context, peer, ciphertext string) (string, error)
	// Close releases sessions and wipes any key material held in memory.
	Close() error
}
