package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// ErrInvalidKey is returned for malformed hex keys.
var ErrInvalidKey = errors.New("invalid key")

// GenerateSecretKey returns a fresh hex-encoded secp256k1 secret key.
func GenerateSecretKey() string { return nostr.GeneratePrivateKey() }

// PublicKey derives the x-only hex public key for sk.
func PublicKey(sk string) (string, error) {
	if err := checkHex32(sk); err != nil {
		return "", err
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	return pk, nil
}

// ValidPublicKey reports whether pk is a usable x-only public key.
func ValidPublicKey(pk string) bool {
	return checkHex32(pk) == nil && nostr.IsValidPublicKey(pk)
}

func checkHex32(s string) error {
	if len(s) != 64 {
		return fmt.Errorf("%w: want 64 hex chars, got %d", ErrInvalidKey, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}
