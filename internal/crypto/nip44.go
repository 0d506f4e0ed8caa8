package crypto

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip44"
)

// Encrypt seals plaintext from sk to peer using a NIP-44 conversation key.
func Encrypt(sk, peer, plaintext string) (string, error) {
	ck, err := nip44.GenerateConversationKey(peer, sk)
	if err != nil {
		return "", fmt.Errorf("conversation key: %w", err)
	}
	return nip44.Encrypt(plaintext, ck)
}

// Decrypt opens a NIP-44 payload that peer sealed for sk.
func Decrypt(sk, peer, ciphertext string) (string, error) {
	ck, err := nip44.GenerateConversationKey(peer, sk)
	if err != nil {
		return "", fmt.Errorf("conversation key: %w", err)
	}
	return nip44.Decrypt(ciphertext, ck)
}
