package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"bazaar/internal/domain"
)

// Fingerprint returns a short hex fingerprint of a hex public key.
//
// It hashes the decoded key with SHA-256 and truncates to 8 bytes (16 hex
// chars). Undecodable input is hashed as-is so logs still correlate.
func Fingerprint(pub string) domain.Fingerprint {
	raw, err := hex.DecodeString(pub)
	if err != nil {
		raw = []byte(pub)
	}
	sum := sha256.Sum256(raw)
	return domain.Fingerprint(hex.EncodeToString(sum[:8]))
}
