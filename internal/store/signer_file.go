package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"bazaar/internal/crypto"
	"bazaar/internal/domain"
)

const signerFilename = "signer.json.enc"

// SignerFileStore persists the CLI's signer session under a home directory.
// The whole session document is sealed with the passphrase, on top of the
// per-variant secret sealing done by package signer.
type SignerFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewSignerFileStore returns a SignerFileStore rooted at dir.
func NewSignerFileStore(dir string) *SignerFileStore {
	return &SignerFileStore{dir: dir}
}

// Path is the file the session is written to.
func (s *SignerFileStore) Path() string {
	return filepath.Join(s.dir, signerFilename)
}

// SaveSigner seals data and replaces the session file atomically.
func (s *SignerFileStore) SaveSigner(passphrase string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := crypto.Seal(passphrase, data)
	if err != nil {
		return fmt.Errorf("seal signer: %w", err)
	}
	return writeJSON(s.Path(), sealed, 0o600)
}

// LoadSigner reads and opens the session file. A missing file yields
// domain.ErrNotFound.
func (s *SignerFileStore) LoadSigner(passphrase string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sealed crypto.SealedSecret
	found, err := readJSON(s.Path(), &sealed)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrNotFound
	}
	pt, err := sealed.Open(passphrase)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(pt), nil
}

// Compile-time assertion that SignerFileStore implements domain.SignerStore.
var _ domain.SignerStore = (*SignerFileStore)(nil)
