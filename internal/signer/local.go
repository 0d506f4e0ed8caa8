package signer

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"bazaar/internal/crypto"
	"bazaar/internal/domain"
	"bazaar/internal/util/memzero"
)

// Local signs with a key held in process memory.
type Local struct {
	mu     sync.RWMutex
	sk     string
	pk     string
	closed bool
}

// NewLocal wraps a hex secret key.
func NewLocal(sk string) (*Local, error) {
	pk, err := crypto.PublicKey(sk)
	if err != nil {
		return nil, err
	}
	return &Local{sk: sk, pk: pk}, nil
}

// GenerateLocal creates a signer with a fresh key.
func GenerateLocal() (*Local, error) { return NewLocal(crypto.GenerateSecretKey()) }

func restoreLocal(cfg Config, passphrase string) (*Local, error) {
	raw, err := cfg.Key.Open(passphrase)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(raw)
	l, err := NewLocal(string(raw))
	if err != nil {
		return nil, err
	}
	if cfg.PubKey != "" && cfg.PubKey != l.pk {
		return nil, fmt.Errorf("restore local signer: %w", ErrPubKeyMismatch)
	}
	return l, nil
}

func (l *Local) secret() (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return "", ErrClosed
	}
	return l.sk, nil
}

func (l *Local) Type() string { return TypeLocal }

func (l *Local) Connect(context.Context) (string, error) {
	if _, err := l.secret(); err != nil {
		return "", err
	}
	return "connected", nil
}

func (l *Local) GetPublicKey(context.Context) (string, error) {
	if _, err := l.secret(); err != nil {
		return "", err
	}
	return l.pk, nil
}

func (l *Local) SignEvent(_ context.Context, tmpl nostr.Event) (nostr.Event, error) {
	sk, err := l.secret()
	if err != nil {
		return nostr.Event{}, err
	}
	ev := tmpl
	if ev.CreatedAt == 0 {
		ev.CreatedAt = nostr.Now()
	}
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	if err := ev.Sign(sk); err != nil {
		return nostr.Event{}, fmt.Errorf("sign event: %w", err)
	}
	return ev, nil
}

func (l *Local) Encrypt(_ context.Context, peer, plaintext string) (string, error) {
	sk, err := l.secret()
	if err != nil {
		return "", err
	}
	return crypto.Encrypt(sk, peer, plaintext)
}

func (l *Local) Decrypt(_ context.Context, peer, ciphertext string) (string, error) {
	sk, err := l.secret()
	if err != nil {
		return "", err
	}
	return crypto.Decrypt(sk, peer, ciphertext)
}

// Close drops the key. The signer is unusable afterwards.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sk = ""
	l.closed = true
	return nil
}

func (l *Local) config(passphrase string) (Config, error) {
	if err := ValidatePassphrase(passphrase); err != nil {
		return Config{}, err
	}
	sk, err := l.secret()
	if err != nil {
		return Config{}, err
	}
	raw := []byte(sk)
	defer memzero.Zero(raw)
	sealed, err := crypto.Seal(passphrase, raw)
	if err != nil {
		return Config{}, err
	}
	return Config{Type: TypeLocal, PubKey: l.pk, Key: sealed}, nil
}

// Compile-time assertion that Local implements domain.Signer.
var _ domain.Signer = (*Local)(nil)
