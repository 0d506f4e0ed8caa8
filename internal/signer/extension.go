package signer

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"bazaar/internal/domain"
)

// ExtensionBridge is the host-provided handle to a browser signing extension.
type ExtensionBridge interface {
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, tmpl nostr.Event) (nostr.Event, error)
	NIP44Encrypt(ctx context.Context, peer, plaintext string) (string, error)
	NIP44Decrypt(ctx context.Context, peer, ciphertext string) (string, error)
}

// Extension delegates to an ExtensionBridge and checks what comes back.
type Extension struct {
	bridge ExtensionBridge

	mu     sync.Mutex
	pk     string
	closed bool
}

// NewExtension fails with ErrExtensionNotFound when bridge is nil.
func NewExtension(bridge ExtensionBridge) (*Extension, error) {
	if bridge == nil {
		return nil, ErrExtensionNotFound
	}
	return &Extension{bridge: bridge}, nil
}

func restoreExtension(cfg Config, bridge ExtensionBridge) (*Extension, error) {
	e, err := NewExtension(bridge)
	if err != nil {
		return nil, err
	}
	e.pk = cfg.PubKey
	return e, nil
}

func (e *Extension) Type() string { return TypeExtension }

func (e *Extension) Connect(ctx context.Context) (string, error) {
	if _, err := e.GetPublicKey(ctx); err != nil {
		return "", err
	}
	return "connected", nil
}

func (e *Extension) GetPublicKey(ctx context.Context) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrClosed
	}
	pk := e.pk
	e.mu.Unlock()
	if pk != "" {
		return pk, nil
	}

	pk, err := e.bridge.GetPublicKey(ctx)
	if err != nil {
		return "", fmt.Errorf("extension get_public_key: %w", err)
	}
	e.mu.Lock()
	e.pk = pk
	e.mu.Unlock()
	return pk, nil
}

func (e *Extension) SignEvent(ctx context.Context, tmpl nostr.Event) (nostr.Event, error) {
	pk, err := e.GetPublicKey(ctx)
	if err != nil {
		return nostr.Event{}, err
	}
	if tmpl.CreatedAt == 0 {
		tmpl.CreatedAt = nostr.Now()
	}
	if tmpl.Tags == nil {
		tmpl.Tags = nostr.Tags{}
	}
	ev, err := e.bridge.SignEvent(ctx, tmpl)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("extension sign_event: %w", err)
	}
	return checkSigned(ev, pk)
}

func (e *Extension) Encrypt(ctx context.Context, peer, plaintext string) (string, error) {
	if err := e.usable(); err != nil {
		return "", err
	}
	return e.bridge.NIP44Encrypt(ctx, peer, plaintext)
}

func (e *Extension) Decrypt(ctx context.Context, peer, ciphertext string) (string, error) {
	if err := e.usable(); err != nil {
		return "", err
	}
	return e.bridge.NIP44Decrypt(ctx, peer, ciphertext)
}

func (e *Extension) usable() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

func (e *Extension) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *Extension) config(string) (Config, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Config{Type: TypeExtension, PubKey: e.pk}, nil
}

// checkSigned verifies a signature produced elsewhere and its author.
func checkSigned(ev nostr.Event, want string) (nostr.Event, error) {
	if ok, err := ev.CheckSignature(); err != nil || !ok || ev.ID != ev.GetID() {
		return nostr.Event{}, fmt.Errorf("signed event failed verification")
	}
	if want != "" && ev.PubKey != want {
		return nostr.Event{}, ErrPubKeyMismatch
	}
	return ev, nil
}

// Compile-time assertion that Extension implements domain.Signer.
var _ domain.Signer = (*Extension)(nil)
