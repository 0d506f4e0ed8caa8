package signer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode"

	"github.com/jonboulle/clockwork"

	"bazaar/internal/crypto"
	"bazaar/internal/domain"
	"bazaar/internal/protocol/rpc"
)

// Signer type names, as stored in the "type" field of a serialized signer.
const (
	TypeLocal     = "local"
	TypeExtension = "extension"
	TypeBunker    = "bunker"
)

// minPassphraseLength defines the minimum number of characters required for a passphrase.
const minPassphraseLength = 12

var (
	// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
	ErrWeakPassphrase = fmt.Errorf(
		"passphrase is too weak (must be at least %d characters and include upper, lower, "+
			"number, and symbol)",
		minPassphraseLength,
	)
	ErrExtensionNotFound = errors.New("signer extension not found")
	ErrInvalidBunkerURL  = errors.New("invalid bunker url")
	ErrClosed            = errors.New("signer closed")
	ErrUnknownType       = errors.New("unknown signer type")
	ErrPubKeyMismatch    = errors.New("signed event has an unexpected pubkey")
)

// Config is the serialized form of a signer.
type Config struct {
	Type   string               `json:"type"`
	PubKey string               `json:"pubkey,omitempty"`
	Key    *crypto.SealedSecret `json:"key,omitempty"`
	Remote string               `json:"remote,omitempty"`
	Relays []string             `json:"relays,omitempty"`
}

// RestoreOptions supply what a serialized signer cannot carry.
type RestoreOptions struct {
	Passphrase string
	// Bridge is required for extension signers.
	Bridge ExtensionBridge
	// Pool and the remaining fields are used by bunker signers.
	Pool            domain.RelayPool
	OnAuthChallenge rpc.ChallengeHandler
	Timeout         time.Duration
	Clock           clockwork.Clock
	Logger          *slog.Logger
}

type configurer interface {
	config(passphrase string) (Config, error)
}

// Marshal serializes s, sealing any secret with passphrase.
func Marshal(s domain.Signer, passphrase string) ([]byte, error) {
	c, ok := s.(configurer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, s)
	}
	cfg, err := c.config(passphrase)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cfg)
}

// Restore rebuilds a signer from Marshal output.
func Restore(data []byte, opts RestoreOptions) (domain.Signer, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode signer: %w", err)
	}
	switch cfg.Type {
	case TypeLocal:
		return restoreLocal(cfg, opts.Passphrase)
	case TypeExtension:
		return restoreExtension(cfg, opts.Bridge)
	case TypeBunker:
		return restoreBunker(cfg, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
}

// ValidatePassphrase enforces the passphrase strength policy.
func ValidatePassphrase(passphrase string) error {
	if !isSecurePassphrase(passphrase) {
		return ErrWeakPassphrase
	}
	return nil
}

// isSecurePassphrase enforces a basic strength policy.
func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}
