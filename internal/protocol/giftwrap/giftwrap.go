package giftwrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/nbd-wtf/go-nostr"

	"bazaar/internal/crypto"
	"bazaar/internal/domain"
)

// maxSealSkew bounds how far into the past a seal timestamp is moved.
const maxSealSkew = 2 * 24 * 60 * 60

var (
	ErrNotGiftWrap    = errors.New("not a gift wrap")
	ErrAuthorMismatch = errors.New("rumor author does not match seal signer")
	ErrBadSeal        = errors.New("seal signature invalid")
)

// Wrap seals rumor from sender to recipient and returns the signed wrap event.
// The rumor's pubkey and id are filled in from the sender.
func Wrap(ctx context.Context, sender domain.Signer, recipient string, rumor nostr.Event) (nostr.Event, error) {
	from, err := sender.GetPublicKey(ctx)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("sender key: %w", err)
	}
	now := nostr.Now()
	if rumor.CreatedAt == 0 {
		rumor.CreatedAt = now
	}
	if rumor.Tags == nil {
		rumor.Tags = nostr.Tags{}
	}
	rumor.PubKey = from
	rumor.Sig = ""
	rumor.ID = rumor.GetID()

	inner, err := json.Marshal(rumor)
	if err != nil {
		return nostr.Event{}, err
	}
	sealed, err := sender.Encrypt(ctx, recipient, string(inner))
	if err != nil {
		return nostr.Event{}, fmt.Errorf("seal rumor: %w", err)
	}
	seal, err := sender.SignEvent(ctx, nostr.Event{
		Kind:      domain.KindSeal,
		CreatedAt: now - nostr.Timestamp(rand.IntN(maxSealSkew)),
		Tags:      nostr.Tags{},
		Content:   sealed,
	})
	if err != nil {
		return nostr.Event{}, fmt.Errorf("sign seal: %w", err)
	}

	outer, err := json.Marshal(seal)
	if err != nil {
		return nostr.Event{}, err
	}
	oneTime := crypto.GenerateSecretKey()
	content, err := crypto.Encrypt(oneTime, recipient, string(outer))
	if err != nil {
		return nostr.Event{}, fmt.Errorf("wrap seal: %w", err)
	}
	wrap := nostr.Event{
		Kind:      domain.KindGiftWrap,
		CreatedAt: now,
		Tags:      nostr.Tags{{"p", recipient}},
		Content:   content,
	}
	if err := wrap.Sign(oneTime); err != nil {
		return nostr.Event{}, fmt.Errorf("sign wrap: %w", err)
	}
	return wrap, nil
}

// Unwrap opens a wrap addressed to recipient and returns the rumor.
func Unwrap(ctx context.Context, recipient domain.Signer, wrap *nostr.Event) (nostr.Event, error) {
	if wrap == nil || wrap.Kind != domain.KindGiftWrap {
		return nostr.Event{}, ErrNotGiftWrap
	}
	outer, err := recipient.Decrypt(ctx, wrap.PubKey, wrap.Content)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("open wrap: %w", err)
	}
	var seal nostr.Event
	if err := json.Unmarshal([]byte(outer), &seal); err != nil {
		return nostr.Event{}, fmt.Errorf("decode seal: %w", err)
	}
	if seal.Kind != domain.KindSeal {
		return nostr.Event{}, fmt.Errorf("%w: inner kind %d", ErrNotGiftWrap, seal.Kind)
	}
	if ok, err := seal.CheckSignature(); err != nil || !ok || seal.ID != seal.GetID() {
		return nostr.Event{}, ErrBadSeal
	}

	inner, err := recipient.Decrypt(ctx, seal.PubKey, seal.Content)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("open seal: %w", err)
	}
	var rumor nostr.Event
	if err := json.Unmarshal([]byte(inner), &rumor); err != nil {
		return nostr.Event{}, fmt.Errorf("decode rumor: %w", err)
	}
	if rumor.PubKey != seal.PubKey {
		return nostr.Event{}, ErrAuthorMismatch
	}
	return rumor, nil
}
