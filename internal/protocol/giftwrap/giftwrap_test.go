package giftwrap_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"bazaar/internal/domain"
	"bazaar/internal/protocol/giftwrap"
	"bazaar/internal/signer"
)

func TestWrapUnwrap(t *testing.T) {
	ctx := context.Background()
	alice, _ := signer.GenerateLocal()
	bob, _ := signer.GenerateLocal()
	alicePub, _ := alice.GetPublicKey(ctx)
	bobPub, _ := bob.GetPublicKey(ctx)

	wrap, err := giftwrap.Wrap(ctx, alice, bobPub, nostr.Event{Kind: domain.KindRumor, Content: `{"type":"REQUEST"}`})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if wrap.Kind != domain.KindGiftWrap || wrap.PubKey == alicePub {
		t.Fatalf("wrap leaks sender or has kind %d", wrap.Kind)
	}
	if ok, _ := wrap.CheckSignature(); !ok {
		t.Fatal("wrap signature invalid")
	}

	rumor, err := giftwrap.Unwrap(ctx, bob, &wrap)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if rumor.PubKey != alicePub || rumor.Content != `{"type":"REQUEST"}` {
		t.Fatalf("rumor %+v", rumor)
	}

	eve, _ := signer.GenerateLocal()
	if _, err := giftwrap.Unwrap(ctx, eve, &wrap); err == nil {
		t.Fatal("third party opened the wrap")
	}
}

func TestUnwrapRejectsOtherKinds(t *testing.T) {
	bob, _ := signer.GenerateLocal()
	ev := nostr.Event{Kind: 1}
	if _, err := giftwrap.Unwrap(context.Background(), bob, &ev); !errors.Is(err, giftwrap.ErrNotGiftWrap) {
		t.Fatalf("err = %v, want ErrNotGiftWrap", err)
	}
}
