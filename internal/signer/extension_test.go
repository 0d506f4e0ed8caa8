package signer

import (
	"context"
	"errors"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

// localBridge pretends to be a browser extension backed by a Local signer.
type localBridge struct {
	l       *Local
	tamper  bool
	signErr error
}

func (b *localBridge) GetPublicKey(ctx context.Context) (string, error) { return b.l.GetPublicKey(ctx) }

func (b *localBridge) SignEvent(ctx context.Context, tmpl nostr.Event) (nostr.Event, error) {
	if b.signErr != nil {
		return nostr.Event{}, b.signErr
	}
	if b.tamper {
		other, _ := GenerateLocal()
		return other.SignEvent(ctx, tmpl)
	}
	return b.l.SignEvent(ctx, tmpl)
}

func (b *localBridge) NIP44Encrypt(ctx context.Context, peer, pt string) (string, error) {
	return b.l.Encrypt(ctx, peer, pt)
}

func (b *localBridge) NIP44Decrypt(ctx context.Context, peer, ct string) (string, error) {
	return b.l.Decrypt(ctx, peer, ct)
}

func TestExtensionMissing(t *testing.T) {
	if _, err := NewExtension(nil); !errors.Is(err, ErrExtensionNotFound) {
		t.Fatalf("err = %v, want ErrExtensionNotFound", err)
	}
	if _, err := Restore([]byte(`{"type":"extension","pubkey":"ab"}`), RestoreOptions{}); !errors.Is(err, ErrExtensionNotFound) {
		t.Fatalf("restore without bridge: err = %v", err)
	}
}

func TestExtensionDelegates(t *testing.T) {
	ctx := context.Background()
	l, _ := GenerateLocal()
	e, err := NewExtension(&localBridge{l: l})
	if err != nil {
		t.Fatalf("NewExtension: %v", err)
	}
	if status, err := e.Connect(ctx); err != nil || status != "connected" {
		t.Fatalf("Connect = %q, %v", status, err)
	}
	ev, err := e.SignEvent(ctx, nostr.Event{Kind: 1, Content: "x"})
	if err != nil {
		t.Fatalf("SignEvent: %v", err)
	}
	want, _ := l.GetPublicKey(ctx)
	if ev.PubKey != want {
		t.Fatalf("pubkey %s, want %s", ev.PubKey, want)
	}

	data, err := Marshal(e, "")
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := Restore(data, RestoreOptions{Bridge: &localBridge{l: l}})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got, _ := back.GetPublicKey(ctx); got != want {
		t.Fatalf("restored pubkey %s", got)
	}
}

func TestExtensionRejectsForeignSignature(t *testing.T) {
	l, _ := GenerateLocal()
	e, _ := NewExtension(&localBridge{l: l, tamper: true})
	if _, err := e.SignEvent(context.Background(), nostr.Event{Kind: 1}); !errors.Is(err, ErrPubKeyMismatch) {
		t.Fatalf("err = %v, want ErrPubKeyMismatch", err)
	}
}
