package signer

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"bazaar/internal/crypto"
)

const testPassphrase = "Correct-Horse-9!"

func TestLocalSignsAndEncrypts(t *testing.T) {
	ctx := context.Background()
	alice, err := GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal: %v", err)
	}
	bob, _ := GenerateLocal()
	alicePub, _ := alice.GetPublicKey(ctx)
	bobPub, _ := bob.GetPublicKey(ctx)

	ev, err := alice.SignEvent(ctx, nostr.Event{Kind: 1, Content: "hi"})
	if err != nil {
		t.Fatalf("SignEvent: %v", err)
	}
	if ok, _ := ev.CheckSignature(); !ok || ev.PubKey != alicePub || ev.CreatedAt == 0 {
		t.Fatalf("bad signed event %+v", ev)
	}

	ct, err := alice.Encrypt(ctx, bobPub, "secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := bob.Decrypt(ctx, alicePub, ct)
	if err != nil || pt != "secret" {
		t.Fatalf("Decrypt = %q, %v", pt, err)
	}
}

func TestLocalMarshalRestore(t *testing.T) {
	sk := crypto.GenerateSecretKey()
	l, _ := NewLocal(sk)

	if _, err := Marshal(l, "short"); !errors.Is(err, ErrWeakPassphrase) {
		t.Fatalf("weak passphrase: err = %v", err)
	}
	data, err := Marshal(l, testPassphrase)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if bytes.Contains(data, []byte(sk)) {
		t.Fatal("serialized signer contains the plaintext key")
	}

	s, err := Restore(data, RestoreOptions{Passphrase: testPassphrase})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if s.Type() != TypeLocal {
		t.Fatalf("restored type %q", s.Type())
	}
	want, _ := l.GetPublicKey(context.Background())
	got, _ := s.GetPublicKey(context.Background())
	if got != want {
		t.Fatalf("restored pubkey %s, want %s", got, want)
	}
	if _, err := Restore(data, RestoreOptions{Passphrase: "Wrong-Horse-9!"}); !errors.Is(err, crypto.ErrWrongPassphrase) {
		t.Fatalf("wrong passphrase: err = %v", err)
	}
}

func TestLocalClosed(t *testing.T) {
	l, _ := GenerateLocal()
	_ = l.Close()
	if _, err := l.SignEvent(context.Background(), nostr.Event{Kind: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("SignEvent after Close: %v", err)
	}
}

func TestRestoreUnknownType(t *testing.T) {
	if _, err := Restore([]byte(`{"type":"hsm"}`), RestoreOptions{}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}
