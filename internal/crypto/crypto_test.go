package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestPublicKeyRoundTrip(t *testing.T) {
	sk := GenerateSecretKey()
	pk, err := PublicKey(sk)
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if !ValidPublicKey(pk) {
		t.Fatalf("derived key %q reported invalid", pk)
	}
	if _, err := PublicKey("abc"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("short key: err = %v, want ErrInvalidKey", err)
	}
}

func TestNIP44BothDirections(t *testing.T) {
	alice, bob := GenerateSecretKey(), GenerateSecretKey()
	alicePub, _ := PublicKey(alice)
	bobPub, _ := PublicKey(bob)

	ct, err := Encrypt(alice, bobPub, "hello bob")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := Decrypt(bob, alicePub, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if pt != "hello bob" {
		t.Fatalf("got %q", pt)
	}

	eve := GenerateSecretKey()
	if _, err := Decrypt(eve, alicePub, ct); err == nil {
		t.Fatal("third party decrypted the payload")
	}
}

func TestSealOpen(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	s, err := seal("Correct-Horse-9!", secret, 1<<10, 8, 1)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := s.Open("Correct-Horse-9!")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Fatal("round trip mismatch")
	}
	if _, err := s.Open("wrong"); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("wrong passphrase: err = %v", err)
	}
	s.Cipher[0] ^= 0xff
	if _, err := s.Open("Correct-Horse-9!"); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("tampered: err = %v", err)
	}
}

func TestFingerprintStable(t *testing.T) {
	pk, _ := PublicKey(GenerateSecretKey())
	if Fingerprint(pk) != Fingerprint(pk) {
		t.Fatal("fingerprint not deterministic")
	}
	if len(Fingerprint(pk)) != 16 {
		t.Fatalf("fingerprint length %d", len(Fingerprint(pk)))
	}
}
