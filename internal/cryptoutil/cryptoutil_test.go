package cryptoutil

import "testing"

func testKey() []byte {
	return []byte("01234567890123456789012345678901")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ct, err := enc.EncryptString("sk-upstream-secret")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if ct == "sk-upstream-secret" {
		t.Fatal("ciphertext equals plaintext")
	}
	pt, err := enc.DecryptString(ct)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if pt != "sk-upstream-secret" {
		t.Fatalf("got %q, want %q", pt, "sk-upstream-secret")
	}
}

func TestEncryptNoncesDiffer(t *testing.T) {
	enc, _ := New(testKey())
	a, _ := enc.EncryptString("same-plaintext")
	b, _ := enc.EncryptString("same-plaintext")
	if a == b {
		t.Fatal("expected distinct ciphertexts for distinct nonces")
	}
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	if _, err := New([]byte("too-short")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestDecryptTooShort(t *testing.T) {
	enc, _ := New(testKey())
	if _, err := enc.Decrypt([]byte("x")); err != ErrCiphertextTooShort {
		t.Fatalf("got %v, want ErrCiphertextTooShort", err)
	}
}

func TestHashAndVerifyKey(t *testing.T) {
	hash, err := HashKey("gw-abc123")
	if err != nil {
		t.Fatalf("HashKey: %v", err)
	}
	if !VerifyKey(hash, "gw-abc123") {
		t.Fatal("expected VerifyKey to succeed with correct plaintext")
	}
	if VerifyKey(hash, "gw-wrong") {
		t.Fatal("expected VerifyKey to fail with wrong plaintext")
	}
}
