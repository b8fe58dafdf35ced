// Package crypto tests for credential encryption.
package crypto

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := []byte("machine-key")
	plaintext := []byte("secret-token-value")

	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if strings.Contains(ciphertext, string(plaintext)) {
		t.Error("Ciphertext contains the plaintext")
	}

	decrypted, err := Decrypt(ciphertext, key)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Errorf("Decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	ciphertext, err := Encrypt([]byte("secret"), []byte("key-a"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := Decrypt(ciphertext, []byte("key-b")); err != ErrInvalidCiphertext {
		t.Errorf("Decrypt with wrong key = %v, want ErrInvalidCiphertext", err)
	}
}

func TestDecryptGarbage(t *testing.T) {
	if _, err := Decrypt("not base64 !!!", []byte("key")); err != ErrInvalidCiphertext {
		t.Errorf("Decrypt(garbage) = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := Decrypt("c2hvcnQ=", []byte("key")); err != ErrInvalidCiphertext {
		t.Errorf("Decrypt(short) = %v, want ErrInvalidCiphertext", err)
	}
}

func TestEncryptStringEmptyKey(t *testing.T) {
	if _, err := EncryptString("secret", ""); err != ErrInvalidKey {
		t.Errorf("EncryptString with empty key = %v, want ErrInvalidKey", err)
	}
}

func TestDeriveKeyStable(t *testing.T) {
	a := DeriveKey("machine-1")
	b := DeriveKey("machine-1")
	c := DeriveKey("machine-2")

	if string(a) != string(b) {
		t.Error("DeriveKey is not deterministic for the same machine")
	}
	if string(a) == string(c) {
		t.Error("DeriveKey collides across machines")
	}
	if len(a) != 32 {
		t.Errorf("DeriveKey length = %d, want 32", len(a))
	}
}

func TestTokenStoreRoundTrip(t *testing.T) {
	store := NewTokenStore(t.TempDir())

	if err := store.Store("server_token", "abc123"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := store.Load("server_token")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got != "abc123" {
		t.Errorf("Load = %q, want abc123", got)
	}
}

func TestTokenStoreMissing(t *testing.T) {
	store := NewTokenStore(t.TempDir())

	got, err := store.Load("never_stored")
	if err != nil {
		t.Fatalf("Load of missing credential errored: %v", err)
	}
	if got != "" {
		t.Errorf("Load of missing credential = %q, want empty", got)
	}
}

func TestTokenStoreDelete(t *testing.T) {
	store := NewTokenStore(t.TempDir())

	if err := store.Store("server_token", "abc123"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := store.Delete("server_token"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got, _ := store.Load("server_token"); got != "" {
		t.Errorf("Load after delete = %q, want empty", got)
	}
	// Deleting again is not an error
	if err := store.Delete("server_token"); err != nil {
		t.Errorf("Second delete errored: %v", err)
	}
}
