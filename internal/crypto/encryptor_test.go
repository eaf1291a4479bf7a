package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func generateTestKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewEncryptorRejectsBadKeys(t *testing.T) {
	if _, err := NewEncryptor("not-valid-base64!!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	short := base64.StdEncoding.EncodeToString([]byte("tooshort"))
	if _, err := NewEncryptor(short); err == nil {
		t.Fatal("expected error for wrong key length")
	}
}

func TestEncryptDecrypt(t *testing.T) {
	enc, err := NewEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatal(err)
	}

	ct, err := enc.Encrypt("access-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ct == "access-token" {
		t.Fatal("ciphertext equals plaintext")
	}
	ct2, _ := enc.Encrypt("access-token")
	if ct == ct2 {
		t.Fatal("expected distinct ciphertexts for the same plaintext")
	}

	pt, err := enc.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if pt != "access-token" {
		t.Fatalf("got %q, want access-token", pt)
	}
}

func TestDecryptWithOtherKeyFails(t *testing.T) {
	a, _ := NewEncryptor(generateTestKey(t))
	b, _ := NewEncryptor(generateTestKey(t))

	ct, err := a.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(ct); err == nil {
		t.Fatal("expected decryption with another key to fail")
	}
}

func TestDecryptMalformed(t *testing.T) {
	enc, _ := NewEncryptor(generateTestKey(t))
	for _, ct := range []string{"", "%%%", base64.StdEncoding.EncodeToString([]byte("abc"))} {
		if _, err := enc.Decrypt(ct); err == nil {
			t.Errorf("Decrypt(%q): expected error", ct)
		}
	}
}

func TestPassphraseDerivationIsStable(t *testing.T) {
	a, err := NewEncryptorFromPassphrase("party-secret", "overlay")
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewEncryptorFromPassphrase("party-secret", "overlay")
	if err != nil {
		t.Fatal(err)
	}
	ct, _ := a.Encrypt("tok")
	if pt, err := b.Decrypt(ct); err != nil || pt != "tok" {
		t.Fatalf("Decrypt with derived key = %q, %v", pt, err)
	}

	other, _ := NewEncryptorFromPassphrase("different", "overlay")
	if _, err := other.Decrypt(ct); err == nil {
		t.Fatal("expected a different passphrase to fail")
	}

	if _, err := NewEncryptorFromPassphrase("", "overlay"); err != ErrEmptyPassphrase {
		t.Fatalf("got %v, want ErrEmptyPassphrase", err)
	}
}
