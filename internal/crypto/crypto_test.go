package crypto

import (
	"bytes"
	"errors"
	"testing"
)

// testIterations keeps key derivation fast in tests. Production vaults use
// DefaultIterations.
const testIterations = 1000

func TestDeriveKey_Deterministic(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt() error: %v", err)
	}

	k1 := DeriveKey("master-pass", salt, testIterations)
	k2 := DeriveKey("master-pass", salt, testIterations)
	if *k1 != *k2 {
		t.Fatal("same passphrase and salt produced different keys")
	}

	k3 := DeriveKey("other-pass", salt, testIterations)
	if *k1 == *k3 {
		t.Fatal("different passphrases produced the same key")
	}
}

func TestDeriveKey_SaltChangesKey(t *testing.T) {
	s1, _ := NewSalt()
	s2, _ := NewSalt()
	if bytes.Equal(s1, s2) {
		t.Fatal("two salts are identical")
	}

	k1 := DeriveKey("master-pass", s1, testIterations)
	k2 := DeriveKey("master-pass", s2, testIterations)
	if *k1 == *k2 {
		t.Fatal("different salts produced the same key")
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	salt, _ := NewSalt()
	key := DeriveKey("master-pass", salt, testIterations)

	plaintext := []byte(`{"host":"10.0.0.5","password":"hunter2"}`)
	tok, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	got, err := Decrypt(key, tok)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	salt, _ := NewSalt()
	key := DeriveKey("master-pass", salt, testIterations)
	wrong := DeriveKey("wrong-pass", salt, testIterations)

	tok, err := Encrypt(key, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if _, err := Decrypt(wrong, tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Decrypt() with wrong key: got %v, want ErrInvalidToken", err)
	}
}

func TestDecrypt_TamperedToken(t *testing.T) {
	salt, _ := NewSalt()
	key := DeriveKey("master-pass", salt, testIterations)

	tok, err := Encrypt(key, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	// Flip one byte at every position; decryption must fail for each.
	for i := 0; i < len(tok); i += 7 {
		b := []byte(tok)
		b[i] ^= 0x01
		if _, err := Decrypt(key, string(b)); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("tampered byte %d: got %v, want ErrInvalidToken", i, err)
		}
	}
}

func TestZero(t *testing.T) {
	salt, _ := NewSalt()
	key := DeriveKey("master-pass", salt, testIterations)

	Zero(key)
	for i, b := range key {
		if b != 0 {
			t.Fatalf("key byte %d not zeroed", i)
		}
	}

	// Must not panic on nil.
	Zero(nil)
}

func TestWipe(t *testing.T) {
	b := []byte("decrypted secret material")
	Wipe(b)
	for i, c := range b {
		if c != 0 {
			t.Fatalf("byte %d not wiped", i)
		}
	}

	// Must not panic on nil or empty.
	Wipe(nil)
	Wipe([]byte{})
}

func TestMask(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"ab", "****"},
		{"hunter2", "****ter2"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
