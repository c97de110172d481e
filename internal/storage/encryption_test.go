package storage

import (
	"encoding/base64"
	"testing"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptionSealOpen(t *testing.T) {
	enc, err := NewEncryption(testKey())
	if err != nil {
		t.Fatalf("Failed to create encryption: %v", err)
	}

	sealed, err := enc.Seal("glpat-refresh-token")
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}
	if !IsSealed(sealed) {
		t.Errorf("Sealed value %q lacks prefix", sealed)
	}

	opened, err := enc.Open(sealed)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if opened != "glpat-refresh-token" {
		t.Errorf("Open() = %q, want glpat-refresh-token", opened)
	}

	again, _ := enc.Seal("glpat-refresh-token")
	if again == sealed {
		t.Error("Two seals of the same value should differ")
	}
}

func TestEncryptionOpenPlaintextPassthrough(t *testing.T) {
	enc, _ := NewEncryption(testKey())

	got, err := enc.Open("written-before-encryption")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if got != "written-before-encryption" {
		t.Errorf("Open() = %q", got)
	}
}

func TestEncryptionWrongKey(t *testing.T) {
	enc, _ := NewEncryption(testKey())
	sealed, _ := enc.Seal("secret")

	other, _ := NewEncryption(make([]byte, 32))
	if _, err := other.Open(sealed); err == nil {
		t.Error("Expected error opening with the wrong key")
	}
	if _, err := other.Open(sealedPrefix + "not base64!"); err == nil {
		t.Error("Expected error for corrupt value")
	}
	if _, err := other.Open(sealedPrefix + base64.StdEncoding.EncodeToString([]byte("x"))); err == nil {
		t.Error("Expected error for short ciphertext")
	}
}

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey(32)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		t.Fatalf("Generated key is not valid base64: %v", err)
	}
	if len(decoded) != 32 {
		t.Errorf("Generated key has wrong length. Got %d, want 32", len(decoded))
	}

	enc, err := NewEncryptionFromBase64(key)
	if err != nil {
		t.Fatalf("Failed to create encryption with generated key: %v", err)
	}
	sealed, _ := enc.Seal("test")
	if opened, _ := enc.Open(sealed); opened != "test" {
		t.Errorf("Encryption with generated key failed")
	}
}

func TestInvalidKeySize(t *testing.T) {
	if _, err := NewEncryption([]byte("too-short")); err == nil {
		t.Error("Expected error for invalid key size")
	}
	if _, err := GenerateKey(20); err == nil {
		t.Error("Expected error for invalid key size in GenerateKey")
	}
	if _, err := NewEncryptionFromBase64(""); err == nil {
		t.Error("Expected error for empty key")
	}
}
