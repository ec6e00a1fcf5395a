package signing

import (
	"bytes"
	"testing"
)

func TestHMACSigner_SignAndVerify(t *testing.T) {
	signer := NewHMACSigner()
	key := []byte("test-signing-secret")
	data := []byte(`{"orderId":"O1"}`)

	sig := signer.Sign(data, key)
	if len(sig) != 32 {
		t.Errorf("Expected 32-byte SHA-256 signature, got %d", len(sig))
	}

	if !signer.Verify(data, sig, key) {
		t.Error("Expected signature to verify")
	}
}

func TestHMACSigner_VerifyRejectsTamperedData(t *testing.T) {
	signer := NewHMACSigner()
	key := []byte("test-signing-secret")

	sig := signer.Sign([]byte("original"), key)

	if signer.Verify([]byte("tampered"), sig, key) {
		t.Error("Expected tampered data to fail verification")
	}
	if signer.Verify([]byte("original"), sig, []byte("wrong-key")) {
		t.Error("Expected wrong key to fail verification")
	}
}

func TestHMACSigner_EnvelopeRoundTrip(t *testing.T) {
	signer := NewHMACSigner()
	key := []byte("envelope-secret")
	payload := []byte(`{"event":"OrderCreated"}`)

	signed := signer.SignEnvelope(payload, key)
	if signed.Signature == "" || signed.Timestamp == "" {
		t.Fatal("Expected signature and timestamp to be set")
	}

	if !signer.VerifyEnvelope(payload, signed.Timestamp, signed.Signature, key) {
		t.Error("Expected envelope signature to verify")
	}

	// Rewriting the timestamp must break the signature
	if signer.VerifyEnvelope(payload, "2020-01-01T00:00:00Z", signed.Signature, key) {
		t.Error("Expected rewritten timestamp to fail verification")
	}
}

func TestAESGCMEncryptor_RoundTrip(t *testing.T) {
	enc := NewAESGCMEncryptor()
	key := bytes.Repeat([]byte{0x42}, 32)
	plaintext := []byte("confidential payload")

	ct, err := enc.Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(ct.IV) == 0 || len(ct.Tag) == 0 {
		t.Fatal("Expected IV and tag to be populated")
	}

	got, err := enc.Decrypt(ct, key)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Round trip mismatch: %q", got)
	}
}

func TestAESGCMEncryptor_DecryptRejectsTamperedCiphertext(t *testing.T) {
	enc := NewAESGCMEncryptor()
	key := bytes.Repeat([]byte{0x42}, 32)

	ct, err := enc.Encrypt([]byte("payload"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	ct.Ciphertext[0] ^= 0xFF
	if _, err := enc.Decrypt(ct, key); err != ErrDecryptFailed {
		t.Errorf("Expected ErrDecryptFailed, got %v", err)
	}
}

func TestAESGCMEncryptor_RejectsBadKeySize(t *testing.T) {
	enc := NewAESGCMEncryptor()
	if _, err := enc.Encrypt([]byte("x"), []byte("short")); err == nil {
		t.Error("Expected error for invalid key size")
	}
}

func TestChaCha20Encryptor_RoundTrip(t *testing.T) {
	enc := NewChaCha20Encryptor()
	key := bytes.Repeat([]byte{0x13}, 32)
	plaintext := []byte("confidential payload")

	ct, err := enc.Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	got, err := enc.Decrypt(ct, key)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Round trip mismatch: %q", got)
	}

	// Cross-key decryption must fail
	wrongKey := bytes.Repeat([]byte{0x14}, 32)
	if _, err := enc.Decrypt(ct, wrongKey); err != ErrDecryptFailed {
		t.Errorf("Expected ErrDecryptFailed, got %v", err)
	}
}
