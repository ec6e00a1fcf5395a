// Package signing provides the optional envelope signing and encryption
// applied at the transport boundary: HMAC-SHA256 signatures with
// constant-time verification, and AEAD encryption (AES-GCM or
// ChaCha20-Poly1305) of envelope payloads.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const (
	// SignatureHeader is the envelope metadata key for the signature
	SignatureHeader = "X-HEROMESSAGING-SIGNATURE"

	// TimestampHeader is the envelope metadata key for the signing timestamp
	TimestampHeader = "X-HEROMESSAGING-TIMESTAMP"
)

// Signer signs and verifies byte payloads.
type Signer interface {
	Sign(data []byte, key []byte) []byte
	Verify(data, signature []byte, key []byte) bool
}

// SignedEnvelope contains a payload with its detached signature and the
// timestamp that was folded into the signed bytes.
type SignedEnvelope struct {
	Payload   []byte
	Signature string
	Timestamp string
}

// HMACSigner generates HMAC-SHA256 signatures for outbound envelopes.
//
// The timestamped form signs the timestamp concatenated with the payload;
// the receiver reproduces the signature from the same two inputs, so a
// replayed payload with a rewritten timestamp fails verification.
type HMACSigner struct{}

// NewHMACSigner creates a new HMAC signer
func NewHMACSigner() *HMACSigner {
	return &HMACSigner{}
}

// Sign computes HMAC-SHA256 over data with key
func (s *HMACSigner) Sign(data []byte, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// Verify recomputes the signature and compares in constant time
func (s *HMACSigner) Verify(data, signature []byte, key []byte) bool {
	expected := s.Sign(data, key)
	return hmac.Equal(expected, signature)
}

// SignEnvelope signs a payload with a fresh timestamp.
//
// The signature is computed as: HMAC-SHA256(timestamp + payload, key),
// hex-encoded lowercase.
func (s *HMACSigner) SignEnvelope(payload []byte, key []byte) *SignedEnvelope {
	timestamp := time.Now().UTC().Truncate(time.Millisecond).Format(time.RFC3339Nano)

	signaturePayload := append([]byte(timestamp), payload...)
	signature := hex.EncodeToString(s.Sign(signaturePayload, key))

	return &SignedEnvelope{
		Payload:   payload,
		Signature: signature,
		Timestamp: timestamp,
	}
}

// VerifyEnvelope verifies a signature produced by SignEnvelope
func (s *HMACSigner) VerifyEnvelope(payload []byte, timestamp, signature string, key []byte) bool {
	signaturePayload := append([]byte(timestamp), payload...)
	expected := hex.EncodeToString(s.Sign(signaturePayload, key))

	return hmac.Equal([]byte(expected), []byte(signature))
}
