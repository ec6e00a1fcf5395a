package signing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Ciphertext is the result of an AEAD seal: the nonce (iv), the encrypted
// payload, and the authentication tag, kept separate so transports can map
// them onto whatever header/body split they use.
type Ciphertext struct {
	IV         []byte
	Ciphertext []byte
	Tag        []byte
}

// Encryptor seals and opens envelope payloads.
type Encryptor interface {
	Encrypt(plaintext, key []byte) (*Ciphertext, error)
	Decrypt(ct *Ciphertext, key []byte) ([]byte, error)
}

var ErrDecryptFailed = errors.New("signing: decryption failed")

// aeadSeal runs the common seal path for any AEAD: random nonce, seal,
// split the tag off the end of the sealed output.
func aeadSeal(aead cipher.AEAD, plaintext []byte) (*Ciphertext, error) {
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - aead.Overhead()

	return &Ciphertext{
		IV:         iv,
		Ciphertext: sealed[:tagStart],
		Tag:        sealed[tagStart:],
	}, nil
}

func aeadOpen(aead cipher.AEAD, ct *Ciphertext) ([]byte, error) {
	sealed := make([]byte, 0, len(ct.Ciphertext)+len(ct.Tag))
	sealed = append(sealed, ct.Ciphertext...)
	sealed = append(sealed, ct.Tag...)

	plaintext, err := aead.Open(nil, ct.IV, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// AESGCMEncryptor seals payloads with AES-GCM. Keys must be 16, 24, or
// 32 bytes (AES-128, AES-192 or AES-256).
type AESGCMEncryptor struct{}

// NewAESGCMEncryptor creates a new AES-GCM encryptor
func NewAESGCMEncryptor() *AESGCMEncryptor {
	return &AESGCMEncryptor{}
}

func (e *AESGCMEncryptor) aead(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (e *AESGCMEncryptor) Encrypt(plaintext, key []byte) (*Ciphertext, error) {
	aead, err := e.aead(key)
	if err != nil {
		return nil, err
	}
	return aeadSeal(aead, plaintext)
}

func (e *AESGCMEncryptor) Decrypt(ct *Ciphertext, key []byte) ([]byte, error) {
	aead, err := e.aead(key)
	if err != nil {
		return nil, err
	}
	return aeadOpen(aead, ct)
}

// ChaCha20Encryptor seals payloads with ChaCha20-Poly1305. Keys must be 32
// bytes. Preferred on hosts without AES hardware acceleration.
type ChaCha20Encryptor struct{}

// NewChaCha20Encryptor creates a new ChaCha20-Poly1305 encryptor
func NewChaCha20Encryptor() *ChaCha20Encryptor {
	return &ChaCha20Encryptor{}
}

func (e *ChaCha20Encryptor) Encrypt(plaintext, key []byte) (*Ciphertext, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return aeadSeal(aead, plaintext)
}

func (e *ChaCha20Encryptor) Decrypt(ct *Ciphertext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return aeadOpen(aead, ct)
}
