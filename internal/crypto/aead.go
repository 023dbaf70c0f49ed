package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is 96 bits for both supported ciphers
	NonceSize = 12
	// TagSize is the authentication tag appended to every ciphertext
	TagSize = 16
)

// Cipher names the AEAD construction used for an envelope
type Cipher string

const (
	CipherAESGCM           Cipher = "aes-256-gcm"
	CipherChaCha20Poly1305 Cipher = "chacha20-poly1305"
)

// DefaultCipher is used when an envelope does not name one
const DefaultCipher = CipherAESGCM

// ParseCipher maps a persisted cipher name to a Cipher; empty means default
func ParseCipher(name string) (Cipher, error) {
	switch Cipher(name) {
	case "":
		return DefaultCipher, nil
	case CipherAESGCM, CipherChaCha20Poly1305:
		return Cipher(name), nil
	}
	return "", fmt.Errorf("unsupported cipher %q", name)
}

func newAEAD(c Cipher, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size %d", len(key))
	}

	switch c {
	case CipherAESGCM, "":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		return gcm, nil
	case CipherChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		return aead, nil
	}
	return nil, fmt.Errorf("unsupported cipher %q", c)
}

// Encrypt seals plaintext under key with a fresh random nonce.
// No associated data is bound.
func Encrypt(c Cipher, key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newAEAD(c, key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext sealed by Encrypt. Every failure to authenticate
// is reported as ErrDecryption.
func Decrypt(c Cipher, key, nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != NonceSize || len(ciphertext) < TagSize {
		return nil, ErrDecryption
	}

	aead, err := newAEAD(c, key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}
