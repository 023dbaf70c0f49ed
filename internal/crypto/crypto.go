package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

var (
	// ErrKeyDerivation indicates the runtime cannot run the requested KDF.
	ErrKeyDerivation = errors.New("key derivation failed")

	// ErrDecryption covers both a wrong password and corrupted or tampered
	// ciphertext. The two are deliberately indistinguishable.
	ErrDecryption = errors.New("invalid password or corrupted vault")
)

// GenerateSalt generates a random per-owner salt
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// EncodeBase64 encodes bytes to base64 string
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes base64 string to bytes
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// ConstantTimeCompare performs constant-time comparison
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize overwrites a byte slice with zeros to clear sensitive data from memory
func Zeroize(data []byte) {
	if len(data) == 0 {
		return
	}
	memguard.WipeBytes(data)
}
