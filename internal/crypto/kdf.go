package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Salt size for newly established vaults
	SaltSize = 16

	// Key sizes
	DigestSize = 32
	KeySize    = 32

	// Argon2id parameters
	DefaultMemory      = 64 * 1024 // 64 MB, in KiB
	DefaultIterations  = 3
	DefaultParallelism = 2

	// PBKDF2 fallback parameters
	FallbackIterations = 210000

	// Upper bounds accepted from persisted envelopes
	MaxMemory           = 4 << 20 // 4 GiB, in KiB
	MaxIterations       = 64
	MaxPBKDF2Iterations = 10_000_000

	// EncryptionKeyInfo binds the expanded key to vault encryption
	EncryptionKeyInfo = "vault-encryption"
)

// KDF algorithm identifiers, as persisted in envelopes
const (
	AlgorithmArgon2id = "argon2id"
	AlgorithmPBKDF2   = "pbkdf2"

	HashSHA256 = "SHA-256"
)

// KDFConfig holds the key-derivation parameters persisted alongside ciphertext
type KDFConfig struct {
	Algorithm   string `json:"algorithm"`
	Memory      uint32 `json:"memory,omitempty"` // KiB, argon2id only
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism,omitempty"` // argon2id only
	Hash        string `json:"hash"`
}

// DefaultKDFConfig returns the memory-hard parameters used for new vaults
func DefaultKDFConfig() KDFConfig {
	return KDFConfig{
		Algorithm:   AlgorithmArgon2id,
		Memory:      DefaultMemory,
		Iterations:  DefaultIterations,
		Parallelism: DefaultParallelism,
		Hash:        HashSHA256,
	}
}

// FallbackKDFConfig returns the iterative-hash parameters used when
// Argon2id is unavailable
func FallbackKDFConfig() KDFConfig {
	return KDFConfig{
		Algorithm:  AlgorithmPBKDF2,
		Iterations: FallbackIterations,
		Hash:       HashSHA256,
	}
}

// Validate checks that the config describes a derivation we can run
func (c KDFConfig) Validate() error {
	if c.Hash != "" && c.Hash != HashSHA256 {
		return fmt.Errorf("%w: unsupported hash %q", ErrKeyDerivation, c.Hash)
	}
	if c.Iterations == 0 {
		return fmt.Errorf("%w: iterations must be positive", ErrKeyDerivation)
	}

	switch c.Algorithm {
	case AlgorithmArgon2id:
		if c.Parallelism == 0 {
			return fmt.Errorf("%w: argon2id parallelism must be positive", ErrKeyDerivation)
		}
		if c.Memory < 8*uint32(c.Parallelism) {
			return fmt.Errorf("%w: argon2id memory must be at least 8 KiB per lane", ErrKeyDerivation)
		}
		if c.Memory > MaxMemory {
			return fmt.Errorf("%w: argon2id memory %d KiB exceeds %d KiB", ErrKeyDerivation, c.Memory, MaxMemory)
		}
		if c.Iterations > MaxIterations {
			return fmt.Errorf("%w: argon2id iterations %d exceed %d", ErrKeyDerivation, c.Iterations, MaxIterations)
		}
	case AlgorithmPBKDF2:
		if c.Iterations > MaxPBKDF2Iterations {
			return fmt.Errorf("%w: pbkdf2 iterations %d exceed %d", ErrKeyDerivation, c.Iterations, MaxPBKDF2Iterations)
		}
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrKeyDerivation, c.Algorithm)
	}
	return nil
}

// Equal reports whether two configs derive the same key for the same input
func (c KDFConfig) Equal(o KDFConfig) bool {
	return c.Algorithm == o.Algorithm &&
		c.Memory == o.Memory &&
		c.Iterations == o.Iterations &&
		c.Parallelism == o.Parallelism
}

// DerivedKey is an expanded encryption key together with the salt and the
// config that actually produced it
type DerivedKey struct {
	Key    []byte
	Salt   []byte
	Config KDFConfig
}

// Matches reports whether the key was derived for the given salt and config
func (k *DerivedKey) Matches(salt []byte, cfg KDFConfig) bool {
	if k == nil || k.Key == nil {
		return false
	}
	return ConstantTimeCompare(k.Salt, salt) && k.Config.Equal(cfg)
}

// FellBack reports whether derivation used a different algorithm than requested
func (k *DerivedKey) FellBack(requested KDFConfig) bool {
	return k.Config.Algorithm != requested.Algorithm
}

// Destroy wipes the key from memory
func (k *DerivedKey) Destroy() {
	if k == nil {
		return
	}
	Zeroize(k.Key)
	k.Key = nil
}

// KeyDeriver runs password-based key derivation.
// The zero value runs Argon2id without a memory limit.
type KeyDeriver struct {
	// MemoryLimitKiB is the memory budget available to Argon2id; configs
	// above it are treated as unavailable. Zero means unlimited.
	MemoryLimitKiB uint32
	// DisableMemoryHard marks Argon2id as unavailable in this runtime
	DisableMemoryHard bool
}

// DefaultDeriver is used by package-level helpers and zero-valued sealers
var DefaultDeriver = KeyDeriver{}

// MemoryHardAvailable reports whether Argon2id can run with the given config
func (d KeyDeriver) MemoryHardAvailable(cfg KDFConfig) bool {
	if d.DisableMemoryHard {
		return false
	}
	return d.MemoryLimitKiB == 0 || cfg.Memory <= d.MemoryLimitKiB
}

// DeriveKey derives the encryption key for password and salt.
// When cfg asks for Argon2id and it is unavailable, the PBKDF2 fallback is
// used instead; the returned DerivedKey.Config tells the caller which one ran.
func (d KeyDeriver) DeriveKey(password, salt []byte, cfg KDFConfig) (*DerivedKey, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: empty salt", ErrKeyDerivation)
	}

	used := cfg
	if used.Hash == "" {
		used.Hash = HashSHA256
	}
	if used.Algorithm == AlgorithmArgon2id && !d.MemoryHardAvailable(used) {
		used = FallbackKDFConfig()
	}

	var digest []byte
	switch used.Algorithm {
	case AlgorithmArgon2id:
		digest = argon2.IDKey(password, salt, used.Iterations, used.Memory, used.Parallelism, DigestSize)
	case AlgorithmPBKDF2:
		digest = pbkdf2.Key(password, salt, int(used.Iterations), DigestSize, sha256.New)
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrKeyDerivation, used.Algorithm)
	}
	defer Zeroize(digest)

	key, err := expandKey(digest)
	if err != nil {
		return nil, err
	}

	return &DerivedKey{
		Key:    key,
		Salt:   append([]byte(nil), salt...),
		Config: used,
	}, nil
}

// DeriveKey derives a key with DefaultDeriver
func DeriveKey(password, salt []byte, cfg KDFConfig) (*DerivedKey, error) {
	return DefaultDeriver.DeriveKey(password, salt, cfg)
}

// expandKey turns a password-hash digest into the AEAD key
func expandKey(digest []byte) ([]byte, error) {
	stream := hkdf.New(sha256.New, digest, nil, []byte(EncryptionKeyInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(stream, key); err != nil {
		return nil, fmt.Errorf("%w: key expansion failed", ErrKeyDerivation)
	}
	return key, nil
}
