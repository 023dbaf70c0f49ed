package vault

import (
	"errors"
	"fmt"

	"github.com/vaultctl/vaultsync/internal/crypto"
)

// SealOptions carries the owner's existing salt and KDF config when
// re-encrypting an unlocked vault
type SealOptions struct {
	Salt []byte
	KDF  *crypto.KDFConfig
}

// Sealer encrypts vaults into envelopes and back
type Sealer struct {
	Deriver crypto.KeyDeriver
	Cipher  crypto.Cipher    // cipher for envelopes this sealer writes
	KDF     crypto.KDFConfig // config for new generations; zero means crypto.DefaultKDFConfig
}

// DefaultSealer is used by the package-level Encrypt and Decrypt
var DefaultSealer = Sealer{}

// NewKey derives a key for a brand-new envelope generation: fresh salt and
// the default KDF config, falling back to PBKDF2 when Argon2id is
// unavailable. The returned key's Config is what must be persisted.
func (s Sealer) NewKey(password []byte) (*crypto.DerivedKey, error) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	cfg := s.KDF
	if cfg.Algorithm == "" {
		cfg = crypto.DefaultKDFConfig()
	}
	return s.Deriver.DeriveKey(password, salt, cfg)
}

// ExistingKey derives the key for an existing salt and config. A fallback
// would not reproduce the persisted key, so it is reported as an error.
func (s Sealer) ExistingKey(password, salt []byte, cfg crypto.KDFConfig) (*crypto.DerivedKey, error) {
	key, err := s.Deriver.DeriveKey(password, salt, cfg)
	if err != nil {
		return nil, err
	}
	if key.FellBack(cfg) {
		key.Destroy()
		return nil, fmt.Errorf("%w: %s is unavailable in this runtime", crypto.ErrKeyDerivation, cfg.Algorithm)
	}
	return key, nil
}

// KeyFor derives the key that opens env
func (s Sealer) KeyFor(env *Envelope, password []byte) (*crypto.DerivedKey, error) {
	salt, err := env.Salt()
	if err != nil {
		return nil, err
	}
	return s.ExistingKey(password, salt, env.KDFConfig)
}

// Encrypt seals v under password. With opts the owner's salt and config are
// reused; without, a new generation is established.
func (s Sealer) Encrypt(v *Vault, password []byte, opts *SealOptions) (*Envelope, error) {
	var (
		key *crypto.DerivedKey
		err error
	)
	switch {
	case opts == nil || (opts.Salt == nil && opts.KDF == nil):
		key, err = s.NewKey(password)
	case opts.Salt != nil && opts.KDF != nil:
		key, err = s.ExistingKey(password, opts.Salt, *opts.KDF)
	default:
		return nil, errors.New("salt and kdf config must be given together")
	}
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	return s.EncryptWithKey(v, key)
}

// EncryptWithKey seals v under an already derived key
func (s Sealer) EncryptWithKey(v *Vault, key *crypto.DerivedKey) (*Envelope, error) {
	if key == nil || key.Key == nil {
		return nil, errors.New("no key material")
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}

	plaintext, err := v.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize vault: %w", err)
	}
	defer crypto.Zeroize(plaintext)

	c := s.Cipher
	if c == "" {
		c = crypto.DefaultCipher
	}
	ciphertext, nonce, err := crypto.Encrypt(c, key.Key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt vault: %w", err)
	}

	env := &Envelope{
		Ciphertext:  crypto.EncodeBase64(ciphertext),
		Nonce:       crypto.EncodeBase64(nonce),
		KDFSalt:     crypto.EncodeBase64(key.Salt),
		KDFConfig:   key.Config,
		SyncVersion: v.SyncVersion,
	}
	if c != crypto.DefaultCipher {
		env.Cipher = string(c)
	}
	return env, nil
}

// Decrypt opens env with password
func (s Sealer) Decrypt(env *Envelope, password []byte) (*Vault, error) {
	v, key, err := s.Unlock(env, password)
	if err != nil {
		return nil, err
	}
	key.Destroy()
	return v, nil
}

// Unlock opens env and hands back the derived key for reuse by a session
func (s Sealer) Unlock(env *Envelope, password []byte) (*Vault, *crypto.DerivedKey, error) {
	key, err := s.KeyFor(env, password)
	if err != nil {
		return nil, nil, err
	}
	v, err := s.DecryptWithKey(env, key)
	if err != nil {
		key.Destroy()
		return nil, nil, err
	}
	return v, key, nil
}

// DecryptWithKey opens env with a key derived for its generation
func (s Sealer) DecryptWithKey(env *Envelope, key *crypto.DerivedKey) (*Vault, error) {
	d, err := env.decode()
	if err != nil {
		return nil, err
	}
	if !key.Matches(d.salt, env.KDFConfig) {
		// a key from another generation can only fail authentication
		return nil, crypto.ErrDecryption
	}

	plaintext, err := crypto.Decrypt(d.cipher, key.Key, d.nonce, d.ciphertext)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(plaintext)

	return Unmarshal(plaintext)
}

// Encrypt seals v with DefaultSealer
func Encrypt(v *Vault, password []byte, opts *SealOptions) (*Envelope, error) {
	return DefaultSealer.Encrypt(v, password, opts)
}

// Decrypt opens env with DefaultSealer
func Decrypt(env *Envelope, password []byte) (*Vault, error) {
	return DefaultSealer.Decrypt(env, password)
}
