// Package crypto provides the password-based key derivation and
// authenticated encryption used to seal vaults.
//
// Key derivation:
//   - Argon2id (memory-hard) with the owner's salt and persisted parameters
//   - PBKDF2-HMAC-SHA256 as the fallback when Argon2id cannot run
//   - the raw digest is expanded with HKDF-SHA256 (info "vault-encryption")
//     into the final 256-bit encryption key
//
// Encryption uses a 256-bit key and a fresh random 96-bit nonce on every
// call, with either AES-256-GCM (default) or ChaCha20-Poly1305. Any
// authentication failure is reported as ErrDecryption, whatever the cause.
//
// Memory safety:
//   - Use Zeroize() to wipe sensitive data after use
//   - Call DerivedKey.Destroy() when a key is no longer needed
package crypto
