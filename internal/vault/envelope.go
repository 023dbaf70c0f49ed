package vault

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vaultctl/vaultsync/internal/crypto"
)

var (
	// ErrInvalidEnvelope indicates an envelope whose fields cannot be decoded.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Envelope is the encrypted vault as stored remotely, cached locally and
// carried in backups. It is never mutated; every save builds a new one.
type Envelope struct {
	Ciphertext  string           `json:"vault_ciphertext"` // base64
	Nonce       string           `json:"vault_nonce"`      // base64
	KDFSalt     string           `json:"kdf_salt"`         // base64
	KDFConfig   crypto.KDFConfig `json:"kdf_params"`
	SyncVersion int64            `json:"vault_version"`
	Cipher      string           `json:"cipher,omitempty"` // empty means aes-256-gcm
}

// decoded holds the binary form of an envelope
type decoded struct {
	ciphertext []byte
	nonce      []byte
	salt       []byte
	cipher     crypto.Cipher
}

func (e *Envelope) decode() (*decoded, error) {
	ct, err := crypto.DecodeBase64(e.Ciphertext)
	if err != nil || len(ct) == 0 {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrInvalidEnvelope)
	}
	nonce, err := crypto.DecodeBase64(e.Nonce)
	if err != nil || len(nonce) != crypto.NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrInvalidEnvelope, crypto.NonceSize)
	}
	salt, err := crypto.DecodeBase64(e.KDFSalt)
	if err != nil || len(salt) == 0 {
		return nil, fmt.Errorf("%w: bad salt encoding", ErrInvalidEnvelope)
	}
	c, err := crypto.ParseCipher(e.Cipher)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return &decoded{ciphertext: ct, nonce: nonce, salt: salt, cipher: c}, nil
}

// Salt returns the decoded KDF salt
func (e *Envelope) Salt() ([]byte, error) {
	salt, err := crypto.DecodeBase64(e.KDFSalt)
	if err != nil || len(salt) == 0 {
		return nil, fmt.Errorf("%w: bad salt encoding", ErrInvalidEnvelope)
	}
	return salt, nil
}

// Validate checks that every field decodes and the version is sane
func (e *Envelope) Validate() error {
	if e.SyncVersion < 0 {
		return fmt.Errorf("%w: negative version", ErrInvalidEnvelope)
	}
	if _, err := e.decode(); err != nil {
		return err
	}
	if err := e.KDFConfig.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}

// ToJSON serializes the envelope to JSON
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EnvelopeFromJSON deserializes an envelope from JSON
func EnvelopeFromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return &e, nil
}
