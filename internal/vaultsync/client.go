package vaultsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/vaultctl/vaultsync/internal/crypto"
	"github.com/vaultctl/vaultsync/internal/logging"
	"github.com/vaultctl/vaultsync/internal/storage"
	"github.com/vaultctl/vaultsync/internal/vault"
)

// Client speaks the sync protocol against a remote store. It makes exactly
// one remote call per operation and never retries.
type Client struct {
	remote storage.RemoteStore
	sealer vault.Sealer
	log    logging.Logger
}

// NewClient creates a protocol client
func NewClient(remote storage.RemoteStore, sealer vault.Sealer, log logging.Logger) *Client {
	return &Client{remote: remote, sealer: sealer, log: log}
}

// Sealer returns the sealer used to open and seal envelopes
func (c *Client) Sealer() vault.Sealer {
	return c.sealer
}

// FetchEnvelope fetches and validates the owner's envelope
func (c *Client) FetchEnvelope(ctx context.Context, owner string) (*vault.Envelope, error) {
	env, err := c.remote.FetchEnvelope(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	c.log.Debugf("fetched envelope for %s at version %d", owner, env.SyncVersion)
	return env, nil
}

// FetchVersion returns the remote version without transferring ciphertext
func (c *Client) FetchVersion(ctx context.Context, owner string) (int64, error) {
	return c.remote.FetchVersion(ctx, owner)
}

// CommitEnvelope submits env once
func (c *Client) CommitEnvelope(ctx context.Context, owner string, env *vault.Envelope) (int64, error) {
	accepted, err := c.remote.CommitEnvelope(ctx, owner, env)
	if err != nil {
		var conflict *storage.VersionConflictError
		if errors.As(err, &conflict) {
			c.log.Debugf("commit of version %d rejected, remote at %d", env.SyncVersion, conflict.ServerVersion)
		}
		return 0, err
	}
	c.log.Debugf("remote accepted version %d", accepted)
	return accepted, nil
}

// Register stores the first envelope for a new owner
func (c *Client) Register(ctx context.Context, owner string, env *vault.Envelope) error {
	return c.remote.Register(ctx, owner, env)
}

// Open decrypts env, reusing key when it belongs to the same generation and
// deriving from password otherwise. The returned key is either key itself or
// a newly derived one owned by the caller.
func (c *Client) Open(env *vault.Envelope, password []byte, key *crypto.DerivedKey) (*vault.Vault, *crypto.DerivedKey, error) {
	salt, err := env.Salt()
	if err != nil {
		return nil, nil, err
	}
	if key.Matches(salt, env.KDFConfig) {
		v, err := c.sealer.DecryptWithKey(env, key)
		if err != nil {
			return nil, nil, err
		}
		v.SyncVersion = env.SyncVersion
		return v, key, nil
	}

	if password == nil {
		return nil, nil, fmt.Errorf("%w: no password for a new key generation", crypto.ErrKeyDerivation)
	}
	c.log.Debugf("remote key generation changed, deriving a new key")
	v, newKey, err := c.sealer.Unlock(env, password)
	if err != nil {
		return nil, nil, err
	}
	v.SyncVersion = env.SyncVersion
	return v, newKey, nil
}

// Pull fetches and decrypts the owner's vault. The envelope's version is
// authoritative over the one inside the plaintext.
func (c *Client) Pull(ctx context.Context, owner string, password []byte, key *crypto.DerivedKey) (*vault.Vault, *vault.Envelope, *crypto.DerivedKey, error) {
	env, err := c.FetchEnvelope(ctx, owner)
	if err != nil {
		return nil, nil, nil, err
	}
	v, k, err := c.Open(env, password, key)
	if err != nil {
		return nil, nil, nil, err
	}
	return v, env, k, nil
}
