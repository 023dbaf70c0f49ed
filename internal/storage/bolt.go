package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vaultctl/vaultsync/internal/vault"
)

// Bucket names
var (
	VaultsBucket = []byte("vaults") // owner -> envelope JSON
	CacheBucket  = []byte("cache")  // single local cache slot
)

// CacheKey is the only key in CacheBucket
var CacheKey = []byte("latest")

// lockTimeout bounds how long we wait for another process holding the file
const lockTimeout = time.Second

func openBolt(path string, buckets ...[]byte) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BoltRemote is a RemoteStore backed by a bbolt file, typically on a
// shared or synced directory
type BoltRemote struct {
	db *bolt.DB
}

// OpenBoltRemote opens or creates the remote database at path.
// A file held by another process past the lock timeout counts as unreachable.
func OpenBoltRemote(path string) (*BoltRemote, error) {
	db, err := openBolt(path, VaultsBucket)
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %v", ErrRemoteUnreachable, err)
		}
		return nil, err
	}
	return &BoltRemote{db: db}, nil
}

// Close closes the database
func (b *BoltRemote) Close() error {
	return b.db.Close()
}

func getEnvelope(tx *bolt.Tx, owner string) (*vault.Envelope, error) {
	data := tx.Bucket(VaultsBucket).Get([]byte(owner))
	if data == nil {
		return nil, ErrNotFound
	}
	// data is only valid inside the transaction; Unmarshal copies
	return vault.EnvelopeFromJSON(data)
}

func putEnvelope(tx *bolt.Tx, owner string, env *vault.Envelope) error {
	data, err := env.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}
	return tx.Bucket(VaultsBucket).Put([]byte(owner), data)
}

// FetchEnvelope reads the owner's envelope
func (b *BoltRemote) FetchEnvelope(ctx context.Context, owner string) (*vault.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var env *vault.Envelope
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		env, err = getEnvelope(tx, owner)
		return err
	})
	return env, err
}

// FetchVersion reads the owner's stored version
func (b *BoltRemote) FetchVersion(ctx context.Context, owner string) (int64, error) {
	env, err := b.FetchEnvelope(ctx, owner)
	if err != nil {
		return 0, err
	}
	return env.SyncVersion, nil
}

// CommitEnvelope checks and writes inside one read-write transaction
func (b *BoltRemote) CommitEnvelope(ctx context.Context, owner string, env *vault.Envelope) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		cur, err := getEnvelope(tx, owner)
		if err != nil {
			return err
		}
		if err := checkCommit(cur.SyncVersion, env); err != nil {
			return err
		}
		return putEnvelope(tx, owner, env)
	})
	if err != nil {
		return 0, err
	}
	return env.SyncVersion, nil
}

// Register stores the first envelope for owner
func (b *BoltRemote) Register(ctx context.Context, owner string, env *vault.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(VaultsBucket).Get([]byte(owner)) != nil {
			return ErrAlreadyRegistered
		}
		return putEnvelope(tx, owner, env)
	})
}

// BoltCache is a LocalCache backed by a bbolt file
type BoltCache struct {
	db *bolt.DB
}

// OpenBoltCache opens or creates the cache database at path
func OpenBoltCache(path string) (*BoltCache, error) {
	db, err := openBolt(path, CacheBucket)
	if err != nil {
		return nil, err
	}
	return &BoltCache{db: db}, nil
}

// Close closes the database
func (c *BoltCache) Close() error {
	return c.db.Close()
}

// Persist replaces the cached envelope
func (c *BoltCache) Persist(owner string, env *vault.Envelope, pending bool) error {
	data, err := json.Marshal(CachedVault{Owner: owner, Envelope: *env, Pending: pending, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to serialize cached vault: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(CacheBucket).Put(CacheKey, data)
	})
}

// Load reads the cached envelope
func (c *BoltCache) Load() (*CachedVault, error) {
	var cv *CachedVault
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(CacheBucket).Get(CacheKey)
		if data == nil {
			return ErrCacheEmpty
		}
		cv = &CachedVault{}
		return json.Unmarshal(data, cv)
	})
	if err != nil {
		return nil, err
	}
	return cv, nil
}

// Clear empties the cache slot
func (c *BoltCache) Clear() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(CacheBucket).Delete(CacheKey)
	})
}
