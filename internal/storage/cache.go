package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vaultctl/vaultsync/internal/vault"
)

var (
	// ErrCacheEmpty indicates that nothing has been persisted locally.
	ErrCacheEmpty = errors.New("local cache is empty")
)

// CachedVault is the single envelope kept on this device
type CachedVault struct {
	Owner    string         `json:"owner"`
	Envelope vault.Envelope `json:"payload"`
	Pending  bool           `json:"pending"` // not yet accepted by the remote
	SavedAt  time.Time      `json:"savedAt"`
}

// LocalCache holds the most recent envelope written or read on this device.
// It has one slot; persisting replaces whatever was there.
type LocalCache interface {
	Persist(owner string, env *vault.Envelope, pending bool) error
	Load() (*CachedVault, error)
	Clear() error
}

// FileCache keeps the cached envelope in a JSON file
type FileCache struct {
	Path string
}

// NewFileCache creates a file cache at path
func NewFileCache(path string) *FileCache {
	return &FileCache{Path: path}
}

// EnsureDir ensures the cache directory exists
func (fc *FileCache) EnsureDir() error {
	return os.MkdirAll(filepath.Dir(fc.Path), 0700)
}

// Persist writes the envelope, replacing the previous one
func (fc *FileCache) Persist(owner string, env *vault.Envelope, pending bool) error {
	if err := fc.EnsureDir(); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	data, err := json.Marshal(CachedVault{Owner: owner, Envelope: *env, Pending: pending, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to serialize cached vault: %w", err)
	}

	// atomic replace
	tmp := fc.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp, fc.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	return nil
}

// Load reads the cached envelope
func (fc *FileCache) Load() (*CachedVault, error) {
	data, err := os.ReadFile(fc.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCacheEmpty
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	var cv CachedVault
	if err := json.Unmarshal(data, &cv); err != nil {
		return nil, fmt.Errorf("failed to parse cache file: %w", err)
	}
	return &cv, nil
}

// Clear removes the cache file
func (fc *FileCache) Clear() error {
	if err := os.Remove(fc.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	return nil
}
