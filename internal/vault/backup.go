package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vaultctl/vaultsync/internal/crypto"
)

// BackupFormat is the backup document schema tag
const BackupFormat = 1

// BackupExt is the file extension used for backup documents
const BackupExt = ".json"

var (
	// ErrInvalidBackup indicates a backup document that cannot be restored.
	ErrInvalidBackup = errors.New("invalid backup file")
)

// Backup is an exported envelope. It is encrypted exactly like the remote
// copy and can only be restored with the matching master password.
type Backup struct {
	Format      int              `json:"format"`
	OwnerID     string           `json:"ownerId"`
	Ciphertext  string           `json:"ciphertext"`
	Nonce       string           `json:"nonce"`
	KDFSalt     string           `json:"kdfSalt"`
	KDFConfig   crypto.KDFConfig `json:"kdfConfig"`
	SyncVersion int64            `json:"syncVersion"`
	Cipher      string           `json:"cipher,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// NewBackup wraps env for export
func NewBackup(owner string, env *Envelope) *Backup {
	return &Backup{
		Format:      BackupFormat,
		OwnerID:     owner,
		Ciphertext:  env.Ciphertext,
		Nonce:       env.Nonce,
		KDFSalt:     env.KDFSalt,
		KDFConfig:   env.KDFConfig,
		SyncVersion: env.SyncVersion,
		Cipher:      env.Cipher,
		CreatedAt:   time.Now().UTC(),
	}
}

// Envelope returns the envelope carried by the backup
func (b *Backup) Envelope() *Envelope {
	return &Envelope{
		Ciphertext:  b.Ciphertext,
		Nonce:       b.Nonce,
		KDFSalt:     b.KDFSalt,
		KDFConfig:   b.KDFConfig,
		SyncVersion: b.SyncVersion,
		Cipher:      b.Cipher,
	}
}

// Validate checks that the backup can be turned back into an envelope
func (b *Backup) Validate() error {
	if b.Format != BackupFormat {
		return fmt.Errorf("%w: unsupported format %d", ErrInvalidBackup, b.Format)
	}
	if b.Ciphertext == "" || b.Nonce == "" || b.KDFSalt == "" || b.KDFConfig.Algorithm == "" {
		return fmt.Errorf("%w: missing fields", ErrInvalidBackup)
	}
	if err := b.Envelope().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	return nil
}

// MarshalBackup renders the backup as indented JSON
func MarshalBackup(b *Backup) ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// UnmarshalBackup parses and validates a backup document
func UnmarshalBackup(data []byte) (*Backup, error) {
	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// WriteBackup writes b to path with owner-only permissions
func WriteBackup(path string, b *Backup) error {
	data, err := MarshalBackup(b)
	if err != nil {
		return fmt.Errorf("failed to serialize backup: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}

// ReadBackup reads and validates the backup at path
func ReadBackup(path string) (*Backup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}
	return UnmarshalBackup(data)
}

// BackupFileName returns a timestamped file name for a backup of owner
func BackupFileName(owner string, at time.Time) string {
	return fmt.Sprintf("vault-%s-%s%s", owner, at.UTC().Format("2006-01-02T15-04-05Z"), BackupExt)
}

// BackupInfo holds information about a backup file
type BackupInfo struct {
	Path      string
	Size      int64
	CreatedAt time.Time
}

// ListBackups finds backup files in dir, newest first
func ListBackups(dir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, "vault-") || !strings.HasSuffix(name, BackupExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			Path:      filepath.Join(dir, name),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}
