package storage

import (
	"context"
	"sync"

	"github.com/vaultctl/vaultsync/internal/vault"
)

// MemoryStore is an in-process RemoteStore
type MemoryStore struct {
	mu     sync.Mutex
	vaults map[string]vault.Envelope

	// offline makes every call fail with ErrRemoteUnreachable
	offline bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vaults: make(map[string]vault.Envelope)}
}

// SetOffline toggles simulated unreachability
func (m *MemoryStore) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

func (m *MemoryStore) check(ctx context.Context) error {
	if m.offline {
		return ErrRemoteUnreachable
	}
	return ctx.Err()
}

// FetchEnvelope returns a copy of the stored envelope
func (m *MemoryStore) FetchEnvelope(ctx context.Context, owner string) (*vault.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	env, ok := m.vaults[owner]
	if !ok {
		return nil, ErrNotFound
	}
	return &env, nil
}

// FetchVersion returns the stored version
func (m *MemoryStore) FetchVersion(ctx context.Context, owner string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	env, ok := m.vaults[owner]
	if !ok {
		return 0, ErrNotFound
	}
	return env.SyncVersion, nil
}

// CommitEnvelope applies compare-and-increment under the store lock
func (m *MemoryStore) CommitEnvelope(ctx context.Context, owner string, env *vault.Envelope) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	cur, ok := m.vaults[owner]
	if !ok {
		return 0, ErrNotFound
	}
	if err := checkCommit(cur.SyncVersion, env); err != nil {
		return 0, err
	}
	m.vaults[owner] = *env
	return env.SyncVersion, nil
}

// Register stores the first envelope for owner
func (m *MemoryStore) Register(ctx context.Context, owner string, env *vault.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.vaults[owner]; ok {
		return ErrAlreadyRegistered
	}
	m.vaults[owner] = *env
	return nil
}
