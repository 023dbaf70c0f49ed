package vaultsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vaultctl/vaultsync/internal/crypto"
	"github.com/vaultctl/vaultsync/internal/logging"
	"github.com/vaultctl/vaultsync/internal/merge"
	"github.com/vaultctl/vaultsync/internal/storage"
	"github.com/vaultctl/vaultsync/internal/vault"
)

// DefaultMaxRetries is the number of merge-and-retry rounds after the first
// commit attempt
const DefaultMaxRetries = 2

var (
	// ErrSyncExhausted means every retry hit another conflict; the user has
	// to sync again by hand.
	ErrSyncExhausted = errors.New("sync retries exhausted")

	// ErrPendingUnreadable means the local cache holds unsynced changes that
	// the given password cannot open, usually because another device changed
	// the password meanwhile. The cache is left untouched.
	ErrPendingUnreadable = errors.New("pending local changes cannot be opened")
)

// Outcome tells how a save ended
type Outcome int

const (
	// Committed means the remote accepted the vault
	Committed Outcome = iota
	// PersistedLocallyPendingSync means the remote was unreachable and the
	// envelope was kept in the local cache only
	PersistedLocallyPendingSync
)

func (o Outcome) String() string {
	if o == PersistedLocallyPendingSync {
		return "saved locally, pending sync"
	}
	return "committed"
}

// SaveResult describes a finished save
type SaveResult struct {
	Outcome  Outcome
	Version  int64
	Attempts int
	Merged   bool
	Report   merge.Report // accumulated over every merge round
}

// Options configures an Orchestrator
type Options struct {
	MaxRetries int // negative means no retries; zero means DefaultMaxRetries
	Log        logging.Logger
}

// Orchestrator runs every mutation of the session vault through a single
// serialized save path
type Orchestrator struct {
	client     *Client
	cache      storage.LocalCache
	session    *Session
	maxRetries int
	log        logging.Logger

	saveMu sync.Mutex
}

// New creates an orchestrator with a fresh locked session. cache may be nil.
func New(client *Client, cache storage.LocalCache, opts Options) *Orchestrator {
	retries := opts.MaxRetries
	switch {
	case retries == 0:
		retries = DefaultMaxRetries
	case retries < 0:
		retries = 0
	}
	return &Orchestrator{
		client:     client,
		cache:      cache,
		session:    NewSession(),
		maxRetries: retries,
		log:        opts.Log,
	}
}

// Session returns the orchestrator's session
func (o *Orchestrator) Session() *Session {
	return o.session
}

// Client returns the protocol client
func (o *Orchestrator) Client() *Client {
	return o.client
}

// Lock locks the session
func (o *Orchestrator) Lock() {
	o.session.Lock()
}

func (o *Orchestrator) persist(owner string, env *vault.Envelope, pending bool) error {
	if o.cache == nil {
		if pending {
			return errors.New("no local cache configured")
		}
		return nil
	}
	return o.cache.Persist(owner, env, pending)
}

// Register creates and uploads an empty vault for a new owner and leaves
// the session unlocked on it
func (o *Orchestrator) Register(ctx context.Context, owner string, password []byte) error {
	owner, err := storage.NormalizeOwner(owner)
	if err != nil {
		return err
	}

	sealer := o.client.Sealer()
	key, err := sealer.NewKey(password)
	if err != nil {
		return err
	}
	if key.Config.Algorithm != crypto.AlgorithmArgon2id {
		o.log.Warnf("memory-hard key derivation unavailable, using %s", key.Config.Algorithm)
	}

	v := vault.NewVault()
	env, err := sealer.EncryptWithKey(v, key)
	if err != nil {
		key.Destroy()
		return err
	}
	if err := o.client.Register(ctx, owner, env); err != nil {
		key.Destroy()
		return err
	}
	if err := o.persist(owner, env, false); err != nil {
		o.log.Warnf("failed to update local cache: %v", err)
	}

	o.session.open(owner, password, key, v, env, false)
	o.log.Infof("registered %s at version %d", owner, env.SyncVersion)
	return nil
}

// UnlockResult describes where an unlocked vault came from
type UnlockResult struct {
	FromCache bool  // the remote was unreachable
	Pending   bool  // the vault holds changes the remote has not accepted
	Version   int64 // version of the unlocked vault
}

// Unlock opens the owner's vault. The remote copy is preferred; when the
// remote is unreachable the local cache for the same owner is used. A pending
// local envelope is folded into a newer remote one; when password cannot open
// it the unlock fails with ErrPendingUnreadable and the cache is kept.
func (o *Orchestrator) Unlock(ctx context.Context, owner string, password []byte) (*UnlockResult, error) {
	owner, err := storage.NormalizeOwner(owner)
	if err != nil {
		return nil, err
	}
	o.session.Lock()

	cached := o.loadCache(owner)

	env, err := o.client.FetchEnvelope(ctx, owner)
	switch {
	case errors.Is(err, storage.ErrRemoteUnreachable):
		if cached == nil {
			return nil, err
		}
		o.log.Warnf("remote unreachable, unlocking from local cache")
		return o.unlockFromCache(owner, password, cached)
	case err != nil:
		return nil, err
	}

	v, key, err := o.client.Open(env, password, nil)
	if err != nil {
		return nil, err
	}
	result := &UnlockResult{Version: env.SyncVersion}
	sessionEnv := env

	if cached != nil && cached.Pending {
		local, err := o.openCached(cached, password, key)
		switch {
		case err != nil:
			key.Destroy()
			return nil, fmt.Errorf("%w: version %d was saved offline under another password: %v",
				ErrPendingUnreadable, cached.Envelope.SyncVersion, err)
		case local.SyncVersion > env.SyncVersion:
			// remote has not moved since we went offline
			v = local
			sessionEnv = &cached.Envelope
			result.Pending = true
		default:
			v = merge.Merge(local, v)
			merged, err := o.client.Sealer().EncryptWithKey(v, key)
			if err != nil {
				key.Destroy()
				return nil, err
			}
			if err := o.persist(owner, merged, true); err != nil {
				o.log.Warnf("failed to update local cache: %v", err)
			}
			sessionEnv = merged
			result.Pending = true
			o.log.Infof("merged pending local changes into remote version %d", env.SyncVersion)
		}
		result.Version = v.SyncVersion
	}
	if !result.Pending {
		if err := o.persist(owner, env, false); err != nil {
			o.log.Warnf("failed to update local cache: %v", err)
		}
	}

	o.session.open(owner, password, key, v, sessionEnv, result.Pending)
	return result, nil
}

func (o *Orchestrator) loadCache(owner string) *storage.CachedVault {
	if o.cache == nil {
		return nil
	}
	cached, err := o.cache.Load()
	if err != nil {
		if !errors.Is(err, storage.ErrCacheEmpty) {
			o.log.Warnf("failed to read local cache: %v", err)
		}
		return nil
	}
	if cached.Owner != owner {
		return nil
	}
	return cached
}

// openCached decrypts a cached envelope with key if it matches, else with a
// throwaway key derived from password
func (o *Orchestrator) openCached(cached *storage.CachedVault, password []byte, key *crypto.DerivedKey) (*vault.Vault, error) {
	v, k, err := o.client.Open(&cached.Envelope, password, key)
	if err != nil {
		return nil, err
	}
	if k != key {
		k.Destroy()
	}
	return v, nil
}

func (o *Orchestrator) unlockFromCache(owner string, password []byte, cached *storage.CachedVault) (*UnlockResult, error) {
	v, key, err := o.client.Open(&cached.Envelope, password, nil)
	if err != nil {
		return nil, err
	}
	o.session.open(owner, password, key, v, &cached.Envelope, cached.Pending)
	return &UnlockResult{FromCache: true, Pending: cached.Pending, Version: v.SyncVersion}, nil
}

// SaveWithConflictRetry applies mutate to a copy of the current vault and
// commits it as the next version. Conflicts are resolved by merging with the
// remote vault, at most MaxRetries times. When the remote is unreachable the
// envelope is stored in the local cache and the outcome is
// PersistedLocallyPendingSync.
//
// The commit is not cancelled by ctx once started.
func (o *Orchestrator) SaveWithConflictRetry(ctx context.Context, mutate func(*vault.Vault) error) (*SaveResult, error) {
	o.saveMu.Lock()
	defer o.saveMu.Unlock()

	l, err := o.session.acquire()
	if err != nil {
		return nil, err
	}
	defer o.session.release(l)

	candidate := l.current.Clone()
	if err := mutate(candidate); err != nil {
		return nil, err
	}
	candidate.SyncVersion = l.current.SyncVersion + 1

	return o.commitLoop(context.WithoutCancel(ctx), l, candidate, nil, nil)
}

// PushPending commits a vault that was saved locally while offline. It runs
// the same commit and merge loop as a save.
func (o *Orchestrator) PushPending(ctx context.Context) (*SaveResult, error) {
	o.saveMu.Lock()
	defer o.saveMu.Unlock()

	l, err := o.session.acquire()
	if err != nil {
		return nil, err
	}
	defer o.session.release(l)

	if !l.pending {
		return &SaveResult{Outcome: Committed, Version: l.current.SyncVersion}, nil
	}
	return o.commitLoop(context.WithoutCancel(ctx), l, l.current.Clone(), nil, nil)
}

// ChangePassword re-encrypts the vault under a new password with a fresh salt
// and KDF config, committed as the next version. It is never saved locally
// only: an unreachable remote is an error.
func (o *Orchestrator) ChangePassword(ctx context.Context, newPassword []byte) (*SaveResult, error) {
	o.saveMu.Lock()
	defer o.saveMu.Unlock()

	l, err := o.session.acquire()
	if err != nil {
		return nil, err
	}
	defer o.session.release(l)

	newKey, err := o.client.Sealer().NewKey(newPassword)
	if err != nil {
		return nil, err
	}
	l.derived = append(l.derived, newKey)

	candidate := l.current.Clone()
	candidate.SyncVersion = l.current.SyncVersion + 1
	return o.commitLoop(context.WithoutCancel(ctx), l, candidate, newKey, newPassword)
}

// commitLoop encrypts and commits candidate, merging with the remote on
// every conflict. encKey overrides the session key for encryption; remote
// envelopes are always opened with the lease key or password.
func (o *Orchestrator) commitLoop(ctx context.Context, l *lease, candidate *vault.Vault, encKey *crypto.DerivedKey, newPassword []byte) (*SaveResult, error) {
	sealer := o.client.Sealer()
	result := &SaveResult{}

	for attempt := 0; ; attempt++ {
		key := encKey
		if key == nil {
			key = l.key
		}
		env, err := sealer.EncryptWithKey(candidate, key)
		if err != nil {
			return nil, err
		}

		result.Attempts++
		accepted, err := o.client.CommitEnvelope(ctx, l.owner, env)
		var conflict *storage.VersionConflictError
		switch {
		case err == nil:
			candidate.SyncVersion = accepted
			if err := o.persist(l.owner, env, false); err != nil {
				o.log.Warnf("failed to update local cache: %v", err)
			}
			o.session.apply(l, candidate, env, key, newPassword, false)
			result.Outcome = Committed
			result.Version = accepted
			o.log.Infof("committed version %d after %d attempt(s)", accepted, result.Attempts)
			return result, nil

		case errors.Is(err, storage.ErrRemoteUnreachable):
			if newPassword != nil {
				return nil, fmt.Errorf("changing the password needs the remote: %w", err)
			}
			return o.persistPending(l, candidate, env, key, newPassword, result)

		case errors.As(err, &conflict):
			if attempt >= o.maxRetries {
				return nil, fmt.Errorf("%w: remote at version %d after %d attempts", ErrSyncExhausted, conflict.ServerVersion, result.Attempts)
			}

			remoteEnv, err := o.client.FetchEnvelope(ctx, l.owner)
			if errors.Is(err, storage.ErrRemoteUnreachable) && newPassword == nil {
				return o.persistPending(l, candidate, env, key, newPassword, result)
			}
			if err != nil {
				return nil, err
			}
			remote, k, err := o.client.Open(remoteEnv, l.password, l.key)
			if err != nil {
				return nil, err
			}
			l.useKey(k)

			merged, report := merge.MergeWithReport(candidate, remote)
			result.Merged = true
			result.Report.RemoteOnly = append(result.Report.RemoteOnly, report.RemoteOnly...)
			result.Report.TakenRemote = append(result.Report.TakenRemote, report.TakenRemote...)
			o.log.Infof("conflict with remote version %d, merged %d new and %d newer entries",
				remoteEnv.SyncVersion, len(report.RemoteOnly), len(report.TakenRemote))
			candidate = merged

		default:
			return nil, err
		}
	}
}

func (o *Orchestrator) persistPending(l *lease, candidate *vault.Vault, env *vault.Envelope, key *crypto.DerivedKey, newPassword []byte, result *SaveResult) (*SaveResult, error) {
	if err := o.persist(l.owner, env, true); err != nil {
		return nil, fmt.Errorf("remote unreachable and local save failed: %w", err)
	}
	o.session.apply(l, candidate, env, key, newPassword, true)
	o.log.Warnf("remote unreachable, version %d saved locally and pending sync", candidate.SyncVersion)
	result.Outcome = PersistedLocallyPendingSync
	result.Version = candidate.SyncVersion
	return result, nil
}

// Refresh pulls the remote vault into the session. Pending local changes are
// merged rather than replaced and stay pending.
func (o *Orchestrator) Refresh(ctx context.Context) (int64, error) {
	o.saveMu.Lock()
	defer o.saveMu.Unlock()

	l, err := o.session.acquire()
	if err != nil {
		return 0, err
	}
	defer o.session.release(l)

	remote, env, key, err := o.client.Pull(ctx, l.owner, l.password, l.key)
	if err != nil {
		return 0, err
	}
	l.useKey(key)

	if l.pending {
		merged := merge.Merge(l.current, remote)
		mergedEnv, err := o.client.Sealer().EncryptWithKey(merged, key)
		if err != nil {
			return 0, err
		}
		if err := o.persist(l.owner, mergedEnv, true); err != nil {
			return 0, fmt.Errorf("failed to keep pending changes locally: %w", err)
		}
		o.session.apply(l, merged, mergedEnv, key, nil, true)
		return merged.SyncVersion, nil
	}

	if err := o.persist(l.owner, env, false); err != nil {
		o.log.Warnf("failed to update local cache: %v", err)
	}
	o.session.apply(l, remote, env, key, nil, false)
	return remote.SyncVersion, nil
}

// CheckStaleness reports whether the remote holds a version newer than
// localVersion. It reads the version only and never decrypts.
func (o *Orchestrator) CheckStaleness(ctx context.Context, owner string, localVersion int64) (bool, int64, error) {
	remote, err := o.client.FetchVersion(ctx, owner)
	if err != nil {
		return false, 0, err
	}
	return remote > localVersion, remote, nil
}

// FetchRemote pulls and decrypts the remote vault without touching the
// session vault
func (o *Orchestrator) FetchRemote(ctx context.Context) (*vault.Vault, *vault.Envelope, error) {
	l, err := o.session.acquire()
	if err != nil {
		return nil, nil, err
	}
	defer o.session.release(l)

	v, env, key, err := o.client.Pull(ctx, l.owner, l.password, l.key)
	if err != nil {
		return nil, nil, err
	}
	l.useKey(key)
	return v, env, nil
}
